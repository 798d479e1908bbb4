//go:build unix

package kar

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type mapping []byte

func (m mapping) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func mapFile(f *os.File) (io.ReaderAt, func() error, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := info.Size()
	if size == 0 {
		return mapping(nil), f.Close, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	// the mapping outlives the descriptor
	if err := f.Close(); err != nil {
		unix.Munmap(data)
		return nil, nil, err
	}
	return mapping(data), func() error { return unix.Munmap(data) }, nil
}
