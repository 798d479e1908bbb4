package kar

import (
	"fmt"
	"os"
)

// File is an Archive backed by a file on disk.
type File struct {
	*Archive
	closer func() error
}

// OpenFile opens the archive at path. On unix systems the file is
// memory mapped, elsewhere it is read through the file handle.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, closer, err := mapFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("kar: open %s: %w", path, err)
	}
	ar, err := Open(r)
	if err != nil {
		closer()
		return nil, fmt.Errorf("kar: open %s: %w", path, err)
	}
	return &File{Archive: ar, closer: closer}, nil
}

// Close releases the mapping and the file. Readers opened from the
// archive must not be used afterwards.
func (f *File) Close() error {
	return f.closer()
}
