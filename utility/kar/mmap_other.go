//go:build !unix

package kar

import (
	"io"
	"os"
)

func mapFile(f *os.File) (io.ReaderAt, func() error, error) {
	return f, f.Close, nil
}
