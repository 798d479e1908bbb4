// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kar

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4"
)

// NewBuilder creates a new Builder. Do not fill the Index in
// the header, it will be overwritten anyway.
func NewBuilder(header Header) *Builder {
	return &Builder{
		header: header,
		names:  map[string]bool{},
	}
}

type compressedFile struct {
	name string
	size int64
	data []byte
}

// Builder is the high level builder for the archive format.
// Archives are versioned and cannot be appended to, the Builder
// is the way to create one. Every Add compresses the file right away,
// WriteTo then bundles them together.
type Builder struct {
	header Header

	mutex sync.Mutex
	names map[string]bool
	files []compressedFile
}

// Add compresses everything read from r and stores it under name.
// Will block until lz4 finishes compression. Is safe to use
// concurrently in different goroutines, files are stored in the
// order their Add returned.
func (b *Builder) Add(name string, r io.Reader) error {
	if name == "" {
		return fmt.Errorf("kar: add: empty name")
	}
	var compressed bytes.Buffer
	writer := lz4.NewWriter(&compressed)
	written, err := io.Copy(writer, r)
	if err != nil {
		return fmt.Errorf("kar: add %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("kar: add %s: %w", name, err)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.names[name] {
		return fmt.Errorf("kar: add %s: %w", name, ErrDuplicate)
	}
	b.names[name] = true
	b.files = append(b.files, compressedFile{
		name: name,
		size: written,
		data: compressed.Bytes(),
	})
	return nil
}

// AddBytes is Add for data already in memory.
func (b *Builder) AddBytes(name string, data []byte) error {
	return b.Add(name, bytes.NewReader(data))
}

// Len returns the number of files added so far.
func (b *Builder) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.files)
}

// WriteTo bundles and writes all of the files added to the Builder
// into a kar archive that is ready to use. The Builder keeps its files
// and can write the same archive again.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	header := b.header
	header.Index = make([]IndexEntry, 0, len(b.files))
	var offset int64
	for _, f := range b.files {
		header.Index = append(header.Index, IndexEntry{
			Name:           f.name,
			Offset:         offset,
			Size:           f.size,
			CompressedSize: int64(len(f.data)),
		})
		offset += int64(len(f.data))
	}

	rawHeader, err := gobEncode(header)
	if err != nil {
		return 0, fmt.Errorf("kar: encode header: %w", err)
	}

	var total int64
	write := func(p []byte) error {
		n, err := w.Write(p)
		total += int64(n)
		return err
	}
	if err := write(magic[:]); err != nil {
		return total, err
	}
	if err := write(int64ToBinary(int64(len(rawHeader)))); err != nil {
		return total, err
	}
	if err := write(rawHeader); err != nil {
		return total, err
	}
	for _, f := range b.files {
		if err := write(f.data); err != nil {
			return total, err
		}
	}
	return total, nil
}
