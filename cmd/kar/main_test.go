package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/koru3d/koru/utility/kar"
)

func writeTree(c *qt.C, dir string, files map[string]string) {
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		c.Assert(os.MkdirAll(filepath.Dir(path), 0o755), qt.IsNil)
		c.Assert(os.WriteFile(path, []byte(content), 0o644), qt.IsNil)
	}
}

func TestCompressListExtract(t *testing.T) {
	c := qt.New(t)
	src := filepath.Join(c.TempDir(), "shaders")
	files := map[string]string{
		"mesh.layout.json":  `{"attributes": []}`,
		"mesh.vert.spv":     "\x03\x02\x23\x07",
		"post/blur.frag.sp": "blur",
	}
	writeTree(c, src, files)

	archive := filepath.Join(c.TempDir(), "shaders.kar")
	header := kar.Header{Author: "tester", DateCreated: 1, Version: 3}
	c.Assert(compressFiles(src, archive, header), qt.IsNil)
	c.Assert(compressFiles(src, archive, header), qt.ErrorMatches, "destination file exists.*")

	var out bytes.Buffer
	c.Assert(listFiles(archive, &out), qt.IsNil)
	c.Assert(out.String(), qt.Contains, "author: tester\nversion: 3\n")
	c.Assert(out.String(), qt.Contains, "post/blur.frag.sp\n")

	dst := c.TempDir()
	c.Assert(extractFiles(archive, dst), qt.IsNil)
	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(name)))
		c.Assert(err, qt.IsNil)
		c.Assert(string(data), qt.Equals, content)
	}
	c.Assert(extractFiles(archive, dst), qt.Not(qt.IsNil))
}

func TestCompressSingleFile(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	writeTree(c, dir, map[string]string{"a.txt": "a"})

	archive := filepath.Join(c.TempDir(), "a.kar")
	c.Assert(compressFiles(filepath.Join(dir, "a.txt"), archive, kar.Header{}), qt.IsNil)
	a, err := kar.OpenFile(archive)
	c.Assert(err, qt.IsNil)
	defer a.Close()
	c.Assert(a.Names(), qt.DeepEquals, []string{"a.txt"})
}

func TestDestination(t *testing.T) {
	c := qt.New(t)
	path, err := destination("out", "a/b.txt")
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Equals, filepath.Join("out", "a", "b.txt"))

	_, err = destination("out", "../etc/passwd")
	c.Assert(err, qt.ErrorMatches, `archive entry "../etc/passwd" escapes out`)
	_, err = destination("out", "..")
	c.Assert(err, qt.Not(qt.IsNil))
}
