// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command kar creates, lists and extracts kar archives.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/koru3d/koru/utility/kar"
)

func currentUserName() string {
	u, err := user.Current()
	if err != nil || u.Name == "" {
		return "unknown"
	}
	return u.Name
}

var (
	author   = flag.String("author", currentUserName(), "Set the author of the package when compressing")
	version  = flag.Int64("version", 1, "Archive version number to create it with")
	extract  = flag.String("e", "", "Extract the file given")
	compress = flag.String("c", "", "Compress the given file/folder")
	list     = flag.String("l", "", "List the contents of the file given")
	dstFile  = flag.String("f", "out.kar", "Destination file, or directory when extracting")
	silent   = flag.Bool("s", false, "Silent")
)

func main() {
	flag.Parse()
	if *silent {
		log.SetLevel(log.WarnLevel)
	}

	ops := 0
	for _, op := range []string{*extract, *compress, *list} {
		if op != "" {
			ops++
		}
	}
	if ops > 1 {
		log.Fatalln("only one operation at a time")
	}

	var err error
	switch {
	case *extract != "":
		dst := *dstFile
		if !isFlagSet("f") {
			dst = "."
		}
		err = extractFiles(*extract, dst)
	case *compress != "":
		err = compressFiles(*compress, *dstFile, kar.Header{
			Author:      *author,
			DateCreated: time.Now().Unix(),
			Version:     *version,
		})
	case *list != "":
		err = listFiles(*list, os.Stdout)
	default:
		flag.PrintDefaults()
	}
	if err != nil {
		log.Fatalln(err)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// compressFiles archives every regular file under src into dst. Names in
// the archive are slash separated and relative to src.
func compressFiles(src, dst string, header kar.Header) error {
	if _, err := os.Stat(dst); err == nil {
		return errors.New("destination file exists, will not overwrite")
	}

	root := src
	if st, err := os.Stat(src); err != nil {
		return err
	} else if !st.IsDir() {
		root = filepath.Dir(src)
	}

	builder := kar.NewBuilder(header)
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := builder.Add(filepath.ToSlash(name), f); err != nil {
			return err
		}
		log.WithFields(log.Fields{"file": name, "size": info.Size()}).Info("added")
		return nil
	})
	if err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	n, err := builder.WriteTo(out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	log.WithFields(log.Fields{"archive": dst, "files": builder.Len(), "size": n}).Info("written")
	return nil
}

// extractFiles writes every file of the archive at src below dir.
func extractFiles(src, dir string) error {
	a, err := kar.OpenFile(src)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, name := range a.Names() {
		path, err := destination(dir, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		r, err := a.Open(name)
		if err != nil {
			return err
		}
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, r)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
		log.WithField("file", path).Info("extracted")
	}
	return nil
}

// destination maps an archive name below dir, rejecting names that would
// escape it.
func destination(dir, name string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q escapes %s", name, dir)
	}
	return path, nil
}

func listFiles(src string, w io.Writer) error {
	a, err := kar.OpenFile(src)
	if err != nil {
		return err
	}
	defer a.Close()

	h := a.Header()
	fmt.Fprintf(w, "author: %s\nversion: %d\ncreated: %s\n", h.Author, h.Version,
		time.Unix(h.DateCreated, 0).Format(time.RFC3339))
	for _, name := range a.Names() {
		e, _ := a.Entry(name)
		fmt.Fprintf(w, "%10d %10d %s\n", e.Size, e.CompressedSize, name)
	}
	return nil
}
