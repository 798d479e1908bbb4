// Package shader assembles shader program descriptions from compiled
// SPIR-V stages and a JSON layout file.
//
// A program called name consists of the files
//
//	name.vert.spv    vertex stage
//	name.frag.spv    fragment stage
//	name.comp.spv    compute stage
//	name.layout.json vertex attributes, descriptor sets and push constants
//
// Stages that are missing are skipped. The layout is required.
package shader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/gobuffalo/packd"
	"github.com/gobuffalo/packr"
	"golang.org/x/exp/slices"

	"github.com/koru3d/koru/gfx"
	"github.com/koru3d/koru/utility/kar"
)

// Source supplies program files by name. A missing file is reported
// with an error wrapping fs.ErrNotExist.
type Source interface {
	ReadAll(name string) ([]byte, error)
}

// Lister is implemented by sources that can enumerate their files.
type Lister interface {
	Names() []string
}

// DirSource reads files from a directory.
type DirSource string

// ReadAll implements Source.
func (d DirSource) ReadAll(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(string(d), filepath.FromSlash(name)))
}

// Names implements Lister.
func (d DirSource) Names() []string {
	var names []string
	filepath.WalkDir(string(d), func(path string, e fs.DirEntry, err error) error {
		if err != nil || e.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(string(d), path); err == nil {
			names = append(names, filepath.ToSlash(rel))
		}
		return nil
	})
	return names
}

// BoxSource reads files from a packr box, so shaders can be embedded
// into the binary.
type BoxSource struct {
	packr.Box
}

// ReadAll implements Source.
func (b BoxSource) ReadAll(name string) ([]byte, error) {
	return b.Find(name)
}

// Names implements Lister.
func (b BoxSource) Names() []string {
	var names []string
	b.Walk(func(path string, _ packd.File) error {
		names = append(names, filepath.ToSlash(path))
		return nil
	})
	return names
}

var (
	_ Source = DirSource("")
	_ Source = BoxSource{}
	_ Source = (*kar.Archive)(nil)
	_ Lister = (*kar.Archive)(nil)
)

var stageFiles = []struct {
	suffix string
	stage  gfx.ShaderStage
}{
	{".vert.spv", gfx.StageVertex},
	{".frag.spv", gfx.StageFragment},
	{".comp.spv", gfx.StageCompute},
}

const layoutSuffix = ".layout.json"

// Load reads the program name from src.
func Load(src Source, name string) (gfx.ShaderProgramDesc, error) {
	desc := gfx.ShaderProgramDesc{Label: name}

	raw, err := src.ReadAll(name + layoutSuffix)
	if err != nil {
		return desc, fmt.Errorf("shader %s: %w", name, err)
	}
	var l layout
	if err := json.Unmarshal(raw, &l); err != nil {
		return desc, fmt.Errorf("shader %s: layout: %w", name, err)
	}
	if err := l.apply(&desc); err != nil {
		return desc, fmt.Errorf("shader %s: layout: %w", name, err)
	}

	for _, sf := range stageFiles {
		code, err := src.ReadAll(name + sf.suffix)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return desc, fmt.Errorf("shader %s: %w", name, err)
		}
		if len(code) == 0 || len(code)%4 != 0 {
			return desc, fmt.Errorf("shader %s%s: code size %d is not a multiple of 4", name, sf.suffix, len(code))
		}
		entry := l.Entry
		if entry == "" {
			entry = "main"
		}
		desc.Stages = append(desc.Stages, gfx.ShaderModule{Stage: sf.stage, Entry: entry, Code: code})
	}
	if err := desc.Validate(); err != nil {
		return desc, err
	}
	return desc, nil
}

// Discover returns the sorted names of every program with a layout file
// in src.
func Discover(src Lister) []string {
	var names []string
	for _, n := range src.Names() {
		if strings.HasSuffix(n, layoutSuffix) {
			names = append(names, strings.TrimSuffix(n, layoutSuffix))
		}
	}
	slices.Sort(names)
	return names
}

// LoadAll loads every program Discover finds.
func LoadAll(src interface {
	Source
	Lister
}) ([]gfx.ShaderProgramDesc, error) {
	var descs []gfx.ShaderProgramDesc
	for _, name := range Discover(src) {
		desc, err := Load(src, name)
		if err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// Words reinterprets SPIR-V code as the native endian words expected by
// the driver, without copying. Trailing bytes are dropped.
func Words(code []byte) []uint32 {
	if len(code) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&code[0])), len(code)/4)
}
