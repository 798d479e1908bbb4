// Package graph resolves passes and their resource dependencies into an
// execution order.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/koru3d/koru/gfx"
)

// ErrNoTarget is returned when a graph is walked without a target pass.
var ErrNoTarget = errors.New("render graph has no target pass")

// Frame identifies the frame a pass records for.
type Frame struct {
	// Index is the frame-in-flight slot, in [0, Count).
	Index int

	// Count is the number of frames in flight.
	Count int

	// Number counts rendered frames since the renderer was created.
	Number uint64
}

// Pass is a unit of GPU work with declared resource dependencies.
// The dependency list must not change while the pass is registered.
type Pass interface {
	Name() string

	// Frames returns how many frame-in-flight copies of its state
	// the pass keeps.
	Frames() int

	Dependencies() []Dependency

	// Execute records the pass for frame and returns the recorded
	// commands, or nil when the pass records nothing.
	Execute(frame Frame) (gfx.CommandBuffer, error)
}

// CycleError reports a read/write cycle found while walking.
type CycleError struct {
	Path []Pass
}

func (e *CycleError) Error() string {
	names := make([]string, len(e.Path))
	for i, p := range e.Path {
		names[i] = p.Name()
	}
	return "dependency cycle: " + strings.Join(names, " -> ")
}

// AmbiguousWriterError reports a resource written by several passes
// without a preferred writer.
type AmbiguousWriterError struct {
	Resource gfx.Resource
	Reader   Pass
	Writers  []Pass
}

func (e *AmbiguousWriterError) Error() string {
	names := make([]string, len(e.Writers))
	for i, p := range e.Writers {
		names[i] = p.Name()
	}
	return fmt.Sprintf("%s %q read by %s has several writers (%s) and no preferred one",
		e.Resource.Kind(), e.Resource.Label(), e.Reader.Name(), strings.Join(names, ", "))
}

// RenderGraph is the set of registered passes and the target pass whose
// output is needed.
type RenderGraph struct {
	passes     []Pass
	registered map[Pass]bool
	preferred  map[gfx.Resource]Pass
	target     Pass
}

// New creates an empty graph.
func New() *RenderGraph {
	return &RenderGraph{
		registered: map[Pass]bool{},
		preferred:  map[gfx.Resource]Pass{},
	}
}

// AddPasses registers passes as candidates for dependency resolution.
// Registration order only matters for diagnostics; passes already
// registered are ignored.
func (g *RenderGraph) AddPasses(passes ...Pass) {
	for _, p := range passes {
		if p == nil || g.registered[p] {
			continue
		}
		g.registered[p] = true
		g.passes = append(g.passes, p)
	}
}

// Passes returns the registered passes in registration order.
func (g *RenderGraph) Passes() []Pass {
	return append([]Pass(nil), g.passes...)
}

// SetTargetPass records the pass whose output must be produced.
func (g *RenderGraph) SetTargetPass(p Pass) {
	g.target = p
}

// TargetPass returns the target pass.
func (g *RenderGraph) TargetPass() Pass {
	return g.target
}

// Prefer designates p as the writer of r when several registered passes
// write r.
func (g *RenderGraph) Prefer(r gfx.Resource, p Pass) {
	g.preferred[r] = p
}

// Walk returns the passes that must execute for target, in execution
// order, ending with target. For every read of the pass being resolved
// the writing pass is resolved first and then placed last in the order,
// so a writer shared by several readers ends up right before the reader
// resolved last. Reads without a writer are considered satisfied
// externally.
//
// Dependencies is called once per pass. A writer read again is replayed
// from the moves its first resolution made, a walk costs at most
// O(reads * passes^2) instead of growing with the number of paths
// through the graph.
func (g *RenderGraph) Walk(target Pass) ([]Pass, error) {
	if target == nil {
		return nil, ErrNoTarget
	}
	w := newWalker(g)
	if _, err := w.resolve(target); err != nil {
		return nil, err
	}
	w.order = moveToEnd(w.order, target)
	return w.order, nil
}

type walker struct {
	graph   *RenderGraph
	deps    map[Pass][]Dependency
	writers map[gfx.Resource][]Pass
	moves   map[Pass][]Pass
	active  map[Pass]bool
	stack   []Pass
	order   []Pass
}

// newWalker indexes the writers of every resource in registration order.
func newWalker(g *RenderGraph) *walker {
	w := &walker{
		graph:   g,
		deps:    make(map[Pass][]Dependency, len(g.passes)),
		writers: map[gfx.Resource][]Pass{},
		moves:   map[Pass][]Pass{},
		active:  map[Pass]bool{},
	}
	for _, p := range g.passes {
		for _, dep := range w.dependencies(p) {
			if dep.Resource == nil || !dep.Access.Writes() {
				continue
			}
			if list := w.writers[dep.Resource]; len(list) == 0 || list[len(list)-1] != p {
				w.writers[dep.Resource] = append(list, p)
			}
		}
	}
	return w
}

func (w *walker) dependencies(p Pass) []Dependency {
	deps, ok := w.deps[p]
	if !ok {
		deps = p.Dependencies()
		w.deps[p] = deps
	}
	return deps
}

// resolve orders the upstream of p and returns the passes it moved, in
// their final relative order.
func (w *walker) resolve(p Pass) ([]Pass, error) {
	if moved, ok := w.moves[p]; ok {
		for _, q := range moved {
			w.order = moveToEnd(w.order, q)
		}
		return moved, nil
	}

	w.active[p] = true
	w.stack = append(w.stack, p)
	defer func() {
		w.stack = w.stack[:len(w.stack)-1]
		delete(w.active, p)
	}()

	var moved []Pass
	for _, dep := range w.dependencies(p) {
		if !dep.Access.Reads() || dep.Resource == nil {
			continue
		}
		writer, err := w.writer(dep.Resource, p)
		if err != nil {
			return nil, err
		}
		if writer == nil {
			continue
		}
		if w.active[writer] {
			return nil, w.cycle(writer)
		}
		upstream, err := w.resolve(writer)
		if err != nil {
			return nil, err
		}
		w.order = moveToEnd(w.order, writer)
		for _, q := range upstream {
			moved = moveToEnd(moved, q)
		}
		moved = moveToEnd(moved, writer)
	}
	w.moves[p] = moved
	return moved, nil
}

// moveToEnd appends p to list, removing an earlier occurrence.
func moveToEnd(list []Pass, p Pass) []Pass {
	for i, q := range list {
		if q == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	return append(list, p)
}

func (w *walker) cycle(back Pass) error {
	start := 0
	for i, p := range w.stack {
		if p == back {
			start = i
			break
		}
	}
	path := append([]Pass(nil), w.stack[start:]...)
	return &CycleError{Path: append(path, back)}
}

// writer finds the registered pass other than reader that writes r.
func (w *walker) writer(r gfx.Resource, reader Pass) (Pass, error) {
	var writers []Pass
	for _, p := range w.writers[r] {
		if p != reader {
			writers = append(writers, p)
		}
	}
	switch len(writers) {
	case 0:
		return nil, nil
	case 1:
		return writers[0], nil
	}
	if pref, ok := w.graph.preferred[r]; ok {
		for _, p := range writers {
			if p == pref {
				return p, nil
			}
		}
	}
	return nil, &AmbiguousWriterError{Resource: r, Reader: reader, Writers: writers}
}
