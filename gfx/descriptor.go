package gfx

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DescriptorType is the type of resource a Descriptor binds.
type DescriptorType int

// Descriptor types
const (
	UniformBuffer DescriptorType = iota + 1
	StorageBuffer
	SampledTexture
	StorageTexture
	SamplerDescriptor
)

var descriptorTypeNames = map[DescriptorType]string{
	UniformBuffer:     "uniform",
	StorageBuffer:     "storage",
	SampledTexture:    "texture",
	StorageTexture:    "storage-texture",
	SamplerDescriptor: "sampler",
}

func (t DescriptorType) String() string {
	if s, ok := descriptorTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DescriptorType(%d)", int(t))
}

// ParseDescriptorType parses the names produced by DescriptorType.String.
func ParseDescriptorType(s string) (DescriptorType, error) {
	for t, name := range descriptorTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown descriptor type %q", s)
}

// Accepts reports whether r can be bound to a descriptor of type t.
func (t DescriptorType) Accepts(r Resource) bool {
	switch t {
	case UniformBuffer:
		b, ok := r.(Buffer)
		return ok && b.Usage() == BufferUniform
	case StorageBuffer:
		b, ok := r.(Buffer)
		return ok && b.Usage() == BufferStorage
	case SampledTexture:
		_, ok := r.(Texture)
		return ok
	case StorageTexture:
		tex, ok := r.(Texture)
		return ok && tex.Usage() == TextureStorage
	case SamplerDescriptor:
		_, ok := r.(Sampler)
		return ok
	}
	return false
}

// Descriptor is a named shader visible binding slot.
type Descriptor struct {
	Name    string
	Binding int
	Type    DescriptorType
	Count   int
	Stages  ShaderStage
}

// DescriptorSetLayout is the ordered list of descriptors of one set.
type DescriptorSetLayout struct {
	Set         int
	Descriptors []Descriptor
}

// BufferUpdate binds Buffers to the named descriptor starting at array
// element Index.
type BufferUpdate struct {
	Name    string
	Buffers []Buffer
	Index   int
}

// TextureUpdate binds Textures to the named descriptor starting at array
// element Index.
type TextureUpdate struct {
	Name     string
	Textures []Texture
	Index    int
}

// SamplerUpdate binds Samplers to the named descriptor starting at array
// element Index.
type SamplerUpdate struct {
	Name     string
	Samplers []Sampler
	Index    int
}

// DescriptorSet holds the resource bindings of one set, separately for
// every frame-in-flight slot. An update for one slot is never visible to
// work using another slot.
type DescriptorSet interface {
	Layout() DescriptorSetLayout
	SetBuffers(frame int, updates ...BufferUpdate)
	SetTextures(frame int, updates ...TextureUpdate)
	SetSamplers(frame int, updates ...SamplerUpdate)

	// Bound returns the resource bound to element index of the named
	// descriptor for frame, or nil.
	Bound(frame int, name string, index int) Resource
}

// BindingTable is the backend independent part of a DescriptorSet. It
// validates updates and stores the bindings per frame slot. Backends
// embed it and set OnUpdate to mirror updates into device objects.
type BindingTable struct {
	layout DescriptorSetLayout
	index  map[string]int
	slots  [][][]Resource

	// OnUpdate is called after a validated update was stored.
	OnUpdate func(frame int, desc Descriptor, first int, resources []Resource)
}

// NewBindingTable creates a table for layout with frames slots.
func NewBindingTable(layout DescriptorSetLayout, frames int) *BindingTable {
	t := &BindingTable{
		layout: layout,
		index:  make(map[string]int, len(layout.Descriptors)),
		slots:  make([][][]Resource, frames),
	}
	for i, d := range layout.Descriptors {
		t.index[d.Name] = i
	}
	for f := range t.slots {
		t.slots[f] = make([][]Resource, len(layout.Descriptors))
		for i, d := range layout.Descriptors {
			count := d.Count
			if count < 1 {
				count = 1
			}
			t.slots[f][i] = make([]Resource, count)
		}
	}
	return t
}

// Layout implements DescriptorSet.
func (t *BindingTable) Layout() DescriptorSetLayout {
	return t.layout
}

// Frames returns the number of slots of the table.
func (t *BindingTable) Frames() int {
	return len(t.slots)
}

// SetBuffers implements DescriptorSet.
func (t *BindingTable) SetBuffers(frame int, updates ...BufferUpdate) {
	for _, u := range updates {
		res := make([]Resource, len(u.Buffers))
		for i, b := range u.Buffers {
			res[i] = b
		}
		t.set("SetBuffers", frame, u.Name, u.Index, res)
	}
}

// SetTextures implements DescriptorSet.
func (t *BindingTable) SetTextures(frame int, updates ...TextureUpdate) {
	for _, u := range updates {
		res := make([]Resource, len(u.Textures))
		for i, tex := range u.Textures {
			res[i] = tex
		}
		t.set("SetTextures", frame, u.Name, u.Index, res)
	}
}

// SetSamplers implements DescriptorSet.
func (t *BindingTable) SetSamplers(frame int, updates ...SamplerUpdate) {
	for _, u := range updates {
		res := make([]Resource, len(u.Samplers))
		for i, s := range u.Samplers {
			res[i] = s
		}
		t.set("SetSamplers", frame, u.Name, u.Index, res)
	}
}

// Bound implements DescriptorSet.
func (t *BindingTable) Bound(frame int, name string, index int) Resource {
	if frame < 0 || frame >= len(t.slots) {
		return nil
	}
	i, ok := t.index[name]
	if !ok {
		return nil
	}
	elems := t.slots[frame][i]
	if index < 0 || index >= len(elems) {
		return nil
	}
	return elems[index]
}

// Snapshot copies the bindings of frame keyed by descriptor name.
func (t *BindingTable) Snapshot(frame int) map[string][]Resource {
	out := make(map[string][]Resource, len(t.layout.Descriptors))
	if frame < 0 || frame >= len(t.slots) {
		return out
	}
	for i, d := range t.layout.Descriptors {
		out[d.Name] = append([]Resource(nil), t.slots[frame][i]...)
	}
	return out
}

func (t *BindingTable) set(op string, frame int, name string, first int, res []Resource) {
	if frame < 0 || frame >= len(t.slots) {
		Meltdownf(op, "set %d: frame index %d outside [0, %d)", t.layout.Set, frame, len(t.slots))
	}
	i, ok := t.index[name]
	if !ok {
		names := maps.Keys(t.index)
		slices.Sort(names)
		Meltdownf(op, "set %d: unknown descriptor %q (known: %s)", t.layout.Set, name, strings.Join(names, ", "))
	}
	desc := t.layout.Descriptors[i]
	if len(res) == 0 {
		Meltdownf(op, "set %d: update of %q without resources", t.layout.Set, name)
	}
	elems := t.slots[frame][i]
	if first < 0 || first+len(res) > len(elems) {
		Meltdownf(op, "set %d: elements [%d, %d) of %q exceed count %d", t.layout.Set, first, first+len(res), name, len(elems))
	}
	for j, r := range res {
		if r == nil || !desc.Type.Accepts(r) {
			Meltdownf(op, "set %d: descriptor %q of type %v cannot bind %s", t.layout.Set, name, desc.Type, describe(r))
		}
		if r.Disposed() {
			Meltdownf(op, "set %d: descriptor %q: %s is disposed", t.layout.Set, name, describe(r))
		}
		elems[first+j] = r
	}
	if t.OnUpdate != nil {
		t.OnUpdate(frame, desc, first, res)
	}
}

func describe(r Resource) string {
	if r == nil {
		return "nil resource"
	}
	return fmt.Sprintf("%v %q", r.Kind(), r.Label())
}
