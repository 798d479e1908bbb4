package headless

import (
	"strconv"

	"github.com/koru3d/koru/gfx"
)

// ShaderProgram is a headless gfx.ShaderProgram. The stage code is kept
// but never executed.
type ShaderProgram struct {
	gfx.Node
	desc gfx.ShaderProgramDesc
	sets map[int]*DescriptorSet
}

// DescriptorSet is a headless gfx.DescriptorSet.
type DescriptorSet struct {
	*gfx.BindingTable
}

// NewShaderProgram implements gfx.Device.
func (d *Device) NewShaderProgram(owner gfx.Owner, desc gfx.ShaderProgramDesc) (gfx.ShaderProgram, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	p := &ShaderProgram{
		desc: desc,
		sets: make(map[int]*DescriptorSet, len(desc.DescriptorSets)),
	}
	for _, layout := range desc.DescriptorSets {
		p.sets[layout.Set] = &DescriptorSet{gfx.NewBindingTable(layout, d.FramesInFlight())}
	}
	if err := p.Node.Init(d.owner(owner), p, nil); err != nil {
		return nil, err
	}
	return p, nil
}

// Label implements gfx.ShaderProgram.
func (p *ShaderProgram) Label() string { return p.desc.Label }

// Desc implements gfx.ShaderProgram.
func (p *ShaderProgram) Desc() gfx.ShaderProgramDesc { return p.desc }

// DescriptorSet implements gfx.ShaderProgram.
func (p *ShaderProgram) DescriptorSet(set int) gfx.DescriptorSet {
	s, ok := p.sets[set]
	if !ok {
		return nil
	}
	return s
}

// bindings snapshots every set for slot. Names of sets other than 0 are
// prefixed with the set index.
func (p *ShaderProgram) bindings(slot int) map[string][]gfx.Resource {
	out := map[string][]gfx.Resource{}
	for idx, set := range p.sets {
		for name, res := range set.Snapshot(slot) {
			if idx != 0 {
				name = strconv.Itoa(idx) + "/" + name
			}
			out[name] = res
		}
	}
	return out
}
