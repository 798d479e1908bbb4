package gfx

import (
	"errors"
	"fmt"
	"strings"
)

// ShaderStage is a bitmask of programmable pipeline stages.
type ShaderStage int

// Shader stages
const (
	StageVertex ShaderStage = 1 << iota
	StageFragment
	StageCompute

	StageGraphics = StageVertex | StageFragment
)

func (s ShaderStage) String() string {
	var parts []string
	if s&StageVertex != 0 {
		parts = append(parts, "vertex")
	}
	if s&StageFragment != 0 {
		parts = append(parts, "fragment")
	}
	if s&StageCompute != 0 {
		parts = append(parts, "compute")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseShaderStage parses a single stage name.
func ParseShaderStage(s string) (ShaderStage, error) {
	switch s {
	case "vertex", "vert":
		return StageVertex, nil
	case "fragment", "frag":
		return StageFragment, nil
	case "compute", "comp":
		return StageCompute, nil
	}
	return 0, fmt.Errorf("unknown shader stage %q", s)
}

// ShaderModule is compiled code of one stage.
type ShaderModule struct {
	Stage ShaderStage
	Entry string
	Code  []byte
}

// AttributeFormat is the format of a vertex attribute.
type AttributeFormat int

// Attribute formats
const (
	AttributeFloat AttributeFormat = iota + 1
	AttributeVec2
	AttributeVec3
	AttributeVec4
)

// Size returns the byte size of the attribute.
func (f AttributeFormat) Size() int {
	switch f {
	case AttributeFloat:
		return 4
	case AttributeVec2:
		return 8
	case AttributeVec3:
		return 12
	case AttributeVec4:
		return 16
	}
	return 0
}

// Attribute is a vertex input expected by a program.
type Attribute struct {
	Name     string
	Location int
	Format   AttributeFormat
	Offset   int
}

// ShaderProgramDesc is a fully assembled program as supplied by asset
// loading: compiled stages plus the layout they expect.
type ShaderProgramDesc struct {
	Label            string
	Stages           []ShaderModule
	Attributes       []Attribute
	Stride           int
	DescriptorSets   []DescriptorSetLayout
	PushConstantSize int
}

// Validate checks the structural consistency of the description.
func (d ShaderProgramDesc) Validate() error {
	if len(d.Stages) == 0 {
		return fmt.Errorf("program %q: no stages", d.Label)
	}
	var seen ShaderStage
	for _, s := range d.Stages {
		if seen&s.Stage != 0 {
			return fmt.Errorf("program %q: duplicate %v stage", d.Label, s.Stage)
		}
		seen |= s.Stage
	}
	if seen&StageCompute != 0 && seen != StageCompute {
		return fmt.Errorf("program %q: compute stage mixed with graphics stages", d.Label)
	}
	sets := map[int]bool{}
	for _, l := range d.DescriptorSets {
		if sets[l.Set] {
			return fmt.Errorf("program %q: duplicate descriptor set %d", d.Label, l.Set)
		}
		sets[l.Set] = true
		names := map[string]bool{}
		for _, desc := range l.Descriptors {
			if desc.Name == "" {
				return errors.New("descriptor without name")
			}
			if names[desc.Name] {
				return fmt.Errorf("program %q: duplicate descriptor %q in set %d", d.Label, desc.Name, l.Set)
			}
			names[desc.Name] = true
		}
	}
	if d.PushConstantSize < 0 || d.PushConstantSize%4 != 0 {
		return fmt.Errorf("program %q: push constant size %d is not a multiple of 4", d.Label, d.PushConstantSize)
	}
	return nil
}

// ShaderProgram is a compiled program and its descriptor sets.
type ShaderProgram interface {
	Disposable
	Label() string
	Desc() ShaderProgramDesc

	// DescriptorSet returns the set with the given index, or nil.
	DescriptorSet(set int) DescriptorSet
}
