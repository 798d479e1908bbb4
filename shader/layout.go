package shader

import (
	"fmt"

	"github.com/koru3d/koru/gfx"
)

// layout is the JSON form of everything a program expects besides its
// code.
type layout struct {
	Entry            string          `json:"entry"`
	Stride           int             `json:"stride"`
	Attributes       []attribute     `json:"attributes"`
	DescriptorSets   []descriptorSet `json:"descriptorSets"`
	PushConstantSize int             `json:"pushConstantSize"`
}

type attribute struct {
	Name     string `json:"name"`
	Location int    `json:"location"`
	Format   string `json:"format"`
	Offset   int    `json:"offset"`
}

type descriptorSet struct {
	Set         int          `json:"set"`
	Descriptors []descriptor `json:"descriptors"`
}

type descriptor struct {
	Name    string   `json:"name"`
	Binding int      `json:"binding"`
	Type    string   `json:"type"`
	Count   int      `json:"count"`
	Stages  []string `json:"stages"`
}

var attributeFormats = map[string]gfx.AttributeFormat{
	"float": gfx.AttributeFloat,
	"vec2":  gfx.AttributeVec2,
	"vec3":  gfx.AttributeVec3,
	"vec4":  gfx.AttributeVec4,
}

func (l layout) apply(desc *gfx.ShaderProgramDesc) error {
	desc.Stride = l.Stride
	desc.PushConstantSize = l.PushConstantSize

	end := 0
	for _, a := range l.Attributes {
		f, ok := attributeFormats[a.Format]
		if !ok {
			return fmt.Errorf("attribute %q: unknown format %q", a.Name, a.Format)
		}
		desc.Attributes = append(desc.Attributes, gfx.Attribute{
			Name:     a.Name,
			Location: a.Location,
			Format:   f,
			Offset:   a.Offset,
		})
		if e := a.Offset + f.Size(); e > end {
			end = e
		}
	}
	if desc.Stride == 0 {
		desc.Stride = end
	} else if end > desc.Stride {
		return fmt.Errorf("attributes end at %d past stride %d", end, desc.Stride)
	}

	for _, s := range l.DescriptorSets {
		set := gfx.DescriptorSetLayout{Set: s.Set}
		for _, d := range s.Descriptors {
			t, err := gfx.ParseDescriptorType(d.Type)
			if err != nil {
				return fmt.Errorf("descriptor %q: %w", d.Name, err)
			}
			var stages gfx.ShaderStage
			for _, st := range d.Stages {
				stage, err := gfx.ParseShaderStage(st)
				if err != nil {
					return fmt.Errorf("descriptor %q: %w", d.Name, err)
				}
				stages |= stage
			}
			if stages == 0 {
				stages = gfx.StageGraphics
			}
			count := d.Count
			if count == 0 {
				count = 1
			}
			set.Descriptors = append(set.Descriptors, gfx.Descriptor{
				Name:    d.Name,
				Binding: d.Binding,
				Type:    t,
				Count:   count,
				Stages:  stages,
			})
		}
		desc.DescriptorSets = append(desc.DescriptorSets, set)
	}
	return nil
}
