package shader_test

import (
	"bytes"
	"encoding/binary"
	"io/fs"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/gobuffalo/packr"

	"github.com/koru3d/koru/gfx"
	"github.com/koru3d/koru/shader"
	"github.com/koru3d/koru/utility/kar"
)

const spirvMagic = 0x07230203

func checkMesh(c *qt.C, desc gfx.ShaderProgramDesc) {
	c.Assert(desc.Label, qt.Equals, "mesh")
	c.Assert(desc.Stages, qt.HasLen, 2)
	c.Assert(desc.Stages[0].Stage, qt.Equals, gfx.StageVertex)
	c.Assert(desc.Stages[0].Entry, qt.Equals, "main")
	c.Assert(desc.Stages[1].Stage, qt.Equals, gfx.StageFragment)
	c.Assert(desc.Stride, qt.Equals, 32)
	c.Assert(desc.Attributes, qt.DeepEquals, []gfx.Attribute{
		{Name: "position", Location: 0, Format: gfx.AttributeVec3, Offset: 0},
		{Name: "normal", Location: 1, Format: gfx.AttributeVec3, Offset: 12},
		{Name: "uv", Location: 2, Format: gfx.AttributeVec2, Offset: 24},
	})
	c.Assert(desc.DescriptorSets, qt.DeepEquals, []gfx.DescriptorSetLayout{{
		Set: 0,
		Descriptors: []gfx.Descriptor{
			{Name: "camera", Binding: 0, Type: gfx.UniformBuffer, Count: 1, Stages: gfx.StageVertex},
			{Name: "albedo", Binding: 1, Type: gfx.SampledTexture, Count: 2, Stages: gfx.StageFragment},
		},
	}})
	c.Assert(desc.PushConstantSize, qt.Equals, 64)
}

func TestLoadDir(t *testing.T) {
	c := qt.New(t)
	desc, err := shader.Load(shader.DirSource("testdata"), "mesh")
	c.Assert(err, qt.IsNil)
	checkMesh(c, desc)
	c.Assert(shader.Words(desc.Stages[0].Code)[0], qt.Equals, uint32(spirvMagic))

	c.Assert(shader.Discover(shader.DirSource("testdata")), qt.DeepEquals, []string{"mesh"})

	_, err = shader.Load(shader.DirSource("testdata"), "missing")
	c.Assert(err, qt.ErrorIs, fs.ErrNotExist)
}

func TestLoadArchive(t *testing.T) {
	c := qt.New(t)
	src := shader.DirSource("testdata")
	b := kar.NewBuilder(kar.Header{Author: "koru", Version: 1})
	for _, name := range src.Names() {
		data, err := src.ReadAll(name)
		c.Assert(err, qt.IsNil)
		c.Assert(b.AddBytes(name, data), qt.IsNil)
	}
	var buf bytes.Buffer
	_, err := b.WriteTo(&buf)
	c.Assert(err, qt.IsNil)

	ar, err := kar.Open(bytes.NewReader(buf.Bytes()))
	c.Assert(err, qt.IsNil)
	descs, err := shader.LoadAll(ar)
	c.Assert(err, qt.IsNil)
	c.Assert(descs, qt.HasLen, 1)
	checkMesh(c, descs[0])
}

func TestLoadBox(t *testing.T) {
	c := qt.New(t)
	box := packr.NewBox("./testdata")
	desc, err := shader.Load(shader.BoxSource{Box: box}, "mesh")
	c.Assert(err, qt.IsNil)
	checkMesh(c, desc)

	box = packr.NewBox("./none")
	box.AddString("blit.layout.json", `{"attributes": [{"name": "p", "format": "vec2"}]}`)
	box.AddBytes("blit.comp.spv", []byte{3, 2, 35, 7})
	desc, err = shader.Load(shader.BoxSource{Box: box}, "blit")
	c.Assert(err, qt.IsNil)
	c.Assert(desc.Stages, qt.HasLen, 1)
	c.Assert(desc.Stages[0].Stage, qt.Equals, gfx.StageCompute)
	c.Assert(desc.Stride, qt.Equals, 8)
}

func TestLoadErrors(t *testing.T) {
	c := qt.New(t)
	tests := []struct {
		about  string
		layout string
		code   []byte
		expect string
	}{{
		about:  "bad json",
		layout: `{`,
		code:   []byte{3, 2, 35, 7},
		expect: `shader p: layout: unexpected end of JSON input`,
	}, {
		about:  "unknown attribute format",
		layout: `{"attributes": [{"name": "p", "format": "vec5"}]}`,
		code:   []byte{3, 2, 35, 7},
		expect: `shader p: layout: attribute "p": unknown format "vec5"`,
	}, {
		about:  "attribute past stride",
		layout: `{"stride": 8, "attributes": [{"name": "p", "format": "vec3"}]}`,
		code:   []byte{3, 2, 35, 7},
		expect: `shader p: layout: attributes end at 12 past stride 8`,
	}, {
		about:  "unknown descriptor type",
		layout: `{"descriptorSets": [{"descriptors": [{"name": "d", "type": "image"}]}]}`,
		code:   []byte{3, 2, 35, 7},
		expect: `shader p: layout: descriptor "d": unknown descriptor type "image"`,
	}, {
		about:  "unknown stage",
		layout: `{"descriptorSets": [{"descriptors": [{"name": "d", "type": "uniform", "stages": ["geometry"]}]}]}`,
		code:   []byte{3, 2, 35, 7},
		expect: `shader p: layout: descriptor "d": unknown shader stage "geometry"`,
	}, {
		about:  "truncated code",
		layout: `{}`,
		code:   []byte{3, 2, 35},
		expect: `shader p.vert.spv: code size 3 is not a multiple of 4`,
	}}
	for _, test := range tests {
		c.Run(test.about, func(c *qt.C) {
			box := packr.NewBox("./none")
			box.AddString("p.layout.json", test.layout)
			box.AddBytes("p.vert.spv", test.code)
			_, err := shader.Load(shader.BoxSource{Box: box}, "p")
			c.Assert(err, qt.ErrorMatches, test.expect)
		})
	}

	box := packr.NewBox("./none")
	box.AddString("p.layout.json", `{}`)
	_, err := shader.Load(shader.BoxSource{Box: box}, "p")
	c.Assert(err, qt.ErrorMatches, `program "p": no stages`)
}

func TestWords(t *testing.T) {
	c := qt.New(t)
	code := make([]byte, 10)
	binary.LittleEndian.PutUint32(code, spirvMagic)
	words := shader.Words(code)
	c.Assert(words, qt.HasLen, 2)
	c.Assert(shader.Words(code[:3]), qt.IsNil)
}

func BenchmarkWordsSmall(b *testing.B) {
	data := make([]byte, 100)
	for idx := 0; idx < b.N; idx++ {
		shader.Words(data)
	}
}

func BenchmarkWordsMedium(b *testing.B) {
	data := make([]byte, 1000)
	for idx := 0; idx < b.N; idx++ {
		shader.Words(data)
	}
}

func BenchmarkWordsBig(b *testing.B) {
	data := make([]byte, 100000)
	for idx := 0; idx < b.N; idx++ {
		shader.Words(data)
	}
}
