package gfx_test

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/sirupsen/logrus"

	"github.com/koru3d/koru/gfx"
	"github.com/koru3d/koru/gfx/gfxtest"
)

type node struct {
	gfx.Node
	name string
	log  *[]string
}

func newNode(c *qt.C, owner gfx.Owner, name string, log *[]string) *node {
	n := &node{name: name, log: log}
	c.Assert(n.Init(owner, n, func() { *log = append(*log, n.name) }), qt.IsNil)
	return n
}

func TestDisposeCascade(t *testing.T) {
	c := qt.New(t)
	var released []string

	root := newNode(c, nil, "root", &released)
	a := newNode(c, root, "a", &released)
	newNode(c, a, "a1", &released)
	newNode(c, a, "a2", &released)
	b := newNode(c, root, "b", &released)

	root.Dispose()
	c.Assert(released, qt.DeepEquals, []string{"b", "a2", "a1", "a", "root"})
	c.Assert(a.Disposed(), qt.IsTrue)
	c.Assert(b.Disposed(), qt.IsTrue)

	root.Dispose()
	a.Dispose()
	c.Assert(released, qt.HasLen, 5)
}

func TestDisposeChildFirst(t *testing.T) {
	c := qt.New(t)
	var released []string

	root := newNode(c, nil, "root", &released)
	a := newNode(c, root, "a", &released)
	newNode(c, root, "b", &released)

	a.Dispose()
	c.Assert(root.Children(), qt.HasLen, 1)
	root.Dispose()
	c.Assert(released, qt.DeepEquals, []string{"a", "b", "root"})
}

func TestInitDisposedOwner(t *testing.T) {
	c := qt.New(t)
	var released []string
	root := newNode(c, nil, "root", &released)
	root.Dispose()

	n := &node{name: "late", log: &released}
	c.Assert(n.Init(root, n, nil), qt.Equals, gfx.ErrDisposed)
}

func TestMapping(t *testing.T) {
	c := qt.New(t)
	gfxtest.Quiet(c)

	var m gfx.Mapping
	data := make([]byte, 4)
	maps := 0
	mapFn := func() ([]byte, error) {
		maps++
		return data, nil
	}

	c.Assert(m.Get("buf", mapFn), qt.HasLen, 4)
	c.Assert(m.Get("buf", mapFn), qt.HasLen, 4)
	c.Assert(maps, qt.Equals, 1)
	c.Assert(m.Mapped(), qt.IsTrue)

	err := gfxtest.Meltdown(func() { m.Map("buf", mapFn) })
	c.Assert(errors.Is(err, gfx.ErrAlreadyMapped), qt.IsTrue)

	unmaps := 0
	m.Unmap(func() { unmaps++ })
	m.Unmap(func() { unmaps++ })
	c.Assert(unmaps, qt.Equals, 1)
	c.Assert(m.Mapped(), qt.IsFalse)

	err = gfxtest.Meltdown(func() {
		m.Map("buf", func() ([]byte, error) { return nil, gfx.ErrDisposed })
	})
	c.Assert(errors.Is(err, gfx.ErrDisposed), qt.IsTrue)
	c.Assert(m.Mapped(), qt.IsFalse)
}

func TestMeltdownLogsFatal(t *testing.T) {
	c := qt.New(t)
	hook := gfxtest.Quiet(c)

	err := gfxtest.Meltdown(func() { gfx.Meltdownf("Render", "device lost on frame %d", 3) })
	c.Assert(err, qt.ErrorMatches, `meltdown in Render: device lost on frame 3`)

	entry := hook.LastEntry()
	c.Assert(entry, qt.IsNotNil)
	c.Assert(entry.Level, qt.Equals, logrus.FatalLevel)
	c.Assert(entry.Data["op"], qt.Equals, "Render")
}

type fakeBackend struct{ api gfx.API }

func (b fakeBackend) API() gfx.API { return b.api }

func (b fakeBackend) Open(gfx.Surface, gfx.DeviceConfig) (gfx.Device, error) {
	return nil, errors.New("not implemented")
}

func TestRegistry(t *testing.T) {
	c := qt.New(t)
	gfx.Register(fakeBackend{"fake"})

	b, err := gfx.Lookup("fake")
	c.Assert(err, qt.IsNil)
	c.Assert(b.API(), qt.Equals, gfx.API("fake"))
	c.Assert(gfx.Backends(), qt.Contains, gfx.API("fake"))

	_, err = gfx.Lookup("metal")
	c.Assert(errors.Is(err, gfx.ErrUnknownBackend), qt.IsTrue)
	_, err = gfx.Lookup("")
	c.Assert(errors.Is(err, gfx.ErrUnknownBackend), qt.IsTrue)

	c.Assert(func() { gfx.Register(fakeBackend{"fake"}) }, qt.PanicMatches, `gfx: Register called twice for backend fake`)
}

func TestCheckRange(t *testing.T) {
	c := qt.New(t)
	c.Assert(gfx.CheckRange(8, 0, 8), qt.IsNil)
	c.Assert(gfx.CheckRange(8, 4, 4), qt.IsNil)
	c.Assert(errors.Is(gfx.CheckRange(8, 5, 4), gfx.ErrOutOfRange), qt.IsTrue)
	c.Assert(errors.Is(gfx.CheckRange(8, -1, 2), gfx.ErrOutOfRange), qt.IsTrue)
}

func TestColorRGBA8(t *testing.T) {
	c := qt.New(t)
	c.Assert(gfx.Color{R: 1, G: 0.5, B: -1, A: 2}.RGBA8(), qt.Equals, [4]byte{255, 128, 0, 255})
}

func TestProgramValidate(t *testing.T) {
	c := qt.New(t)
	desc := gfx.ShaderProgramDesc{
		Label:  "mixed",
		Stages: []gfx.ShaderModule{{Stage: gfx.StageVertex}, {Stage: gfx.StageCompute}},
	}
	c.Assert(desc.Validate(), qt.ErrorMatches, `program "mixed": compute stage mixed with graphics stages`)

	desc.Stages = []gfx.ShaderModule{{Stage: gfx.StageVertex}, {Stage: gfx.StageVertex}}
	c.Assert(desc.Validate(), qt.ErrorMatches, `program "mixed": duplicate vertex stage`)

	desc.Stages = []gfx.ShaderModule{{Stage: gfx.StageVertex}, {Stage: gfx.StageFragment}}
	desc.PushConstantSize = 6
	c.Assert(desc.Validate(), qt.ErrorMatches, `.*not a multiple of 4`)

	desc.PushConstantSize = 64
	c.Assert(desc.Validate(), qt.IsNil)
}

func TestParseNames(t *testing.T) {
	c := qt.New(t)
	s, err := gfx.ParseShaderStage("frag")
	c.Assert(err, qt.IsNil)
	c.Assert(s, qt.Equals, gfx.StageFragment)
	c.Assert(gfx.StageGraphics.String(), qt.Equals, "vertex|fragment")

	dt, err := gfx.ParseDescriptorType("storage-texture")
	c.Assert(err, qt.IsNil)
	c.Assert(dt, qt.Equals, gfx.StorageTexture)
	_, err = gfx.ParseDescriptorType("image")
	c.Assert(err, qt.ErrorMatches, `unknown descriptor type "image"`)
}
