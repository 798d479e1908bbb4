package headless_test

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/koru3d/koru/gfx"
	"github.com/koru3d/koru/gfx/gfxtest"
	"github.com/koru3d/koru/gfx/headless"
)

func newDevice(c *qt.C, frames int) *headless.Device {
	gfxtest.Quiet(c)
	dev, err := headless.NewDevice(gfx.DeviceConfig{FramesInFlight: frames})
	c.Assert(err, qt.IsNil)
	c.Cleanup(dev.Dispose)
	return dev
}

func TestRegistered(t *testing.T) {
	c := qt.New(t)
	b, err := gfx.Lookup(gfx.APIHeadless)
	c.Assert(err, qt.IsNil)
	c.Assert(b.API(), qt.Equals, gfx.APIHeadless)
	c.Assert(gfx.Backends(), qt.Contains, gfx.APIHeadless)
}

func TestDefaultFrames(t *testing.T) {
	c := qt.New(t)
	dev := newDevice(c, 0)
	c.Assert(dev.FramesInFlight(), qt.Equals, headless.DefaultFramesInFlight)
}

func TestBufferMapping(t *testing.T) {
	c := qt.New(t)
	dev := newDevice(c, 2)

	buf, err := dev.NewBuffer(nil, gfx.BufferDesc{Label: "vertices", Size: 16, Usage: gfx.BufferVertex})
	c.Assert(err, qt.IsNil)

	view := buf.Map()
	c.Assert(buf.Mapped(), qt.IsTrue)
	copy(view, []byte{1, 2, 3, 4})
	c.Assert(buf.Get()[:4], qt.DeepEquals, []byte{1, 2, 3, 4})

	err = gfxtest.Meltdown(func() { buf.Map() })
	c.Assert(errors.Is(err, gfx.ErrAlreadyMapped), qt.IsTrue)

	buf.Unmap()
	c.Assert(buf.Mapped(), qt.IsFalse)
	buf.Unmap()
	c.Assert(buf.(*headless.Buffer).Bytes()[:4], qt.DeepEquals, []byte{1, 2, 3, 4})
}

func TestCopyTo(t *testing.T) {
	c := qt.New(t)
	dev := newDevice(c, 2)

	src, err := dev.NewBuffer(nil, gfx.BufferDesc{Label: "staging", Size: 8, Usage: gfx.BufferImage})
	c.Assert(err, qt.IsNil)
	dst, err := dev.NewBuffer(nil, gfx.BufferDesc{Label: "uniforms", Size: 8, Usage: gfx.BufferUniform})
	c.Assert(err, qt.IsNil)
	c.Assert(src.Write(0, []byte{9, 8, 7, 6, 5, 4, 3, 2}), qt.IsNil)

	c.Assert(src.CopyTo(dst, 2, 4, 4), qt.IsNil)
	c.Assert(dst.(*headless.Buffer).Bytes(), qt.DeepEquals, []byte{0, 0, 0, 0, 7, 6, 5, 4})

	err = src.CopyTo(dst, 6, 0, 4)
	c.Assert(errors.Is(err, gfx.ErrOutOfRange), qt.IsTrue)
	err = src.CopyTo(dst, 0, 6, 4)
	c.Assert(errors.Is(err, gfx.ErrOutOfRange), qt.IsTrue)
	c.Assert(errors.Is(src.Write(6, []byte{1, 2, 3}), gfx.ErrOutOfRange), qt.IsTrue)
}

func TestTextureUpload(t *testing.T) {
	c := qt.New(t)
	dev := newDevice(c, 2)

	tex, err := dev.NewTexture(nil, gfx.TextureDesc{Label: "albedo", Width: 2, Height: 1, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	c.Assert(err, qt.IsNil)
	c.Assert(tex.Size(), qt.Equals, 8)
	c.Assert(tex.Upload([]byte{1, 2, 3, 4, 5, 6, 7, 8}), qt.IsNil)
	c.Assert(tex.(*headless.Texture).Pixels(), qt.DeepEquals, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	c.Assert(errors.Is(tex.Upload([]byte{1}), gfx.ErrOutOfRange), qt.IsTrue)

	_, err = dev.NewTexture(nil, gfx.TextureDesc{Label: "bad", Width: 2, Height: 2, Format: gfx.FormatRGBA8, Usage: gfx.TextureDepth})
	c.Assert(err, qt.ErrorMatches, `texture "bad": depth usage needs a depth format.*`)
}

func TestDisposeCascade(t *testing.T) {
	c := qt.New(t)
	gfxtest.Quiet(c)
	dev, err := headless.NewDevice(gfx.DeviceConfig{})
	c.Assert(err, qt.IsNil)

	buf, err := dev.NewBuffer(nil, gfx.BufferDesc{Label: "b", Size: 4, Usage: gfx.BufferUniform})
	c.Assert(err, qt.IsNil)
	prog, err := dev.NewShaderProgram(nil, program("p"))
	c.Assert(err, qt.IsNil)
	cb, err := dev.NewCommandBuffer(prog.(gfx.Owner), "owned by program")
	c.Assert(err, qt.IsNil)

	dev.Dispose()
	c.Assert(buf.Disposed(), qt.IsTrue)
	c.Assert(prog.Disposed(), qt.IsTrue)
	c.Assert(cb.Disposed(), qt.IsTrue)
	dev.Dispose()

	_, err = dev.NewBuffer(nil, gfx.BufferDesc{Label: "late", Size: 4, Usage: gfx.BufferUniform})
	c.Assert(err, qt.Equals, gfx.ErrDisposed)
}

func program(label string) gfx.ShaderProgramDesc {
	return gfx.ShaderProgramDesc{
		Label: label,
		Stages: []gfx.ShaderModule{
			{Stage: gfx.StageVertex, Entry: "main", Code: []byte{0x03, 0x02, 0x23, 0x07}},
			{Stage: gfx.StageFragment, Entry: "main", Code: []byte{0x03, 0x02, 0x23, 0x07}},
		},
		DescriptorSets: []gfx.DescriptorSetLayout{{
			Set: 0,
			Descriptors: []gfx.Descriptor{
				{Name: "camera", Binding: 0, Type: gfx.UniformBuffer, Count: 1, Stages: gfx.StageVertex},
				{Name: "textures", Binding: 1, Type: gfx.SampledTexture, Count: 2, Stages: gfx.StageFragment},
			},
		}},
		PushConstantSize: 64,
	}
}

func TestDescriptorSlots(t *testing.T) {
	c := qt.New(t)
	dev := newDevice(c, 2)

	prog, err := dev.NewShaderProgram(nil, program("mesh"))
	c.Assert(err, qt.IsNil)
	set := prog.DescriptorSet(0)
	c.Assert(set, qt.IsNotNil)
	c.Assert(prog.DescriptorSet(1), qt.IsNil)

	a, _ := dev.NewTexture(nil, gfx.TextureDesc{Label: "a", Width: 1, Height: 1, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	b, _ := dev.NewTexture(nil, gfx.TextureDesc{Label: "b", Width: 1, Height: 1, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})

	set.SetTextures(0, gfx.TextureUpdate{Name: "textures", Textures: []gfx.Texture{a}})
	set.SetTextures(1, gfx.TextureUpdate{Name: "textures", Textures: []gfx.Texture{b}, Index: 1})

	c.Assert(set.Bound(0, "textures", 0), qt.Equals, gfx.Resource(a))
	c.Assert(set.Bound(0, "textures", 1), qt.IsNil)
	c.Assert(set.Bound(1, "textures", 0), qt.IsNil)
	c.Assert(set.Bound(1, "textures", 1), qt.Equals, gfx.Resource(b))

	m := gfxtest.Meltdown(func() {
		set.SetTextures(0, gfx.TextureUpdate{Name: "texture", Textures: []gfx.Texture{a}})
	})
	c.Assert(m, qt.ErrorMatches, `meltdown in SetTextures: set 0: unknown descriptor "texture" \(known: camera, textures\)`)

	m = gfxtest.Meltdown(func() {
		set.SetTextures(0, gfx.TextureUpdate{Name: "camera", Textures: []gfx.Texture{a}})
	})
	c.Assert(m, qt.ErrorMatches, `.*descriptor "camera" of type uniform cannot bind texture "a"`)

	m = gfxtest.Meltdown(func() {
		set.SetTextures(2, gfx.TextureUpdate{Name: "textures", Textures: []gfx.Texture{a}})
	})
	c.Assert(m, qt.ErrorMatches, `.*frame index 2 outside \[0, 2\)`)
}

type recordFunc func(cb gfx.CommandBuffer)

func submit(c *qt.C, dev *headless.Device, frame int, sc gfx.Swapchain, cb gfx.CommandBuffer, record recordFunc) {
	c.Assert(cb.Begin(frame), qt.IsNil)
	record(cb)
	c.Assert(cb.End(), qt.IsNil)
	c.Assert(dev.Submit(frame, []gfx.CommandBuffer{cb}, sc), qt.IsNil)
}

func TestSubmitRecordsDraws(t *testing.T) {
	c := qt.New(t)
	dev := newDevice(c, 2)

	prog, err := dev.NewShaderProgram(nil, program("mesh"))
	c.Assert(err, qt.IsNil)
	vb, _ := dev.NewBuffer(nil, gfx.BufferDesc{Label: "vb", Size: 36, Usage: gfx.BufferVertex})
	ib, _ := dev.NewBuffer(nil, gfx.BufferDesc{Label: "ib", Size: 12, Usage: gfx.BufferIndex})
	target, _ := dev.NewTexture(nil, gfx.TextureDesc{Label: "color", Width: 2, Height: 2, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	cam, _ := dev.NewBuffer(nil, gfx.BufferDesc{Label: "camera", Size: 64, Usage: gfx.BufferUniform})
	prog.DescriptorSet(0).SetBuffers(1, gfx.BufferUpdate{Name: "camera", Buffers: []gfx.Buffer{cam}})

	cb, err := dev.NewCommandBuffer(nil, "main")
	c.Assert(err, qt.IsNil)
	submit(c, dev, 1, nil, cb, func(cb gfx.CommandBuffer) {
		cb.BeginRendering(gfx.RenderingInfo{
			Target:      gfx.RenderTarget{Color: []gfx.Texture{target}},
			Attachments: 1,
			Clear:       true,
			ClearColor:  gfx.Color{R: 1, A: 1},
		})
		cb.SetCullMode(gfx.CullBack)
		cb.SetShaderProgram(prog)
		cb.SetDrawBuffers(vb, ib)
		cb.SetPushConstants(make([]byte, 64))
		cb.DrawIndexed(3)
		cb.EndRendering()
	})
	c.Assert(dev.WaitFrame(1), qt.IsNil)

	draws := dev.Draws()
	c.Assert(draws, qt.HasLen, 1)
	d := draws[0]
	c.Assert(d.Pass, qt.Equals, "main")
	c.Assert(d.Slot, qt.Equals, 1)
	c.Assert(d.Program, qt.Equals, "mesh")
	c.Assert(d.IndexCount, qt.Equals, 3)
	c.Assert(d.Cull, qt.Equals, gfx.CullBack)
	c.Assert(d.Targets, qt.DeepEquals, []string{"color"})
	c.Assert(d.PushConstants, qt.HasLen, 64)
	c.Assert(d.Bindings["camera"], qt.HasLen, 1)
	c.Assert(d.Bindings["camera"][0], qt.Equals, gfx.Resource(cam))
	c.Assert(d.Bindings["textures"], qt.DeepEquals, []gfx.Resource{nil, nil})

	pixels := target.(*headless.Texture).Pixels()
	c.Assert(pixels[:4], qt.DeepEquals, []byte{255, 0, 0, 255})
	c.Assert(dev.Submissions(), qt.Equals, 1)
}

func TestSubmitCapturesBindings(t *testing.T) {
	c := qt.New(t)
	dev := newDevice(c, 2)

	prog, err := dev.NewShaderProgram(nil, program("mesh"))
	c.Assert(err, qt.IsNil)
	vb, _ := dev.NewBuffer(nil, gfx.BufferDesc{Label: "vb", Size: 36, Usage: gfx.BufferVertex})
	ib, _ := dev.NewBuffer(nil, gfx.BufferDesc{Label: "ib", Size: 12, Usage: gfx.BufferIndex})
	a, _ := dev.NewTexture(nil, gfx.TextureDesc{Label: "a", Width: 1, Height: 1, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	b, _ := dev.NewTexture(nil, gfx.TextureDesc{Label: "b", Width: 1, Height: 1, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	set := prog.DescriptorSet(0)
	set.SetTextures(0, gfx.TextureUpdate{Name: "textures", Textures: []gfx.Texture{a}})

	resume := dev.Stall()
	cb, _ := dev.NewCommandBuffer(nil, "main")
	submit(c, dev, 0, nil, cb, func(cb gfx.CommandBuffer) {
		cb.BeginRendering(gfx.RenderingInfo{})
		cb.SetShaderProgram(prog)
		cb.SetDrawBuffers(vb, ib)
		cb.DrawIndexed(3)
		cb.EndRendering()
	})
	// the draw has not run yet, rebinding the slot must not reach it
	set.SetTextures(0, gfx.TextureUpdate{Name: "textures", Textures: []gfx.Texture{b}})
	resume()
	c.Assert(dev.WaitFrame(0), qt.IsNil)

	draws := dev.Draws()
	c.Assert(draws, qt.HasLen, 1)
	c.Assert(draws[0].Bindings["textures"][0], qt.Equals, gfx.Resource(a))
	c.Assert(set.Bound(0, "textures", 0), qt.Equals, gfx.Resource(b))
}

func TestRecordingMeltdowns(t *testing.T) {
	c := qt.New(t)
	dev := newDevice(c, 2)
	cb, _ := dev.NewCommandBuffer(nil, "broken")

	c.Assert(gfxtest.Meltdown(func() { cb.DrawIndexed(3) }), qt.ErrorMatches, `.*is not recording`)

	c.Assert(cb.Begin(0), qt.IsNil)
	c.Assert(gfxtest.Meltdown(func() { cb.DrawIndexed(3) }), qt.ErrorMatches, `.*no rendering scope`)
	c.Assert(gfxtest.Meltdown(func() { cb.SetPushConstants([]byte{1}) }), qt.ErrorMatches, `.*push constants without a program`)

	cb.BeginRendering(gfx.RenderingInfo{})
	c.Assert(cb.End(), qt.ErrorMatches, `.*ended inside a rendering scope`)
	cb.EndRendering()
	c.Assert(cb.End(), qt.IsNil)

	c.Assert(cb.Begin(5), qt.ErrorMatches, `headless: frame 5 outside \[0, 2\)`)
}

func TestSubmitRejectsOpenBuffer(t *testing.T) {
	c := qt.New(t)
	dev := newDevice(c, 2)
	cb, _ := dev.NewCommandBuffer(nil, "open")
	c.Assert(cb.Begin(0), qt.IsNil)
	c.Assert(dev.Submit(0, []gfx.CommandBuffer{cb}, nil), qt.ErrorMatches, `.*still recording`)
}

type surface struct{ w, h int }

func (s *surface) DrawableSize() (int, int) { return s.w, s.h }

func TestSwapchain(t *testing.T) {
	c := qt.New(t)
	dev := newDevice(c, 2)
	win := &surface{4, 2}

	chain, err := dev.NewSwapchain(nil, win, 4, 2)
	c.Assert(err, qt.IsNil)
	sc := chain.(*headless.Swapchain)
	c.Assert(sc.Images(), qt.Equals, 3)
	w, h := sc.Extent()
	c.Assert([]int{w, h}, qt.DeepEquals, []int{4, 2})

	cb, _ := dev.NewCommandBuffer(nil, "present")
	for frame := 0; frame < 4; frame++ {
		slot := frame % 2
		c.Assert(dev.WaitFrame(slot), qt.IsNil)
		c.Assert(sc.Acquire(slot), qt.IsNil)
		submit(c, dev, slot, sc, cb, func(cb gfx.CommandBuffer) {
			cb.BeginRendering(gfx.RenderingInfo{
				Target:      gfx.RenderTarget{Color: []gfx.Texture{sc.Texture()}},
				Attachments: 1,
				Clear:       true,
				ClearColor:  gfx.Color{B: 1, A: 1},
			})
			cb.EndRendering()
		})
		c.Assert(sc.Present(slot), qt.IsNil)
	}
	c.Assert(dev.WaitIdle(), qt.IsNil)

	p, n := sc.Presented()
	c.Assert(n, qt.Equals, 4)
	c.Assert(p.Image, qt.Equals, 0)
	c.Assert(p.Frame, qt.Equals, 1)
	c.Assert(p.Pixels, qt.HasLen, 4*2*4)
	c.Assert(p.Pixels[:4], qt.DeepEquals, []byte{255, 0, 0, 255})

	sc.Invalidate()
	c.Assert(sc.Acquire(0), qt.Equals, gfx.ErrSwapchainOutOfDate)
	c.Assert(sc.Recreate(4, 2), qt.IsNil)
	c.Assert(sc.Acquire(0), qt.IsNil)
	c.Assert(sc.Present(0), qt.IsNil)

	win.w, win.h = 8, 4
	c.Assert(sc.Acquire(1), qt.Equals, gfx.ErrSwapchainOutOfDate)
	c.Assert(dev.WaitIdle(), qt.IsNil)
	c.Assert(sc.Recreate(8, 4), qt.IsNil)
	c.Assert(sc.Acquire(1), qt.IsNil)
	w, h = sc.Texture().Width(), sc.Texture().Height()
	c.Assert([]int{w, h}, qt.DeepEquals, []int{8, 4})
}
