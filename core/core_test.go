package core_test

import (
	"errors"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/koru3d/koru/core"
	"github.com/koru3d/koru/gfx"
	"github.com/koru3d/koru/gfx/gfxtest"
	"github.com/koru3d/koru/gfx/headless"
	"github.com/koru3d/koru/graph"
)

const apiTracing gfx.API = "tracing"

func init() {
	gfx.Register(tracingBackend{})
}

// tracingBackend opens headless devices that log fence waits and submissions.
type tracingBackend struct{}

func (tracingBackend) API() gfx.API { return apiTracing }

func (tracingBackend) Open(surface gfx.Surface, cfg gfx.DeviceConfig) (gfx.Device, error) {
	dev, err := headless.NewDevice(cfg)
	if err != nil {
		return nil, err
	}
	return &tracingDevice{Device: dev, headless: dev}, nil
}

type tracingDevice struct {
	gfx.Device
	headless *headless.Device

	mu     sync.Mutex
	events []string
}

func (d *tracingDevice) log(ev string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *tracingDevice) WaitFrame(frame int) error {
	d.log("wait " + string(rune('0'+frame)))
	return d.Device.WaitFrame(frame)
}

func (d *tracingDevice) Submit(frame int, cmds []gfx.CommandBuffer, sc gfx.Swapchain) error {
	d.log("submit " + string(rune('0'+frame)))
	return d.Device.Submit(frame, cmds, sc)
}

func newRenderer(c *qt.C, api gfx.API, frames int) *core.Renderer {
	gfxtest.Quiet(c)
	r := core.NewRenderer(nil, 4, 4, core.RendererConfiguration{
		API:            api,
		FramesInFlight: frames,
	})
	c.Cleanup(r.Dispose)
	return r
}

func headlessDevice(r *core.Renderer) *headless.Device {
	switch dev := r.Device().(type) {
	case *headless.Device:
		return dev
	case *tracingDevice:
		return dev.headless
	}
	panic("not a headless device")
}

// scene holds what every test pass draws.
type scene struct {
	program gfx.ShaderProgram
	vertex  gfx.Buffer
	index   gfx.Buffer
}

func newScene(c *qt.C, dev gfx.Device) *scene {
	prog, err := dev.NewShaderProgram(nil, gfx.ShaderProgramDesc{
		Label: "mesh",
		Stages: []gfx.ShaderModule{
			{Stage: gfx.StageVertex, Entry: "main"},
			{Stage: gfx.StageFragment, Entry: "main"},
		},
		DescriptorSets: []gfx.DescriptorSetLayout{{
			Descriptors: []gfx.Descriptor{
				{Name: "camera", Binding: 0, Type: gfx.UniformBuffer, Count: 1, Stages: gfx.StageVertex},
				{Name: "albedo", Binding: 1, Type: gfx.SampledTexture, Count: 1, Stages: gfx.StageFragment},
			},
		}},
		PushConstantSize: 64,
	})
	c.Assert(err, qt.IsNil)
	vb, err := dev.NewBuffer(nil, gfx.BufferDesc{Label: "vertices", Size: 3 * 12, Usage: gfx.BufferVertex})
	c.Assert(err, qt.IsNil)
	ib, err := dev.NewBuffer(nil, gfx.BufferDesc{Label: "indices", Size: 3 * 4, Usage: gfx.BufferIndex})
	c.Assert(err, qt.IsNil)
	return &scene{program: prog, vertex: vb, index: ib}
}

// draw returns a RecordFunc drawing the scene triangle into target.
func (s *scene) draw(target gfx.RenderTarget, attachments int) core.RecordFunc {
	return func(p *core.GraphicsPass, f graph.Frame) error {
		p.StartRendering(target, attachments, 4, 4, true, gfx.Color{A: 1})
		p.SetCullMode(gfx.CullBack)
		p.SetShaderProgram(s.program)
		p.SetDrawBuffers(s.vertex, s.index)
		p.DrawIndexed(3)
		p.EndRendering()
		return nil
	}
}

func presentGraph(c *qt.C, r *core.Renderer, s *scene) (*graph.RenderGraph, *core.GraphicsPass) {
	target := gfx.RenderTarget{Color: []gfx.Texture{r.Swapchain()}}
	main, err := core.NewGraphicsPass(r.Device(), r, "MainPass", 0, s.draw(target, 1),
		graph.On(r.Swapchain(), graph.WriteTarget|graph.Present))
	c.Assert(err, qt.IsNil)
	g := graph.New()
	g.AddPasses(main)
	g.SetTargetPass(main)
	return g, main
}

func TestUnknownBackend(t *testing.T) {
	c := qt.New(t)
	gfxtest.Quiet(c)
	err := gfxtest.Meltdown(func() {
		core.NewRenderer(nil, 4, 4, core.RendererConfiguration{API: "metal", FramesInFlight: 2})
	})
	c.Assert(errors.Is(err, gfx.ErrUnknownBackend), qt.IsTrue)

	err = gfxtest.Meltdown(func() {
		core.NewRenderer(nil, 4, 4, core.RendererConfiguration{FramesInFlight: 2})
	})
	c.Assert(errors.Is(err, gfx.ErrUnknownBackend), qt.IsTrue)
}

func TestFrameIndexRotation(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, gfx.APIHeadless, 3)
	c.Assert(r.MaxFramesInFlight(), qt.Equals, 3)

	s := newScene(c, r.Device())
	g, _ := presentGraph(c, r, s)

	var slots []int
	for i := 0; i < 5; i++ {
		slots = append(slots, r.FrameIndex())
		c.Assert(r.UpdateRenderer(false), qt.IsNil)
		c.Assert(r.Render(g), qt.IsNil)
	}
	c.Assert(slots, qt.DeepEquals, []int{0, 1, 2, 0, 1})
	c.Assert(r.FrameIndex(), qt.Equals, 2)

	r.WaitForDevice()
	var drawn []int
	for _, d := range headlessDevice(r).Draws() {
		drawn = append(drawn, d.Slot)
	}
	c.Assert(drawn, qt.DeepEquals, slots)
	c.Assert(r.Stats().Frames, qt.Equals, uint64(5))
	c.Assert(r.Stats().Passes, qt.Equals, uint64(5))
}

func TestFenceWaitBeforeReuse(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, apiTracing, 2)
	s := newScene(c, r.Device())
	g, _ := presentGraph(c, r, s)

	for i := 0; i < 3; i++ {
		c.Assert(r.Render(g), qt.IsNil)
	}
	dev := r.Device().(*tracingDevice)
	c.Assert(dev.events, qt.DeepEquals, []string{
		"submit 0", "wait 1",
		"submit 1", "wait 0",
		"submit 0", "wait 1",
	})
}

func TestWriteFrameSlotBeforeRender(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, gfx.APIHeadless, 2)
	dev := r.Device()
	s := newScene(c, dev)
	g, _ := presentGraph(c, r, s)

	a, _ := dev.NewTexture(nil, gfx.TextureDesc{Label: "a", Width: 1, Height: 1, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	b, _ := dev.NewTexture(nil, gfx.TextureDesc{Label: "b", Width: 1, Height: 1, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	set := s.program.DescriptorSet(0)

	var want []gfx.Resource
	for i := 0; i < 200; i++ {
		tex := a
		if i%3 == 0 {
			tex = b
		}
		c.Assert(r.UpdateRenderer(false), qt.IsNil)
		set.SetTextures(r.FrameIndex(), gfx.TextureUpdate{Name: "albedo", Textures: []gfx.Texture{tex}})
		want = append(want, tex)
		c.Assert(r.Render(g), qt.IsNil)
	}
	r.WaitForDevice()

	draws := headlessDevice(r).Draws()
	c.Assert(draws, qt.HasLen, len(want))
	for i, d := range draws {
		c.Assert(d.Bindings["albedo"][0], qt.Equals, want[i], qt.Commentf("frame %d", i))
	}
}

func TestFailedPassSubmitsRecorded(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, gfx.APIHeadless, 2)
	dev := r.Device()
	s := newScene(c, dev)

	depth, err := dev.NewTexture(nil, gfx.TextureDesc{Label: "DepthTex", Width: 4, Height: 4, Format: gfx.FormatDepth32F, Usage: gfx.TextureDepth})
	c.Assert(err, qt.IsNil)
	shadow, err := core.NewGraphicsPass(dev, r, "ShadowPass", 0, s.draw(gfx.RenderTarget{Depth: depth}, 0),
		graph.On(depth, graph.DepthWrite))
	c.Assert(err, qt.IsNil)
	main, err := core.NewGraphicsPass(dev, r, "MainPass", 0, func(*core.GraphicsPass, graph.Frame) error {
		return errors.New("no material")
	}, graph.On(depth, graph.ReadShader), graph.On(r.Swapchain(), graph.WriteTarget|graph.Present))
	c.Assert(err, qt.IsNil)

	g := graph.New()
	g.AddPasses(shadow, main)
	g.SetTargetPass(main)

	c.Assert(r.Render(g), qt.ErrorMatches, `render: pass "MainPass": no material`)
	r.WaitForDevice()

	draws := headlessDevice(r).Draws()
	c.Assert(draws, qt.HasLen, 1)
	c.Assert(draws[0].Pass, qt.Equals, "ShadowPass#0")
	_, n := r.Chain().(*headless.Swapchain).Presented()
	c.Assert(n, qt.Equals, 1)
	c.Assert(r.FrameIndex(), qt.Equals, 1)
	c.Assert(r.Stats().Failed, qt.Equals, uint64(1))
	c.Assert(r.Stats().Frames, qt.Equals, uint64(0))
}

func TestSharedCommandBufferWaits(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, apiTracing, 2)
	s := newScene(c, r.Device())

	target := gfx.RenderTarget{Color: []gfx.Texture{r.Swapchain()}}
	single, err := core.NewGraphicsPass(r.Device(), r, "single", 1, s.draw(target, 1),
		graph.On(r.Swapchain(), graph.WriteTarget))
	c.Assert(err, qt.IsNil)
	c.Assert(single.Frames(), qt.Equals, 1)

	g := graph.New()
	g.AddPasses(single)
	g.SetTargetPass(single)
	c.Assert(r.Render(g), qt.IsNil)
	c.Assert(r.Render(g), qt.IsNil)

	dev := r.Device().(*tracingDevice)
	c.Assert(dev.events, qt.DeepEquals, []string{
		"submit 0", "wait 1",
		"wait 0", "submit 1", "wait 0",
	})

	_, err = core.NewGraphicsPass(r.Device(), r, "too many", 3, s.draw(target, 1))
	c.Assert(err, qt.ErrorMatches, `pass "too many": 3 frames outside \[1, 2\]`)
}

func TestShadowMainRender(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, gfx.APIHeadless, 2)
	dev := r.Device()
	s := newScene(c, dev)

	depth, err := dev.NewTexture(nil, gfx.TextureDesc{Label: "DepthTex", Width: 4, Height: 4, Format: gfx.FormatDepth32F, Usage: gfx.TextureDepth})
	c.Assert(err, qt.IsNil)

	shadow, err := core.NewGraphicsPass(dev, r, "ShadowPass", 0, s.draw(gfx.RenderTarget{Depth: depth}, 0),
		graph.On(depth, graph.DepthWrite))
	c.Assert(err, qt.IsNil)
	main, err := core.NewGraphicsPass(dev, r, "MainPass", 0, s.draw(gfx.RenderTarget{Color: []gfx.Texture{r.Swapchain()}}, 1),
		graph.On(depth, graph.ReadShader),
		graph.On(r.Swapchain(), graph.WriteTarget|graph.Present))
	c.Assert(err, qt.IsNil)

	g := graph.New()
	g.AddPasses(main, shadow)
	g.SetTargetPass(main)

	c.Assert(r.Render(g), qt.IsNil)
	r.WaitForDevice()

	draws := headlessDevice(r).Draws()
	c.Assert(draws, qt.HasLen, 2)
	c.Assert(draws[0].Pass, qt.Equals, "ShadowPass#0")
	c.Assert(draws[0].Targets, qt.DeepEquals, []string{"DepthTex"})
	c.Assert(draws[1].Pass, qt.Equals, "MainPass#0")
	c.Assert(draws[1].Targets, qt.DeepEquals, []string{"swapchain image 0"})
	c.Assert(draws[1].Cull, qt.Equals, gfx.CullBack)

	p, n := r.Chain().(*headless.Swapchain).Presented()
	c.Assert(n, qt.Equals, 1)
	c.Assert(p.Pixels[:4], qt.DeepEquals, []byte{0, 0, 0, 255})
	c.Assert(main.State(), qt.Equals, core.Submitted)
}

func TestTwoTexturesPerSlot(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, gfx.APIHeadless, 2)
	dev := r.Device()
	s := newScene(c, dev)

	first, err := dev.NewTexture(nil, gfx.TextureDesc{Label: "first", Width: 1, Height: 1, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	c.Assert(err, qt.IsNil)
	second, err := dev.NewTexture(nil, gfx.TextureDesc{Label: "second", Width: 1, Height: 1, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	c.Assert(err, qt.IsNil)

	set := s.program.DescriptorSet(0)
	set.SetTextures(0, gfx.TextureUpdate{Name: "albedo", Textures: []gfx.Texture{first}})
	set.SetTextures(1, gfx.TextureUpdate{Name: "albedo", Textures: []gfx.Texture{second}})

	g, _ := presentGraph(c, r, s)
	c.Assert(r.Render(g), qt.IsNil)
	c.Assert(r.Render(g), qt.IsNil)
	r.WaitForDevice()

	draws := headlessDevice(r).Draws()
	c.Assert(draws, qt.HasLen, 2)
	c.Assert(draws[0].Slot, qt.Equals, 0)
	c.Assert(draws[0].Bindings["albedo"], qt.HasLen, 1)
	c.Assert(draws[0].Bindings["albedo"][0], qt.Equals, gfx.Resource(first))
	c.Assert(draws[1].Slot, qt.Equals, 1)
	c.Assert(draws[1].Bindings["albedo"][0], qt.Equals, gfx.Resource(second))
}

func TestSwapchainRecreation(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, gfx.APIHeadless, 2)
	s := newScene(c, r.Device())
	g, _ := presentGraph(c, r, s)

	c.Assert(r.Render(g), qt.IsNil)
	sc := r.Chain().(*headless.Swapchain)
	sc.Invalidate()

	c.Assert(r.Render(g), qt.IsNil)
	c.Assert(r.Invalidated(), qt.IsTrue)
	c.Assert(r.Stats().Skipped, qt.Equals, uint64(1))
	c.Assert(r.FrameIndex(), qt.Equals, 1)

	c.Assert(r.UpdateRenderer(false), qt.IsNil)
	c.Assert(r.Invalidated(), qt.IsFalse)
	c.Assert(r.Stats().Recreations, qt.Equals, 1)
	c.Assert(r.Render(g), qt.IsNil)

	r.Resize(8, 6)
	c.Assert(r.UpdateRenderer(true), qt.IsNil)
	w, h := sc.Extent()
	c.Assert([]int{w, h}, qt.DeepEquals, []int{8, 6})
	c.Assert(r.Swapchain().Width(), qt.Equals, 8)
	c.Assert(r.Render(g), qt.IsNil)
	c.Assert(r.Stats().Frames, qt.Equals, uint64(3))
}

func TestRenderWalkError(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, gfx.APIHeadless, 2)
	dev := r.Device()
	s := newScene(c, dev)

	x, _ := dev.NewTexture(nil, gfx.TextureDesc{Label: "x", Width: 4, Height: 4, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	y, _ := dev.NewTexture(nil, gfx.TextureDesc{Label: "y", Width: 4, Height: 4, Format: gfx.FormatRGBA8, Usage: gfx.TextureColor})
	a, _ := core.NewGraphicsPass(dev, r, "a", 0, s.draw(gfx.RenderTarget{Color: []gfx.Texture{y}}, 1),
		graph.On(x, graph.ReadShader), graph.On(y, graph.WriteTarget))
	b, _ := core.NewGraphicsPass(dev, r, "b", 0, s.draw(gfx.RenderTarget{Color: []gfx.Texture{x}}, 1),
		graph.On(y, graph.ReadShader), graph.On(x, graph.WriteTarget))

	g := graph.New()
	g.AddPasses(a, b)
	g.SetTargetPass(a)

	err := r.Render(g)
	var cycle *graph.CycleError
	c.Assert(errors.As(err, &cycle), qt.IsTrue)
	c.Assert(r.FrameIndex(), qt.Equals, 0)

	c.Assert(r.Render(graph.New()), qt.ErrorMatches, `render: render graph has no target pass`)
}

func TestPassStateErrors(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, gfx.APIHeadless, 2)
	dev := r.Device()
	s := newScene(c, dev)
	target := gfx.RenderTarget{Color: []gfx.Texture{r.Swapchain()}}

	open, err := core.NewGraphicsPass(dev, r, "open", 0, func(p *core.GraphicsPass, f graph.Frame) error {
		p.StartRendering(target, 1, 4, 4, false, gfx.Color{})
		return nil
	}, graph.On(r.Swapchain(), graph.WriteTarget))
	c.Assert(err, qt.IsNil)
	g := graph.New()
	g.AddPasses(open)
	g.SetTargetPass(open)
	c.Assert(r.Render(g), qt.ErrorMatches, `render: pass "open": rendering left open`)
	c.Assert(open.State(), qt.Equals, core.Unbound)

	unbound, err := core.NewGraphicsPass(dev, r, "unbound", 0, func(p *core.GraphicsPass, f graph.Frame) error {
		p.SetShaderProgram(s.program)
		return nil
	})
	c.Assert(err, qt.IsNil)
	g.AddPasses(unbound)
	g.SetTargetPass(unbound)
	err = gfxtest.Meltdown(func() { r.Render(g) })
	c.Assert(err, qt.ErrorMatches, `meltdown in SetShaderProgram: pass "unbound": SetShaderProgram while unbound`)

	err = gfxtest.Meltdown(func() { unbound.DrawIndexed(3) })
	c.Assert(err, qt.ErrorMatches, `.*recording outside Execute`)

	empty, err := core.NewGraphicsPass(dev, r, "empty", 0, func(*core.GraphicsPass, graph.Frame) error { return nil })
	c.Assert(err, qt.IsNil)
	cb, err := empty.Execute(graph.Frame{Index: 1, Count: 2})
	c.Assert(err, qt.IsNil)
	c.Assert(cb, qt.IsNil)
}

func identity() mgl32.Mat4 {
	return mgl32.Ident4()
}

func TestPushMatrix(t *testing.T) {
	c := qt.New(t)
	r := newRenderer(c, gfx.APIHeadless, 2)
	s := newScene(c, r.Device())
	target := gfx.RenderTarget{Color: []gfx.Texture{r.Swapchain()}}

	pass, err := core.NewGraphicsPass(r.Device(), r, "push", 0, func(p *core.GraphicsPass, f graph.Frame) error {
		p.StartRendering(target, 1, 4, 4, false, gfx.Color{})
		p.SetShaderProgram(s.program)
		p.PushMatrix(identity())
		p.SetDrawBuffers(s.vertex, s.index)
		p.DrawIndexed(3)
		p.EndRendering()
		return nil
	}, graph.On(r.Swapchain(), graph.WriteTarget))
	c.Assert(err, qt.IsNil)
	g := graph.New()
	g.AddPasses(pass)
	g.SetTargetPass(pass)
	c.Assert(r.Render(g), qt.IsNil)
	r.WaitForDevice()

	draws := headlessDevice(r).Draws()
	c.Assert(draws, qt.HasLen, 1)
	c.Assert(draws[0].PushConstants, qt.DeepEquals, core.MatrixBytes(identity()))
	c.Assert(draws[0].PushConstants[:4], qt.DeepEquals, []byte{0, 0, 0x80, 0x3f})
}

func TestDisposeRenderer(t *testing.T) {
	c := qt.New(t)
	gfxtest.Quiet(c)
	r := core.NewRenderer(nil, 4, 4, core.RendererConfiguration{API: gfx.APIHeadless, FramesInFlight: 2})
	s := newScene(c, r.Device())
	g, main := presentGraph(c, r, s)
	c.Assert(r.Render(g), qt.IsNil)

	r.Dispose()
	c.Assert(main.Disposed(), qt.IsTrue)
	c.Assert(s.program.Disposed(), qt.IsTrue)
	c.Assert(r.Device().Disposed(), qt.IsTrue)
	r.Dispose()
	c.Assert(r.Render(g), qt.Equals, gfx.ErrDisposed)
}
