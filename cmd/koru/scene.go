package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gobuffalo/packr"

	"github.com/koru3d/koru/core"
	"github.com/koru3d/koru/gfx"
	"github.com/koru3d/koru/graph"
	"github.com/koru3d/koru/shader"
	"github.com/koru3d/koru/utility/kar"
)

const (
	shadowMapSize = 1024

	cameraMatrix = 0
	lightMatrix  = 1
)

// scene is a lit spinning cube: a shadow pass renders the cube depth
// from the light and the main pass samples it while drawing into the
// swapchain.
type scene struct {
	gfx.Node

	renderer *core.Renderer
	clock    *core.Time
	graph    *graph.RenderGraph

	vertices gfx.Buffer
	indices  gfx.Buffer
	count    int

	shadowMap gfx.Texture
	sampler   gfx.Sampler
	matrices  *core.UniformRing

	shadowProgram gfx.ShaderProgram
	meshProgram   gfx.ShaderProgram

	// transform of the cube in the frame being recorded
	transform mgl32.Mat4
}

// shaderSource picks where the programs are read from: a kar archive, a
// directory or the shaders embedded into the binary.
func shaderSource(path string) (shader.Source, func(), error) {
	if strings.HasSuffix(path, ".kar") {
		a, err := kar.OpenFile(path)
		if err != nil {
			return nil, nil, err
		}
		return a, func() { a.Close() }, nil
	}
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return shader.DirSource(path), func() {}, nil
	}
	return shader.BoxSource{Box: packr.NewBox("./shaders")}, func() {}, nil
}

func newScene(r *core.Renderer, clock *core.Time, src shader.Source) (*scene, error) {
	dev := r.Device()
	s := &scene{renderer: r, clock: clock}
	if err := s.Node.Init(r, s, nil); err != nil {
		return nil, err
	}
	if err := s.build(dev, src); err != nil {
		s.Dispose()
		return nil, err
	}
	return s, nil
}

func (s *scene) build(dev gfx.Device, src shader.Source) error {
	var err error
	vertices, indices := cube()
	if s.vertices, err = dev.NewBuffer(s, gfx.BufferDesc{Label: "cube.vertices", Size: len(vertices), Usage: gfx.BufferVertex}); err != nil {
		return err
	}
	if err = s.vertices.Write(0, vertices); err != nil {
		return err
	}
	if s.indices, err = dev.NewBuffer(s, gfx.BufferDesc{Label: "cube.indices", Size: len(indices), Usage: gfx.BufferIndex}); err != nil {
		return err
	}
	if err = s.indices.Write(0, indices); err != nil {
		return err
	}
	s.count = len(indices) / 4

	if s.shadowMap, err = dev.NewTexture(s, gfx.TextureDesc{
		Label:  "shadow",
		Width:  shadowMapSize,
		Height: shadowMapSize,
		Format: gfx.FormatDepth32F,
		Usage:  gfx.TextureDepth,
	}); err != nil {
		return err
	}
	if s.sampler, err = dev.NewSampler(s, gfx.SamplerDesc{
		Label:   "shadow",
		Min:     gfx.FilterLinear,
		Mag:     gfx.FilterLinear,
		Address: gfx.AddressClampToEdge,
	}); err != nil {
		return err
	}
	if s.matrices, err = core.NewUniformRing(dev, s, "matrices", 2); err != nil {
		return err
	}

	if s.shadowProgram, err = s.program(dev, src, "shadow"); err != nil {
		return err
	}
	if s.meshProgram, err = s.program(dev, src, "mesh"); err != nil {
		return err
	}
	s.matrices.Bind(s.shadowProgram.DescriptorSet(0), "matrices")
	set := s.meshProgram.DescriptorSet(0)
	s.matrices.Bind(set, "matrices")
	for f := 0; f < dev.FramesInFlight(); f++ {
		set.SetTextures(f, gfx.TextureUpdate{Name: "shadowMap", Textures: []gfx.Texture{s.shadowMap}})
		set.SetSamplers(f, gfx.SamplerUpdate{Name: "shadowSampler", Samplers: []gfx.Sampler{s.sampler}})
	}

	shadowPass, err := core.NewGraphicsPass(dev, s, "ShadowPass", 0, s.recordShadow,
		graph.On(s.shadowMap, graph.DepthWrite),
		graph.On(s.matrices.Buffer(0), graph.ReadShader),
	)
	if err != nil {
		return err
	}
	mainPass, err := core.NewGraphicsPass(dev, s, "MainPass", 0, s.recordMain,
		graph.On(s.shadowMap, graph.ReadShader),
		graph.On(s.renderer.Swapchain(), graph.WriteTarget|graph.Present),
	)
	if err != nil {
		return err
	}
	s.graph = graph.New()
	s.graph.AddPasses(shadowPass, mainPass)
	s.graph.SetTargetPass(mainPass)
	return nil
}

func (s *scene) program(dev gfx.Device, src shader.Source, name string) (gfx.ShaderProgram, error) {
	desc, err := shader.Load(src, name)
	if err != nil {
		return nil, err
	}
	p, err := dev.NewShaderProgram(s, desc)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", name, err)
	}
	return p, nil
}

func (s *scene) model() mgl32.Mat4 {
	angle := float32(s.clock.Elapsed().Seconds()) * mgl32.DegToRad(45)
	return mgl32.HomogRotate3DY(angle).Mul4(mgl32.HomogRotate3DX(angle / 3))
}

// writeMatrices uploads the camera and light matrices of slot.
func (s *scene) writeMatrices(slot int) error {
	w, h := s.renderer.Chain().Extent()
	aspect := float32(1)
	if h > 0 {
		aspect = float32(w) / float32(h)
	}
	camera := mgl32.Perspective(mgl32.DegToRad(60), aspect, 0.1, 100).
		Mul4(mgl32.LookAtV(mgl32.Vec3{0, 1.5, 4}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}))
	light := mgl32.Ortho(-3, 3, -3, 3, 0.1, 20).
		Mul4(mgl32.LookAtV(mgl32.Vec3{4, 6, 3}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}))
	if err := s.matrices.Write(slot, cameraMatrix, camera); err != nil {
		return err
	}
	return s.matrices.Write(slot, lightMatrix, light)
}

func (s *scene) recordShadow(p *core.GraphicsPass, f graph.Frame) error {
	p.StartRendering(gfx.RenderTarget{Depth: s.shadowMap}, 0, shadowMapSize, shadowMapSize, true, gfx.Color{})
	p.SetCullMode(gfx.CullFront)
	p.SetShaderProgram(s.shadowProgram)
	p.SetDrawBuffers(s.vertices, s.indices)
	p.PushMatrix(s.transform)
	p.DrawIndexed(s.count)
	p.EndRendering()
	return nil
}

func (s *scene) recordMain(p *core.GraphicsPass, f graph.Frame) error {
	w, h := s.renderer.Chain().Extent()
	target := gfx.RenderTarget{Color: []gfx.Texture{s.renderer.Swapchain()}}
	p.StartRendering(target, 1, w, h, true, gfx.Color{R: 0.08, G: 0.09, B: 0.12, A: 1})
	p.SetCullMode(gfx.CullBack)
	p.SetShaderProgram(s.meshProgram)
	p.SetDrawBuffers(s.vertices, s.indices)
	p.PushMatrix(s.transform)
	p.DrawIndexed(s.count)
	p.EndRendering()
	return nil
}

// render draws one frame.
func (s *scene) render() error {
	start := time.Now()
	s.transform = s.model()
	if err := s.writeMatrices(s.renderer.FrameIndex()); err != nil {
		return err
	}
	if err := s.renderer.Render(s.graph); err != nil {
		return err
	}
	gfx.Logger().WithField("took", time.Since(start)).Trace("frame")
	return nil
}

// cube returns the interleaved position, normal and uv vertices and the
// uint32 indices of a unit cube.
func cube() (vertices, indices []byte) {
	faces := []struct {
		normal, u, v mgl32.Vec3
	}{
		{mgl32.Vec3{0, 0, 1}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{0, 0, -1}, mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{0, 1, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, -1}},
		{mgl32.Vec3{0, -1, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, 1}},
	}
	corners := [4][2]float32{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}}
	put := func(v float32) {
		vertices = binary.LittleEndian.AppendUint32(vertices, math.Float32bits(v))
	}
	for i, face := range faces {
		for _, c := range corners {
			pos := face.normal.Add(face.u.Mul(c[0])).Add(face.v.Mul(c[1])).Mul(0.5)
			put(pos[0])
			put(pos[1])
			put(pos[2])
			put(face.normal[0])
			put(face.normal[1])
			put(face.normal[2])
			put((c[0] + 1) / 2)
			put((c[1] + 1) / 2)
		}
		base := uint32(i * 4)
		for _, idx := range []uint32{0, 1, 2, 2, 3, 0} {
			indices = binary.LittleEndian.AppendUint32(indices, base+idx)
		}
	}
	return vertices, indices
}
