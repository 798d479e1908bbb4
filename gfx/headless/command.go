package headless

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"github.com/koru3d/koru/gfx"
)

// op is a recorded command, executed on the queue goroutine.
type op func(s *execState)

type recorded struct {
	label    string
	ops      []op
	bindings map[*ShaderProgram]map[string][]gfx.Resource
}

// execState is the pipeline state while a command buffer executes.
type execState struct {
	dev      *Device
	slot     int
	pass     string
	bindings map[*ShaderProgram]map[string][]gfx.Resource
	program  *ShaderProgram
	cull    gfx.CullMode
	push    []byte
	targets []string
}

// CommandBuffer is a headless gfx.CommandBuffer. Commands are recorded
// as closures and replayed by the queue on submission.
type CommandBuffer struct {
	gfx.Node
	dev   *Device
	label string

	frame     int
	recording bool
	rendering bool
	program   *ShaderProgram
	programs  []*ShaderProgram
	index     *Buffer
	ops       []op
}

// NewCommandBuffer implements gfx.Device.
func (d *Device) NewCommandBuffer(owner gfx.Owner, label string) (gfx.CommandBuffer, error) {
	cb := &CommandBuffer{dev: d, label: label}
	if err := cb.Node.Init(d.owner(owner), cb, nil); err != nil {
		return nil, err
	}
	return cb, nil
}

// Label implements gfx.CommandBuffer.
func (cb *CommandBuffer) Label() string { return cb.label }

// Recording reports whether the buffer is between Begin and End.
func (cb *CommandBuffer) Recording() bool { return cb.recording }

func (cb *CommandBuffer) check(op string) {
	if cb.Disposed() {
		gfx.Meltdown(op, fmt.Errorf("command buffer %q: %w", cb.label, gfx.ErrDisposed))
	}
	if !cb.recording {
		gfx.Meltdownf(op, "command buffer %q is not recording", cb.label)
	}
}

func (cb *CommandBuffer) checkRendering(op string) {
	cb.check(op)
	if !cb.rendering {
		gfx.Meltdownf(op, "command buffer %q: no rendering scope", cb.label)
	}
}

// Begin implements gfx.CommandBuffer.
func (cb *CommandBuffer) Begin(frame int) error {
	if cb.Disposed() {
		return gfx.ErrDisposed
	}
	if err := cb.dev.checkFrame(frame); err != nil {
		return err
	}
	cb.frame = frame
	cb.recording = true
	cb.rendering = false
	cb.program = nil
	cb.programs = cb.programs[:0]
	cb.index = nil
	cb.ops = cb.ops[:0]
	return nil
}

// End implements gfx.CommandBuffer.
func (cb *CommandBuffer) End() error {
	if !cb.recording {
		return fmt.Errorf("headless: command buffer %q is not recording", cb.label)
	}
	if cb.rendering {
		return fmt.Errorf("headless: command buffer %q ended inside a rendering scope", cb.label)
	}
	cb.recording = false
	return nil
}

func (cb *CommandBuffer) texture(op string, t gfx.Texture) *Texture {
	if sc, ok := t.(*swapchainTexture); ok {
		return sc.current()
	}
	tex, ok := t.(*Texture)
	if !ok || tex.dev != cb.dev {
		gfx.Meltdownf(op, "command buffer %q: texture %q belongs to another device", cb.label, t.Label())
	}
	if tex.Disposed() {
		gfx.Meltdown(op, fmt.Errorf("texture %q: %w", tex.Label(), gfx.ErrDisposed))
	}
	return tex
}

// BeginRendering implements gfx.CommandBuffer. Swapchain proxies resolve
// to the image acquired at the time of recording.
func (cb *CommandBuffer) BeginRendering(info gfx.RenderingInfo) {
	const op = "BeginRendering"
	cb.check(op)
	if cb.rendering {
		gfx.Meltdownf(op, "command buffer %q: rendering scope already open", cb.label)
	}
	if info.Attachments < 0 || info.Attachments > len(info.Target.Color) {
		gfx.Meltdownf(op, "command buffer %q: %d attachments of %d color targets", cb.label, info.Attachments, len(info.Target.Color))
	}
	colors := make([]*Texture, info.Attachments)
	for i := range colors {
		colors[i] = cb.texture(op, info.Target.Color[i])
	}
	var depth *Texture
	if info.Target.Depth != nil {
		depth = cb.texture(op, info.Target.Depth)
		if !depth.Format().IsDepth() {
			gfx.Meltdownf(op, "command buffer %q: depth target %q has format %v", cb.label, depth.Label(), depth.Format())
		}
	}
	cb.rendering = true

	doClear, color := info.Clear, info.ClearColor
	cb.ops = append(cb.ops, func(s *execState) {
		s.targets = s.targets[:0]
		for _, t := range colors {
			s.targets = append(s.targets, t.Label())
			if doClear {
				t.memory.fill(clearPattern(t.Format(), color))
			}
		}
		if depth != nil {
			s.targets = append(s.targets, depth.Label())
			if doClear {
				depth.memory.fill(clearPattern(depth.Format(), color))
			}
		}
	})
}

func clearPattern(f gfx.Format, c gfx.Color) []byte {
	switch f {
	case gfx.FormatRGBA8:
		p := c.RGBA8()
		return p[:]
	case gfx.FormatBGRA8:
		p := c.RGBA8()
		return []byte{p[2], p[1], p[0], p[3]}
	case gfx.FormatR32F:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(c.R))
	case gfx.FormatDepth32F:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(1))
	}
	return []byte{0}
}

// SetCullMode implements gfx.CommandBuffer.
func (cb *CommandBuffer) SetCullMode(mode gfx.CullMode) {
	cb.check("SetCullMode")
	cb.ops = append(cb.ops, func(s *execState) { s.cull = mode })
}

// SetDrawBuffers implements gfx.CommandBuffer.
func (cb *CommandBuffer) SetDrawBuffers(vertex, index gfx.Buffer) {
	const op = "SetDrawBuffers"
	cb.check(op)
	for _, b := range []gfx.Buffer{vertex, index} {
		if b == nil {
			gfx.Meltdownf(op, "command buffer %q: nil draw buffer", cb.label)
		}
		if b.Disposed() {
			gfx.Meltdown(op, fmt.Errorf("buffer %q: %w", b.Label(), gfx.ErrDisposed))
		}
	}
	if vertex.Usage() != gfx.BufferVertex {
		gfx.Meltdownf(op, "buffer %q with usage %v bound as vertex buffer", vertex.Label(), vertex.Usage())
	}
	if index.Usage() != gfx.BufferIndex {
		gfx.Meltdownf(op, "buffer %q with usage %v bound as index buffer", index.Label(), index.Usage())
	}
	ib, ok := index.(*Buffer)
	if !ok || ib.dev != cb.dev {
		gfx.Meltdownf(op, "buffer %q belongs to another device", index.Label())
	}
	cb.index = ib
}

// SetShaderProgram implements gfx.CommandBuffer.
func (cb *CommandBuffer) SetShaderProgram(program gfx.ShaderProgram) {
	const op = "SetShaderProgram"
	cb.check(op)
	p, ok := program.(*ShaderProgram)
	if !ok {
		gfx.Meltdownf(op, "command buffer %q: foreign shader program", cb.label)
	}
	if p.Disposed() {
		gfx.Meltdown(op, fmt.Errorf("program %q: %w", p.Label(), gfx.ErrDisposed))
	}
	cb.program = p
	if !slices.Contains(cb.programs, p) {
		cb.programs = append(cb.programs, p)
	}
	cb.ops = append(cb.ops, func(s *execState) {
		s.program = p
		s.push = nil
	})
}

// SetPushConstants implements gfx.CommandBuffer.
func (cb *CommandBuffer) SetPushConstants(data []byte) {
	const op = "SetPushConstants"
	cb.check(op)
	if cb.program == nil {
		gfx.Meltdownf(op, "command buffer %q: push constants without a program", cb.label)
	}
	if len(data) > cb.program.desc.PushConstantSize {
		gfx.Meltdownf(op, "program %q: %d push constant bytes exceed %d", cb.program.Label(), len(data), cb.program.desc.PushConstantSize)
	}
	data = append([]byte(nil), data...)
	cb.ops = append(cb.ops, func(s *execState) { s.push = data })
}

// DrawIndexed implements gfx.CommandBuffer.
func (cb *CommandBuffer) DrawIndexed(count int) {
	const op = "DrawIndexed"
	cb.checkRendering(op)
	if cb.program == nil {
		gfx.Meltdownf(op, "command buffer %q: draw without a program", cb.label)
	}
	if cb.index == nil {
		gfx.Meltdownf(op, "command buffer %q: draw without draw buffers", cb.label)
	}
	if count < 0 || count*4 > cb.index.Size() {
		gfx.Meltdownf(op, "command buffer %q: %d indices exceed buffer %q", cb.label, count, cb.index.Label())
	}
	cb.ops = append(cb.ops, func(s *execState) {
		s.dev.recordDraw(DrawRecord{
			Pass:          s.pass,
			Slot:          s.slot,
			Program:       s.program.Label(),
			IndexCount:    count,
			Cull:          s.cull,
			Targets:       append([]string(nil), s.targets...),
			PushConstants: s.push,
			Bindings:      s.bindings[s.program],
		})
	})
}

// EndRendering implements gfx.CommandBuffer.
func (cb *CommandBuffer) EndRendering() {
	cb.checkRendering("EndRendering")
	cb.rendering = false
	cb.ops = append(cb.ops, func(s *execState) { s.targets = s.targets[:0] })
}
