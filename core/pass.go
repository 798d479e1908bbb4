package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	log "github.com/sirupsen/logrus"

	"github.com/koru3d/koru/gfx"
	"github.com/koru3d/koru/graph"
)

// PassState is the recording state of a GraphicsPass.
type PassState int

// Pass states
const (
	// Unbound passes have no active rendering scope.
	Unbound PassState = iota

	// Recording passes are between StartRendering and EndRendering.
	Recording

	// Submitted passes have handed their commands to the renderer.
	Submitted
)

func (s PassState) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Recording:
		return "recording"
	case Submitted:
		return "submitted"
	}
	return fmt.Sprintf("PassState(%d)", int(s))
}

// RecordFunc records the content of a pass for a frame.
type RecordFunc func(p *GraphicsPass, f graph.Frame) error

// GraphicsPass is a graph.Pass recording rasterization work through a
// RecordFunc. It keeps one command buffer per frame-in-flight copy and
// records into the copy of the frame being rendered.
type GraphicsPass struct {
	gfx.Node

	name   string
	dev    gfx.Device
	record RecordFunc
	deps   []graph.Dependency
	log    *log.Entry

	buffers []gfx.CommandBuffer

	// users holds the slot that last recorded each buffer, or -1.
	users []int

	state    PassState
	cb       gfx.CommandBuffer
	recorded bool
	program  gfx.ShaderProgram
}

// NewGraphicsPass creates a pass owned by owner. frames is the number of
// command buffer copies; 0 selects the device's frames in flight.
func NewGraphicsPass(dev gfx.Device, owner gfx.Owner, name string, frames int, record RecordFunc, deps ...graph.Dependency) (*GraphicsPass, error) {
	if record == nil {
		return nil, fmt.Errorf("pass %q: no record function", name)
	}
	if frames == 0 {
		frames = dev.FramesInFlight()
	}
	if frames < 1 || frames > dev.FramesInFlight() {
		return nil, fmt.Errorf("pass %q: %d frames outside [1, %d]", name, frames, dev.FramesInFlight())
	}
	if owner == nil {
		owner = dev
	}
	p := &GraphicsPass{
		name:   name,
		dev:    dev,
		record: record,
		deps:   deps,
		log:    gfx.Logger().WithField("pass", name),
		users:  make([]int, frames),
	}
	if err := p.Node.Init(owner, p, nil); err != nil {
		return nil, err
	}
	for i := 0; i < frames; i++ {
		cb, err := dev.NewCommandBuffer(p, fmt.Sprintf("%s#%d", name, i))
		if err != nil {
			p.Dispose()
			return nil, err
		}
		p.buffers = append(p.buffers, cb)
		p.users[i] = -1
	}
	return p, nil
}

// Name implements graph.Pass.
func (p *GraphicsPass) Name() string { return p.name }

// Frames implements graph.Pass.
func (p *GraphicsPass) Frames() int { return len(p.buffers) }

// Dependencies implements graph.Pass.
func (p *GraphicsPass) Dependencies() []graph.Dependency { return p.deps }

// State returns the recording state.
func (p *GraphicsPass) State() PassState { return p.state }

// Execute implements graph.Pass. It returns nil when the record function
// opened no rendering scope.
func (p *GraphicsPass) Execute(f graph.Frame) (gfx.CommandBuffer, error) {
	if p.Disposed() {
		return nil, fmt.Errorf("pass %q: %w", p.name, gfx.ErrDisposed)
	}
	if p.state == Recording {
		return nil, fmt.Errorf("pass %q: executed while recording", p.name)
	}
	i := f.Index % len(p.buffers)
	if last := p.users[i]; last >= 0 && last != f.Index {
		// the copy is shared with another slot that may still be in flight
		if err := p.dev.WaitFrame(last); err != nil {
			return nil, fmt.Errorf("pass %q: %w", p.name, err)
		}
	}
	cb := p.buffers[i]
	if err := cb.Begin(f.Index); err != nil {
		return nil, fmt.Errorf("pass %q: %w", p.name, err)
	}
	p.users[i] = f.Index
	p.cb, p.state, p.recorded, p.program = cb, Unbound, false, nil
	defer func() { p.cb = nil }()

	err := p.record(p, f)
	if p.state == Recording {
		cb.EndRendering()
		p.state = Unbound
		if err == nil {
			err = errors.New("rendering left open")
		}
	}
	if endErr := cb.End(); err == nil {
		err = endErr
	}
	if err != nil {
		return nil, fmt.Errorf("pass %q: %w", p.name, err)
	}
	if !p.recorded {
		return nil, nil
	}
	p.state = Submitted
	p.log.WithFields(log.Fields{"frame": f.Index, "buffer": i}).Debug("pass recorded")
	return cb, nil
}

func (p *GraphicsPass) checkState(op string, want PassState) {
	if p.cb == nil {
		gfx.Meltdownf(op, "pass %q: recording outside Execute", p.name)
	}
	if p.state != want {
		gfx.Meltdownf(op, "pass %q: %s while %s", p.name, op, p.state)
	}
}

// StartRendering opens a rendering scope on target using its first
// attachments color targets.
func (p *GraphicsPass) StartRendering(target gfx.RenderTarget, attachments, width, height int, clearTarget bool, clearColor gfx.Color) {
	p.checkState("StartRendering", Unbound)
	p.cb.BeginRendering(gfx.RenderingInfo{
		Target:      target,
		Attachments: attachments,
		Width:       width,
		Height:      height,
		Clear:       clearTarget,
		ClearColor:  clearColor,
	})
	p.state = Recording
	p.recorded = true
}

// SetCullMode sets the face culling of following draws.
func (p *GraphicsPass) SetCullMode(mode gfx.CullMode) {
	p.checkState("SetCullMode", Recording)
	p.cb.SetCullMode(mode)
}

// SetDrawBuffers binds the vertex and index buffers.
func (p *GraphicsPass) SetDrawBuffers(vertex, index gfx.Buffer) {
	p.checkState("SetDrawBuffers", Recording)
	p.cb.SetDrawBuffers(vertex, index)
}

// SetShaderProgram binds program for following draws.
func (p *GraphicsPass) SetShaderProgram(program gfx.ShaderProgram) {
	p.checkState("SetShaderProgram", Recording)
	p.cb.SetShaderProgram(program)
	p.program = program
}

// SetPushConstants uploads data as the program's push constants.
func (p *GraphicsPass) SetPushConstants(data []byte) {
	p.checkState("SetPushConstants", Recording)
	if p.program == nil {
		gfx.Meltdownf("SetPushConstants", "pass %q: push constants without a shader program", p.name)
	}
	p.cb.SetPushConstants(data)
}

// PushMatrix uploads m as push constants.
func (p *GraphicsPass) PushMatrix(m mgl32.Mat4) {
	p.SetPushConstants(MatrixBytes(m))
}

// DrawIndexed draws count indices.
func (p *GraphicsPass) DrawIndexed(count int) {
	p.checkState("DrawIndexed", Recording)
	p.cb.DrawIndexed(count)
}

// EndRendering closes the rendering scope.
func (p *GraphicsPass) EndRendering() {
	p.checkState("EndRendering", Recording)
	p.cb.EndRendering()
	p.state = Unbound
}

// MatrixBytes encodes m column-major as little endian floats.
func MatrixBytes(m mgl32.Mat4) []byte {
	out := make([]byte, 0, len(m)*4)
	for _, v := range m {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}
