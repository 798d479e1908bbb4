package core

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/koru3d/koru/gfx"
)

const matrixSize = 16 * 4

// UniformRing holds an array of matrices per frame-in-flight slot, so a
// slot can be written while the GPU still reads another one.
type UniformRing struct {
	gfx.Node
	label   string
	count   int
	buffers []gfx.Buffer
}

// NewUniformRing creates count matrices for every frame in flight of dev.
func NewUniformRing(dev gfx.Device, owner gfx.Owner, label string, count int) (*UniformRing, error) {
	if count < 1 {
		return nil, fmt.Errorf("uniform ring %q: invalid count %d", label, count)
	}
	if owner == nil {
		owner = dev
	}
	u := &UniformRing{label: label, count: count}
	if err := u.Node.Init(owner, u, nil); err != nil {
		return nil, err
	}
	for f := 0; f < dev.FramesInFlight(); f++ {
		buf, err := dev.NewBuffer(u, gfx.BufferDesc{
			Label: fmt.Sprintf("%s[%d]", label, f),
			Size:  count * matrixSize,
			Usage: gfx.BufferUniform,
		})
		if err != nil {
			u.Dispose()
			return nil, err
		}
		u.buffers = append(u.buffers, buf)
	}
	return u, nil
}

// Count returns the number of matrices per slot.
func (u *UniformRing) Count() int {
	return u.count
}

// Buffer returns the buffer of slot frame.
func (u *UniformRing) Buffer(frame int) gfx.Buffer {
	return u.buffers[frame]
}

// Write stores m as matrix index of slot frame.
func (u *UniformRing) Write(frame, index int, m mgl32.Mat4) error {
	if frame < 0 || frame >= len(u.buffers) {
		return fmt.Errorf("uniform ring %q: frame %d outside [0, %d)", u.label, frame, len(u.buffers))
	}
	if index < 0 || index >= u.count {
		return fmt.Errorf("uniform ring %q: index %d: %w", u.label, index, gfx.ErrOutOfRange)
	}
	return u.buffers[frame].Write(index*matrixSize, MatrixBytes(m))
}

// Bind binds the buffer of every slot to the named descriptor of set in
// that same slot.
func (u *UniformRing) Bind(set gfx.DescriptorSet, name string) {
	for f, buf := range u.buffers {
		set.SetBuffers(f, gfx.BufferUpdate{Name: name, Buffers: []gfx.Buffer{buf}})
	}
}
