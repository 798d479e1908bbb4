package headless

import (
	"fmt"
	"sync"

	"github.com/koru3d/koru/gfx"
)

// memory is host memory standing in for device memory. The queue
// goroutine and the CPU side both touch it, so access goes through mu.
type memory struct {
	mu      sync.Mutex
	data    []byte
	mapping gfx.Mapping
}

func (m *memory) read(offset, size int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data[offset:offset+size]...)
}

func (m *memory) write(offset int, src []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[offset:], src)
}

// fill repeats pattern over the whole memory.
func (m *memory) fill(pattern []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i+len(pattern) <= len(m.data); i += len(pattern) {
		copy(m.data[i:], pattern)
	}
}

// backed is implemented by resources with headless memory.
type backed interface {
	gfx.Mappable
	device() *Device
	mem() *memory
}

func copyMemory(src backed, dst gfx.Mappable, srcOffset, dstOffset, size int) error {
	to, ok := dst.(backed)
	if !ok || to.device() != src.device() {
		return fmt.Errorf("headless: copy target %q: %w", dst.Label(), gfx.ErrNotMappable)
	}
	if src.Disposed() || to.Disposed() {
		return gfx.ErrDisposed
	}
	if err := gfx.CheckRange(src.Size(), srcOffset, size); err != nil {
		return fmt.Errorf("copy from %q: %w", src.Label(), err)
	}
	if err := gfx.CheckRange(to.Size(), dstOffset, size); err != nil {
		return fmt.Errorf("copy to %q: %w", to.Label(), err)
	}
	return src.device().runOnce(func() {
		to.mem().write(dstOffset, src.mem().read(srcOffset, size))
	})
}

// Buffer is a headless gfx.Buffer.
type Buffer struct {
	gfx.Node
	dev    *Device
	desc   gfx.BufferDesc
	memory memory
}

// NewBuffer implements gfx.Device.
func (d *Device) NewBuffer(owner gfx.Owner, desc gfx.BufferDesc) (gfx.Buffer, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	b := &Buffer{dev: d, desc: desc}
	b.memory.data = make([]byte, desc.Size)
	if err := b.Node.Init(d.owner(owner), b, nil); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Buffer) device() *Device { return b.dev }
func (b *Buffer) mem() *memory { return &b.memory }

// Kind implements gfx.Resource.
func (b *Buffer) Kind() gfx.ResourceKind { return gfx.KindBuffer }

// Label implements gfx.Resource.
func (b *Buffer) Label() string { return b.desc.Label }

// Usage implements gfx.Buffer.
func (b *Buffer) Usage() gfx.BufferUsage { return b.desc.Usage }

// Size implements gfx.Mappable.
func (b *Buffer) Size() int { return b.desc.Size }

// Mapped implements gfx.Mappable.
func (b *Buffer) Mapped() bool { return b.memory.mapping.Mapped() }

func (b *Buffer) mapFn() ([]byte, error) {
	if b.Disposed() {
		return nil, gfx.ErrDisposed
	}
	return b.memory.data, nil
}

// Map implements gfx.Mappable.
func (b *Buffer) Map() []byte {
	return b.memory.mapping.Map(b.desc.Label, b.mapFn)
}

// Get implements gfx.Mappable.
func (b *Buffer) Get() []byte {
	return b.memory.mapping.Get(b.desc.Label, b.mapFn)
}

// Unmap implements gfx.Mappable.
func (b *Buffer) Unmap() {
	b.memory.mapping.Unmap(func() {})
}

// CopyTo implements gfx.Mappable.
func (b *Buffer) CopyTo(dst gfx.Mappable, srcOffset, dstOffset, size int) error {
	return copyMemory(b, dst, srcOffset, dstOffset, size)
}

// Write implements gfx.Buffer.
func (b *Buffer) Write(offset int, data []byte) error {
	if err := gfx.CheckRange(b.desc.Size, offset, len(data)); err != nil {
		return fmt.Errorf("write %q: %w", b.desc.Label, err)
	}
	if b.Disposed() {
		return gfx.ErrDisposed
	}
	b.memory.write(offset, data)
	return nil
}

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	return b.memory.read(0, b.desc.Size)
}

// Texture is a headless gfx.Texture.
type Texture struct {
	gfx.Node
	dev    *Device
	desc   gfx.TextureDesc
	memory memory
}

// NewTexture implements gfx.Device.
func (d *Device) NewTexture(owner gfx.Owner, desc gfx.TextureDesc) (gfx.Texture, error) {
	return d.newTexture(d.owner(owner), desc)
}

func (d *Device) newTexture(owner gfx.Owner, desc gfx.TextureDesc) (*Texture, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	t := &Texture{dev: d, desc: desc}
	t.memory.data = make([]byte, desc.Size())
	if err := t.Node.Init(owner, t, nil); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Texture) device() *Device { return t.dev }
func (t *Texture) mem() *memory { return &t.memory }

// Kind implements gfx.Resource.
func (t *Texture) Kind() gfx.ResourceKind { return gfx.KindTexture }

// Label implements gfx.Resource.
func (t *Texture) Label() string { return t.desc.Label }

// Width implements gfx.Texture.
func (t *Texture) Width() int { return t.desc.Width }

// Height implements gfx.Texture.
func (t *Texture) Height() int { return t.desc.Height }

// Format implements gfx.Texture.
func (t *Texture) Format() gfx.Format { return t.desc.Format }

// Usage implements gfx.Texture.
func (t *Texture) Usage() gfx.TextureUsage { return t.desc.Usage }

// Size implements gfx.Mappable.
func (t *Texture) Size() int { return t.desc.Size() }

// Mapped implements gfx.Mappable.
func (t *Texture) Mapped() bool { return t.memory.mapping.Mapped() }

func (t *Texture) mapFn() ([]byte, error) {
	if t.Disposed() {
		return nil, gfx.ErrDisposed
	}
	return t.memory.data, nil
}

// Map implements gfx.Mappable.
func (t *Texture) Map() []byte {
	return t.memory.mapping.Map(t.desc.Label, t.mapFn)
}

// Get implements gfx.Mappable.
func (t *Texture) Get() []byte {
	return t.memory.mapping.Get(t.desc.Label, t.mapFn)
}

// Unmap implements gfx.Mappable.
func (t *Texture) Unmap() {
	t.memory.mapping.Unmap(func() {})
}

// CopyTo implements gfx.Mappable.
func (t *Texture) CopyTo(dst gfx.Mappable, srcOffset, dstOffset, size int) error {
	return copyMemory(t, dst, srcOffset, dstOffset, size)
}

// Upload implements gfx.Texture. The copy runs on the queue after all
// work submitted before it.
func (t *Texture) Upload(pixels []byte) error {
	if len(pixels) != t.Size() {
		return fmt.Errorf("upload %q: %d bytes for a %d byte image: %w", t.desc.Label, len(pixels), t.Size(), gfx.ErrOutOfRange)
	}
	if t.Disposed() {
		return gfx.ErrDisposed
	}
	data := append([]byte(nil), pixels...)
	return t.dev.runOnce(func() { t.memory.write(0, data) })
}

// Pixels returns a copy of the image contents.
func (t *Texture) Pixels() []byte {
	return t.memory.read(0, t.Size())
}

// Sampler is a headless gfx.Sampler.
type Sampler struct {
	gfx.Node
	desc gfx.SamplerDesc
}

// NewSampler implements gfx.Device.
func (d *Device) NewSampler(owner gfx.Owner, desc gfx.SamplerDesc) (gfx.Sampler, error) {
	s := &Sampler{desc: desc}
	if err := s.Node.Init(d.owner(owner), s, nil); err != nil {
		return nil, err
	}
	return s, nil
}

// Kind implements gfx.Resource.
func (s *Sampler) Kind() gfx.ResourceKind { return gfx.KindSampler }

// Label implements gfx.Resource.
func (s *Sampler) Label() string { return s.desc.Label }

// Desc implements gfx.Sampler.
func (s *Sampler) Desc() gfx.SamplerDesc { return s.desc }
