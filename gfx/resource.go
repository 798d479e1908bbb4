package gfx

import "fmt"

// ResourceKind identifies the kind of a Resource.
type ResourceKind int

// Resource kinds
const (
	KindBuffer ResourceKind = iota + 1
	KindTexture
	KindSampler
)

func (k ResourceKind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindTexture:
		return "texture"
	case KindSampler:
		return "sampler"
	}
	return fmt.Sprintf("ResourceKind(%d)", int(k))
}

// Resource is a GPU visible object with an explicit lifetime.
type Resource interface {
	Disposable

	// Kind returns the kind of the resource.
	Kind() ResourceKind

	// Label returns the debug name given at creation.
	Label() string
}

// Mappable is implemented by resources with CPU accessible contents.
type Mappable interface {
	Resource

	// Size returns the size of the contents in bytes.
	Size() int

	// Mapped reports whether the resource is currently mapped.
	Mapped() bool

	// Map maps the contents for CPU access. Mapping an already
	// mapped resource is a meltdown.
	Map() []byte

	// Unmap releases the mapping. Contents become visible to the GPU
	// before the resource is next used by a submission.
	Unmap()

	// Get returns the mapped view, mapping the resource on first access.
	Get() []byte

	// CopyTo copies size bytes from srcOffset into dst at dstOffset.
	// Fails with ErrOutOfRange when a range exceeds either resource.
	CopyTo(dst Mappable, srcOffset, dstOffset, size int) error
}

// BufferUsage is the kind of data a Buffer holds.
type BufferUsage int

// Buffer usages
const (
	BufferVertex BufferUsage = iota + 1
	BufferIndex
	BufferUniform
	BufferStorage
	BufferImage
)

func (u BufferUsage) String() string {
	switch u {
	case BufferVertex:
		return "vertex"
	case BufferIndex:
		return "index"
	case BufferUniform:
		return "uniform"
	case BufferStorage:
		return "storage"
	case BufferImage:
		return "image"
	}
	return fmt.Sprintf("BufferUsage(%d)", int(u))
}

// BufferDesc describes a Buffer to create.
type BufferDesc struct {
	Label string
	Size  int
	Usage BufferUsage
}

// Buffer is linear GPU memory.
type Buffer interface {
	Mappable

	// Usage returns the usage the buffer was created with.
	Usage() BufferUsage

	// Write maps the buffer, copies data at offset and unmaps it.
	Write(offset int, data []byte) error
}

// Format is a texel format.
type Format int

// Texel formats
const (
	FormatRGBA8 Format = iota + 1
	FormatBGRA8
	FormatR32F
	FormatDepth32F
)

// BytesPerPixel returns the size of one texel.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatRGBA8, FormatBGRA8, FormatR32F, FormatDepth32F:
		return 4
	}
	return 0
}

// IsDepth reports whether f is a depth format.
func (f Format) IsDepth() bool {
	return f == FormatDepth32F
}

func (f Format) String() string {
	switch f {
	case FormatRGBA8:
		return "rgba8"
	case FormatBGRA8:
		return "bgra8"
	case FormatR32F:
		return "r32f"
	case FormatDepth32F:
		return "depth32f"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// TextureUsage is the role a Texture is created for.
type TextureUsage int

// Texture usages
const (
	TextureColor TextureUsage = iota + 1
	TextureDepth
	TextureStorage
)

func (u TextureUsage) String() string {
	switch u {
	case TextureColor:
		return "color"
	case TextureDepth:
		return "depth"
	case TextureStorage:
		return "storage"
	}
	return fmt.Sprintf("TextureUsage(%d)", int(u))
}

// TextureDesc describes a Texture to create.
type TextureDesc struct {
	Label  string
	Width  int
	Height int
	Format Format
	Usage  TextureUsage
}

// Size returns the byte size of the described texture.
func (d TextureDesc) Size() int {
	return d.Width * d.Height * d.Format.BytesPerPixel()
}

// Texture is a two dimensional image.
type Texture interface {
	Mappable

	Width() int
	Height() int
	Format() Format
	Usage() TextureUsage

	// Upload replaces the whole image with pixels.
	Upload(pixels []byte) error
}

// Filter is a texture sampling filter.
type Filter int

// Filters
const (
	FilterNearest Filter = iota
	FilterLinear
)

// AddressMode is the texture addressing mode outside [0, 1].
type AddressMode int

// Address modes
const (
	AddressRepeat AddressMode = iota
	AddressClampToEdge
	AddressMirroredRepeat
)

// SamplerDesc describes a Sampler to create.
type SamplerDesc struct {
	Label   string
	Min     Filter
	Mag     Filter
	Address AddressMode
}

// Sampler holds texture sampling state.
type Sampler interface {
	Resource
	Desc() SamplerDesc
}

// CheckRange validates that [offset, offset+length) lies within size.
func CheckRange(size, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > size {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, offset, offset+length, size)
	}
	return nil
}

// Validate validates the parts of a BufferDesc common to all backends.
func (d BufferDesc) Validate() error {
	if d.Size <= 0 {
		return fmt.Errorf("buffer %q: invalid size %d", d.Label, d.Size)
	}
	if d.Usage < BufferVertex || d.Usage > BufferImage {
		return fmt.Errorf("buffer %q: invalid usage %v", d.Label, d.Usage)
	}
	return nil
}

// Validate validates the parts of a TextureDesc common to all backends.
func (d TextureDesc) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("texture %q: invalid extent %dx%d", d.Label, d.Width, d.Height)
	}
	if d.Format.BytesPerPixel() == 0 {
		return fmt.Errorf("texture %q: invalid format %v", d.Label, d.Format)
	}
	if d.Usage == TextureDepth && !d.Format.IsDepth() {
		return fmt.Errorf("texture %q: depth usage needs a depth format, got %v", d.Label, d.Format)
	}
	return nil
}
