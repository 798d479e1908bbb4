package vulkan

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/koru3d/koru/gfx"
)

func vkFormat(f gfx.Format) vk.Format {
	switch f {
	case gfx.FormatRGBA8:
		return vk.FormatR8g8b8a8Unorm
	case gfx.FormatBGRA8:
		return vk.FormatB8g8r8a8Unorm
	case gfx.FormatR32F:
		return vk.FormatR32Sfloat
	case gfx.FormatDepth32F:
		return vk.FormatD32Sfloat
	}
	return vk.FormatUndefined
}

func gfxFormat(f vk.Format) (gfx.Format, bool) {
	switch f {
	case vk.FormatR8g8b8a8Unorm:
		return gfx.FormatRGBA8, true
	case vk.FormatB8g8r8a8Unorm:
		return gfx.FormatBGRA8, true
	case vk.FormatR32Sfloat:
		return gfx.FormatR32F, true
	case vk.FormatD32Sfloat:
		return gfx.FormatDepth32F, true
	}
	return 0, false
}

func bufferUsage(u gfx.BufferUsage) vk.BufferUsageFlagBits {
	transfer := vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit
	switch u {
	case gfx.BufferVertex:
		return transfer | vk.BufferUsageVertexBufferBit
	case gfx.BufferIndex:
		return transfer | vk.BufferUsageIndexBufferBit
	case gfx.BufferUniform:
		return transfer | vk.BufferUsageUniformBufferBit
	case gfx.BufferStorage:
		return transfer | vk.BufferUsageStorageBufferBit
	}
	return transfer
}

func imageUsage(u gfx.TextureUsage) vk.ImageUsageFlagBits {
	base := vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit
	switch u {
	case gfx.TextureDepth:
		return base | vk.ImageUsageDepthStencilAttachmentBit
	case gfx.TextureStorage:
		return base | vk.ImageUsageStorageBit | vk.ImageUsageColorAttachmentBit
	}
	return base | vk.ImageUsageColorAttachmentBit
}

func aspectMask(f gfx.Format) vk.ImageAspectFlags {
	if f.IsDepth() {
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	return vk.ImageAspectFlags(vk.ImageAspectColorBit)
}

// restLayout is the layout a texture is kept in between passes.
func restLayout(u gfx.TextureUsage) vk.ImageLayout {
	if u == gfx.TextureStorage {
		return vk.ImageLayoutGeneral
	}
	return vk.ImageLayoutShaderReadOnlyOptimal
}

// transitionLayout records a full pipeline barrier moving image from
// layout from to layout to.
func transitionLayout(cmd vk.CommandBuffer, image vk.Image, aspect vk.ImageAspectFlags, from, to vk.ImageLayout) {
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       vk.AccessFlags(vk.AccessMemoryWriteBit),
		DstAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
		OldLayout:           from,
		NewLayout:           to,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspect,
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	vk.CmdPipelineBarrier(cmd,
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
}

func newImageView(dev vk.Device, image vk.Image, format vk.Format, aspect vk.ImageAspectFlags) (vk.ImageView, error) {
	ivci := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspect,
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	var view vk.ImageView
	if err := vk.Error(vk.CreateImageView(dev, &ivci, nil, &view)); err != nil {
		return vk.NullImageView, fmt.Errorf("vk.CreateImageView(): %w", err)
	}
	return view, nil
}

// hostVisible is implemented by resources of this backend whose contents
// can be reached through a mapping.
type hostVisible interface {
	gfx.Mappable
	device() *Device
}

// copyMapped copies between the mapped views of src and dst once all
// submitted work is complete.
func copyMapped(src hostVisible, dst gfx.Mappable, srcOffset, dstOffset, size int) error {
	to, ok := dst.(hostVisible)
	if !ok || to.device() != src.device() {
		return fmt.Errorf("vulkan: copy target %q: %w", dst.Label(), gfx.ErrNotMappable)
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
	if err := src.device().WaitIdle(); err != nil {
		return err
	}
	srcMapped, dstMapped := src.Mapped(), to.Mapped()
	copy(to.Get()[dstOffset:dstOffset+size], src.Get()[srcOffset:srcOffset+size])
	if !dstMapped {
		to.Unmap()
	}
	if !srcMapped {
		src.Unmap()
	}
	return nil
}

// Buffer is a gfx.Buffer in host visible, coherent memory.
type Buffer struct {
	gfx.Node
	dev     *Device
	desc    gfx.BufferDesc
	handle  vk.Buffer
	memory  memory
	mapping gfx.Mapping
}

// NewBuffer implements gfx.Device.
func (d *Device) NewBuffer(owner gfx.Owner, desc gfx.BufferDesc) (gfx.Buffer, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	handle, mem, err := d.memory.newBuffer(desc.Size, bufferUsage(desc.Usage),
		vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
	if err != nil {
		return nil, fmt.Errorf("buffer %q: %w", desc.Label, err)
	}
	b := &Buffer{dev: d, desc: desc, handle: handle, memory: mem}
	if err := b.Node.Init(d.owner(owner), b, b.release); err != nil {
		b.release()
		return nil, err
	}
	return b, nil
}

func (b *Buffer) release() {
	b.memory.release()
	vk.DestroyBuffer(b.dev.device, b.handle, nil)
}

func (b *Buffer) device() *Device { return b.dev }

// Kind implements gfx.Resource.
func (b *Buffer) Kind() gfx.ResourceKind { return gfx.KindBuffer }

// Label implements gfx.Resource.
func (b *Buffer) Label() string { return b.desc.Label }

// Usage implements gfx.Buffer.
func (b *Buffer) Usage() gfx.BufferUsage { return b.desc.Usage }

// Size implements gfx.Mappable.
func (b *Buffer) Size() int { return b.desc.Size }

// Mapped implements gfx.Mappable.
func (b *Buffer) Mapped() bool { return b.mapping.Mapped() }

func (b *Buffer) mapFn() ([]byte, error) {
	if b.Disposed() {
		return nil, gfx.ErrDisposed
	}
	return b.memory.view()
}

// Map implements gfx.Mappable.
func (b *Buffer) Map() []byte {
	return b.mapping.Map(b.desc.Label, b.mapFn)
}

// Get implements gfx.Mappable.
func (b *Buffer) Get() []byte {
	return b.mapping.Get(b.desc.Label, b.mapFn)
}

// Unmap implements gfx.Mappable. The memory is coherent, writes are
// visible to the next submission without a flush.
func (b *Buffer) Unmap() {
	b.mapping.Unmap(b.memory.unmap)
}

// CopyTo implements gfx.Mappable.
func (b *Buffer) CopyTo(dst gfx.Mappable, srcOffset, dstOffset, size int) error {
	return copyMapped(b, dst, srcOffset, dstOffset, size)
}

// Write implements gfx.Buffer.
func (b *Buffer) Write(offset int, data []byte) error {
	if err := gfx.CheckRange(b.desc.Size, offset, len(data)); err != nil {
		return fmt.Errorf("write %q: %w", b.desc.Label, err)
	}
	if b.Disposed() {
		return gfx.ErrDisposed
	}
	wasMapped := b.Mapped()
	copy(b.Get()[offset:], data)
	if !wasMapped {
		b.Unmap()
	}
	return nil
}

// Texture is a gfx.Texture backed by a device local image. Between
// passes it is kept in its rest layout, ready to be sampled.
type Texture struct {
	gfx.Node
	dev    *Device
	desc   gfx.TextureDesc
	format vk.Format
	image  vk.Image
	view   vk.ImageView
	memory memory

	// staging holds the CPU view while the texture is mapped.
	staging *Buffer
	mapping gfx.Mapping
}

// NewTexture implements gfx.Device.
func (d *Device) NewTexture(owner gfx.Owner, desc gfx.TextureDesc) (gfx.Texture, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	t := &Texture{dev: d, desc: desc, format: vkFormat(desc.Format)}
	var err error
	t.image, t.memory, err = d.memory.newImage(desc.Width, desc.Height, t.format, imageUsage(desc.Usage))
	if err != nil {
		return nil, fmt.Errorf("texture %q: %w", desc.Label, err)
	}
	if t.view, err = newImageView(d.device, t.image, t.format, aspectMask(desc.Format)); err != nil {
		t.memory.release()
		vk.DestroyImage(d.device, t.image, nil)
		return nil, fmt.Errorf("texture %q: %w", desc.Label, err)
	}
	if err := t.Node.Init(d.owner(owner), t, t.release); err != nil {
		t.release()
		return nil, err
	}
	err = d.runOnce(func(cmd vk.CommandBuffer) {
		transitionLayout(cmd, t.image, t.aspect(), vk.ImageLayoutUndefined, t.rest())
	})
	if err != nil {
		t.Dispose()
		return nil, err
	}
	return t, nil
}

func (t *Texture) release() {
	t.dev.forgetView(t.view)
	vk.DestroyImageView(t.dev.device, t.view, nil)
	vk.DestroyImage(t.dev.device, t.image, nil)
	t.memory.release()
}

func (t *Texture) device() *Device { return t.dev }

func (t *Texture) aspect() vk.ImageAspectFlags { return aspectMask(t.desc.Format) }

func (t *Texture) rest() vk.ImageLayout { return restLayout(t.desc.Usage) }

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
func (t *Texture) Mapped() bool { return t.mapping.Mapped() }

func (t *Texture) region() []vk.BufferImageCopy {
	return []vk.BufferImageCopy{{
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask: t.aspect(),
			LayerCount: 1,
		},
		ImageExtent: vk.Extent3D{
			Width:  uint32(t.desc.Width),
			Height: uint32(t.desc.Height),
			Depth:  1,
		},
	}}
}

// readback copies the image into the staging buffer.
func (t *Texture) readback() error {
	if err := t.dev.WaitIdle(); err != nil {
		return err
	}
	return t.dev.runOnce(func(cmd vk.CommandBuffer) {
		transitionLayout(cmd, t.image, t.aspect(), t.rest(), vk.ImageLayoutTransferSrcOptimal)
		vk.CmdCopyImageToBuffer(cmd, t.image, vk.ImageLayoutTransferSrcOptimal, t.staging.handle, 1, t.region())
		transitionLayout(cmd, t.image, t.aspect(), vk.ImageLayoutTransferSrcOptimal, t.rest())
	})
}

// upload copies the staging buffer into the image.
func (t *Texture) upload(staging *Buffer) error {
	if err := t.dev.WaitIdle(); err != nil {
		return err
	}
	return t.dev.runOnce(func(cmd vk.CommandBuffer) {
		transitionLayout(cmd, t.image, t.aspect(), t.rest(), vk.ImageLayoutTransferDstOptimal)
		vk.CmdCopyBufferToImage(cmd, staging.handle, t.image, vk.ImageLayoutTransferDstOptimal, 1, t.region())
		transitionLayout(cmd, t.image, t.aspect(), vk.ImageLayoutTransferDstOptimal, t.rest())
	})
}

func (t *Texture) newStaging() (*Buffer, error) {
	b, err := t.dev.NewBuffer(t, gfx.BufferDesc{
		Label: t.desc.Label + " staging",
		Size:  t.desc.Size(),
		Usage: gfx.BufferImage,
	})
	if err != nil {
		return nil, err
	}
	return b.(*Buffer), nil
}

func (t *Texture) mapFn() ([]byte, error) {
	if t.Disposed() {
		return nil, gfx.ErrDisposed
	}
	if t.staging == nil {
		staging, err := t.newStaging()
		if err != nil {
			return nil, err
		}
		t.staging = staging
	}
	if err := t.readback(); err != nil {
		return nil, err
	}
	return t.staging.Map(), nil
}

// Map implements gfx.Mappable. The view is a copy of the image taken
// after all submitted work is complete.
func (t *Texture) Map() []byte {
	return t.mapping.Map(t.desc.Label, t.mapFn)
}

// Get implements gfx.Mappable.
func (t *Texture) Get() []byte {
	return t.mapping.Get(t.desc.Label, t.mapFn)
}

// Unmap implements gfx.Mappable. The view is uploaded back into the
// image.
func (t *Texture) Unmap() {
	t.mapping.Unmap(func() {
		t.staging.Unmap()
		if err := t.upload(t.staging); err != nil {
			gfx.Meltdown("unmap", fmt.Errorf("texture %q: %w", t.desc.Label, err))
		}
	})
}

// CopyTo implements gfx.Mappable.
func (t *Texture) CopyTo(dst gfx.Mappable, srcOffset, dstOffset, size int) error {
	return copyMapped(t, dst, srcOffset, dstOffset, size)
}

// Upload implements gfx.Texture.
func (t *Texture) Upload(pixels []byte) error {
	if len(pixels) != t.desc.Size() {
		return fmt.Errorf("upload %q: %d bytes for a %dx%d %v texture", t.desc.Label, len(pixels), t.desc.Width, t.desc.Height, t.desc.Format)
	}
	if t.Disposed() {
		return gfx.ErrDisposed
	}
	staging, err := t.newStaging()
	if err != nil {
		return err
	}
	defer staging.Dispose()
	if err := staging.Write(0, pixels); err != nil {
		return err
	}
	return t.upload(staging)
}

// Sampler is a gfx.Sampler.
type Sampler struct {
	gfx.Node
	dev    *Device
	desc   gfx.SamplerDesc
	handle vk.Sampler
}

func vkFilter(f gfx.Filter) vk.Filter {
	if f == gfx.FilterLinear {
		return vk.FilterLinear
	}
	return vk.FilterNearest
}

func vkAddressMode(m gfx.AddressMode) vk.SamplerAddressMode {
	switch m {
	case gfx.AddressClampToEdge:
		return vk.SamplerAddressModeClampToEdge
	case gfx.AddressMirroredRepeat:
		return vk.SamplerAddressModeMirroredRepeat
	}
	return vk.SamplerAddressModeRepeat
}

// NewSampler implements gfx.Device.
func (d *Device) NewSampler(owner gfx.Owner, desc gfx.SamplerDesc) (gfx.Sampler, error) {
	address := vkAddressMode(desc.Address)
	sci := vk.SamplerCreateInfo{
		SType:         vk.StructureTypeSamplerCreateInfo,
		MagFilter:     vkFilter(desc.Mag),
		MinFilter:     vkFilter(desc.Min),
		MipmapMode:    vk.SamplerMipmapModeNearest,
		AddressModeU:  address,
		AddressModeV:  address,
		AddressModeW:  address,
		MaxAnisotropy: 1,
		CompareOp:     vk.CompareOpAlways,
		BorderColor:   vk.BorderColorFloatOpaqueBlack,
	}
	s := &Sampler{dev: d, desc: desc}
	if err := vk.Error(vk.CreateSampler(d.device, &sci, nil, &s.handle)); err != nil {
		return nil, fmt.Errorf("vk.CreateSampler(): %w", err)
	}
	if err := s.Node.Init(d.owner(owner), s, s.release); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Sampler) release() {
	vk.DestroySampler(s.dev.device, s.handle, nil)
}

// Kind implements gfx.Resource.
func (s *Sampler) Kind() gfx.ResourceKind { return gfx.KindSampler }

// Label implements gfx.Resource.
func (s *Sampler) Label() string { return s.desc.Label }

// Desc implements gfx.Sampler.
func (s *Sampler) Desc() gfx.SamplerDesc { return s.desc }
