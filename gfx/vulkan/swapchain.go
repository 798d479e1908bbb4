package vulkan

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	vk "github.com/vulkan-go/vulkan"

	"github.com/koru3d/koru/gfx"
)

// Swapchain is a gfx.Swapchain presenting to the window surface of the
// device.
type Swapchain struct {
	gfx.Node
	dev     *Device
	surface gfx.Surface
	proxy   *swapchainTexture

	handle        vk.Swapchain
	format        vk.Format
	colorSpace    vk.ColorSpace
	width, height int
	images        []vk.Image
	views         []vk.ImageView

	// rendered marks images that were submitted in the present layout
	// since the chain was built.
	rendered []bool
	current  uint32
	acquired bool
	frame    int

	// written is set once a command buffer renders into the image
	// acquired last.
	written bool
}

// NewSwapchain implements gfx.Device. The device must have been opened
// with a window.
func (d *Device) NewSwapchain(owner gfx.Owner, surface gfx.Surface, width, height int) (gfx.Swapchain, error) {
	if d.surface == vk.NullSurface {
		return nil, errors.New("vulkan: device was opened without a window surface")
	}
	sc := &Swapchain{dev: d, surface: surface, handle: vk.NullSwapchain}
	if err := sc.Node.Init(d.owner(owner), sc, sc.release); err != nil {
		return nil, err
	}
	sc.proxy = &swapchainTexture{sc: sc}
	if err := sc.proxy.Node.Init(sc, sc.proxy, nil); err != nil {
		return nil, err
	}
	if err := sc.chooseFormat(); err != nil {
		sc.Dispose()
		return nil, err
	}
	if err := sc.build(width, height); err != nil {
		sc.Dispose()
		return nil, err
	}
	return sc, nil
}

// chooseFormat picks BGRA8 when the surface supports it, otherwise the
// first supported format the engine knows.
func (sc *Swapchain) chooseFormat() error {
	var formatCount uint32
	if err := vk.Error(vk.GetPhysicalDeviceSurfaceFormats(sc.dev.physical, sc.dev.surface, &formatCount, nil)); err != nil {
		return fmt.Errorf("vk.GetPhysicalDeviceSurfaceFormats(): %w", err)
	}
	formats := make([]vk.SurfaceFormat, formatCount)
	if err := vk.Error(vk.GetPhysicalDeviceSurfaceFormats(sc.dev.physical, sc.dev.surface, &formatCount, formats)); err != nil {
		return fmt.Errorf("vk.GetPhysicalDeviceSurfaceFormats(): %w", err)
	}
	found := false
	for _, f := range formats {
		f.Deref()
		// a single undefined entry means the surface takes any format
		if f.Format == vk.FormatUndefined {
			sc.format, sc.colorSpace = vk.FormatB8g8r8a8Unorm, f.ColorSpace
			return nil
		}
		if _, ok := gfxFormat(f.Format); !ok || f.Format == vk.FormatD32Sfloat {
			continue
		}
		if !found || f.Format == vk.FormatB8g8r8a8Unorm {
			sc.format, sc.colorSpace = f.Format, f.ColorSpace
			found = true
		}
	}
	if !found {
		return errors.New("vulkan: surface supports no known color format")
	}
	return nil
}

func (sc *Swapchain) build(width, height int) error {
	var surfaceCapabilities vk.SurfaceCapabilities
	if err := vk.Error(vk.GetPhysicalDeviceSurfaceCapabilities(sc.dev.physical, sc.dev.surface, &surfaceCapabilities)); err != nil {
		return fmt.Errorf("vk.GetPhysicalDeviceSurfaceCapabilities(): %w", err)
	}
	surfaceCapabilities.Deref()
	surfaceCapabilities.CurrentExtent.Deref()
	surfaceCapabilities.MinImageExtent.Deref()
	surfaceCapabilities.MaxImageExtent.Deref()

	// the surface dictates the extent unless it reports the special value
	extent := surfaceCapabilities.CurrentExtent
	if extent.Width == 0xFFFFFFFF {
		extent.Width = clamp(uint32(width), surfaceCapabilities.MinImageExtent.Width, surfaceCapabilities.MaxImageExtent.Width)
		extent.Height = clamp(uint32(height), surfaceCapabilities.MinImageExtent.Height, surfaceCapabilities.MaxImageExtent.Height)
	}
	if extent.Width == 0 || extent.Height == 0 {
		return fmt.Errorf("vulkan: invalid swapchain extent %dx%d", extent.Width, extent.Height)
	}

	minImages := uint32(sc.dev.FramesInFlight() + 1)
	if minImages < surfaceCapabilities.MinImageCount {
		minImages = surfaceCapabilities.MinImageCount
	}
	if maxImages := surfaceCapabilities.MaxImageCount; maxImages > 0 && minImages > maxImages {
		minImages = maxImages
	}

	compositeAlpha := vk.CompositeAlphaOpaqueBit
	compositeAlphaFlags := []vk.CompositeAlphaFlagBits{
		vk.CompositeAlphaOpaqueBit,
		vk.CompositeAlphaPreMultipliedBit,
		vk.CompositeAlphaPostMultipliedBit,
		vk.CompositeAlphaInheritBit,
	}
	for i := 0; i < len(compositeAlphaFlags); i++ {
		alphaFlags := vk.CompositeAlphaFlags(compositeAlphaFlags[i])
		if surfaceCapabilities.SupportedCompositeAlpha&alphaFlags != 0 {
			compositeAlpha = compositeAlphaFlags[i]
			break
		}
	}

	old := sc.handle
	scci := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          sc.dev.surface,
		MinImageCount:    minImages,
		ImageFormat:      sc.format,
		ImageColorSpace:  sc.colorSpace,
		ImageExtent:      extent,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		PreTransform:     surfaceCapabilities.CurrentTransform,
		CompositeAlpha:   compositeAlpha,
		PresentMode:      vk.PresentModeFifo,
		Clipped:          vk.True,
		ImageArrayLayers: 1,
		ImageSharingMode: vk.SharingModeExclusive,
		OldSwapchain:     old,
	}
	var swapchain vk.Swapchain
	if err := vk.Error(vk.CreateSwapchain(sc.dev.device, &scci, nil, &swapchain)); err != nil {
		return fmt.Errorf("vk.CreateSwapchain(): %w", err)
	}
	sc.destroyImages()
	if old != vk.NullSwapchain {
		vk.DestroySwapchain(sc.dev.device, old, nil)
	}
	sc.handle = swapchain

	var numImages uint32
	if err := vk.Error(vk.GetSwapchainImages(sc.dev.device, sc.handle, &numImages, nil)); err != nil {
		return fmt.Errorf("vk.GetSwapchainImages(num): %w", err)
	}
	sc.images = make([]vk.Image, numImages)
	if err := vk.Error(vk.GetSwapchainImages(sc.dev.device, sc.handle, &numImages, sc.images)); err != nil {
		return fmt.Errorf("vk.GetSwapchainImages(images): %w", err)
	}
	for idx, image := range sc.images {
		view, err := newImageView(sc.dev.device, image, sc.format, vk.ImageAspectFlags(vk.ImageAspectColorBit))
		if err != nil {
			return fmt.Errorf("swapchain image %d: %w", idx, err)
		}
		sc.views = append(sc.views, view)
	}
	sc.rendered = make([]bool, len(sc.images))
	sc.width, sc.height = int(extent.Width), int(extent.Height)
	sc.acquired = false
	return nil
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (sc *Swapchain) destroyImages() {
	for _, view := range sc.views {
		sc.dev.forgetView(view)
		vk.DestroyImageView(sc.dev.device, view, nil)
	}
	sc.views = nil
	sc.images = nil
}

func (sc *Swapchain) release() {
	sc.destroyImages()
	if sc.handle != vk.NullSwapchain {
		vk.DestroySwapchain(sc.dev.device, sc.handle, nil)
		sc.handle = vk.NullSwapchain
	}
}

// Texture implements gfx.Swapchain.
func (sc *Swapchain) Texture() gfx.Texture { return sc.proxy }

// Images implements gfx.Swapchain.
func (sc *Swapchain) Images() int { return len(sc.images) }

// Extent implements gfx.Swapchain.
func (sc *Swapchain) Extent() (int, int) { return sc.width, sc.height }

// Acquire implements gfx.Swapchain. The image becomes available to the
// submission of frame through the slot's semaphore.
func (sc *Swapchain) Acquire(frame int) error {
	if sc.Disposed() {
		return gfx.ErrDisposed
	}
	if err := sc.dev.checkFrame(frame); err != nil {
		return err
	}
	f := &sc.dev.frames[frame]
	var idx uint32
	result := vk.AcquireNextImage(sc.dev.device, sc.handle, vk.MaxUint64, f.imageAvailable, vk.NullFence, &idx)
	switch result {
	case vk.ErrorOutOfDate:
		return gfx.ErrSwapchainOutOfDate
	case vk.Success, vk.Suboptimal:
	default:
		return fmt.Errorf("vk.AcquireNextImage(): %w", vk.Error(result))
	}
	sc.current, sc.acquired, sc.frame = idx, true, frame
	sc.written = false
	f.acquired = true
	return nil
}

// Present implements gfx.Swapchain.
func (sc *Swapchain) Present(frame int) error {
	if sc.Disposed() {
		return gfx.ErrDisposed
	}
	if !sc.acquired {
		return errors.New("vulkan: present without an acquired image")
	}
	if frame != sc.frame {
		return fmt.Errorf("vulkan: present for frame %d, image was acquired for frame %d", frame, sc.frame)
	}
	sc.acquired = false

	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{sc.dev.frames[frame].renderFinished},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{sc.handle},
		PImageIndices:      []uint32{sc.current},
	}
	sc.dev.queueMu.Lock()
	result := vk.QueuePresent(sc.dev.queue, &presentInfo)
	sc.dev.queueMu.Unlock()
	switch result {
	case vk.Success:
		return nil
	case vk.ErrorOutOfDate, vk.Suboptimal:
		return gfx.ErrSwapchainOutOfDate
	}
	return fmt.Errorf("vk.QueuePresent(): %w", vk.Error(result))
}

// Recreate implements gfx.Swapchain.
func (sc *Swapchain) Recreate(width, height int) error {
	if sc.Disposed() {
		return gfx.ErrDisposed
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("vulkan: invalid swapchain extent %dx%d", width, height)
	}
	if err := sc.dev.WaitIdle(); err != nil {
		return err
	}
	if err := sc.build(width, height); err != nil {
		return err
	}
	sc.dev.log.WithFields(log.Fields{
		"extent": fmt.Sprintf("%dx%d", sc.width, sc.height),
		"images": len(sc.images),
	}).Info("swapchain recreated")
	return nil
}

// swapchainTexture stands for whichever image is acquired.
type swapchainTexture struct {
	gfx.Node
	sc *Swapchain
}

// attachment returns the view of the acquired image and the layout its
// contents are in.
func (t *swapchainTexture) attachment() (vk.ImageView, vk.ImageLayout) {
	if !t.sc.acquired {
		gfx.Meltdownf("swapchain", "swapchain image used before Acquire")
	}
	layout := vk.ImageLayoutUndefined
	if t.sc.rendered[t.sc.current] || t.sc.written {
		layout = vk.ImageLayoutPresentSrc
	}
	t.sc.written = true
	return t.sc.views[t.sc.current], layout
}

// recordPresent records into cmd the transition of the acquired image,
// which holds no defined contents, to the present layout.
func (sc *Swapchain) recordPresent(cmd vk.CommandBuffer) error {
	cbbi := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := vk.Error(vk.BeginCommandBuffer(cmd, &cbbi)); err != nil {
		return fmt.Errorf("vk.BeginCommandBuffer(): %w", err)
	}
	transitionLayout(cmd, sc.images[sc.current], vk.ImageAspectFlags(vk.ImageAspectColorBit),
		vk.ImageLayoutUndefined, vk.ImageLayoutPresentSrc)
	if err := vk.Error(vk.EndCommandBuffer(cmd)); err != nil {
		return fmt.Errorf("vk.EndCommandBuffer(): %w", err)
	}
	return nil
}

func (t *swapchainTexture) Kind() gfx.ResourceKind { return gfx.KindTexture }
func (t *swapchainTexture) Label() string { return "swapchain" }
func (t *swapchainTexture) Width() int { return t.sc.width }
func (t *swapchainTexture) Height() int { return t.sc.height }
func (t *swapchainTexture) Usage() gfx.TextureUsage { return gfx.TextureColor }
func (t *swapchainTexture) Size() int { return t.sc.width * t.sc.height * 4 }
func (t *swapchainTexture) Mapped() bool { return false }
func (t *swapchainTexture) Unmap() {}

func (t *swapchainTexture) Format() gfx.Format {
	f, _ := gfxFormat(t.sc.format)
	return f
}

func (t *swapchainTexture) Upload(pixels []byte) error {
	return fmt.Errorf("swapchain image: %w", gfx.ErrNotMappable)
}

func (t *swapchainTexture) Map() []byte {
	gfx.Meltdown("map", fmt.Errorf("swapchain image: %w", gfx.ErrNotMappable))
	return nil
}

func (t *swapchainTexture) Get() []byte {
	return t.Map()
}

func (t *swapchainTexture) CopyTo(dst gfx.Mappable, srcOffset, dstOffset, size int) error {
	return fmt.Errorf("swapchain image: %w", gfx.ErrNotMappable)
}
