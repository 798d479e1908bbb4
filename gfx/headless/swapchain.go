package headless

import (
	"errors"
	"fmt"
	"sync"

	"github.com/koru3d/koru/gfx"
)

// Presentation is the last image presented by a Swapchain.
type Presentation struct {
	Image  int
	Frame  int
	Width  int
	Height int
	Pixels []byte
}

// Swapchain is an in-memory gfx.Swapchain of BGRA8 images.
type Swapchain struct {
	gfx.Node
	dev     *Device
	surface gfx.Surface
	proxy   *swapchainTexture

	width, height int
	images        []*Texture
	current       int
	next          int
	acquired      bool

	mu        sync.Mutex
	outOfDate bool
	presented Presentation
	presents  int
}

// NewSwapchain implements gfx.Device. The chain holds one image more
// than the frames in flight.
func (d *Device) NewSwapchain(owner gfx.Owner, surface gfx.Surface, width, height int) (gfx.Swapchain, error) {
	sc := &Swapchain{dev: d, surface: surface}
	if err := sc.Node.Init(d.owner(owner), sc, nil); err != nil {
		return nil, err
	}
	sc.proxy = &swapchainTexture{sc: sc}
	if err := sc.proxy.Node.Init(sc, sc.proxy, nil); err != nil {
		return nil, err
	}
	if err := sc.build(width, height); err != nil {
		sc.Dispose()
		return nil, err
	}
	return sc, nil
}

func (sc *Swapchain) build(width, height int) error {
	for _, img := range sc.images {
		img.Dispose()
	}
	sc.images = sc.images[:0]
	for i := 0; i <= sc.dev.FramesInFlight(); i++ {
		img, err := sc.dev.newTexture(sc, gfx.TextureDesc{
			Label:  fmt.Sprintf("swapchain image %d", i),
			Width:  width,
			Height: height,
			Format: gfx.FormatBGRA8,
			Usage:  gfx.TextureColor,
		})
		if err != nil {
			return err
		}
		sc.images = append(sc.images, img)
	}
	sc.width, sc.height = width, height
	sc.current, sc.next = 0, 0
	sc.acquired = false
	return nil
}

// Texture implements gfx.Swapchain.
func (sc *Swapchain) Texture() gfx.Texture { return sc.proxy }

// Images implements gfx.Swapchain.
func (sc *Swapchain) Images() int { return len(sc.images) }

// Extent implements gfx.Swapchain.
func (sc *Swapchain) Extent() (int, int) { return sc.width, sc.height }

// Invalidate marks the chain out of date, as a window resize would.
func (sc *Swapchain) Invalidate() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.outOfDate = true
}

func (sc *Swapchain) isOutOfDate() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.outOfDate
}

func (sc *Swapchain) isAcquired() bool {
	return sc.acquired
}

// Acquire implements gfx.Swapchain.
func (sc *Swapchain) Acquire(frame int) error {
	if sc.Disposed() {
		return gfx.ErrDisposed
	}
	if err := sc.dev.checkFrame(frame); err != nil {
		return err
	}
	if sc.isOutOfDate() {
		return gfx.ErrSwapchainOutOfDate
	}
	if w, h := sc.surfaceSize(); w != sc.width || h != sc.height {
		return gfx.ErrSwapchainOutOfDate
	}
	sc.current = sc.next
	sc.next = (sc.next + 1) % len(sc.images)
	sc.acquired = true
	return nil
}

func (sc *Swapchain) surfaceSize() (int, int) {
	if sc.surface == nil {
		return sc.width, sc.height
	}
	return sc.surface.DrawableSize()
}

// Present implements gfx.Swapchain. The image is handed over once the
// work submitted before it has executed.
func (sc *Swapchain) Present(frame int) error {
	if sc.Disposed() {
		return gfx.ErrDisposed
	}
	if !sc.acquired {
		return errors.New("headless: present without an acquired image")
	}
	sc.acquired = false
	img, index := sc.images[sc.current], sc.current
	sc.dev.enqueue(func() {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		sc.presented = Presentation{
			Image:  index,
			Frame:  frame,
			Width:  img.Width(),
			Height: img.Height(),
			Pixels: img.memory.read(0, img.Size()),
		}
		sc.presents++
	})
	if sc.isOutOfDate() {
		return gfx.ErrSwapchainOutOfDate
	}
	return nil
}

// Recreate implements gfx.Swapchain.
func (sc *Swapchain) Recreate(width, height int) error {
	if sc.Disposed() {
		return gfx.ErrDisposed
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("headless: invalid swapchain extent %dx%d", width, height)
	}
	if err := sc.build(width, height); err != nil {
		return err
	}
	sc.mu.Lock()
	sc.outOfDate = false
	sc.mu.Unlock()
	sc.dev.log.WithField("extent", fmt.Sprintf("%dx%d", width, height)).Info("swapchain recreated")
	return nil
}

// Presented returns the last presentation and the number of presents.
func (sc *Swapchain) Presented() (Presentation, int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.presented, sc.presents
}

// swapchainTexture stands for whichever image is acquired.
type swapchainTexture struct {
	gfx.Node
	sc *Swapchain
}

func (t *swapchainTexture) current() *Texture {
	if !t.sc.acquired {
		gfx.Meltdownf("swapchain", "swapchain image used before Acquire")
	}
	return t.sc.images[t.sc.current]
}

func (t *swapchainTexture) Kind() gfx.ResourceKind { return gfx.KindTexture }
func (t *swapchainTexture) Label() string { return "swapchain" }
func (t *swapchainTexture) Width() int { return t.sc.width }
func (t *swapchainTexture) Height() int { return t.sc.height }
func (t *swapchainTexture) Format() gfx.Format { return gfx.FormatBGRA8 }
func (t *swapchainTexture) Usage() gfx.TextureUsage { return gfx.TextureColor }
func (t *swapchainTexture) Size() int { return t.sc.width * t.sc.height * 4 }
func (t *swapchainTexture) Mapped() bool { return false }
func (t *swapchainTexture) Unmap() {}

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
