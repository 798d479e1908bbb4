// Package headless implements an offscreen backend that runs without a
// GPU. Submitted command buffers are replayed in order by a queue
// goroutine, which plays the role of the GPU: it clears render targets,
// copies memory, records draws and presents swapchain images.
package headless

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/koru3d/koru/gfx"
)

func init() {
	gfx.Register(Backend{})
}

// DefaultFramesInFlight is used when the configuration does not set it.
const DefaultFramesInFlight = 2

const queueDepth = 16

// Backend opens headless devices.
type Backend struct{}

// API implements gfx.Backend.
func (Backend) API() gfx.API {
	return gfx.APIHeadless
}

// Open implements gfx.Backend. The surface is optional.
func (Backend) Open(surface gfx.Surface, cfg gfx.DeviceConfig) (gfx.Device, error) {
	return NewDevice(cfg)
}

// DrawRecord is a draw executed by the queue.
type DrawRecord struct {
	Pass          string
	Slot          int
	Program       string
	IndexCount    int
	Cull          gfx.CullMode
	Targets       []string
	PushConstants []byte
	Bindings      map[string][]gfx.Resource
}

type job struct {
	run  func()
	done chan struct{}
}

// Device is a headless gfx.Device.
type Device struct {
	gfx.Node

	cfg    gfx.DeviceConfig
	log    *log.Entry
	queue  chan job
	exited chan struct{}

	// pending counts submissions not yet executed by the queue.
	pending sync.WaitGroup

	mu          sync.Mutex
	fences      []chan struct{}
	draws       []DrawRecord
	submissions int
}

// NewDevice creates a headless device and starts its queue.
func NewDevice(cfg gfx.DeviceConfig) (*Device, error) {
	if cfg.FramesInFlight == 0 {
		cfg.FramesInFlight = DefaultFramesInFlight
	}
	if cfg.FramesInFlight < 0 {
		return nil, fmt.Errorf("headless: invalid frames in flight %d", cfg.FramesInFlight)
	}
	d := &Device{
		cfg:    cfg,
		log:    gfx.Logger().WithField("backend", gfx.APIHeadless),
		queue:  make(chan job, queueDepth),
		exited: make(chan struct{}),
		fences: make([]chan struct{}, cfg.FramesInFlight),
	}
	for i := range d.fences {
		signaled := make(chan struct{})
		close(signaled)
		d.fences[i] = signaled
	}
	if err := d.Node.Init(nil, d, d.release); err != nil {
		return nil, err
	}
	go d.run()
	d.log.WithField("frames", cfg.FramesInFlight).Info("headless device opened")
	return d, nil
}

func (d *Device) run() {
	defer close(d.exited)
	for j := range d.queue {
		j.run()
		close(j.done)
		d.pending.Done()
	}
}

func (d *Device) release() {
	d.pending.Wait()
	close(d.queue)
	<-d.exited
	d.log.Info("headless device closed")
}

// enqueue hands fn to the queue and returns the channel closed once it ran.
func (d *Device) enqueue(fn func()) chan struct{} {
	done := make(chan struct{})
	d.pending.Add(1)
	d.queue <- job{run: fn, done: done}
	return done
}

// runOnce executes fn on the queue after all earlier work and waits for it.
func (d *Device) runOnce(fn func()) error {
	if d.Disposed() {
		return gfx.ErrDisposed
	}
	<-d.enqueue(fn)
	return nil
}

// API implements gfx.Device.
func (d *Device) API() gfx.API {
	return gfx.APIHeadless
}

// Info implements gfx.Device.
func (d *Device) Info() gfx.DeviceInfo {
	return gfx.DeviceInfo{
		API:  gfx.APIHeadless,
		Name: "koru headless device",
	}
}

// FramesInFlight implements gfx.Device.
func (d *Device) FramesInFlight() int {
	return d.cfg.FramesInFlight
}

func (d *Device) owner(o gfx.Owner) gfx.Owner {
	if o == nil {
		return d
	}
	return o
}

func (d *Device) checkFrame(frame int) error {
	if frame < 0 || frame >= len(d.fences) {
		return fmt.Errorf("headless: frame %d outside [0, %d)", frame, len(d.fences))
	}
	return nil
}

// WaitFrame implements gfx.Device.
func (d *Device) WaitFrame(frame int) error {
	if err := d.checkFrame(frame); err != nil {
		return err
	}
	d.mu.Lock()
	fence := d.fences[frame]
	d.mu.Unlock()
	<-fence
	return nil
}

// Submit implements gfx.Device.
func (d *Device) Submit(frame int, cmds []gfx.CommandBuffer, sc gfx.Swapchain) error {
	if d.Disposed() {
		return gfx.ErrDisposed
	}
	if err := d.checkFrame(frame); err != nil {
		return err
	}
	lists := make([]recorded, 0, len(cmds))
	for _, c := range cmds {
		cb, ok := c.(*CommandBuffer)
		if !ok || cb.dev != d {
			return fmt.Errorf("headless: command buffer %q belongs to another device", c.Label())
		}
		if cb.recording {
			return fmt.Errorf("headless: command buffer %q is still recording", cb.label)
		}
		// bindings are captured now, later updates to the slot belong to
		// the next submission
		bindings := make(map[*ShaderProgram]map[string][]gfx.Resource, len(cb.programs))
		for _, p := range cb.programs {
			bindings[p] = p.bindings(frame)
		}
		lists = append(lists, recorded{label: cb.label, ops: append([]op(nil), cb.ops...), bindings: bindings})
	}
	if sc != nil {
		swap, ok := sc.(*Swapchain)
		if !ok || swap.dev != d {
			return errors.New("headless: swapchain belongs to another device")
		}
		if !swap.isAcquired() {
			return errors.New("headless: submit without an acquired swapchain image")
		}
	}

	d.mu.Lock()
	d.submissions++
	d.mu.Unlock()

	fence := d.enqueue(func() {
		for _, l := range lists {
			s := &execState{dev: d, slot: frame, pass: l.label, bindings: l.bindings}
			for _, o := range l.ops {
				o(s)
			}
		}
	})
	d.mu.Lock()
	d.fences[frame] = fence
	d.mu.Unlock()
	d.log.WithFields(log.Fields{"frame": frame, "buffers": len(lists)}).Debug("submitted")
	return nil
}

// WaitIdle implements gfx.Device.
func (d *Device) WaitIdle() error {
	if d.Disposed() {
		return nil
	}
	d.pending.Wait()
	return nil
}

// Draws returns the draws executed so far.
func (d *Device) Draws() []DrawRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DrawRecord(nil), d.draws...)
}

// ResetDraws forgets the executed draws.
func (d *Device) ResetDraws() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.draws = nil
}

// Submissions returns the number of Submit calls accepted.
func (d *Device) Submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submissions
}

func (d *Device) recordDraw(r DrawRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.draws = append(d.draws, r)
}
