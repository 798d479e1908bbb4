// Package core drives the per-frame pipeline: it walks a render graph,
// records its passes into command buffers and submits them to a device
// while keeping a bounded number of frames in flight.
package core

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/koru3d/koru/gfx"
	"github.com/koru3d/koru/graph"
)

// Stats counts the work done by a Renderer.
type Stats struct {
	// Frames is the number of submitted frames.
	Frames uint64

	// Passes is the number of command buffers submitted.
	Passes uint64

	// Skipped counts frames dropped on an out of date swapchain.
	Skipped uint64

	// Failed counts frames in which a pass failed to record.
	Failed uint64

	// Recreations counts swapchain recreations.
	Recreations int
}

// Renderer owns the device and its swapchain and renders render graphs.
// It is the root of the ownership tree of everything it renders with: it
// can own passes, and disposing it disposes the device and all of its
// objects.
type Renderer struct {
	gfx.Node

	cfg       RendererConfiguration
	surface   gfx.Surface
	device    gfx.Device
	swapchain gfx.Swapchain
	log       *log.Entry

	width, height int
	frameIndex    int
	number        uint64
	invalidated   bool
	stats         Stats
}

// NewRenderer opens a device of the configured API and creates a
// swapchain of width x height for surface. surface may be nil when the
// backend renders offscreen. Any failure is a meltdown.
func NewRenderer(surface gfx.Surface, width, height int, cfg RendererConfiguration) *Renderer {
	const op = "NewRenderer"
	backend, err := gfx.Lookup(cfg.API)
	if err != nil {
		gfx.Meltdown(op, err)
	}
	dev, err := backend.Open(surface, gfx.DeviceConfig{
		AppName:        cfg.AppName,
		FramesInFlight: cfg.FramesInFlight,
		Debug:          cfg.Debug,
		Extensions:     cfg.DeviceExtensions,
	})
	if err != nil {
		gfx.Meltdown(op, fmt.Errorf("open %s device: %w", cfg.API, err))
	}
	sc, err := dev.NewSwapchain(nil, surface, width, height)
	if err != nil {
		dev.Dispose()
		gfx.Meltdown(op, fmt.Errorf("create swapchain: %w", err))
	}

	r := &Renderer{
		cfg:       cfg,
		surface:   surface,
		device:    dev,
		swapchain: sc,
		width:     width,
		height:    height,
		log:       gfx.Logger().WithField("backend", cfg.API),
	}
	if err := r.Node.Init(nil, r, r.release); err != nil {
		gfx.Meltdown(op, err)
	}
	info := dev.Info()
	r.log.WithFields(log.Fields{
		"device": info.Name,
		"frames": dev.FramesInFlight(),
		"extent": fmt.Sprintf("%dx%d", width, height),
	}).Info("renderer created")
	return r
}

// Dispose waits for the device, disposes everything the renderer owns
// and closes the device.
func (r *Renderer) Dispose() {
	if r.Disposed() {
		return
	}
	if err := r.device.WaitIdle(); err != nil {
		r.log.WithError(err).Error("wait for device on dispose")
	}
	r.Node.Dispose()
}

func (r *Renderer) release() {
	r.device.Dispose()
	r.log.Info("renderer disposed")
}

// Device returns the device used by the renderer.
func (r *Renderer) Device() gfx.Device {
	return r.device
}

// Chain returns the swapchain.
func (r *Renderer) Chain() gfx.Swapchain {
	return r.swapchain
}

// Swapchain returns the presentable image, usable as render target and
// as dependency resource of the pass producing the final image.
func (r *Renderer) Swapchain() gfx.Texture {
	return r.swapchain.Texture()
}

// FrameIndex returns the frame-in-flight slot the next Render uses. The
// GPU is done with the slot, its buffers and bindings may be written
// before calling Render.
func (r *Renderer) FrameIndex() int {
	return r.frameIndex
}

// MaxFramesInFlight returns the number of frame-in-flight slots.
func (r *Renderer) MaxFramesInFlight() int {
	return r.device.FramesInFlight()
}

// Stats returns the work counters.
func (r *Renderer) Stats() Stats {
	return r.stats
}

// Invalidated reports whether the swapchain waits for recreation.
func (r *Renderer) Invalidated() bool {
	return r.invalidated
}

// Resize requests a swapchain of the given size on the next
// UpdateRenderer. The size is used only when there is no surface.
func (r *Renderer) Resize(width, height int) {
	r.width, r.height = width, height
	r.invalidated = true
}

func (r *Renderer) extent() (int, int) {
	if r.surface == nil {
		return r.width, r.height
	}
	return r.surface.DrawableSize()
}

// UpdateRenderer prepares the next frame. When surfaceInvalidated is set
// or the last frame found the swapchain out of date, it waits for the
// device and recreates the swapchain at the current surface size. A zero
// sized surface postpones the recreation.
func (r *Renderer) UpdateRenderer(surfaceInvalidated bool) error {
	if !surfaceInvalidated && !r.invalidated {
		return nil
	}
	r.invalidated = true
	w, h := r.extent()
	if w <= 0 || h <= 0 {
		return nil
	}
	if err := r.device.WaitIdle(); err != nil {
		return fmt.Errorf("update renderer: %w", err)
	}
	if err := r.swapchain.Recreate(w, h); err != nil {
		return fmt.Errorf("update renderer: %w", err)
	}
	r.width, r.height = w, h
	r.invalidated = false
	r.stats.Recreations++
	r.log.WithField("extent", fmt.Sprintf("%dx%d", w, h)).Warn("swapchain recreated")
	return nil
}

// Render walks g from its target pass, records every pass for the
// current slot and submits them in walk order, then presents. Before
// returning it waits until the GPU is done with the work last submitted
// for the next slot, so FrameIndex always names a slot free for writes.
//
// When a pass fails, the passes recorded before it are still submitted
// and the image is presented; the error is returned.
func (r *Renderer) Render(g *graph.RenderGraph) error {
	if r.Disposed() {
		return gfx.ErrDisposed
	}
	slot := r.frameIndex
	order, err := g.Walk(g.TargetPass())
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	if err := r.swapchain.Acquire(slot); err != nil {
		if errors.Is(err, gfx.ErrSwapchainOutOfDate) {
			r.invalidated = true
			r.stats.Skipped++
			r.log.WithField("frame", slot).Debug("swapchain out of date, frame skipped")
			return nil
		}
		return fmt.Errorf("render: acquire: %w", err)
	}

	frame := graph.Frame{Index: slot, Count: r.MaxFramesInFlight(), Number: r.number}
	cmds := make([]gfx.CommandBuffer, 0, len(order))
	var execErr error
	for _, p := range order {
		cb, err := p.Execute(frame)
		if err != nil {
			execErr = fmt.Errorf("render: %w", err)
			break
		}
		if cb != nil {
			cmds = append(cmds, cb)
		}
	}

	// the acquired image is handed back even when a pass failed
	if err := r.device.Submit(slot, cmds, r.swapchain); err != nil {
		return fmt.Errorf("render: submit: %w", err)
	}
	if err := r.swapchain.Present(slot); err != nil {
		if !errors.Is(err, gfx.ErrSwapchainOutOfDate) {
			return fmt.Errorf("render: present: %w", err)
		}
		r.invalidated = true
	}
	r.frameIndex = (r.frameIndex + 1) % r.MaxFramesInFlight()
	r.number++
	if err := r.device.WaitFrame(r.frameIndex); err != nil {
		return fmt.Errorf("render: wait for frame %d: %w", r.frameIndex, err)
	}
	if execErr != nil {
		r.stats.Failed++
		return execErr
	}
	r.stats.Frames++
	r.stats.Passes += uint64(len(cmds))
	r.log.WithFields(log.Fields{"frame": slot, "passes": len(cmds)}).Debug("frame submitted")
	return nil
}

// WaitForDevice blocks until all submitted work has completed. It is a
// full barrier for setup, teardown and one-time uploads.
func (r *Renderer) WaitForDevice() {
	if err := r.device.WaitIdle(); err != nil {
		gfx.Meltdown("WaitForDevice", err)
	}
}
