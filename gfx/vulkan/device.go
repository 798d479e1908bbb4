package vulkan

import (
	"fmt"
	"sync"
	"unsafe"

	log "github.com/sirupsen/logrus"
	vk "github.com/vulkan-go/vulkan"

	"github.com/koru3d/koru/gfx"
)

// DefaultFramesInFlight is used when the configuration does not set it.
const DefaultFramesInFlight = 2

// frameSync holds the synchronisation objects of one frame slot.
type frameSync struct {
	fence          vk.Fence
	imageAvailable vk.Semaphore
	renderFinished vk.Semaphore

	// acquired is set between Acquire and the submission waiting on
	// imageAvailable.
	acquired bool

	// present moves an acquired image nothing rendered into to the
	// present layout.
	present vk.CommandBuffer
}

// Device is a Vulkan gfx.Device: a logical device with one graphics
// queue, its command pool and per slot synchronisation.
type Device struct {
	gfx.Node

	cfg      gfx.DeviceConfig
	log      *log.Entry
	instance *instance
	surface  vk.Surface
	window   WindowSurface

	physical    vk.PhysicalDevice
	info        gfx.DeviceInfo
	device      vk.Device
	queue       vk.Queue
	queueFamily uint32
	memory      *memoryAllocator

	// queueMu guards the queue and the command pool.
	queueMu     sync.Mutex
	commandPool vk.CommandPool
	frames      []frameSync

	pipelineCache vk.PipelineCache

	cacheMu      sync.Mutex
	renderPasses map[renderPassKey]vk.RenderPass
	framebuffers map[framebufferKey]vk.Framebuffer
}

// NewDevice creates an instance, picks the first suitable physical
// device and opens it. window may be nil for offscreen rendering.
func NewDevice(window WindowSurface, cfg gfx.DeviceConfig) (*Device, error) {
	if cfg.FramesInFlight == 0 {
		cfg.FramesInFlight = DefaultFramesInFlight
	}
	if cfg.FramesInFlight < 0 {
		return nil, fmt.Errorf("vulkan: invalid frames in flight %d", cfg.FramesInFlight)
	}

	var (
		procAddr   unsafe.Pointer
		extensions []string
	)
	if window != nil {
		procAddr = window.ProcAddr()
		extensions = window.InstanceExtensions()
	}
	if err := loadVulkan(procAddr); err != nil {
		return nil, err
	}

	inst, err := newInstance(cfg.AppName, extensions, cfg.Debug)
	if err != nil {
		return nil, err
	}

	d := &Device{
		cfg:          cfg,
		log:          gfx.Logger().WithField("backend", gfx.APIVulkan),
		instance:     inst,
		surface:      vk.NullSurface,
		window:       window,
		renderPasses: map[renderPassKey]vk.RenderPass{},
		framebuffers: map[framebufferKey]vk.Framebuffer{},
	}
	if window != nil {
		if d.surface, err = window.CreateSurface(inst.handle); err != nil {
			inst.destroy()
			return nil, fmt.Errorf("vulkan: create surface: %w", err)
		}
	}
	if err := d.open(); err != nil {
		d.destroy()
		return nil, err
	}
	if err := d.Node.Init(nil, d, d.destroy); err != nil {
		d.destroy()
		return nil, err
	}
	d.log.WithFields(log.Fields{
		"device": d.info.Name,
		"frames": cfg.FramesInFlight,
		"debug":  cfg.Debug,
	}).Info("vulkan device opened")
	return d, nil
}

func (d *Device) requiredExtensions() []string {
	required := append([]string(nil), d.cfg.Extensions...)
	if d.window != nil {
		required = append(required, vk.KhrSwapchainExtensionName)
	}
	return dedupe(required)
}

func dedupe(list []string) []string {
	seen := map[string]bool{}
	out := list[:0]
	for _, s := range list {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (d *Device) open() error {
	required := d.requiredExtensions()
	var reasons []string
	for _, pd := range d.instance.devices {
		info := deviceInfo(pd)
		if ok, missing := hasExtensions(info, required); !ok {
			reasons = append(reasons, fmt.Sprintf("%s: missing %s", info.Name, missing))
			continue
		}
		family, ok := graphicsQueueFamily(pd, d.surface)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("%s: no graphics queue", info.Name))
			continue
		}
		d.physical, d.info, d.queueFamily = pd, info, family
		break
	}
	if d.physical == nil {
		return fmt.Errorf("vulkan: no suitable physical device %v", reasons)
	}

	queueInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: d.queueFamily,
		QueueCount:       1,
		PQueuePriorities: []float32{1},
	}}
	dci := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(required)),
		PpEnabledExtensionNames: safeStrings(required),
	}
	if err := vk.Error(vk.CreateDevice(d.physical, &dci, nil, &d.device)); err != nil {
		return fmt.Errorf("vk.CreateDevice(): %w", err)
	}
	vk.GetDeviceQueue(d.device, d.queueFamily, 0, &d.queue)
	d.memory = newMemoryAllocator(d.device, d.physical)

	cpci := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: d.queueFamily,
	}
	if err := vk.Error(vk.CreateCommandPool(d.device, &cpci, nil, &d.commandPool)); err != nil {
		return fmt.Errorf("vk.CreateCommandPool(): %w", err)
	}
	pcci := vk.PipelineCacheCreateInfo{
		SType: vk.StructureTypePipelineCacheCreateInfo,
	}
	if err := vk.Error(vk.CreatePipelineCache(d.device, &pcci, nil, &d.pipelineCache)); err != nil {
		return fmt.Errorf("vk.CreatePipelineCache(): %w", err)
	}
	return d.createSynchronization()
}

func (d *Device) createSynchronization() error {
	sci := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	// fences start signalled so the first wait of every slot returns
	fci := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
		Flags: vk.FenceCreateFlags(vk.FenceCreateSignaledBit),
	}
	d.frames = make([]frameSync, d.cfg.FramesInFlight)
	presents := make([]vk.CommandBuffer, len(d.frames))
	cbai := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		Level:              vk.CommandBufferLevelPrimary,
		CommandPool:        d.commandPool,
		CommandBufferCount: uint32(len(presents)),
	}
	if err := vk.Error(vk.AllocateCommandBuffers(d.device, &cbai, presents)); err != nil {
		return fmt.Errorf("vk.AllocateCommandBuffers(): %w", err)
	}
	for i := range d.frames {
		f := &d.frames[i]
		f.present = presents[i]
		if err := vk.Error(vk.CreateSemaphore(d.device, &sci, nil, &f.imageAvailable)); err != nil {
			return fmt.Errorf("vk.CreateSemaphore(): %w", err)
		}
		if err := vk.Error(vk.CreateSemaphore(d.device, &sci, nil, &f.renderFinished)); err != nil {
			return fmt.Errorf("vk.CreateSemaphore(): %w", err)
		}
		if err := vk.Error(vk.CreateFence(d.device, &fci, nil, &f.fence)); err != nil {
			return fmt.Errorf("vk.CreateFence(): %w", err)
		}
	}
	return nil
}

// Dispose waits for the queue to drain, then disposes every object of
// the device and destroys it.
func (d *Device) Dispose() {
	if d.Disposed() {
		return
	}
	if err := d.WaitIdle(); err != nil {
		d.log.WithError(err).Error("wait for device on dispose")
	}
	d.Node.Dispose()
}

func (d *Device) destroy() {
	if d.device != nil {
		vk.DeviceWaitIdle(d.device)
		d.cacheMu.Lock()
		for _, fb := range d.framebuffers {
			vk.DestroyFramebuffer(d.device, fb, nil)
		}
		for _, rp := range d.renderPasses {
			vk.DestroyRenderPass(d.device, rp, nil)
		}
		d.framebuffers, d.renderPasses = nil, nil
		d.cacheMu.Unlock()

		for _, f := range d.frames {
			vk.DestroySemaphore(d.device, f.imageAvailable, nil)
			vk.DestroySemaphore(d.device, f.renderFinished, nil)
			vk.DestroyFence(d.device, f.fence, nil)
		}
		vk.DestroyPipelineCache(d.device, d.pipelineCache, nil)
		vk.DestroyCommandPool(d.device, d.commandPool, nil)
		vk.DestroyDevice(d.device, nil)
	}
	if d.surface != vk.NullSurface {
		vk.DestroySurface(d.instance.handle, d.surface, nil)
	}
	d.instance.destroy()
	d.log.Info("vulkan device closed")
}

// API implements gfx.Device.
func (d *Device) API() gfx.API { return gfx.APIVulkan }

// Info implements gfx.Device.
func (d *Device) Info() gfx.DeviceInfo { return d.info }

// FramesInFlight implements gfx.Device.
func (d *Device) FramesInFlight() int { return d.cfg.FramesInFlight }

func (d *Device) owner(o gfx.Owner) gfx.Owner {
	if o == nil {
		return d
	}
	return o
}

func (d *Device) checkFrame(frame int) error {
	if frame < 0 || frame >= len(d.frames) {
		return fmt.Errorf("vulkan: frame %d outside [0, %d)", frame, len(d.frames))
	}
	return nil
}

// WaitFrame implements gfx.Device.
func (d *Device) WaitFrame(frame int) error {
	if err := d.checkFrame(frame); err != nil {
		return err
	}
	fences := []vk.Fence{d.frames[frame].fence}
	if err := vk.Error(vk.WaitForFences(d.device, 1, fences, vk.True, vk.MaxUint64)); err != nil {
		return fmt.Errorf("vk.WaitForFences(): %w", err)
	}
	return nil
}

// Submit implements gfx.Device. The fence of the slot is reset and
// signalled by this submission, also when cmds is empty.
func (d *Device) Submit(frame int, cmds []gfx.CommandBuffer, sc gfx.Swapchain) error {
	if err := d.checkFrame(frame); err != nil {
		return err
	}
	handles := make([]vk.CommandBuffer, 0, len(cmds)+1)
	presents := false
	for _, c := range cmds {
		cb, ok := c.(*CommandBuffer)
		if !ok || cb.dev != d {
			return fmt.Errorf("vulkan: command buffer %q belongs to another device", c.Label())
		}
		if cb.Disposed() {
			return fmt.Errorf("vulkan: command buffer %q: %w", cb.label, gfx.ErrDisposed)
		}
		if cb.recording {
			return fmt.Errorf("vulkan: command buffer %q is still recording", cb.label)
		}
		handles = append(handles, cb.handle)
		presents = presents || cb.presents
	}

	f := &d.frames[frame]
	submit := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(handles)),
		PCommandBuffers:    handles,
	}
	if sc != nil {
		s, ok := sc.(*Swapchain)
		if !ok || s.dev != d {
			return fmt.Errorf("vulkan: swapchain belongs to another device")
		}
		if !f.acquired {
			return fmt.Errorf("vulkan: submit for frame %d without an acquired image", frame)
		}
		if !presents && !s.rendered[s.current] {
			if err := s.recordPresent(f.present); err != nil {
				return err
			}
			submit.CommandBufferCount++
			submit.PCommandBuffers = append(handles, f.present)
		}
		s.rendered[s.current] = true
		submit.WaitSemaphoreCount = 1
		submit.PWaitSemaphores = []vk.Semaphore{f.imageAvailable}
		submit.PWaitDstStageMask = []vk.PipelineStageFlags{
			vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		}
		submit.SignalSemaphoreCount = 1
		submit.PSignalSemaphores = []vk.Semaphore{f.renderFinished}
		f.acquired = false
	}

	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if err := vk.Error(vk.ResetFences(d.device, 1, []vk.Fence{f.fence})); err != nil {
		return fmt.Errorf("vk.ResetFences(): %w", err)
	}
	if err := vk.Error(vk.QueueSubmit(d.queue, 1, []vk.SubmitInfo{submit}, f.fence)); err != nil {
		return fmt.Errorf("vk.QueueSubmit(): %w", err)
	}
	return nil
}

// WaitIdle implements gfx.Device.
func (d *Device) WaitIdle() error {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if err := vk.Error(vk.QueueWaitIdle(d.queue)); err != nil {
		return fmt.Errorf("vk.QueueWaitIdle(): %w", err)
	}
	return nil
}

// runOnce records fn into a one time command buffer, submits it and
// waits for it to complete.
func (d *Device) runOnce(fn func(cmd vk.CommandBuffer)) error {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	cbai := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		Level:              vk.CommandBufferLevelPrimary,
		CommandPool:        d.commandPool,
		CommandBufferCount: 1,
	}
	commandBuffers := make([]vk.CommandBuffer, 1)
	if err := vk.Error(vk.AllocateCommandBuffers(d.device, &cbai, commandBuffers)); err != nil {
		return fmt.Errorf("vk.AllocateCommandBuffers(): %w", err)
	}
	defer vk.FreeCommandBuffers(d.device, d.commandPool, 1, commandBuffers)
	cmd := commandBuffers[0]

	cbbi := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := vk.Error(vk.BeginCommandBuffer(cmd, &cbbi)); err != nil {
		return fmt.Errorf("vk.BeginCommandBuffer(): %w", err)
	}
	fn(cmd)
	if err := vk.Error(vk.EndCommandBuffer(cmd)); err != nil {
		return fmt.Errorf("vk.EndCommandBuffer(): %w", err)
	}

	si := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    commandBuffers,
	}
	if err := vk.Error(vk.QueueSubmit(d.queue, 1, []vk.SubmitInfo{si}, vk.NullFence)); err != nil {
		return fmt.Errorf("vk.QueueSubmit(): %w", err)
	}
	if err := vk.Error(vk.QueueWaitIdle(d.queue)); err != nil {
		return fmt.Errorf("vk.QueueWaitIdle(): %w", err)
	}
	return nil
}
