package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/koru3d/koru/gfx"
)

// CommandBuffer is a gfx.CommandBuffer recording into a primary Vulkan
// command buffer. Pipelines and descriptor sets are bound lazily at the
// first draw after the state they depend on changed.
type CommandBuffer struct {
	gfx.Node
	dev    *Device
	label  string
	handle vk.CommandBuffer

	frame     int
	recording bool
	rendering bool

	// state of the open rendering scope
	renderPass vk.RenderPass
	colors     int
	depth      bool
	cull       gfx.CullMode
	program    *ShaderProgram
	index      *Buffer

	pipeline vk.Pipeline
	stale    bool

	// presents is set when the recording renders into the swapchain.
	presents bool
}

// NewCommandBuffer implements gfx.Device.
func (d *Device) NewCommandBuffer(owner gfx.Owner, label string) (gfx.CommandBuffer, error) {
	cbai := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		Level:              vk.CommandBufferLevelPrimary,
		CommandPool:        d.commandPool,
		CommandBufferCount: 1,
	}
	commandBuffers := make([]vk.CommandBuffer, 1)
	d.queueMu.Lock()
	err := vk.Error(vk.AllocateCommandBuffers(d.device, &cbai, commandBuffers))
	d.queueMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("vk.AllocateCommandBuffers(): %w", err)
	}
	cb := &CommandBuffer{dev: d, label: label, handle: commandBuffers[0]}
	if err := cb.Node.Init(d.owner(owner), cb, cb.release); err != nil {
		cb.release()
		return nil, err
	}
	return cb, nil
}

func (cb *CommandBuffer) release() {
	cb.dev.queueMu.Lock()
	defer cb.dev.queueMu.Unlock()
	vk.FreeCommandBuffers(cb.dev.device, cb.dev.commandPool, 1, []vk.CommandBuffer{cb.handle})
}

// Label implements gfx.CommandBuffer.
func (cb *CommandBuffer) Label() string { return cb.label }

// Recording reports whether the buffer is between Begin and End.
func (cb *CommandBuffer) Recording() bool { return cb.recording }

func (cb *CommandBuffer) check(op string) {
	if cb.Disposed() {
		gfx.Meltdown(op, fmt.Errorf("command buffer %q: %w", cb.label, gfx.ErrDisposed))
	}
	if !cb.recording {
		gfx.Meltdownf(op, "command buffer %q is not recording", cb.label)
	}
}

func (cb *CommandBuffer) checkRendering(op string) {
	cb.check(op)
	if !cb.rendering {
		gfx.Meltdownf(op, "command buffer %q: no rendering scope", cb.label)
	}
}

// Begin implements gfx.CommandBuffer. The buffer must not be in use by
// pending work.
func (cb *CommandBuffer) Begin(frame int) error {
	if cb.Disposed() {
		return gfx.ErrDisposed
	}
	if err := cb.dev.checkFrame(frame); err != nil {
		return err
	}
	cbbi := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := vk.Error(vk.BeginCommandBuffer(cb.handle, &cbbi)); err != nil {
		return fmt.Errorf("vk.BeginCommandBuffer(): %w", err)
	}
	cb.frame = frame
	cb.recording = true
	cb.rendering = false
	cb.program = nil
	cb.index = nil
	cb.cull = gfx.CullNone
	cb.pipeline = vk.NullPipeline
	cb.presents = false
	return nil
}

// End implements gfx.CommandBuffer.
func (cb *CommandBuffer) End() error {
	if !cb.recording {
		return fmt.Errorf("vulkan: command buffer %q is not recording", cb.label)
	}
	if cb.rendering {
		return fmt.Errorf("vulkan: command buffer %q ended inside a rendering scope", cb.label)
	}
	cb.recording = false
	if err := vk.Error(vk.EndCommandBuffer(cb.handle)); err != nil {
		return fmt.Errorf("vk.EndCommandBuffer(): %w", err)
	}
	return nil
}

// attachment resolves a render target into its view and render pass
// description.
func (cb *CommandBuffer) attachment(op string, t gfx.Texture, doClear bool) (vk.ImageView, attachmentKey) {
	if sc, ok := t.(*swapchainTexture); ok {
		if sc.sc.dev != cb.dev {
			gfx.Meltdownf(op, "command buffer %q: swapchain belongs to another device", cb.label)
		}
		view, layout := sc.attachment()
		cb.presents = true
		if doClear {
			layout = vk.ImageLayoutUndefined
		}
		return view, attachmentKey{
			format:  sc.sc.format,
			initial: layout,
			final:   vk.ImageLayoutPresentSrc,
		}
	}
	tex, ok := t.(*Texture)
	if !ok || tex.dev != cb.dev {
		gfx.Meltdownf(op, "command buffer %q: texture %q belongs to another device", cb.label, t.Label())
	}
	if tex.Disposed() {
		gfx.Meltdown(op, fmt.Errorf("texture %q: %w", tex.Label(), gfx.ErrDisposed))
	}
	initial := tex.rest()
	if doClear {
		initial = vk.ImageLayoutUndefined
	}
	return tex.view, attachmentKey{
		format:  tex.format,
		initial: initial,
		final:   tex.rest(),
	}
}

// BeginRendering implements gfx.CommandBuffer. Swapchain proxies resolve
// to the image acquired at the time of recording.
func (cb *CommandBuffer) BeginRendering(info gfx.RenderingInfo) {
	const op = "BeginRendering"
	cb.check(op)
	if cb.rendering {
		gfx.Meltdownf(op, "command buffer %q: rendering scope already open", cb.label)
	}
	if info.Attachments < 0 || info.Attachments > len(info.Target.Color) {
		gfx.Meltdownf(op, "command buffer %q: %d attachments of %d color targets", cb.label, info.Attachments, len(info.Target.Color))
	}
	if info.Attachments > maxColorAttachments {
		gfx.Meltdownf(op, "command buffer %q: %d color attachments exceed %d", cb.label, info.Attachments, maxColorAttachments)
	}
	if info.Width <= 0 || info.Height <= 0 {
		gfx.Meltdownf(op, "command buffer %q: invalid render area %dx%d", cb.label, info.Width, info.Height)
	}

	var (
		rpKey  renderPassKey
		fbKey  framebufferKey
		clears []vk.ClearValue
	)
	rpKey.clear = info.Clear
	rpKey.colorCount = info.Attachments
	for i := 0; i < info.Attachments; i++ {
		view, key := cb.attachment(op, info.Target.Color[i], info.Clear)
		if t, ok := info.Target.Color[i].(*Texture); ok && t.Format().IsDepth() {
			gfx.Meltdownf(op, "command buffer %q: color target %q has format %v", cb.label, t.Label(), t.Format())
		}
		rpKey.colors[i] = key
		fbKey.views[i] = view
		var cv vk.ClearValue
		cv.SetColor([]float32{info.ClearColor.R, info.ClearColor.G, info.ClearColor.B, info.ClearColor.A})
		clears = append(clears, cv)
	}
	count := info.Attachments
	if info.Target.Depth != nil {
		if !info.Target.Depth.Format().IsDepth() {
			gfx.Meltdownf(op, "command buffer %q: depth target %q has format %v", cb.label, info.Target.Depth.Label(), info.Target.Depth.Format())
		}
		view, key := cb.attachment(op, info.Target.Depth, info.Clear)
		rpKey.depth, rpKey.hasDepth = key, true
		fbKey.views[count] = view
		count++
		var cv vk.ClearValue
		cv.SetDepthStencil(1, 0)
		clears = append(clears, cv)
	}

	rp, err := cb.dev.renderPass(rpKey)
	if err != nil {
		gfx.Meltdown(op, fmt.Errorf("command buffer %q: %w", cb.label, err))
	}
	fbKey.renderPass, fbKey.width, fbKey.height = rp, info.Width, info.Height
	fb, err := cb.dev.framebuffer(fbKey, count)
	if err != nil {
		gfx.Meltdown(op, fmt.Errorf("command buffer %q: %w", cb.label, err))
	}

	extent := vk.Extent2D{Width: uint32(info.Width), Height: uint32(info.Height)}
	rpbi := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  rp,
		Framebuffer: fb,
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: 0, Y: 0},
			Extent: extent,
		},
	}
	if info.Clear {
		rpbi.ClearValueCount = uint32(len(clears))
		rpbi.PClearValues = clears
	}
	vk.CmdBeginRenderPass(cb.handle, &rpbi, vk.SubpassContentsInline)
	vk.CmdSetViewport(cb.handle, 0, 1, []vk.Viewport{{
		Width:    float32(info.Width),
		Height:   float32(info.Height),
		MinDepth: 0,
		MaxDepth: 1,
	}})
	vk.CmdSetScissor(cb.handle, 0, 1, []vk.Rect2D{{Extent: extent}})

	cb.rendering = true
	cb.renderPass = rp
	cb.colors = info.Attachments
	cb.depth = info.Target.Depth != nil
	cb.stale = true
}

// SetCullMode implements gfx.CommandBuffer.
func (cb *CommandBuffer) SetCullMode(mode gfx.CullMode) {
	cb.check("SetCullMode")
	if mode != cb.cull {
		cb.cull = mode
		cb.stale = true
	}
}

// SetDrawBuffers implements gfx.CommandBuffer.
func (cb *CommandBuffer) SetDrawBuffers(vertex, index gfx.Buffer) {
	const op = "SetDrawBuffers"
	cb.check(op)
	for _, b := range []gfx.Buffer{vertex, index} {
		if b == nil {
			gfx.Meltdownf(op, "command buffer %q: nil draw buffer", cb.label)
		}
		if b.Disposed() {
			gfx.Meltdown(op, fmt.Errorf("buffer %q: %w", b.Label(), gfx.ErrDisposed))
		}
	}
	if vertex.Usage() != gfx.BufferVertex {
		gfx.Meltdownf(op, "buffer %q with usage %v bound as vertex buffer", vertex.Label(), vertex.Usage())
	}
	if index.Usage() != gfx.BufferIndex {
		gfx.Meltdownf(op, "buffer %q with usage %v bound as index buffer", index.Label(), index.Usage())
	}
	vb, ok := vertex.(*Buffer)
	if !ok || vb.dev != cb.dev {
		gfx.Meltdownf(op, "buffer %q belongs to another device", vertex.Label())
	}
	ib, ok := index.(*Buffer)
	if !ok || ib.dev != cb.dev {
		gfx.Meltdownf(op, "buffer %q belongs to another device", index.Label())
	}
	cb.index = ib
	vk.CmdBindVertexBuffers(cb.handle, 0, 1, []vk.Buffer{vb.handle}, []vk.DeviceSize{0})
	vk.CmdBindIndexBuffer(cb.handle, ib.handle, 0, vk.IndexTypeUint32)
}

// SetShaderProgram implements gfx.CommandBuffer.
func (cb *CommandBuffer) SetShaderProgram(program gfx.ShaderProgram) {
	const op = "SetShaderProgram"
	cb.check(op)
	p, ok := program.(*ShaderProgram)
	if !ok || p.dev != cb.dev {
		gfx.Meltdownf(op, "command buffer %q: foreign shader program", cb.label)
	}
	if p.Disposed() {
		gfx.Meltdown(op, fmt.Errorf("program %q: %w", p.Label(), gfx.ErrDisposed))
	}
	if !p.hasStage(gfx.StageVertex) {
		gfx.Meltdownf(op, "program %q has no vertex stage", p.Label())
	}
	cb.program = p
	cb.stale = true
}

// SetPushConstants implements gfx.CommandBuffer.
func (cb *CommandBuffer) SetPushConstants(data []byte) {
	const op = "SetPushConstants"
	cb.check(op)
	if cb.program == nil {
		gfx.Meltdownf(op, "command buffer %q: push constants without a program", cb.label)
	}
	if len(data) > cb.program.desc.PushConstantSize {
		gfx.Meltdownf(op, "program %q: %d push constant bytes exceed %d", cb.program.Label(), len(data), cb.program.desc.PushConstantSize)
	}
	if len(data) == 0 {
		return
	}
	vk.CmdPushConstants(cb.handle, cb.program.pipelineLayout, cb.program.pushStages, 0, uint32(len(data)), unsafe.Pointer(&data[0]))
}

// bind binds the pipeline and descriptor sets for the current state.
func (cb *CommandBuffer) bind(op string) {
	if !cb.stale {
		return
	}
	pipeline, err := cb.program.pipeline(pipelineKey{
		renderPass: cb.renderPass,
		colors:     cb.colors,
		depth:      cb.depth,
		cull:       cb.cull,
	})
	if err != nil {
		gfx.Meltdown(op, fmt.Errorf("program %q: %w", cb.program.Label(), err))
	}
	if pipeline != cb.pipeline {
		vk.CmdBindPipeline(cb.handle, vk.PipelineBindPointGraphics, pipeline)
		cb.pipeline = pipeline
	}
	cb.program.bindDescriptorSets(cb.handle, cb.frame)
	cb.stale = false
}

// DrawIndexed implements gfx.CommandBuffer.
func (cb *CommandBuffer) DrawIndexed(count int) {
	const op = "DrawIndexed"
	cb.checkRendering(op)
	if cb.program == nil {
		gfx.Meltdownf(op, "command buffer %q: draw without a program", cb.label)
	}
	if cb.index == nil {
		gfx.Meltdownf(op, "command buffer %q: draw without draw buffers", cb.label)
	}
	if count < 0 || count*4 > cb.index.Size() {
		gfx.Meltdownf(op, "command buffer %q: %d indices exceed buffer %q", cb.label, count, cb.index.Label())
	}
	cb.bind(op)
	vk.CmdDrawIndexed(cb.handle, uint32(count), 1, 0, 0, 0)
}

// EndRendering implements gfx.CommandBuffer.
func (cb *CommandBuffer) EndRendering() {
	cb.checkRendering("EndRendering")
	vk.CmdEndRenderPass(cb.handle)
	cb.rendering = false
	cb.renderPass = vk.NullRenderPass
	cb.pipeline = vk.NullPipeline
}
