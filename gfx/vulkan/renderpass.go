package vulkan

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"
)

// maxColorAttachments bounds the color targets of one rendering scope.
const maxColorAttachments = 4

// attachmentKey describes one attachment of a render pass.
type attachmentKey struct {
	format  vk.Format
	initial vk.ImageLayout
	final   vk.ImageLayout
}

// renderPassKey identifies a cached render pass. Passes rendering into
// targets of the same formats and layouts share it.
type renderPassKey struct {
	colors     [maxColorAttachments]attachmentKey
	colorCount int
	depth      attachmentKey
	hasDepth   bool
	clear      bool
}

type framebufferKey struct {
	renderPass    vk.RenderPass
	views         [maxColorAttachments + 1]vk.ImageView
	width, height int
}

// renderPass returns the cached render pass for key, creating it on
// first use.
func (d *Device) renderPass(key renderPassKey) (vk.RenderPass, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if rp, ok := d.renderPasses[key]; ok {
		return rp, nil
	}

	loadOp := vk.AttachmentLoadOpLoad
	if key.clear {
		loadOp = vk.AttachmentLoadOpClear
	}
	var (
		attachments []vk.AttachmentDescription
		colorRefs   []vk.AttachmentReference
	)
	for i := 0; i < key.colorCount; i++ {
		a := key.colors[i]
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         a.format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         loadOp,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  a.initial,
			FinalLayout:    a.final,
		})
		colorRefs = append(colorRefs, vk.AttachmentReference{
			Attachment: uint32(i),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
	}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorRefs)),
		PColorAttachments:    colorRefs,
	}
	if key.hasDepth {
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         key.depth.format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         loadOp,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  key.depth.initial,
			FinalLayout:    key.depth.final,
		})
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(key.colorCount),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}

	// passes are ordered against everything before and after them, the
	// graph decides which pass reads which target
	access := vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit)
	stages := vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	dependencies := []vk.SubpassDependency{{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  stages,
		SrcAccessMask: access,
		DstStageMask:  stages,
		DstAccessMask: access,
	}, {
		SrcSubpass:    0,
		DstSubpass:    vk.SubpassExternal,
		SrcStageMask:  stages,
		SrcAccessMask: access,
		DstStageMask:  stages,
		DstAccessMask: access,
	}}

	rpci := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: uint32(len(dependencies)),
		PDependencies:   dependencies,
	}
	var rp vk.RenderPass
	if err := vk.Error(vk.CreateRenderPass(d.device, &rpci, nil, &rp)); err != nil {
		return vk.NullRenderPass, fmt.Errorf("vk.CreateRenderPass(): %w", err)
	}
	d.renderPasses[key] = rp
	return rp, nil
}

// framebuffer returns the cached framebuffer for key, creating it on
// first use.
func (d *Device) framebuffer(key framebufferKey, count int) (vk.Framebuffer, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if fb, ok := d.framebuffers[key]; ok {
		return fb, nil
	}
	fci := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      key.renderPass,
		AttachmentCount: uint32(count),
		PAttachments:    key.views[:count],
		Width:           uint32(key.width),
		Height:          uint32(key.height),
		Layers:          1,
	}
	var fb vk.Framebuffer
	if err := vk.Error(vk.CreateFramebuffer(d.device, &fci, nil, &fb)); err != nil {
		return vk.NullFramebuffer, fmt.Errorf("vk.CreateFramebuffer(): %w", err)
	}
	d.framebuffers[key] = fb
	return fb, nil
}

// forgetView destroys the framebuffers using view. The view must not be
// in use by pending work.
func (d *Device) forgetView(view vk.ImageView) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	for key, fb := range d.framebuffers {
		for _, v := range key.views {
			if v == view {
				vk.DestroyFramebuffer(d.device, fb, nil)
				delete(d.framebuffers, key)
				break
			}
		}
	}
}
