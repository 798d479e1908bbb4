package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/vulkan-go/vulkan"

	"github.com/koru3d/koru/gfx"
	"github.com/koru3d/koru/shader"
)

func vkStages(s gfx.ShaderStage) vk.ShaderStageFlags {
	var flags vk.ShaderStageFlagBits
	if s&gfx.StageVertex != 0 {
		flags |= vk.ShaderStageVertexBit
	}
	if s&gfx.StageFragment != 0 {
		flags |= vk.ShaderStageFragmentBit
	}
	if s&gfx.StageCompute != 0 {
		flags |= vk.ShaderStageComputeBit
	}
	return vk.ShaderStageFlags(flags)
}

func vkDescriptorType(t gfx.DescriptorType) vk.DescriptorType {
	switch t {
	case gfx.UniformBuffer:
		return vk.DescriptorTypeUniformBuffer
	case gfx.StorageBuffer:
		return vk.DescriptorTypeStorageBuffer
	case gfx.SampledTexture:
		return vk.DescriptorTypeSampledImage
	case gfx.StorageTexture:
		return vk.DescriptorTypeStorageImage
	}
	return vk.DescriptorTypeSampler
}

func vkAttributeFormat(f gfx.AttributeFormat) vk.Format {
	switch f {
	case gfx.AttributeFloat:
		return vk.FormatR32Sfloat
	case gfx.AttributeVec2:
		return vk.FormatR32g32Sfloat
	case gfx.AttributeVec3:
		return vk.FormatR32g32b32Sfloat
	case gfx.AttributeVec4:
		return vk.FormatR32g32b32a32Sfloat
	}
	return vk.FormatUndefined
}

func vkCullMode(m gfx.CullMode) vk.CullModeFlagBits {
	switch m {
	case gfx.CullBack:
		return vk.CullModeBackBit
	case gfx.CullFront:
		return vk.CullModeFrontBit
	}
	return vk.CullModeNone
}

func descriptorCount(d gfx.Descriptor) int {
	if d.Count < 1 {
		return 1
	}
	return d.Count
}

// pipelineKey identifies a pipeline of a program. Cull mode is baked
// into the pipeline since Vulkan 1.0 has no dynamic cull state.
type pipelineKey struct {
	renderPass vk.RenderPass
	colors     int
	depth      bool
	cull       gfx.CullMode
}

// ShaderProgram is a gfx.ShaderProgram: shader modules, the pipeline
// layout and one descriptor set per layout and frame slot. Graphics
// pipelines are created on first draw for every render pass the program
// is used in.
type ShaderProgram struct {
	gfx.Node
	dev  *Device
	desc gfx.ShaderProgramDesc

	modules        []vk.ShaderModule
	setLayouts     []vk.DescriptorSetLayout
	pipelineLayout vk.PipelineLayout
	pool           vk.DescriptorPool
	hasPool        bool
	pushStages     vk.ShaderStageFlags

	sets map[int]*DescriptorSet

	mu        sync.Mutex
	pipelines map[pipelineKey]vk.Pipeline
}

// DescriptorSet is a gfx.DescriptorSet. Updates are stored in the
// binding table and written to the slot's Vulkan set when the program
// is next bound for that slot.
type DescriptorSet struct {
	*gfx.BindingTable
	program *ShaderProgram
	index   int
	handles []vk.DescriptorSet

	mu    sync.Mutex
	dirty []bool
}

// NewShaderProgram implements gfx.Device.
func (d *Device) NewShaderProgram(owner gfx.Owner, desc gfx.ShaderProgramDesc) (gfx.ShaderProgram, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	p := &ShaderProgram{
		dev:       d,
		desc:      desc,
		sets:      make(map[int]*DescriptorSet, len(desc.DescriptorSets)),
		pipelines: map[pipelineKey]vk.Pipeline{},
	}
	if err := p.create(); err != nil {
		p.release()
		return nil, fmt.Errorf("program %q: %w", desc.Label, err)
	}
	if err := p.Node.Init(d.owner(owner), p, p.release); err != nil {
		p.release()
		return nil, err
	}
	return p, nil
}

func (p *ShaderProgram) create() error {
	dev := p.dev.device
	for _, stage := range p.desc.Stages {
		smci := vk.ShaderModuleCreateInfo{
			SType:    vk.StructureTypeShaderModuleCreateInfo,
			CodeSize: uint(len(stage.Code)),
			PCode:    shader.Words(stage.Code),
		}
		var module vk.ShaderModule
		if err := vk.Error(vk.CreateShaderModule(dev, &smci, nil, &module)); err != nil {
			return fmt.Errorf("vk.CreateShaderModule(%v): %w", stage.Stage, err)
		}
		p.modules = append(p.modules, module)
		p.pushStages |= vkStages(stage.Stage)
	}

	// set numbers must be dense in the pipeline layout, gaps get empty
	// layouts
	maxSet := -1
	layouts := map[int]gfx.DescriptorSetLayout{}
	for _, l := range p.desc.DescriptorSets {
		if l.Set < 0 {
			return fmt.Errorf("negative descriptor set %d", l.Set)
		}
		layouts[l.Set] = l
		if l.Set > maxSet {
			maxSet = l.Set
		}
	}
	poolSizes := map[vk.DescriptorType]int{}
	frames := p.dev.FramesInFlight()
	for set := 0; set <= maxSet; set++ {
		var bindings []vk.DescriptorSetLayoutBinding
		for _, desc := range layouts[set].Descriptors {
			bindings = append(bindings, vk.DescriptorSetLayoutBinding{
				Binding:         uint32(desc.Binding),
				DescriptorType:  vkDescriptorType(desc.Type),
				DescriptorCount: uint32(descriptorCount(desc)),
				StageFlags:      vkStages(desc.Stages),
			})
			poolSizes[vkDescriptorType(desc.Type)] += descriptorCount(desc) * frames
		}
		dslci := vk.DescriptorSetLayoutCreateInfo{
			SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
			BindingCount: uint32(len(bindings)),
			PBindings:    bindings,
		}
		var layout vk.DescriptorSetLayout
		if err := vk.Error(vk.CreateDescriptorSetLayout(dev, &dslci, nil, &layout)); err != nil {
			return fmt.Errorf("vk.CreateDescriptorSetLayout(): %w", err)
		}
		p.setLayouts = append(p.setLayouts, layout)
	}

	plci := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(p.setLayouts)),
		PSetLayouts:    p.setLayouts,
	}
	if p.desc.PushConstantSize > 0 {
		plci.PushConstantRangeCount = 1
		plci.PPushConstantRanges = []vk.PushConstantRange{{
			StageFlags: p.pushStages,
			Size:       uint32(p.desc.PushConstantSize),
		}}
	}
	if err := vk.Error(vk.CreatePipelineLayout(dev, &plci, nil, &p.pipelineLayout)); err != nil {
		return fmt.Errorf("vk.CreatePipelineLayout(): %w", err)
	}

	if len(poolSizes) > 0 {
		var sizes []vk.DescriptorPoolSize
		for t, n := range poolSizes {
			sizes = append(sizes, vk.DescriptorPoolSize{Type: t, DescriptorCount: uint32(n)})
		}
		dpci := vk.DescriptorPoolCreateInfo{
			SType:         vk.StructureTypeDescriptorPoolCreateInfo,
			MaxSets:       uint32(len(p.desc.DescriptorSets) * frames),
			PoolSizeCount: uint32(len(sizes)),
			PPoolSizes:    sizes,
		}
		if err := vk.Error(vk.CreateDescriptorPool(dev, &dpci, nil, &p.pool)); err != nil {
			return fmt.Errorf("vk.CreateDescriptorPool(): %w", err)
		}
		p.hasPool = true
	}

	for _, l := range p.desc.DescriptorSets {
		set := &DescriptorSet{
			BindingTable: gfx.NewBindingTable(l, frames),
			program:      p,
			index:        l.Set,
			dirty:        make([]bool, frames),
		}
		set.OnUpdate = set.markDirty
		p.sets[l.Set] = set
		// sets without descriptors are never bound
		if len(l.Descriptors) == 0 {
			continue
		}
		set.handles = make([]vk.DescriptorSet, frames)
		for slot := range set.handles {
			dsai := vk.DescriptorSetAllocateInfo{
				SType:              vk.StructureTypeDescriptorSetAllocateInfo,
				DescriptorPool:     p.pool,
				DescriptorSetCount: 1,
				PSetLayouts:        []vk.DescriptorSetLayout{p.setLayouts[l.Set]},
			}
			if err := vk.Error(vk.AllocateDescriptorSets(dev, &dsai, &set.handles[slot])); err != nil {
				return fmt.Errorf("vk.AllocateDescriptorSets(): %w", err)
			}
		}
	}
	return nil
}

func (p *ShaderProgram) release() {
	dev := p.dev.device
	p.mu.Lock()
	for _, pipeline := range p.pipelines {
		vk.DestroyPipeline(dev, pipeline, nil)
	}
	p.pipelines = nil
	p.mu.Unlock()

	// destroying the pool frees its sets
	if p.hasPool {
		vk.DestroyDescriptorPool(dev, p.pool, nil)
	}
	vk.DestroyPipelineLayout(dev, p.pipelineLayout, nil)
	for _, l := range p.setLayouts {
		vk.DestroyDescriptorSetLayout(dev, l, nil)
	}
	for _, m := range p.modules {
		vk.DestroyShaderModule(dev, m, nil)
	}
}

// Label implements gfx.ShaderProgram.
func (p *ShaderProgram) Label() string { return p.desc.Label }

// Desc implements gfx.ShaderProgram.
func (p *ShaderProgram) Desc() gfx.ShaderProgramDesc { return p.desc }

// DescriptorSet implements gfx.ShaderProgram.
func (p *ShaderProgram) DescriptorSet(set int) gfx.DescriptorSet {
	s, ok := p.sets[set]
	if !ok {
		return nil
	}
	return s
}

func (p *ShaderProgram) hasStage(s gfx.ShaderStage) bool {
	for _, m := range p.desc.Stages {
		if m.Stage == s {
			return true
		}
	}
	return false
}

// bindDescriptorSets flushes pending updates of slot and binds every
// set of the program. Gaps in the set numbers stay unbound.
func (p *ShaderProgram) bindDescriptorSets(cmd vk.CommandBuffer, slot int) {
	for idx, set := range p.sets {
		if set.handles == nil {
			continue
		}
		set.flush(slot)
		vk.CmdBindDescriptorSets(cmd, vk.PipelineBindPointGraphics, p.pipelineLayout,
			uint32(idx), 1, []vk.DescriptorSet{set.handles[slot]}, 0, nil)
	}
}

// pipeline returns the graphics pipeline of the program for key.
func (p *ShaderProgram) pipeline(key pipelineKey) (vk.Pipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pipeline, ok := p.pipelines[key]; ok {
		return pipeline, nil
	}

	stages := make([]vk.PipelineShaderStageCreateInfo, len(p.desc.Stages))
	for i, s := range p.desc.Stages {
		stages[i] = vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageFlagBits(vkStages(s.Stage)),
			Module: p.modules[i],
			PName:  safeString(s.Entry),
		}
	}

	vertexInput := &vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}
	if len(p.desc.Attributes) > 0 {
		attributes := make([]vk.VertexInputAttributeDescription, len(p.desc.Attributes))
		for i, a := range p.desc.Attributes {
			attributes[i] = vk.VertexInputAttributeDescription{
				Location: uint32(a.Location),
				Binding:  0,
				Format:   vkAttributeFormat(a.Format),
				Offset:   uint32(a.Offset),
			}
		}
		vertexInput.VertexBindingDescriptionCount = 1
		vertexInput.PVertexBindingDescriptions = []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    uint32(p.desc.Stride),
			InputRate: vk.VertexInputRateVertex,
		}}
		vertexInput.VertexAttributeDescriptionCount = uint32(len(attributes))
		vertexInput.PVertexAttributeDescriptions = attributes
	}

	depthTest := vk.False
	if key.depth {
		depthTest = vk.True
	}
	blend := make([]vk.PipelineColorBlendAttachmentState, key.colors)
	for i := range blend {
		blend[i] = vk.PipelineColorBlendAttachmentState{
			ColorWriteMask: 0xF,
			BlendEnable:    vk.False,
		}
	}

	gpci := []vk.GraphicsPipelineCreateInfo{{
		SType:             vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:        uint32(len(stages)),
		PStages:           stages,
		PVertexInputState: vertexInput,
		PInputAssemblyState: &vk.PipelineInputAssemblyStateCreateInfo{
			SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
			Topology: vk.PrimitiveTopologyTriangleList,
		},
		PViewportState: &vk.PipelineViewportStateCreateInfo{
			SType:         vk.StructureTypePipelineViewportStateCreateInfo,
			ViewportCount: 1,
			ScissorCount:  1,
		},
		PRasterizationState: &vk.PipelineRasterizationStateCreateInfo{
			SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
			PolygonMode: vk.PolygonModeFill,
			CullMode:    vk.CullModeFlags(vkCullMode(key.cull)),
			FrontFace:   vk.FrontFaceCounterClockwise,
			LineWidth:   1.0,
		},
		PDepthStencilState: &vk.PipelineDepthStencilStateCreateInfo{
			SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
			DepthTestEnable:  vk.Bool32(depthTest),
			DepthWriteEnable: vk.Bool32(depthTest),
			DepthCompareOp:   vk.CompareOpLessOrEqual,
			Back: vk.StencilOpState{
				FailOp:    vk.StencilOpKeep,
				PassOp:    vk.StencilOpKeep,
				CompareOp: vk.CompareOpAlways,
			},
			Front: vk.StencilOpState{
				FailOp:    vk.StencilOpKeep,
				PassOp:    vk.StencilOpKeep,
				CompareOp: vk.CompareOpAlways,
			},
		},
		PMultisampleState: &vk.PipelineMultisampleStateCreateInfo{
			SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
			RasterizationSamples: vk.SampleCount1Bit,
		},
		PColorBlendState: &vk.PipelineColorBlendStateCreateInfo{
			SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
			AttachmentCount: uint32(len(blend)),
			PAttachments:    blend,
		},
		PDynamicState: &vk.PipelineDynamicStateCreateInfo{
			SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
			DynamicStateCount: 2,
			PDynamicStates: []vk.DynamicState{
				vk.DynamicStateScissor,
				vk.DynamicStateViewport,
			},
		},
		Layout:     p.pipelineLayout,
		RenderPass: key.renderPass,
	}}

	pipelines := make([]vk.Pipeline, len(gpci))
	if err := vk.Error(vk.CreateGraphicsPipelines(p.dev.device, p.dev.pipelineCache, uint32(len(gpci)), gpci, nil, pipelines)); err != nil {
		return vk.NullPipeline, fmt.Errorf("vk.CreateGraphicsPipelines(): %w", err)
	}
	p.pipelines[key] = pipelines[0]
	return pipelines[0], nil
}

func (s *DescriptorSet) markDirty(frame int, _ gfx.Descriptor, _ int, _ []gfx.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[frame] = true
}

// flush writes the bindings of slot into its Vulkan set. The slot must
// not be in use by pending work.
func (s *DescriptorSet) flush(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty[slot] {
		return
	}
	s.dirty[slot] = false

	var writes []vk.WriteDescriptorSet
	for _, desc := range s.Layout().Descriptors {
		for i := 0; i < descriptorCount(desc); i++ {
			res := s.Bound(slot, desc.Name, i)
			if res == nil {
				continue
			}
			w := vk.WriteDescriptorSet{
				SType:           vk.StructureTypeWriteDescriptorSet,
				DstSet:          s.handles[slot],
				DstBinding:      uint32(desc.Binding),
				DstArrayElement: uint32(i),
				DescriptorCount: 1,
				DescriptorType:  vkDescriptorType(desc.Type),
			}
			switch r := res.(type) {
			case *Buffer:
				w.PBufferInfo = []vk.DescriptorBufferInfo{{
					Buffer: r.handle,
					Range:  vk.DeviceSize(vk.WholeSize),
				}}
			case *Texture:
				w.PImageInfo = []vk.DescriptorImageInfo{{
					ImageView:   r.view,
					ImageLayout: r.rest(),
				}}
			case *Sampler:
				w.PImageInfo = []vk.DescriptorImageInfo{{
					Sampler: r.handle,
				}}
			default:
				gfx.Meltdownf("bind", "set %d: %s %q belongs to another device", s.index, res.Kind(), res.Label())
			}
			writes = append(writes, w)
		}
	}
	if len(writes) > 0 {
		vk.UpdateDescriptorSets(s.program.dev.device, uint32(len(writes)), writes, 0, nil)
	}
}
