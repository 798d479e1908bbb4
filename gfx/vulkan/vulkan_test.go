package vulkan

import (
	"testing"

	qt "github.com/frankban/quicktest"
	vk "github.com/vulkan-go/vulkan"

	"github.com/koru3d/koru/gfx"
)

var (
	_ gfx.Backend       = Backend{}
	_ gfx.Device        = (*Device)(nil)
	_ gfx.Buffer        = (*Buffer)(nil)
	_ gfx.Texture       = (*Texture)(nil)
	_ gfx.Texture       = (*swapchainTexture)(nil)
	_ gfx.Sampler       = (*Sampler)(nil)
	_ gfx.ShaderProgram = (*ShaderProgram)(nil)
	_ gfx.DescriptorSet = (*DescriptorSet)(nil)
	_ gfx.CommandBuffer = (*CommandBuffer)(nil)
	_ gfx.Swapchain     = (*Swapchain)(nil)
)

func TestFormats(t *testing.T) {
	c := qt.New(t)
	for _, f := range []gfx.Format{gfx.FormatRGBA8, gfx.FormatBGRA8, gfx.FormatR32F, gfx.FormatDepth32F} {
		back, ok := gfxFormat(vkFormat(f))
		c.Assert(ok, qt.IsTrue, qt.Commentf("%v", f))
		c.Assert(back, qt.Equals, f)
	}
	c.Assert(vkFormat(gfx.Format(42)), qt.Equals, vk.FormatUndefined)
	_, ok := gfxFormat(vk.FormatR16Sfloat)
	c.Assert(ok, qt.IsFalse)

	c.Assert(aspectMask(gfx.FormatDepth32F), qt.Equals, vk.ImageAspectFlags(vk.ImageAspectDepthBit))
	c.Assert(aspectMask(gfx.FormatRGBA8), qt.Equals, vk.ImageAspectFlags(vk.ImageAspectColorBit))
	c.Assert(restLayout(gfx.TextureStorage), qt.Equals, vk.ImageLayoutGeneral)
	c.Assert(restLayout(gfx.TextureDepth), qt.Equals, vk.ImageLayoutShaderReadOnlyOptimal)
}

func TestStagesAndDescriptors(t *testing.T) {
	c := qt.New(t)
	c.Assert(vkStages(gfx.StageGraphics), qt.Equals,
		vk.ShaderStageFlags(vk.ShaderStageVertexBit|vk.ShaderStageFragmentBit))
	c.Assert(vkStages(gfx.StageCompute), qt.Equals, vk.ShaderStageFlags(vk.ShaderStageComputeBit))
	c.Assert(vkDescriptorType(gfx.SampledTexture), qt.Equals, vk.DescriptorTypeSampledImage)
	c.Assert(vkDescriptorType(gfx.SamplerDescriptor), qt.Equals, vk.DescriptorTypeSampler)
	c.Assert(vkAttributeFormat(gfx.AttributeVec3), qt.Equals, vk.FormatR32g32b32Sfloat)
	c.Assert(vkCullMode(gfx.CullFront), qt.Equals, vk.CullModeFrontBit)
	c.Assert(descriptorCount(gfx.Descriptor{}), qt.Equals, 1)
	c.Assert(descriptorCount(gfx.Descriptor{Count: 3}), qt.Equals, 3)
}

func TestHelpers(t *testing.T) {
	c := qt.New(t)
	c.Assert(safeStrings([]string{"a", "bc"}), qt.DeepEquals, []string{"a\x00", "bc\x00"})
	c.Assert(dedupe([]string{"x", "y", "x"}), qt.DeepEquals, []string{"x", "y"})
	c.Assert(clamp(5, 10, 20), qt.Equals, uint32(10))
	c.Assert(clamp(25, 10, 20), qt.Equals, uint32(20))
	c.Assert(clamp(15, 10, 20), qt.Equals, uint32(15))

	info := gfx.DeviceInfo{Extensions: []string{"VK_KHR_swapchain", "VK_KHR_maintenance1"}}
	ok, missing := hasExtensions(info, []string{"VK_KHR_swapchain"})
	c.Assert(ok, qt.IsTrue)
	c.Assert(missing, qt.Equals, "")
	ok, missing = hasExtensions(info, []string{"VK_KHR_swapchain", "VK_EXT_debug_utils"})
	c.Assert(ok, qt.IsFalse)
	c.Assert(missing, qt.Equals, "VK_EXT_debug_utils")
}

func TestBackendRegistered(t *testing.T) {
	c := qt.New(t)
	b, err := gfx.Lookup(gfx.APIVulkan)
	c.Assert(err, qt.IsNil)
	c.Assert(b.API(), qt.Equals, gfx.APIVulkan)

	_, err = b.Open(plainSurface{}, gfx.DeviceConfig{})
	c.Assert(err, qt.ErrorMatches, `vulkan: surface vulkan.plainSurface cannot host a Vulkan surface`)
}

type plainSurface struct{}

func (plainSurface) DrawableSize() (int, int) { return 1, 1 }
