// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vulkan

import (
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
)

// memory is a device memory allocation bound to one buffer or image.
type memory struct {
	device vk.Device
	handle vk.DeviceMemory
	size   int
	mapped unsafe.Pointer
}

// view maps the whole allocation and returns it as a byte slice.
func (m *memory) view() ([]byte, error) {
	if m.mapped == nil {
		var ptr unsafe.Pointer
		if err := vk.Error(vk.MapMemory(m.device, m.handle, 0, vk.DeviceSize(m.size), 0, &ptr)); err != nil {
			return nil, fmt.Errorf("vk.MapMemory(): %w", err)
		}
		m.mapped = ptr
	}
	return unsafe.Slice((*byte)(m.mapped), m.size), nil
}

func (m *memory) unmap() {
	if m.mapped != nil {
		vk.UnmapMemory(m.device, m.handle)
		m.mapped = nil
	}
}

// release frees the allocation after unmapping it.
func (m *memory) release() {
	if m.handle == vk.NullDeviceMemory {
		return
	}
	m.unmap()
	vk.FreeMemory(m.device, m.handle, nil)
	m.handle = vk.NullDeviceMemory
}

// memoryAllocator returns memory of a type matching the requirements
// of a resource.
type memoryAllocator struct {
	device        vk.Device
	memProperties vk.PhysicalDeviceMemoryProperties
}

func newMemoryAllocator(device vk.Device, phyDevice vk.PhysicalDevice) *memoryAllocator {
	var memProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(phyDevice, &memProperties)
	memProperties.Deref()
	return &memoryAllocator{
		device:        device,
		memProperties: memProperties,
	}
}

func (ma *memoryAllocator) malloc(req vk.MemoryRequirements, prop vk.MemoryPropertyFlagBits) (memory, error) {
	memTypeIdx, err := ma.findMemoryType(req.MemoryTypeBits, vk.MemoryPropertyFlags(prop))
	if err != nil {
		return memory{}, err
	}
	mai := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: memTypeIdx,
	}
	var handle vk.DeviceMemory
	if err := vk.Error(vk.AllocateMemory(ma.device, &mai, nil, &handle)); err != nil {
		return memory{}, fmt.Errorf("vk.AllocateMemory(): %w", err)
	}
	return memory{
		device: ma.device,
		handle: handle,
		size:   int(req.Size),
	}, nil
}

func (ma *memoryAllocator) findMemoryType(filter uint32, prop vk.MemoryPropertyFlags) (uint32, error) {
	for idx := uint32(0); idx < ma.memProperties.MemoryTypeCount; idx++ {
		ma.memProperties.MemoryTypes[idx].Deref()
		if filter&(1<<idx) != 0 && (ma.memProperties.MemoryTypes[idx].PropertyFlags&prop) == prop {
			return idx, nil
		}
	}
	return 0, errors.New("suitable memory type not found")
}

// newBuffer creates a buffer and binds fresh memory with properties
// prop to it.
func (ma *memoryAllocator) newBuffer(size int, usage vk.BufferUsageFlagBits, prop vk.MemoryPropertyFlagBits) (vk.Buffer, memory, error) {
	createInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if err := vk.Error(vk.CreateBuffer(ma.device, &createInfo, nil, &buffer)); err != nil {
		return vk.NullBuffer, memory{}, fmt.Errorf("vk.CreateBuffer(): %w", err)
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(ma.device, buffer, &req)
	req.Deref()

	mem, err := ma.malloc(req, prop)
	if err != nil {
		vk.DestroyBuffer(ma.device, buffer, nil)
		return vk.NullBuffer, memory{}, err
	}
	if err := vk.Error(vk.BindBufferMemory(ma.device, buffer, mem.handle, 0)); err != nil {
		mem.release()
		vk.DestroyBuffer(ma.device, buffer, nil)
		return vk.NullBuffer, memory{}, fmt.Errorf("vk.BindBufferMemory(): %w", err)
	}
	// the view covers the requested size, not the padded allocation
	mem.size = size
	return buffer, mem, nil
}

// newImage creates an optimally tiled 2D image in device local memory.
func (ma *memoryAllocator) newImage(width, height int, format vk.Format, usage vk.ImageUsageFlagBits) (vk.Image, memory, error) {
	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  uint32(width),
			Height: uint32(height),
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         vk.ImageUsageFlags(usage),
		SharingMode:   vk.SharingModeExclusive,
		Samples:       vk.SampleCount1Bit,
	}
	var image vk.Image
	if err := vk.Error(vk.CreateImage(ma.device, &createInfo, nil, &image)); err != nil {
		return vk.NullImage, memory{}, fmt.Errorf("vk.CreateImage(): %w", err)
	}

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(ma.device, image, &req)
	req.Deref()

	mem, err := ma.malloc(req, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		vk.DestroyImage(ma.device, image, nil)
		return vk.NullImage, memory{}, err
	}
	if err := vk.Error(vk.BindImageMemory(ma.device, image, mem.handle, 0)); err != nil {
		mem.release()
		vk.DestroyImage(ma.device, image, nil)
		return vk.NullImage, memory{}, fmt.Errorf("vk.BindImageMemory(): %w", err)
	}
	return image, mem, nil
}
