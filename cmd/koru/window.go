package main

import (
	"fmt"
	"unsafe"

	"github.com/veandco/go-sdl2/sdl"
	vk "github.com/vulkan-go/vulkan"
)

// window adapts an SDL window to the surface the vulkan backend expects.
type window struct {
	*sdl.Window
}

func newWindow(title string, width, height int) (window, error) {
	w, err := sdl.CreateWindow(title,
		sdl.WINDOWPOS_UNDEFINED,
		sdl.WINDOWPOS_UNDEFINED,
		int32(width),
		int32(height),
		sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return window{}, err
	}
	return window{w}, nil
}

func (w window) DrawableSize() (int, int) {
	width, height := w.VulkanGetDrawableSize()
	return int(width), int(height)
}

func (w window) ProcAddr() unsafe.Pointer {
	return sdl.VulkanGetVkGetInstanceProcAddr()
}

func (w window) InstanceExtensions() []string {
	return w.VulkanGetInstanceExtensions()
}

func (w window) CreateSurface(instance vk.Instance) (vk.Surface, error) {
	ptr, err := w.VulkanCreateSurface(instance)
	if err != nil {
		return vk.NullSurface, fmt.Errorf("sdl: create surface: %w", err)
	}
	return vk.SurfaceFromPointer(uintptr(ptr)), nil
}
