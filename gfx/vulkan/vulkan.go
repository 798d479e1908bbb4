// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package vulkan implements the gfx backend on top of Vulkan 1.0.
//
// Importing the package registers the backend under gfx.APIVulkan.
// Presenting needs a surface implementing WindowSurface; without one the
// device renders offscreen only.
package vulkan

import (
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/koru3d/koru/gfx"
)

func init() {
	gfx.Register(Backend{})
}

const validationLayer = "VK_LAYER_KHRONOS_validation"

// DefaultApplicationInfo describes the engine to the driver. The
// application name is replaced by DeviceConfig.AppName when set.
var DefaultApplicationInfo = vk.ApplicationInfo{
	SType:              vk.StructureTypeApplicationInfo,
	ApiVersion:         vk.MakeVersion(1, 0, 0),
	ApplicationVersion: vk.MakeVersion(1, 0, 0),
	PApplicationName:   safeString("Koru3D"),
	PEngineName:        safeString("Koru3D"),
}

// WindowSurface is a gfx.Surface backed by a window able to host a
// Vulkan surface.
type WindowSurface interface {
	gfx.Surface

	// ProcAddr returns the vkGetInstanceProcAddr of the loader the
	// window was created with, or nil for the default loader.
	ProcAddr() unsafe.Pointer

	// InstanceExtensions returns the instance extensions the window
	// needs for presentation.
	InstanceExtensions() []string

	// CreateSurface creates a VkSurfaceKHR for instance.
	CreateSurface(instance vk.Instance) (vk.Surface, error)
}

// Backend opens Vulkan devices.
type Backend struct{}

// API implements gfx.Backend.
func (Backend) API() gfx.API {
	return gfx.APIVulkan
}

// Open implements gfx.Backend. surface must be nil or a WindowSurface.
func (Backend) Open(surface gfx.Surface, cfg gfx.DeviceConfig) (gfx.Device, error) {
	var ws WindowSurface
	if surface != nil {
		var ok bool
		if ws, ok = surface.(WindowSurface); !ok {
			return nil, fmt.Errorf("vulkan: surface %T cannot host a Vulkan surface", surface)
		}
	}
	return NewDevice(ws, cfg)
}

type instance struct {
	handle  vk.Instance
	devices []vk.PhysicalDevice
}

func loadVulkan(procAddr unsafe.Pointer) error {
	if procAddr == nil {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			return fmt.Errorf("vk.SetDefaultGetInstanceProcAddr(): %w", err)
		}
	} else {
		vk.SetGetInstanceProcAddr(procAddr)
	}
	if err := vk.Init(); err != nil {
		return fmt.Errorf("vk.Init(): %w", err)
	}
	return nil
}

func newInstance(appName string, extensions []string, debug bool) (*instance, error) {
	var layers []string
	if debug {
		if !hasInstanceLayer(validationLayer) {
			gfx.Meltdownf("NewDevice", "debug mode requested, validation layer %s is not installed", validationLayer)
		}
		layers = append(layers, validationLayer)
		extensions = append(extensions, "VK_EXT_debug_report")
	}

	appInfo := DefaultApplicationInfo
	if appName != "" {
		appInfo.PApplicationName = safeString(appName)
	}
	instanceInfo := vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        &appInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     safeStrings(layers),
	}

	var handle vk.Instance
	if err := vk.Error(vk.CreateInstance(&instanceInfo, nil, &handle)); err != nil {
		return nil, fmt.Errorf("vk.CreateInstance(): %w", err)
	}
	if err := vk.InitInstance(handle); err != nil {
		vk.DestroyInstance(handle, nil)
		return nil, fmt.Errorf("vk.InitInstance(): %w", err)
	}

	devices, err := enumerateDevices(handle)
	if err != nil {
		vk.DestroyInstance(handle, nil)
		return nil, err
	}
	if len(devices) == 0 {
		vk.DestroyInstance(handle, nil)
		return nil, errors.New("vulkan: no physical devices")
	}
	return &instance{handle: handle, devices: devices}, nil
}

func (i *instance) destroy() {
	vk.DestroyInstance(i.handle, nil)
}

func hasInstanceLayer(name string) bool {
	var count uint32
	if err := vk.Error(vk.EnumerateInstanceLayerProperties(&count, nil)); err != nil {
		return false
	}
	props := make([]vk.LayerProperties, count)
	if err := vk.Error(vk.EnumerateInstanceLayerProperties(&count, props)); err != nil {
		return false
	}
	for _, p := range props {
		p.Deref()
		if vk.ToString(p.LayerName[:]) == name {
			return true
		}
	}
	return false
}

func enumerateDevices(instance vk.Instance) ([]vk.PhysicalDevice, error) {
	var deviceCount uint32
	if err := vk.Error(vk.EnumeratePhysicalDevices(instance, &deviceCount, nil)); err != nil {
		return nil, fmt.Errorf("vulkan physical device enumeration failed: %w", err)
	}
	availableDevices := make([]vk.PhysicalDevice, deviceCount)
	if err := vk.Error(vk.EnumeratePhysicalDevices(instance, &deviceCount, availableDevices)); err != nil {
		return nil, fmt.Errorf("vulkan physical device enumeration failed: %w", err)
	}
	return availableDevices, nil
}

// deviceInfo reads the properties of a physical device. Properties that
// cannot be enumerated are left empty.
func deviceInfo(pd vk.PhysicalDevice) gfx.DeviceInfo {
	info := gfx.DeviceInfo{API: gfx.APIVulkan}

	var numDeviceExtensions uint32
	if vk.EnumerateDeviceExtensionProperties(pd, "", &numDeviceExtensions, nil) == vk.Success {
		deviceExt := make([]vk.ExtensionProperties, numDeviceExtensions)
		if vk.EnumerateDeviceExtensionProperties(pd, "", &numDeviceExtensions, deviceExt) == vk.Success {
			for _, ext := range deviceExt {
				ext.Deref()
				info.Extensions = append(info.Extensions, vk.ToString(ext.ExtensionName[:]))
			}
		}
	}

	var numDeviceLayers uint32
	if vk.EnumerateDeviceLayerProperties(pd, &numDeviceLayers, nil) == vk.Success {
		deviceLayers := make([]vk.LayerProperties, numDeviceLayers)
		if vk.EnumerateDeviceLayerProperties(pd, &numDeviceLayers, deviceLayers) == vk.Success {
			for _, layer := range deviceLayers {
				layer.Deref()
				info.Layers = append(info.Layers, vk.ToString(layer.LayerName[:]))
			}
		}
	}

	var memoryProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(pd, &memoryProperties)
	memoryProperties.Deref()
	for iMem := uint32(0); iMem < memoryProperties.MemoryHeapCount; iMem++ {
		memoryProperties.MemoryHeaps[iMem].Deref()
		info.Memory += uint64(memoryProperties.MemoryHeaps[iMem].Size)
	}

	var physicalDeviceProperties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &physicalDeviceProperties)
	physicalDeviceProperties.Deref()
	info.ID = int(physicalDeviceProperties.DeviceID)
	info.VendorID = int(physicalDeviceProperties.VendorID)
	info.Name = vk.ToString(physicalDeviceProperties.DeviceName[:])
	info.DriverVersion = int(physicalDeviceProperties.DriverVersion)
	return info
}

// Devices lists the physical devices of the default Vulkan loader
// without opening any of them.
func Devices() ([]gfx.DeviceInfo, error) {
	if err := loadVulkan(nil); err != nil {
		return nil, err
	}
	inst, err := newInstance("koru device query", nil, false)
	if err != nil {
		return nil, err
	}
	defer inst.destroy()

	infos := make([]gfx.DeviceInfo, len(inst.devices))
	for i, pd := range inst.devices {
		infos[i] = deviceInfo(pd)
	}
	return infos, nil
}

// graphicsQueueFamily returns the first queue family with graphics
// support that can also present to surface when there is one.
func graphicsQueueFamily(pd vk.PhysicalDevice, surface vk.Surface) (uint32, bool) {
	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &queueFamilyCount, queueFamilies)

	for i := uint32(0); i < queueFamilyCount; i++ {
		queueFamilies[i].Deref()
		if queueFamilies[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) == 0 {
			continue
		}
		if surface != vk.NullSurface {
			var supportsPresent vk.Bool32
			vk.GetPhysicalDeviceSurfaceSupport(pd, i, surface, &supportsPresent)
			if !supportsPresent.B() {
				continue
			}
		}
		return i, true
	}
	return 0, false
}

func hasExtensions(info gfx.DeviceInfo, required []string) (bool, string) {
	have := make(map[string]bool, len(info.Extensions))
	for _, e := range info.Extensions {
		have[e] = true
	}
	for _, r := range required {
		if !have[r] {
			return false, r
		}
	}
	return true, ""
}

func safeString(s string) string {
	return s + "\x00"
}

func safeStrings(sgs []string) []string {
	safe := make([]string, 0, len(sgs))
	for _, s := range sgs {
		safe = append(safe, safeString(s))
	}
	return safe
}
