// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package gfx defines rendering related features that backends must implement.
//
// Every GPU object is created by a Device obtained from a registered Backend
// and lives in an ownership tree: it is created with a parent Owner and
// disposing the parent disposes all of its children exactly once.
package gfx

import "errors"

// package errors
var (
	ErrSwapchainOutOfDate = errors.New("swapchain is out of date")
	ErrOutOfRange         = errors.New("range exceeds resource size")
	ErrDisposed           = errors.New("object already disposed")
	ErrUnknownBackend     = errors.New("unknown graphics backend")
	ErrAlreadyMapped      = errors.New("resource is already mapped")
	ErrNotMappable        = errors.New("resource cannot be mapped")
)

// API names a graphics backend.
type API string

// Known backends.
const (
	APIHeadless API = "headless"
	APIVulkan   API = "vulkan"
)

// Surface is a presentation surface supplied by the windowing layer.
type Surface interface {
	// DrawableSize returns the current size of the surface in pixels.
	DrawableSize() (width, height int)
}

// Color is a linear RGBA color.
type Color struct {
	R, G, B, A float32
}

// RGBA8 converts the color into 8 bit channels, clamping out of range values.
func (c Color) RGBA8() [4]byte {
	conv := func(f float32) byte {
		if f <= 0 {
			return 0
		}
		if f >= 1 {
			return 255
		}
		return byte(f*255 + 0.5)
	}
	return [4]byte{conv(c.R), conv(c.G), conv(c.B), conv(c.A)}
}
