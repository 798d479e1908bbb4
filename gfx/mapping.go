package gfx

import "fmt"

// Mapping tracks the CPU mapping of a resource for backends. It keeps
// the mapped flag and the view handed out by the backend's map function.
type Mapping struct {
	mapped bool
	view   []byte
}

// Mapped reports whether the resource is mapped.
func (m *Mapping) Mapped() bool {
	return m.mapped
}

// Map calls mapFn and records the view. A second Map without an
// intervening Unmap is a meltdown.
func (m *Mapping) Map(label string, mapFn func() ([]byte, error)) []byte {
	if m.mapped {
		Meltdown("map", fmt.Errorf("%w: %s", ErrAlreadyMapped, label))
	}
	view, err := mapFn()
	if err != nil {
		Meltdown("map", fmt.Errorf("%s: %w", label, err))
	}
	m.mapped = true
	m.view = view
	return view
}

// Get returns the current view, mapping the resource first if needed.
func (m *Mapping) Get(label string, mapFn func() ([]byte, error)) []byte {
	if m.mapped {
		return m.view
	}
	return m.Map(label, mapFn)
}

// Unmap calls unmapFn if the resource is mapped.
func (m *Mapping) Unmap(unmapFn func()) {
	if !m.mapped {
		return
	}
	unmapFn()
	m.mapped = false
	m.view = nil
}
