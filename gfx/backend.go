package gfx

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Backend opens devices of one graphics API.
type Backend interface {
	API() API

	// Open creates a device presenting to surface, which may be nil
	// for offscreen work when the backend supports it.
	Open(surface Surface, cfg DeviceConfig) (Device, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[API]Backend{}
)

// Register makes a backend available by its API name. Registering the
// same API twice panics.
func Register(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if b == nil {
		panic("gfx: Register backend is nil")
	}
	if _, dup := backends[b.API()]; dup {
		panic("gfx: Register called twice for backend " + string(b.API()))
	}
	backends[b.API()] = b
}

// Lookup returns the backend registered for api.
func Lookup(api API) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	if api == "" {
		return nil, fmt.Errorf("%w: no api requested", ErrUnknownBackend)
	}
	b, ok := backends[api]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, api)
	}
	return b, nil
}

// Backends returns the sorted names of the registered backends.
func Backends() []API {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	list := maps.Keys(backends)
	slices.Sort(list)
	return list
}
