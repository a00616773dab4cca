// Package modulemap defines the small collaborator interface the broker
// uses to resolve module names and addresses to executable ranges. Real
// process-map enumeration (parsing /proc/self/maps or the platform
// equivalent) is explicitly out of scope for the core (spec.md §1); this
// interface is the seam a preload shim or test fake plugs into.
package modulemap

import "github.com/tinybdi/tinybdi/rangeset"

// Module is one loaded binary image and the executable byte ranges it
// contributes to the process's address space.
type Module struct {
	Name       string
	Executable []rangeset.Range
}

// Provider enumerates the process's loaded modules. Implementations are
// expected to be cheap to call repeatedly; the broker does not cache
// results itself.
type Provider interface {
	Modules() ([]Module, error)
}

// Find returns the module containing addr, if any.
func Find(p Provider, addr uint64) (Module, bool, error) {
	mods, err := p.Modules()
	if err != nil {
		return Module{}, false, err
	}
	for _, m := range mods {
		for _, r := range m.Executable {
			if r.Contains(addr) {
				return m, true, nil
			}
		}
	}
	return Module{}, false, nil
}

// FindByName returns the named module, if loaded.
func FindByName(p Provider, name string) (Module, bool, error) {
	mods, err := p.Modules()
	if err != nil {
		return Module{}, false, err
	}
	for _, m := range mods {
		if m.Name == name {
			return m, true, nil
		}
	}
	return Module{}, false, nil
}
