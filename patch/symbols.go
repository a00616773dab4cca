package patch

import (
	"fmt"
	"sort"
)

// SymbolResolver provides address-to-symbol and address-to-module lookup.
// The core only forwards to it (spec.md §1, "does not provide source-level
// symbolication beyond forwarding symbol lookups"); real symbol tables come
// from the embedder's module-map collaborator.
//
// Adapted from the teacher's vm.SymbolResolver: same nearest-symbol binary
// search, widened to 64-bit addresses and extended with a module name per
// symbol for InstAnalysis's "symbol+module resolution" field.
type SymbolResolver struct {
	addressToSymbol map[uint64]string
	addressToModule map[uint64]string
	sortedAddresses []uint64
}

// NewSymbolResolver builds a resolver from a symbol name -> address map.
// Module ownership, if any, is attached afterwards via SetModule.
func NewSymbolResolver(symbols map[string]uint64) *SymbolResolver {
	addressToSymbol := make(map[uint64]string, len(symbols))
	addressToModule := make(map[uint64]string, len(symbols))
	for name, addr := range symbols {
		addressToSymbol[addr] = name
	}
	sorted := make([]uint64, 0, len(addressToSymbol))
	for addr := range addressToSymbol {
		sorted = append(sorted, addr)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &SymbolResolver{
		addressToSymbol: addressToSymbol,
		addressToModule: addressToModule,
		sortedAddresses: sorted,
	}
}

// SetModule records the module name that owns a symbol.
func (sr *SymbolResolver) SetModule(symbol, module string) {
	for addr, name := range sr.addressToSymbol {
		if name == symbol {
			sr.addressToModule[addr] = module
			return
		}
	}
}

// ResolveAddress resolves address to the nearest symbol at or before it.
func (sr *SymbolResolver) ResolveAddress(address uint64) (symbol string, module string, offset uint64, found bool) {
	if name, ok := sr.addressToSymbol[address]; ok {
		return name, sr.addressToModule[address], 0, true
	}
	if len(sr.sortedAddresses) == 0 {
		return "", "", 0, false
	}
	idx := sort.Search(len(sr.sortedAddresses), func(i int) bool {
		return sr.sortedAddresses[i] > address
	})
	if idx == 0 {
		return "", "", 0, false
	}
	nearest := sr.sortedAddresses[idx-1]
	return sr.addressToSymbol[nearest], sr.addressToModule[nearest], address - nearest, true
}

// FormatAddress renders "symbol+offset (0xADDR)" or just "0xADDR".
func (sr *SymbolResolver) FormatAddress(address uint64) string {
	symbol, _, offset, found := sr.ResolveAddress(address)
	if !found {
		return fmt.Sprintf("0x%016x", address)
	}
	if offset == 0 {
		return fmt.Sprintf("%s (0x%016x)", symbol, address)
	}
	return fmt.Sprintf("%s+%d (0x%016x)", symbol, offset, address)
}
