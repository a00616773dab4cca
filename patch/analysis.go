package patch

import (
	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
)

// InstAnalysis is computed on demand from a Patch's original instruction
// and cached by the block manager for the block's lifetime (spec.md §3, §4.5).
type InstAnalysis struct {
	Address     uint64
	Size        uint8
	Mnemonic    string
	Disassembly string
	Operands    []codeasm.Operand
	Symbol      string
	Module      string
	ControlFlow codeasm.ControlFlow

	// computed tracks which AnalysisType bits this value currently answers
	// for; analyzeInstMetadata upgrades it in place as wider masks are
	// requested instead of recomputing fields already present.
	computed abi.AnalysisType
}

// Analyze builds an InstAnalysis for orig, computing only the fields named
// by typeMask. resolver may be nil, in which case Symbol/Module stay empty.
func Analyze(orig codeasm.Inst, typeMask abi.AnalysisType, resolver *SymbolResolver) InstAnalysis {
	ia := InstAnalysis{Address: orig.Address, Size: orig.Size}
	applyMask(&ia, orig, typeMask, resolver)
	return ia
}

// Upgrade recomputes whichever of typeMask's fields ia does not already
// answer for, leaving previously computed fields untouched. This is what
// makes analyzeInstMetadata's cache monotonic (spec.md §4.5).
func (ia *InstAnalysis) Upgrade(orig codeasm.Inst, typeMask abi.AnalysisType, resolver *SymbolResolver) {
	missing := typeMask &^ ia.computed
	if missing == 0 {
		return
	}
	applyMask(ia, orig, missing, resolver)
}

// Has reports whether ia already answers for every bit of typeMask.
func (ia InstAnalysis) Has(typeMask abi.AnalysisType) bool {
	return ia.computed&typeMask == typeMask
}

func applyMask(ia *InstAnalysis, orig codeasm.Inst, mask abi.AnalysisType, resolver *SymbolResolver) {
	if mask&abi.AnalysisInstruction != 0 {
		ia.Mnemonic = orig.Mnemonic
		ia.ControlFlow = orig.ControlFlow
	}
	if mask&abi.AnalysisDisassembly != 0 {
		ia.Disassembly = orig.Disasm
	}
	if mask&abi.AnalysisOperands != 0 {
		ia.Operands = append([]codeasm.Operand{}, orig.Operands...)
	}
	if mask&abi.AnalysisSymbol != 0 && resolver != nil {
		symbol, module, offset, found := resolver.ResolveAddress(orig.Address)
		if found && offset == 0 {
			ia.Symbol, ia.Module = symbol, module
		}
	}
	ia.computed |= mask
}
