// Package patch defines the translated form of a single guest instruction:
// the unit patch rules (package patchrule) produce and instrumentation
// rules (package instrrule) annotate before an execblock.Block materialises
// them into host code.
package patch

import "github.com/tinybdi/tinybdi/codeasm"

// Patch is a rewritten form of one guest instruction as an ordered list of
// host instructions (spec.md §3, Glossary).
type Patch struct {
	Address  uint64
	InstSize uint8

	// Orig is kept for analysis: InstAnalysis is built from it on demand.
	Orig codeasm.Inst

	// ModifyPC is true iff this instruction ends a basic block.
	ModifyPC bool

	// Merge is true iff this patch must be merged with the next one: the
	// following decoded instruction is fed back into the patch rule table
	// and the two generated patches are composed (spec.md §4.2).
	Merge bool

	// Insts is the ordered sequence of relocatable host instructions this
	// patch has accumulated so far, starting with whatever the patch rule
	// that produced it emitted and growing as instrumentation rules splice
	// in PRE/POST code (spec.md §4.3).
	Insts []codeasm.RelocInst
}

// New builds a Patch with no instrumentation yet spliced in.
func New(orig codeasm.Inst, modifyPC bool, insts ...codeasm.RelocInst) Patch {
	return Patch{
		Address:  orig.Address,
		InstSize: orig.Size,
		Orig:     orig,
		ModifyPC: modifyPC,
		Insts:    append([]codeasm.RelocInst{}, insts...),
	}
}

// Size returns the total host-byte footprint of the patch as currently
// assembled. execblock.Block does not consult it: sequences are split by op
// count (execblock.MaxOpsPerSequence).
func (p Patch) Size() int {
	total := 0
	for _, in := range p.Insts {
		total += in.Size()
	}
	return total
}

// InsertAt splices relocatable instructions into the patch at position idx,
// used by instrumentation rules to place PRE code before the original
// instruction's host instructions and POST code after them. idx indexes
// Insts as it currently stands and is clamped to [0, len(Insts)].
func (p *Patch) InsertAt(idx int, insts ...codeasm.RelocInst) {
	if idx < 0 {
		idx = 0
	}
	if idx > len(p.Insts) {
		idx = len(p.Insts)
	}
	grown := make([]codeasm.RelocInst, 0, len(p.Insts)+len(insts))
	grown = append(grown, p.Insts[:idx]...)
	grown = append(grown, insts...)
	grown = append(grown, p.Insts[idx:]...)
	p.Insts = grown
}

// Append adds relocatable instructions to the end of the patch.
func (p *Patch) Append(insts ...codeasm.RelocInst) {
	p.Insts = append(p.Insts, insts...)
}

// Prepend adds relocatable instructions to the start of the patch.
func (p *Patch) Prepend(insts ...codeasm.RelocInst) {
	p.InsertAt(0, insts...)
}

// Merged composes next onto p: p's own instructions are kept, next's
// instructions are appended, and the resulting patch's metadata (address
// provenance excepted) comes from next, since next is the instruction that
// actually ends the merged pair unless it too requests a merge.
func Merged(first, next Patch) Patch {
	out := Patch{
		Address:  first.Address,
		InstSize: first.InstSize + next.InstSize,
		Orig:     next.Orig,
		ModifyPC: next.ModifyPC,
		Merge:    next.Merge,
	}
	out.Insts = append(out.Insts, first.Insts...)
	out.Insts = append(out.Insts, next.Insts...)
	return out
}
