package patchrule

import (
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/execblock"
	"github.com/tinybdi/tinybdi/patch"
)

// DefaultTable builds the patch rule table for the bundled reference
// instruction set. The reference ISA needs no host/guest relocation (host
// and guest coincide, spec.md Glossary's degenerate case), so the only
// patch rule is an identity rewrite: run the original instruction under
// the block's GuestExecutor and end the basic block on whatever the
// decoder already flagged as a terminator. A second rule for HALT is kept
// separate from the catch-all purely to mirror how the teacher's encoder
// special-cases control-flow mnemonics ahead of its default arithmetic
// path, even though both rules here produce the same patch shape.
func DefaultTable() *Table {
	t := NewTable()
	t.Add(Rule{
		Name:  "halt",
		Match: func(inst codeasm.Inst) bool { return inst.ControlFlow == codeasm.FlowHalt },
		Generate: func(inst codeasm.Inst, _ *patch.Patch) patch.Patch {
			return patch.New(inst, true, execblock.Guest(inst))
		},
	})
	t.Add(Rule{
		Name:  "passthrough",
		Match: func(codeasm.Inst) bool { return true },
		Generate: func(inst codeasm.Inst, _ *patch.Patch) patch.Patch {
			return patch.New(inst, inst.IsBlockTerminator(), execblock.Guest(inst))
		},
	})
	return t
}
