// Package patchrule implements patch rules (spec.md §4.2): the
// architecture-specific table the engine drives to turn one decoded guest
// instruction into a Patch.
//
// Grounded on the teacher's encoder.Encoder, whose EncodeInstruction
// dispatches on a decoded mnemonic through an ordered table of cases;
// here the dispatch runs the other direction (decode -> host patch) and
// the table is data instead of a type switch, so rules can be registered,
// reordered, and replaced by an embedder at runtime.
package patchrule

import (
	"fmt"

	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/patch"
)

// Rule is one (match_predicate, generator) pair. Generate is called once a
// rule's Match accepted a decoded instruction; prev is non-nil exactly when
// this call is the continuation of a prior patch that set Merge.
type Rule struct {
	Name     string
	Match    func(inst codeasm.Inst) bool
	Generate func(inst codeasm.Inst, prev *patch.Patch) patch.Patch
}

// Table is an ordered, architecture-specific rule table. The engine holds
// exactly one per guest architecture it targets.
type Table struct {
	rules []Rule
}

// NewTable builds an empty table.
func NewTable() *Table { return &Table{} }

// Add appends r to the end of the table. Rules are tried in the order they
// were added; the first whose Match accepts the instruction wins.
func (t *Table) Add(r Rule) { t.rules = append(t.rules, r) }

// ErrNoMatch is returned (wrapped with the offending instruction's address)
// when no rule in the table accepts a decoded instruction. spec.md §4.2
// treats this as an implementation bug, not a user error: the caller
// should treat it as fatal rather than attempt recovery.
var ErrNoMatch = fmt.Errorf("patchrule: no rule matched")

func (t *Table) apply(inst codeasm.Inst, prev *patch.Patch) (patch.Patch, error) {
	for _, r := range t.rules {
		if r.Match(inst) {
			return r.Generate(inst, prev), nil
		}
	}
	return patch.Patch{}, fmt.Errorf("%w: instruction %q at 0x%x", ErrNoMatch, inst.Mnemonic, inst.Address)
}

// CodeFetcher returns up to maxLen bytes of guest code starting at addr,
// the decoding window the engine's assembler facade reads from.
type CodeFetcher func(addr uint64, maxLen int) ([]byte, error)

// decodeWindow is generous enough for any instruction width a bundled or
// plausible embedder ISA would use; Disassemble only consumes what it needs.
const decodeWindow = 16

// BuildBasicBlock implements spec.md §4.7's patch(start): decode
// instructions from start via asm, run each through the table, honour
// Merge by feeding the next decoded instruction back in and composing the
// two patches, and stop once a patch sets ModifyPC.
func (t *Table) BuildBasicBlock(asm codeasm.Assembler, fetch CodeFetcher, start uint64) ([]patch.Patch, error) {
	var patches []patch.Patch
	addr := start

	decodeAt := func(at uint64) (codeasm.Inst, error) {
		code, err := fetch(at, decodeWindow)
		if err != nil {
			return codeasm.Inst{}, fmt.Errorf("patchrule: fetch at 0x%x: %w", at, err)
		}
		inst, err := asm.Disassemble(code, at)
		if err != nil {
			return codeasm.Inst{}, fmt.Errorf("patchrule: decode at 0x%x: %w (fatal)", at, err)
		}
		return inst, nil
	}

	for {
		inst, err := decodeAt(addr)
		if err != nil {
			return nil, err
		}
		p, err := t.apply(inst, nil)
		if err != nil {
			return nil, err
		}
		addr += uint64(inst.Size)

		if p.Merge {
			next, err := decodeAt(addr)
			if err != nil {
				return nil, err
			}
			nextPatch, err := t.apply(next, &p)
			if err != nil {
				return nil, err
			}
			addr += uint64(next.Size)
			p = patch.Merged(p, nextPatch)
		}

		patches = append(patches, p)
		if p.ModifyPC {
			return patches, nil
		}
	}
}
