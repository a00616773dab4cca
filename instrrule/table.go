// Package instrrule implements instrumentation rules (spec.md §4.3): code
// splices attached to a patch, either registered by an embedder or
// installed by the engine itself (the memory-shadow rules, spec.md §4.10).
//
// Grounded on the teacher's debugger.BreakpointManager/WatchpointManager
// pair: a mutex-free (the engine is single-threaded per spec.md §5) table
// keyed by a monotonically increasing id, supporting registration and
// linear-scan removal, generalised here to also carry pass/position
// ordering and an applicability range.
package instrrule

import (
	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/patch"
	"github.com/tinybdi/tinybdi/rangeset"
)

// Rule is one registered instrumentation rule.
type Rule struct {
	ID uint32

	// Applicable restricts the rule to a set of guest PCs; nil means the
	// rule applies everywhere the Predicate accepts.
	Applicable *rangeset.Set

	// Predicate inspects the candidate patch (address, mnemonic, memory
	// intent, operand shape); nil means "always".
	Predicate func(p patch.Patch) bool

	Position abi.InstPosition
	Pass     abi.Pass

	// Generate produces the relocatable host instructions to splice in.
	Generate func(asm codeasm.Assembler, p patch.Patch) []codeasm.RelocInst
}

func (r Rule) appliesTo(p patch.Patch) bool {
	if r.Applicable != nil && !r.Applicable.Contains(p.Address) {
		return false
	}
	if r.Predicate != nil && !r.Predicate(p) {
		return false
	}
	return true
}

// Table holds the engine's instrumentation rule set: the pinned
// memory-shadow slots plus every rule registered via Add, applied in pass
// order and then registration order within a pass (spec.md §4.3).
type Table struct {
	pinnedPre  []Rule
	rules      []Rule
	pinnedPost []Rule

	// pinnedPostGate runs after every POST rule including pinnedPost, so a
	// gate observing a just-recorded memory-shadow write (spec.md §4.9's
	// memory-access callback gate) always sees it already in the table.
	pinnedPostGate []Rule

	nextID uint32
}

// NewTable builds an empty instrumentation rule table.
func NewTable() *Table { return &Table{} }

// Add registers r and returns its allocated id.
func (t *Table) Add(r Rule) uint32 {
	id := abi.MakeID(abi.BandInstrRule, t.nextID)
	t.nextID++
	r.ID = id
	t.rules = append(t.rules, r)
	return id
}

// PinPreFirst installs r so it always runs before every other PRE rule,
// regardless of pass (spec.md §4.3, §5's "globally first among PRE
// rules"). Used once by the engine to install the memory-shadow read rule.
func (t *Table) PinPreFirst(r Rule) uint32 {
	id := abi.MakeID(abi.BandInstrRule, t.nextID)
	t.nextID++
	r.ID = id
	t.pinnedPre = append(t.pinnedPre, r)
	return id
}

// PinPostLast installs r so it always runs after every other POST rule
// (spec.md §5's "globally last among POST rules"). Used by the engine to
// install the memory-shadow write rule and the memory-shadow size rule.
func (t *Table) PinPostLast(r Rule) uint32 {
	id := abi.MakeID(abi.BandInstrRule, t.nextID)
	t.nextID++
	r.ID = id
	t.pinnedPost = append(t.pinnedPost, r)
	return id
}

// PinPostGate installs r so it always runs after every other POST rule,
// including pinnedPost (spec.md §4.9: the VM facade's memory-access gate
// must observe a shadow entry the pinned write rule just recorded). Used
// once by the VM facade to install its memory-write gate.
func (t *Table) PinPostGate(r Rule) uint32 {
	id := abi.MakeID(abi.BandInstrRule, t.nextID)
	t.nextID++
	r.ID = id
	t.pinnedPostGate = append(t.pinnedPostGate, r)
	return id
}

// Remove deletes the rule registered under id (pinned slots are never
// removable through this call — they are engine-internal) and returns its
// applicability set so the caller can invalidate exactly that range
// (spec.md §4.3's invariant).
func (t *Table) Remove(id uint32) (*rangeset.Set, bool) {
	for i, r := range t.rules {
		if r.ID == id {
			t.rules = append(t.rules[:i], t.rules[i+1:]...)
			return r.Applicable, true
		}
	}
	return nil, false
}

// RemoveAll deletes every non-pinned rule and returns each one's
// applicability set, for the caller to invalidate in turn.
func (t *Table) RemoveAll() []*rangeset.Set {
	sets := make([]*rangeset.Set, 0, len(t.rules))
	for _, r := range t.rules {
		sets = append(sets, r.Applicable)
	}
	t.rules = nil
	return sets
}

// Instrument applies every applicable rule to each patch, in pass order
// and then registration order within a pass, splicing PRE-position code
// before the patch's existing instructions and POST-position code after,
// with the pinned memory-shadow slots bracketing everything else
// (spec.md §4.3, §4.7's instrument(patches)).
func (t *Table) Instrument(asm codeasm.Assembler, patches []patch.Patch) {
	for i := range patches {
		p := &patches[i]
		var pre, post []codeasm.RelocInst

		for _, r := range t.pinnedPre {
			if r.appliesTo(*p) {
				pre = append(pre, r.Generate(asm, *p)...)
			}
		}
		for pass := abi.PassFirst; pass <= abi.PassLast; pass++ {
			for _, r := range t.rules {
				if r.Pass != pass || !r.appliesTo(*p) {
					continue
				}
				gen := r.Generate(asm, *p)
				if r.Position == abi.PreInst {
					pre = append(pre, gen...)
				} else {
					post = append(post, gen...)
				}
			}
		}
		for _, r := range t.pinnedPost {
			if r.appliesTo(*p) {
				post = append(post, r.Generate(asm, *p)...)
			}
		}
		for _, r := range t.pinnedPostGate {
			if r.appliesTo(*p) {
				post = append(post, r.Generate(asm, *p)...)
			}
		}

		if len(pre) > 0 {
			p.Prepend(pre...)
		}
		if len(post) > 0 {
			p.Append(post...)
		}
	}
}
