package execblock

import "github.com/tinybdi/tinybdi/abi"

// ShadowTag marks what a shadow slot holds, mirroring spec.md §4.4's
// MEM_READ_ADDRESS_TAG / MEM_WRITE_ADDRESS_TAG / MEM_VALUE_TAG so a pair of
// address+value entries for the same instruction can be reassembled into a
// MemoryAccess record after the fact.
type ShadowTag uint8

const (
	ShadowReadAddr ShadowTag = iota
	ShadowWriteAddr
	ShadowValue
	ShadowSize
)

// ShadowSource says which scratch slot an OpShadow reads when it fires.
type ShadowSource uint8

const (
	SourceAddr ShadowSource = iota
	SourceValue
	SourceSize
	// SourceNone records a zero placeholder instead of reading a scratch
	// slot, used when a rule flags the entry MemAccessValueDisabled and
	// must not expose whatever happens to be sitting in ScratchValue
	// (spec.md §4.10's wide vector loads/stores).
	SourceNone
)

// ShadowEntry is one recorded slot: which instruction and sequence it
// belongs to, what it tags, the value captured at the time the shadow op
// executed, and any qualifying flags the rule that recorded it attached
// (spec.md §4.10's MEM_ACCESS_UNKNOWN_VALUE / MEM_ACCESS_UNKNOWN_SIZE /
// MEM_ACCESS_VALUE_DISABLED).
type ShadowEntry struct {
	Tag    ShadowTag
	InstID uint32
	SeqID  uint32
	Value  uint64
	Flags  abi.MemAccessFlag
}

// QueryByInst returns every shadow entry recorded for instID, in recording
// order (spec.md §4.4's query_shadow_by_inst).
func (c *Context) QueryByInst(instID uint32) []ShadowEntry {
	var out []ShadowEntry
	for _, e := range c.Shadows {
		if e.InstID == instID {
			out = append(out, e)
		}
	}
	return out
}

// QueryBySeq returns every shadow entry recorded while executing seqID
// (spec.md §4.4's query_shadow_by_seq).
func (c *Context) QueryBySeq(seqID uint32) []ShadowEntry {
	var out []ShadowEntry
	for _, e := range c.Shadows {
		if e.SeqID == seqID {
			out = append(out, e)
		}
	}
	return out
}

// Shadow returns the shadow entry at idx (spec.md §4.4's get_shadow), or
// false if idx is out of range.
func (c *Context) Shadow(idx int) (ShadowEntry, bool) {
	if idx < 0 || idx >= len(c.Shadows) {
		return ShadowEntry{}, false
	}
	return c.Shadows[idx], true
}
