package codeasm

// RelocInst is a host instruction whose encoding is not yet fixed: any
// immediate or memory reference that depends on where the instruction
// finally lands in the RX arena is resolved by Finalize once the block
// manager has picked a load address (spec.md §3, "relocatable host
// instructions... finalised against a load address at emit time").
type RelocInst interface {
	// Size returns the number of bytes this instruction occupies once
	// finalised. patch.Patch.Size sums it; the block manager splits
	// sequences by op count instead and does not call it.
	Size() int
	// Finalize resolves the instruction against its load address and
	// returns the final host bytes.
	Finalize(loadAddr uint64) []byte
}

// Raw is a RelocInst whose bytes need no adjustment.
type Raw struct {
	Bytes []byte
}

func (r Raw) Size() int { return len(r.Bytes) }

func (r Raw) Finalize(uint64) []byte {
	out := make([]byte, len(r.Bytes))
	copy(out, r.Bytes)
	return out
}

// PCRelative is a RelocInst carrying a guest-address target that must be
// re-expressed relative to wherever the instruction is finally placed, e.g.
// a translated direct branch.
type PCRelative struct {
	Bytes      []byte // template; bytes[Offset:Offset+8] hold the placeholder
	Offset     int
	TargetAddr uint64
	Encode     func(loadAddr, targetAddr uint64) []byte // overrides Offset-based patch when set
}

func (p PCRelative) Size() int { return len(p.Bytes) }

func (p PCRelative) Finalize(loadAddr uint64) []byte {
	if p.Encode != nil {
		return p.Encode(loadAddr, p.TargetAddr)
	}
	out := make([]byte, len(p.Bytes))
	copy(out, p.Bytes)
	delta := uint64(int64(p.TargetAddr) - int64(loadAddr))
	for i := 0; i < 8 && p.Offset+i < len(out); i++ {
		out[p.Offset+i] = byte(delta >> (8 * i))
	}
	return out
}
