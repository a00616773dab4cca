package execblock

import (
	"fmt"

	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/patch"
	"github.com/tinybdi/tinybdi/rangeset"
)

// MaxOpsPerSequence bounds how many ops a single sequence's RX arena holds
// before write_basic_block starts a new one, linked by an intra-block jump
// (spec.md §4.4).
const MaxOpsPerSequence = 64

// SeqType flags mark which block-level events a sequence's boundaries also
// produce, in addition to its own SEQUENCE_ENTRY/SEQUENCE_EXIT.
type SeqType uint8

const (
	SeqEntry SeqType = 1 << iota
	SeqExit
)

// Sequence is one contiguous run of ops inside a Block's RX arena.
type Sequence struct {
	Ops            []Op
	Type           SeqType
	StartGuestAddr uint64
}

type instEntry struct {
	Addr uint64
	Orig codeasm.Inst
}

// Block is a translated basic block: an immutable RX arena of Sequences
// plus the side tables needed to map back from a position in it to guest
// state, together with the RW Context translated code runs against
// (spec.md §3, §4.4).
type Block struct {
	GuestRange rangeset.Range

	Sequences []Sequence

	instByID   map[uint32]instEntry
	addrToInst map[uint64]uint32

	Context Context

	sealed        bool
	currentSeqID  uint32
	currentInstID uint32
}

// New builds an empty, unsealed block ready for WriteBasicBlock.
func New() *Block {
	return &Block{
		instByID:   make(map[uint32]instEntry),
		addrToInst: make(map[uint64]uint32),
	}
}

// WriteBasicBlock materialises a fully patched and instrumented basic block
// (patches already carry any instrumentation rule splices) into the RX
// arena, subdividing into sequences as capacity requires, and seals the
// block against further writes (spec.md §4.4, §4.7 step c).
func (b *Block) WriteBasicBlock(patches []patch.Patch) error {
	if b.sealed {
		return fmt.Errorf("execblock: block already sealed")
	}
	if len(patches) == 0 {
		return fmt.Errorf("execblock: cannot write an empty basic block")
	}

	var instID uint32
	var current []Op
	currentStart := patches[0].Address

	flush := func(jumpTo int) {
		if jumpTo >= 0 {
			current = append(current, seqJump(jumpTo))
		}
		b.Sequences = append(b.Sequences, Sequence{
			Ops:            current,
			StartGuestAddr: currentStart,
		})
		current = nil
	}

	for i, p := range patches {
		id := instID
		instID++
		b.instByID[id] = instEntry{Addr: p.Address, Orig: p.Orig}
		b.addrToInst[p.Address] = id

		ops := make([]Op, 0, len(p.Insts))
		for _, ri := range p.Insts {
			op, ok := ri.(Op)
			if !ok {
				return fmt.Errorf("execblock: patch at 0x%x contains a relocatable instruction not produced by execblock", p.Address)
			}
			op.InstID = id
			ops = append(ops, op)
		}

		if len(current) > 0 && len(current)+len(ops) > MaxOpsPerSequence {
			nextSeq := len(b.Sequences) + 1
			flush(nextSeq)
			currentStart = p.Address
		}
		current = append(current, ops...)

		if i == len(patches)-1 {
			flush(-1)
		}
	}

	if len(b.Sequences) == 0 {
		return fmt.Errorf("execblock: no sequences produced for basic block")
	}
	b.Sequences[0].Type |= SeqEntry
	b.Sequences[len(b.Sequences)-1].Type |= SeqExit

	first := patches[0].Address
	last := patches[len(patches)-1]
	b.GuestRange = rangeset.NewRange(first, last.Address+uint64(last.InstSize))
	b.sealed = true
	return nil
}

// GetSeqLoc finds the sequence, if any, that begins exactly at guestAddr —
// either the block's own entry or an interior sequence boundary a loop
// back-edge can re-enter at (spec.md §4.5's get_seq_loc).
func (b *Block) GetSeqLoc(guestAddr uint64) (seqID int, found bool) {
	for i, seq := range b.Sequences {
		if seq.StartGuestAddr == guestAddr {
			return i, true
		}
	}
	return 0, false
}

// Execute interprets the ops of sequence seqID against exec and mem,
// returning the action the engine should take and the resulting guest PC
// (spec.md §4.4's execute; CONTINUE/BREAK_TO_VM/STOP reuse abi.VMAction).
func (b *Block) Execute(seqID int, exec codeasm.GuestExecutor, mem codeasm.Memory) (abi.VMAction, uint64, error) {
	if seqID < 0 || seqID >= len(b.Sequences) {
		return abi.Stop, 0, fmt.Errorf("execblock: sequence %d out of range", seqID)
	}
	b.currentSeqID = uint32(seqID)
	seq := b.Sequences[seqID]

	for _, op := range seq.Ops {
		b.currentInstID = op.InstID

		switch op.Kind {
		case OpGuest:
			res, err := exec.Step(mem, &b.Context.GPR, &b.Context.FPR, op.GuestInst)
			if err != nil {
				return abi.Stop, 0, err
			}
			if res.MemAccessed {
				b.Context.ScratchAddr = res.MemAddr
				b.Context.ScratchValue = res.MemValue
				b.Context.ScratchSize = res.MemSize
			}
			if res.Halted {
				return abi.Stop, b.Context.GPR.PC, nil
			}
			if res.BranchTaken {
				b.Context.GPR.PC = res.BranchTarget
				return abi.Continue, res.BranchTarget, nil
			}
			b.Context.GPR.PC = op.GuestInst.Address + uint64(op.GuestInst.Size)

		case OpCallback:
			action := b.Context.Dispatch(op.CallbackID)
			if action == abi.BreakToVM || action == abi.Stop {
				return action, b.Context.GPR.PC, nil
			}

		case OpShadow:
			var v uint64
			switch op.ShadowSource {
			case SourceAddr:
				v = b.Context.ScratchAddr
			case SourceValue:
				v = b.Context.ScratchValue
			case SourceSize:
				v = b.Context.ScratchSize
			case SourceNone:
				v = 0
			}
			b.Context.Shadows = append(b.Context.Shadows, ShadowEntry{
				Tag: op.ShadowTag, InstID: b.currentInstID, SeqID: b.currentSeqID, Value: v, Flags: op.ShadowFlags,
			})

		case OpEffAddr:
			b.Context.ScratchAddr = uint64(int64(b.Context.GPR.R[op.EffBase]) + op.EffImm)

		case OpMemLoadShadow:
			v, err := mem.ReadWord(b.Context.ScratchAddr)
			if err != nil {
				return abi.Stop, 0, err
			}
			b.Context.ScratchValue = v
			b.Context.Shadows = append(b.Context.Shadows, ShadowEntry{
				Tag: ShadowValue, InstID: b.currentInstID, SeqID: b.currentSeqID, Value: v, Flags: op.ShadowFlags,
			})

		case OpSeqJump:
			return b.Execute(op.JumpSeq, exec, mem)
		}
	}
	return abi.Continue, b.Context.GPR.PC, nil
}

// GetSeqType reports the SeqType flags of sequence seqID (spec.md §4.4).
func (b *Block) GetSeqType(seqID int) (SeqType, bool) {
	if seqID < 0 || seqID >= len(b.Sequences) {
		return 0, false
	}
	return b.Sequences[seqID].Type, true
}

// GetInstAddress returns the guest address instID was decoded from
// (spec.md §4.4's get_inst_address).
func (b *Block) GetInstAddress(instID uint32) (uint64, bool) {
	e, ok := b.instByID[instID]
	return e.Addr, ok
}

// GetOriginalInst returns the original decoded guest instruction for instID
// (spec.md §4.4's get_original_mc_inst).
func (b *Block) GetOriginalInst(instID uint32) (codeasm.Inst, bool) {
	e, ok := b.instByID[instID]
	return e.Orig, ok
}

// GetCurrentInstID returns the instruction id Execute most recently ran
// (spec.md §4.4's get_current_inst_id).
func (b *Block) GetCurrentInstID() uint32 { return b.currentInstID }

// GetCurrentSeqID returns the sequence id Execute is currently running
// within (spec.md §4.4's get_current_seq_id).
func (b *Block) GetCurrentSeqID() uint32 { return b.currentSeqID }

// NumSequences reports how many sequences the block was split into.
func (b *Block) NumSequences() int { return len(b.Sequences) }
