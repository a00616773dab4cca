package execblock

import (
	"encoding/binary"

	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
)

// OpKind selects which of the core's small, architecture-agnostic host
// operations an Op performs.
type OpKind uint8

const (
	// OpGuest re-executes the original guest instruction this patch was
	// built from, via the GuestExecutor the block was given.
	OpGuest OpKind = iota
	// OpCallback invokes a registered instrumentation callback.
	OpCallback
	// OpShadow records a scratch value into the shadow slot table.
	OpShadow
	// OpEffAddr computes base+imm into the ScratchAddr slot.
	OpEffAddr
	// OpMemLoadShadow reads guest memory at ScratchAddr ahead of the
	// original instruction running, recording the value into a
	// ShadowValue-tagged slot and into ScratchValue. Used by the PRE
	// memory-shadow rule, which must capture a read's value before the
	// instruction that performs it has executed (spec.md §4.10).
	OpMemLoadShadow
	// OpSeqJump ends the current sequence with an intra-block jump to
	// another sequence, used when a basic block overflows one sequence's
	// capacity (spec.md §4.4).
	OpSeqJump
)

// Op is the only relocatable host instruction the core ever emits itself
// (patch rules reuse it too, via Guest, for the unmodified original
// instruction). It satisfies codeasm.RelocInst so it can sit directly in a
// patch.Patch's Insts slice alongside whatever else a patch rule or
// instrumentation rule produces.
type Op struct {
	Kind OpKind

	GuestInst codeasm.Inst // OpGuest: the original instruction to re-execute

	// InstID is the enclosing patch's instruction id, stamped onto every op
	// of the patch (not just its OpGuest) by Block.WriteBasicBlock. A PRE
	// splice needs its id before the Guest op it brackets has run, so the
	// id is assigned per patch up front rather than discovered at OpGuest
	// execution time.
	InstID uint32

	CallbackID uint32 // OpCallback

	ShadowTag    ShadowTag        // OpShadow
	ShadowSource ShadowSource     // OpShadow
	ShadowFlags  abi.MemAccessFlag // OpShadow, OpMemLoadShadow: qualifies the recorded entry (spec.md §4.10)

	EffBase int   // OpEffAddr: GPR index
	EffImm  int64 // OpEffAddr: signed offset

	JumpSeq int // OpSeqJump: target sequence index within the same block
}

// Guest marks the point in a patch where inst's original semantics run.
// patchrule.Table uses this to build the baseline patch for every decoded
// instruction. A merged patch (spec.md §4.2) carries one Guest op per
// original instruction it composes, each with its own inst so execution
// stays correct regardless of merging; Block.WriteBasicBlock still treats
// the whole patch as one logical instruction id for shadow-query and
// get_inst_address purposes, matching patch.Patch.Orig's choice of the
// merge's canonical instruction.
func Guest(inst codeasm.Inst) Op { return Op{Kind: OpGuest, GuestInst: inst} }

// Callback invokes the instrumentation callback registered under id.
func Callback(id uint32) Op { return Op{Kind: OpCallback, CallbackID: id} }

// Shadow records src into a new shadow slot tagged tag, qualified by flags
// (spec.md §4.10; abi.MemAccessNone for an unqualified entry).
func Shadow(tag ShadowTag, src ShadowSource, flags abi.MemAccessFlag) Op {
	return Op{Kind: OpShadow, ShadowTag: tag, ShadowSource: src, ShadowFlags: flags}
}

// EffAddr computes GPR[baseReg]+imm into the context's ScratchAddr slot,
// used ahead of a Shadow(ShadowReadAddr/WriteAddr, SourceAddr) pair to
// capture a memory instruction's effective address (spec.md §4.10).
func EffAddr(baseReg int, imm int64) Op {
	return Op{Kind: OpEffAddr, EffBase: baseReg, EffImm: imm}
}

// MemLoadShadow reads guest memory at the previously computed ScratchAddr
// and records the value as a ShadowValue entry qualified by flags.
func MemLoadShadow(flags abi.MemAccessFlag) Op { return Op{Kind: OpMemLoadShadow, ShadowFlags: flags} }

func seqJump(target int) Op { return Op{Kind: OpSeqJump, JumpSeq: target} }

// Size reports the op's footprint in the arena. Every Op occupies one slot;
// the arena's notion of "size" (used to decide whether a sequence still has
// room) counts ops, not bytes, since there is no real machine code to size.
func (o Op) Size() int { return 1 }

// Finalize renders a deterministic, inspectable encoding of the op. Nothing
// in the core re-parses this byte form to execute the op — Block.Execute
// interprets the Op value directly — but it gives disassembly/tracing
// tooling something concrete to print, the same role the teacher's
// encoder gives to an assembled instruction's raw bytes.
func (o Op) Finalize(loadAddr uint64) []byte {
	buf := make([]byte, 14)
	buf[0] = byte(o.Kind)
	switch o.Kind {
	case OpGuest:
		binary.LittleEndian.PutUint32(buf[1:], o.InstID)
	case OpCallback:
		binary.LittleEndian.PutUint32(buf[1:], o.CallbackID)
	case OpShadow:
		buf[1] = byte(o.ShadowTag)
		buf[2] = byte(o.ShadowSource)
		binary.LittleEndian.PutUint32(buf[3:7], uint32(o.ShadowFlags))
	case OpEffAddr:
		buf[1] = byte(o.EffBase)
		binary.LittleEndian.PutUint64(buf[2:10], uint64(o.EffImm))
	case OpMemLoadShadow:
		binary.LittleEndian.PutUint32(buf[1:5], uint32(o.ShadowFlags))
	case OpSeqJump:
		binary.LittleEndian.PutUint32(buf[1:], uint32(o.JumpSeq))
	}
	return buf
}
