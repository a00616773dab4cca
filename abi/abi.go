// Package abi holds the small set of enumerations whose numeric values are
// part of the engine's ABI: they are handed back to callers (and, in a full
// binding, across a language boundary) and must never be renumbered.
package abi

// VMAction is returned by every user callback to tell the engine how to
// proceed after the callback runs.
type VMAction int32

const (
	Continue   VMAction = 0
	BreakToVM  VMAction = 1
	Stop       VMAction = 2
)

// InstPosition says whether instrumentation runs before or after the
// instruction it is attached to.
type InstPosition int32

const (
	PreInst  InstPosition = 0
	PostInst InstPosition = 1
)

// Pass numbers instrumentation rules within a position; rules run in pass
// order FIRST..LAST, then in registration order within a pass.
type Pass int32

const (
	PassFirst Pass = 0
	PassLast  Pass = 7
)

// VMEvent is a bitmask of engine-raised events.
type VMEvent uint32

const (
	SequenceEntry    VMEvent = 1 << 0
	SequenceExit     VMEvent = 1 << 1
	BasicBlockEntry  VMEvent = 1 << 2
	BasicBlockExit   VMEvent = 1 << 3
	BasicBlockNew    VMEvent = 1 << 4
	ExecTransferCall VMEvent = 1 << 5
	ExecTransferRet  VMEvent = 1 << 6
	SyscallEntry     VMEvent = 1 << 7 // reserved, never raised (spec.md §9 open question)
	SyscallExit      VMEvent = 1 << 8 // reserved, never raised
	Signal           VMEvent = 1 << 9 // reserved, never raised

	NoEvent  VMEvent = 0
	AnyEvent VMEvent = 0x3FF
)

// MemoryAccessType classifies a recorded memory access.
type MemoryAccessType int32

const (
	MemRead      MemoryAccessType = 1
	MemWrite     MemoryAccessType = 2
	MemReadWrite MemoryAccessType = 3
)

// MemAccessFlag qualifies a MemoryAccess record.
type MemAccessFlag uint32

const (
	MemAccessNone           MemAccessFlag = 0
	MemAccessUnknownValue   MemAccessFlag = 1 << 0 // value wider than a word
	MemAccessUnknownSize    MemAccessFlag = 1 << 1 // REP-prefixed string op, size is a lower bound
	MemAccessValueDisabled  MemAccessFlag = 1 << 2 // value recording was disabled for this access
)

// AnalysisType is a bitmask selecting which fields of an InstAnalysis to
// compute and cache.
type AnalysisType uint32

const (
	AnalysisInstruction  AnalysisType = 1 << 0
	AnalysisDisassembly  AnalysisType = 1 << 1
	AnalysisOperands     AnalysisType = 1 << 2
	AnalysisSymbol       AnalysisType = 1 << 3
)

// OperandType classifies one decoded operand.
type OperandType int32

const (
	OperandInvalid OperandType = iota
	OperandImm
	OperandGPR
	OperandPred
	OperandFPR
	OperandSeg
)

// OperandFlag qualifies an operand.
type OperandFlag uint32

const (
	OperandFlagNone             OperandFlag = 0
	OperandFlagAddr             OperandFlag = 1 << 0
	OperandFlagPCRel            OperandFlag = 1 << 1
	OperandFlagUndefinedEffect  OperandFlag = 1 << 2
)

// RegisterAccessType describes how an operand uses a register.
type RegisterAccessType int32

const (
	RegUnused    RegisterAccessType = 0
	RegRead      RegisterAccessType = 1
	RegWrite     RegisterAccessType = 2
	RegReadWrite RegisterAccessType = 3
)

// Options is a bitfield of VM construction options, mirrored from
// QBDI/Options.h. OptDisableLocalMonitor and OptDisableD16D31 are recorded
// and reported back but, like spec.md §9's other open questions, have no
// further behavioural effect in this core — they are placeholders for the
// architecture-specific code the spec excludes.
type Options uint32

const (
	OptNone                  Options = 0
	OptDisableFPR            Options = 1 << 0
	OptDisableOptionalFPR    Options = 1 << 1
	OptDisableLocalMonitor   Options = 1 << 2
	OptDisableD16D31         Options = 1 << 3
)

// InvalidEventID is returned by a registration call that failed.
const InvalidEventID uint32 = 0xFFFFFFFF

// ID band partitioning (spec.md §6): the top two bits of a callback ID
// identify which registry it belongs to.
const (
	idBandMask           uint32 = 0xC0000000
	idBandInstrRule      uint32 = 0x00000000
	idBandVMEvent        uint32 = 0x40000000
	idBandMemRange       uint32 = 0x80000000
	idBandMax            uint32 = 0x3FFFFFFF
)

// IDBand identifies which registry a callback ID belongs to.
type IDBand int

const (
	BandInstrRule IDBand = iota
	BandVMEvent
	BandMemRange
	BandInvalid
)

// MakeID tags a band-local counter value (which must fit in 30 bits) with
// its band, producing a stable public ID.
func MakeID(band IDBand, counter uint32) uint32 {
	if counter > idBandMax {
		panic("abi: id counter overflowed its 30-bit band")
	}
	switch band {
	case BandInstrRule:
		return idBandInstrRule | counter
	case BandVMEvent:
		return idBandVMEvent | counter
	case BandMemRange:
		return idBandMemRange | counter
	default:
		panic("abi: unknown id band")
	}
}

// BandOf reports which band id was allocated from.
func BandOf(id uint32) IDBand {
	if id == InvalidEventID {
		return BandInvalid
	}
	switch id & idBandMask {
	case idBandInstrRule:
		return BandInstrRule
	case idBandVMEvent:
		return BandVMEvent
	case idBandMemRange:
		return BandMemRange
	default:
		return BandInvalid
	}
}

// Counter strips the band tag, returning the band-local counter value.
func Counter(id uint32) uint32 {
	return id &^ idBandMask
}
