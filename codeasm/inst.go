package codeasm

import "github.com/tinybdi/tinybdi/abi"

// ControlFlow classifies how an instruction can change the guest PC.
type ControlFlow int

const (
	FlowSequential ControlFlow = iota
	FlowDirectBranch
	FlowIndirectBranch
	FlowCall
	FlowReturn
	FlowConditionalBranch
	FlowHalt
)

// Operand is one decoded operand of an instruction.
type Operand struct {
	Type   abi.OperandType
	Flags  abi.OperandFlag
	Access abi.RegisterAccessType
	Reg    int   // valid when Type is OperandGPR or OperandFPR
	Imm    int64 // valid when Type is OperandImm
}

// Inst is a decoded guest instruction. It is the "opaque reference to the
// original disassembled instruction" of spec.md §3's Patch definition,
// exported here because patch rules need to inspect it, not because the
// core performs decoding itself (disassembly is an external collaborator,
// spec.md §1).
type Inst struct {
	Address  uint64
	Size     uint8
	Mnemonic string
	Disasm   string
	Operands []Operand

	ReadsMemory  bool
	WritesMemory bool
	MemSize      uint8 // operand width in bytes; 0 if variable/unknown
	RepPrefixed  bool  // string-op semantics: size is a lower bound only
	VectorAccess bool  // wide vector load/store: value is not recorded

	ControlFlow  ControlFlow
	BranchTarget uint64 // valid when ControlFlow names a direct branch/call
	TargetKnown  bool
}

// IsBlockTerminator reports whether this instruction ends a basic block,
// i.e. whether a patch built from it should set Patch.ModifyPC.
func (i Inst) IsBlockTerminator() bool {
	switch i.ControlFlow {
	case FlowDirectBranch, FlowIndirectBranch, FlowCall, FlowReturn, FlowConditionalBranch, FlowHalt:
		return true
	default:
		return false
	}
}
