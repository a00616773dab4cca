package codeasm

import (
	"encoding/binary"
	"fmt"

	"github.com/tinybdi/tinybdi/abi"
)

// The bundled reference instruction set is a tiny fixed-width register
// machine used only by tests and examples. It stands in for the
// architecture-specific disassembler tables spec.md §1 explicitly scopes
// out of the core: production embedders supply their own Assembler against
// a real ISA, the same way the teacher's encoder package is the concrete
// ARM2 encoding the debugger/vm packages never hard-code directly.

// Op is a reference-ISA opcode.
type Op byte

const (
	OpNop Op = iota
	OpMovImm
	OpAdd
	OpSub
	OpAddImm
	OpLoad
	OpStore
	OpBranch
	OpBranchZero
	OpBranchNotZero
	OpBranchNeg
	OpCall
	OpRet
	OpHalt
	// OpLoadRep and OpStoreRep are REP-prefixed string-style accesses: Imm
	// carries a word count rather than a byte offset, and the access's true
	// size is known only once it finishes (spec.md §4.10).
	OpLoadRep
	OpStoreRep
	// OpVecLoad and OpVecStore are wide vector accesses whose value the
	// shadow-recording rules must not capture (spec.md §4.10).
	OpVecLoad
	OpVecStore
)

// VecWidth is the width, in bytes, of a reference-ISA vector access.
const VecWidth = 32

// InstSize is the fixed width, in bytes, of every reference-ISA instruction.
const InstSize = 8

// Inst3 packs (opcode, rd, rs1, rs2, imm32) into InstSize bytes:
// byte0=op byte1=rd byte2=rs1 byte3=rs2 bytes4..7=int32 immediate (LE).
type Inst3 struct {
	Op       Op
	Rd       byte
	Rs1      byte
	Rs2      byte
	Imm      int32
}

// Encode serialises one reference-ISA instruction.
func (i Inst3) Encode() []byte {
	b := make([]byte, InstSize)
	b[0] = byte(i.Op)
	b[1] = i.Rd
	b[2] = i.Rs1
	b[3] = i.Rs2
	binary.LittleEndian.PutUint32(b[4:], uint32(i.Imm))
	return b
}

// Assemble concatenates a sequence of instructions into a guest byte
// stream, the way encoder.Encoder lays out one EncodeInstruction result
// after another.
func Assemble(insts []Inst3) []byte {
	out := make([]byte, 0, len(insts)*InstSize)
	for _, in := range insts {
		out = append(out, in.Encode()...)
	}
	return out
}

func mnemonic(op Op) string {
	switch op {
	case OpNop:
		return "NOP"
	case OpMovImm:
		return "MOVI"
	case OpAdd:
		return "ADD"
	case OpSub:
		return "SUB"
	case OpAddImm:
		return "ADDI"
	case OpLoad:
		return "LOAD"
	case OpStore:
		return "STORE"
	case OpBranch:
		return "B"
	case OpBranchZero:
		return "BZ"
	case OpBranchNotZero:
		return "BNZ"
	case OpBranchNeg:
		return "BNEG"
	case OpCall:
		return "CALL"
	case OpRet:
		return "RET"
	case OpHalt:
		return "HALT"
	case OpLoadRep:
		return "LOADS"
	case OpStoreRep:
		return "STORES"
	case OpVecLoad:
		return "VLOAD"
	case OpVecStore:
		return "VSTORE"
	default:
		return "UNKNOWN"
	}
}

// TestAssembler implements Assembler over the reference instruction set.
type TestAssembler struct{}

func (TestAssembler) Disassemble(code []byte, address uint64) (Inst, error) {
	if len(code) < InstSize {
		return Inst{}, ErrShortBuffer
	}
	op := Op(code[0])
	rd := int(code[1])
	rs1 := int(code[2])
	rs2 := int(code[3])
	imm := int32(binary.LittleEndian.Uint32(code[4:8]))

	inst := Inst{
		Address:  address,
		Size:     InstSize,
		Mnemonic: mnemonic(op),
	}

	switch op {
	case OpNop:
		// no operands
	case OpMovImm:
		inst.Operands = []Operand{
			{Type: abi.OperandGPR, Access: abi.RegWrite, Reg: rd},
			{Type: abi.OperandImm, Imm: int64(imm)},
		}
	case OpAdd, OpSub:
		inst.Operands = []Operand{
			{Type: abi.OperandGPR, Access: abi.RegWrite, Reg: rd},
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs1},
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs2},
		}
	case OpAddImm:
		inst.Operands = []Operand{
			{Type: abi.OperandGPR, Access: abi.RegWrite, Reg: rd},
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs1},
			{Type: abi.OperandImm, Imm: int64(imm)},
		}
	case OpLoad:
		inst.ReadsMemory = true
		inst.MemSize = 8
		inst.Operands = []Operand{
			{Type: abi.OperandGPR, Access: abi.RegWrite, Reg: rd},
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs1, Flags: abi.OperandFlagAddr},
			{Type: abi.OperandImm, Imm: int64(imm)},
		}
	case OpStore:
		inst.WritesMemory = true
		inst.MemSize = 8
		inst.Operands = []Operand{
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs1, Flags: abi.OperandFlagAddr},
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs2},
			{Type: abi.OperandImm, Imm: int64(imm)},
		}
	case OpBranch:
		inst.ControlFlow = FlowDirectBranch
		inst.BranchTarget = uint64(int64(imm))
		inst.TargetKnown = true
	case OpBranchZero, OpBranchNotZero, OpBranchNeg:
		inst.ControlFlow = FlowConditionalBranch
		inst.BranchTarget = uint64(int64(imm))
		inst.TargetKnown = true
		inst.Operands = []Operand{{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs1}}
	case OpCall:
		inst.ControlFlow = FlowCall
		inst.BranchTarget = uint64(int64(imm))
		inst.TargetKnown = true
	case OpRet:
		inst.ControlFlow = FlowReturn
	case OpHalt:
		inst.ControlFlow = FlowHalt
	case OpLoadRep:
		inst.ReadsMemory = true
		inst.RepPrefixed = true
		inst.Operands = []Operand{
			{Type: abi.OperandGPR, Access: abi.RegWrite, Reg: rd},
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs1, Flags: abi.OperandFlagAddr},
			{Type: abi.OperandImm, Imm: int64(imm)},
		}
	case OpStoreRep:
		inst.WritesMemory = true
		inst.RepPrefixed = true
		inst.Operands = []Operand{
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs1, Flags: abi.OperandFlagAddr},
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs2},
			{Type: abi.OperandImm, Imm: int64(imm)},
		}
	case OpVecLoad:
		inst.ReadsMemory = true
		inst.VectorAccess = true
		inst.MemSize = VecWidth
		inst.Operands = []Operand{
			{Type: abi.OperandGPR, Access: abi.RegWrite, Reg: rd},
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs1, Flags: abi.OperandFlagAddr},
			{Type: abi.OperandImm, Imm: int64(imm)},
		}
	case OpVecStore:
		inst.WritesMemory = true
		inst.VectorAccess = true
		inst.MemSize = VecWidth
		inst.Operands = []Operand{
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs1, Flags: abi.OperandFlagAddr},
			{Type: abi.OperandGPR, Access: abi.RegRead, Reg: rs2},
			{Type: abi.OperandImm, Imm: int64(imm)},
		}
	default:
		return Inst{}, ErrUnknownOpcode
	}

	inst.Disasm = TestAssembler{}.PrintDisassembly(inst)
	return inst, nil
}

func (TestAssembler) PrintDisassembly(inst Inst) string {
	switch inst.ControlFlow {
	case FlowDirectBranch, FlowConditionalBranch, FlowCall:
		return fmt.Sprintf("%s 0x%x", inst.Mnemonic, inst.BranchTarget)
	default:
		return inst.Mnemonic
	}
}
