package codeasm

import "fmt"

// SPReg is the reference ISA's stack pointer register, used by CALL/RET to
// push and pop a return address. Nothing about the core depends on this
// choice; it is purely a convention of the bundled reference executor.
const SPReg = NumGPR - 1

// TestExecutor implements GuestExecutor for the reference instruction set,
// grounded on the teacher's vm.Executor: a switch dispatching on the
// decoded mnemonic, reading and writing the same register-file struct the
// disassembler decorated operands against.
type TestExecutor struct{}

func operandReg(inst Inst, i int) int { return inst.Operands[i].Reg }
func operandImm(inst Inst, i int) int64 { return inst.Operands[i].Imm }

func (TestExecutor) Step(mem Memory, gpr *GPRState, fpr *FPRState, inst Inst) (StepResult, error) {
	switch inst.Mnemonic {
	case "NOP":
		return StepResult{}, nil

	case "MOVI":
		gpr.R[operandReg(inst, 0)] = uint64(operandImm(inst, 1))
		return StepResult{}, nil

	case "ADD":
		gpr.R[operandReg(inst, 0)] = gpr.R[operandReg(inst, 1)] + gpr.R[operandReg(inst, 2)]
		return StepResult{}, nil

	case "SUB":
		gpr.R[operandReg(inst, 0)] = gpr.R[operandReg(inst, 1)] - gpr.R[operandReg(inst, 2)]
		return StepResult{}, nil

	case "ADDI":
		rs1 := gpr.R[operandReg(inst, 1)]
		gpr.R[operandReg(inst, 0)] = uint64(int64(rs1) + operandImm(inst, 2))
		return StepResult{}, nil

	case "LOAD":
		base := gpr.R[operandReg(inst, 1)]
		addr := uint64(int64(base) + operandImm(inst, 2))
		val, err := mem.ReadWord(addr)
		if err != nil {
			return StepResult{}, err
		}
		gpr.R[operandReg(inst, 0)] = val
		return StepResult{MemAccessed: true, MemAddr: addr, MemValue: val, MemSize: uint64(inst.MemSize)}, nil

	case "STORE":
		base := gpr.R[operandReg(inst, 0)]
		addr := uint64(int64(base) + operandImm(inst, 2))
		val := gpr.R[operandReg(inst, 1)]
		if err := mem.WriteWord(addr, val); err != nil {
			return StepResult{}, err
		}
		return StepResult{MemAccessed: true, MemAddr: addr, MemValue: val, MemSize: uint64(inst.MemSize)}, nil

	case "LOADS":
		// REP-prefixed word-at-a-time read: touches count consecutive words
		// starting at [rs1], leaving the last one loaded into rd. Only the
		// first address/value pair and the total byte count are shadowed
		// (spec.md §4.10); the repeated reads themselves are not recorded.
		base := gpr.R[operandReg(inst, 1)]
		count := operandImm(inst, 2)
		var last uint64
		for i := int64(0); i < count; i++ {
			v, err := mem.ReadWord(base + uint64(i)*8)
			if err != nil {
				return StepResult{}, err
			}
			last = v
		}
		gpr.R[operandReg(inst, 0)] = last
		return StepResult{MemAccessed: true, MemAddr: base, MemValue: last, MemSize: uint64(count) * 8}, nil

	case "STORES":
		// REP-prefixed word-at-a-time write: stores rs2 into count
		// consecutive words starting at [rs1].
		base := gpr.R[operandReg(inst, 0)]
		val := gpr.R[operandReg(inst, 1)]
		count := operandImm(inst, 2)
		for i := int64(0); i < count; i++ {
			if err := mem.WriteWord(base+uint64(i)*8, val); err != nil {
				return StepResult{}, err
			}
		}
		return StepResult{MemAccessed: true, MemAddr: base, MemValue: val, MemSize: uint64(count) * 8}, nil

	case "VLOAD":
		base := gpr.R[operandReg(inst, 1)]
		addr := uint64(int64(base) + operandImm(inst, 2))
		val, err := mem.ReadWord(addr)
		if err != nil {
			return StepResult{}, err
		}
		gpr.R[operandReg(inst, 0)] = val
		return StepResult{MemAccessed: true, MemAddr: addr, MemValue: val, MemSize: uint64(inst.MemSize)}, nil

	case "VSTORE":
		base := gpr.R[operandReg(inst, 0)]
		addr := uint64(int64(base) + operandImm(inst, 2))
		val := gpr.R[operandReg(inst, 1)]
		if err := mem.WriteWord(addr, val); err != nil {
			return StepResult{}, err
		}
		return StepResult{MemAccessed: true, MemAddr: addr, MemValue: val, MemSize: uint64(inst.MemSize)}, nil

	case "B":
		return StepResult{BranchTaken: true, BranchTarget: inst.BranchTarget}, nil

	case "BZ", "BNZ", "BNEG":
		v := int64(gpr.R[operandReg(inst, 0)])
		var taken bool
		switch inst.Mnemonic {
		case "BZ":
			taken = v == 0
		case "BNZ":
			taken = v != 0
		case "BNEG":
			taken = v < 0
		}
		if !taken {
			return StepResult{}, nil
		}
		return StepResult{BranchTaken: true, BranchTarget: inst.BranchTarget}, nil

	case "CALL":
		retAddr := inst.Address + uint64(inst.Size)
		sp := gpr.R[SPReg] - 8
		if err := mem.WriteWord(sp, retAddr); err != nil {
			return StepResult{}, err
		}
		gpr.R[SPReg] = sp
		return StepResult{
			BranchTaken: true, BranchTarget: inst.BranchTarget,
			MemAccessed: true, MemAddr: sp, MemValue: retAddr, MemSize: 8,
		}, nil

	case "RET":
		sp := gpr.R[SPReg]
		retAddr, err := mem.ReadWord(sp)
		if err != nil {
			return StepResult{}, err
		}
		gpr.R[SPReg] = sp + 8
		return StepResult{
			BranchTaken: true, BranchTarget: retAddr,
			MemAccessed: true, MemAddr: sp, MemValue: retAddr, MemSize: 8,
		}, nil

	case "HALT":
		return StepResult{Halted: true}, nil

	default:
		return StepResult{}, fmt.Errorf("testexec: unknown mnemonic %q", inst.Mnemonic)
	}
}
