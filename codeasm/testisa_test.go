package codeasm

import "testing"

func TestDisassembleRoundTrip(t *testing.T) {
	prog := Assemble([]Inst3{
		{Op: OpMovImm, Rd: 0, Imm: 42},
		{Op: OpAdd, Rd: 1, Rs1: 0, Rs2: 0},
		{Op: OpCall, Imm: 0x1000},
		{Op: OpRet},
	})

	var asm TestAssembler
	offset := 0
	addr := uint64(0x8000)

	inst, err := asm.Disassemble(prog[offset:], addr)
	if err != nil {
		t.Fatalf("Disassemble MOVI: %v", err)
	}
	if inst.Mnemonic != "MOVI" || inst.Operands[1].Imm != 42 {
		t.Fatalf("MOVI decoded wrong: %+v", inst)
	}
	offset += InstSize
	addr += InstSize

	inst, err = asm.Disassemble(prog[offset:], addr)
	if err != nil {
		t.Fatalf("Disassemble ADD: %v", err)
	}
	if inst.Mnemonic != "ADD" || inst.ReadsMemory || inst.WritesMemory {
		t.Fatalf("ADD decoded wrong: %+v", inst)
	}
	offset += InstSize
	addr += InstSize

	inst, err = asm.Disassemble(prog[offset:], addr)
	if err != nil {
		t.Fatalf("Disassemble CALL: %v", err)
	}
	if inst.ControlFlow != FlowCall || inst.BranchTarget != 0x1000 || !inst.IsBlockTerminator() {
		t.Fatalf("CALL decoded wrong: %+v", inst)
	}
	offset += InstSize
	addr += InstSize

	inst, err = asm.Disassemble(prog[offset:], addr)
	if err != nil {
		t.Fatalf("Disassemble RET: %v", err)
	}
	if inst.ControlFlow != FlowReturn || !inst.IsBlockTerminator() {
		t.Fatalf("RET decoded wrong: %+v", inst)
	}
}

func TestDisassembleShortBuffer(t *testing.T) {
	var asm TestAssembler
	if _, err := asm.Disassemble([]byte{1, 2, 3}, 0); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestLoadStoreMemoryFlags(t *testing.T) {
	prog := Assemble([]Inst3{{Op: OpLoad, Rd: 1, Rs1: 13, Imm: 8}})
	var asm TestAssembler
	inst, err := asm.Disassemble(prog, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !inst.ReadsMemory || inst.MemSize != 8 {
		t.Fatalf("LOAD should read 8 bytes of memory: %+v", inst)
	}

	prog = Assemble([]Inst3{{Op: OpStore, Rs1: 13, Rs2: 0, Imm: 0}})
	inst, err = asm.Disassemble(prog, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !inst.WritesMemory || inst.MemSize != 8 {
		t.Fatalf("STORE should write 8 bytes of memory: %+v", inst)
	}
}
