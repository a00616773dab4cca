package inspector

import (
	"testing"

	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
)

func TestWatchpointManagerAddRegisterFiresOnChange(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 2, Imm: 42},
		{Op: codeasm.OpHalt},
	})
	v := newSessionVM(t, code)
	wm := NewWatchpointManager()
	wp := wm.AddRegister(v, "r2", 2)

	if _, err := v.Run(0, 0xFFFFFFFFFFFF0001); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if wp.HitCount != 1 || wp.LastValue != 42 {
		t.Fatalf("expected one hit with value 42, got hits=%d value=%d", wp.HitCount, wp.LastValue)
	}
}

func TestWatchpointManagerDeleteStopsFiring(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 0x80},
		{Op: codeasm.OpMovImm, Rd: 1, Imm: 7},
		{Op: codeasm.OpStore, Rs1: 0, Rs2: 1, Imm: 0},
		{Op: codeasm.OpHalt},
	})
	v := newSessionVM(t, code)
	wm := NewWatchpointManager()
	wp := wm.AddMemory(v, "0x80", 0x80, abi.MemWrite)
	if err := wm.Delete(v, wp.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := v.Run(0, 0xFFFFFFFFFFFF0001); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if wp.HitCount != 0 {
		t.Fatalf("expected no hits after deletion, got %d", wp.HitCount)
	}
	if wm.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", wm.Count())
	}
}
