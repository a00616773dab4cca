package engine

import (
	"testing"

	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/blockcache"
	"github.com/tinybdi/tinybdi/broker"
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/instrrule"
	"github.com/tinybdi/tinybdi/patch"
	"github.com/tinybdi/tinybdi/patchrule"
	"github.com/tinybdi/tinybdi/rangeset"
)

// flatMemory backs a word-addressed guest address space for the tests.
type flatMemory struct{ words map[uint64]uint64 }

func newFlatMemory() *flatMemory { return &flatMemory{words: make(map[uint64]uint64)} }

func (m *flatMemory) ReadWord(addr uint64) (uint64, error)      { return m.words[addr], nil }
func (m *flatMemory) WriteWord(addr uint64, value uint64) error { m.words[addr] = value; return nil }

func fetcherFor(code []byte) patchrule.CodeFetcher {
	return func(addr uint64, maxLen int) ([]byte, error) {
		end := int(addr) + maxLen
		if end > len(code) {
			end = len(code)
		}
		if int(addr) >= len(code) {
			return nil, nil
		}
		return code[addr:end], nil
	}
}

func TestRunExecutesArithmeticProgramToHalt(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 3},
		{Op: codeasm.OpMovImm, Rd: 1, Imm: 4},
		{Op: codeasm.OpAdd, Rd: 2, Rs1: 0, Rs2: 1},
		{Op: codeasm.OpHalt},
	})

	e := newTestEngineFlat(code)
	ok, err := e.Run(0, uint64(len(code)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatal("expected Run to report true (reached a stop condition)")
	}
	if got := e.GPRState().R[2]; got != 7 {
		t.Fatalf("R2 = %d, want 7", got)
	}
}

func TestRunRefusesUninstrumentedStart(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{{Op: codeasm.OpHalt}})
	e := newTestEngineFlat(code)
	ok, err := e.Run(0x9999, 0xFFFFFFFF)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ok {
		t.Fatal("expected Run to refuse an uninstrumented start address")
	}
}

func TestRunInvokesCodeCallbackAtEveryInstruction(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 1},
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 2},
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 3},
		{Op: codeasm.OpHalt},
	})
	e := newTestEngineFlat(code)

	var seen []uint64
	e.AddCodeCB(abi.PreInst, func(gpr *codeasm.GPRState, fpr *codeasm.FPRState, _ any) abi.VMAction {
		seen = append(seen, gpr.PC)
		return abi.Continue
	}, nil)

	ok, err := e.Run(0, uint64(len(code)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatal("expected Run to reach the stop address")
	}
	if len(seen) != 4 {
		t.Fatalf("expected the callback to fire once per instruction (4), got %d: %v", len(seen), seen)
	}
}

func TestRunStopsWhenCallbackReturnsStop(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 1},
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 2},
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 3},
		{Op: codeasm.OpHalt},
	})
	e := newTestEngineFlat(code)

	calls := 0
	e.AddCodeAddrCB(8, abi.PreInst, func(*codeasm.GPRState, *codeasm.FPRState, any) abi.VMAction {
		calls++
		return abi.Stop
	}, nil)

	ok, err := e.Run(0, uint64(len(code)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatal("expected Run to return true on STOP")
	}
	if calls != 1 {
		t.Fatalf("expected the addr callback to fire exactly once, got %d", calls)
	}
	if got := e.GPRState().R[0]; got != 1 {
		t.Fatalf("R0 = %d, want 1 (execution should have stopped before the second MOVI ran)", got)
	}
}

func TestRunSignalsBasicBlockEventsOnBranch(t *testing.T) {
	// 0: MOVI r0, 1
	// 8: B 16       -- ends the first basic block
	// 16: HALT
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 1},
		{Op: codeasm.OpBranch, Imm: 16},
		{Op: codeasm.OpHalt},
	})
	e := newTestEngineFlat(code)

	var entries, exits int
	e.AddVMEventCB(abi.BasicBlockEntry, func(VMState, *codeasm.GPRState, *codeasm.FPRState, any) abi.VMAction {
		entries++
		return abi.Continue
	}, nil)
	e.AddVMEventCB(abi.BasicBlockExit, func(VMState, *codeasm.GPRState, *codeasm.FPRState, any) abi.VMAction {
		exits++
		return abi.Continue
	}, nil)

	ok, err := e.Run(0, uint64(len(code)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatal("expected Run to complete")
	}
	if entries != 2 {
		t.Fatalf("expected 2 basic block entries (one per block), got %d", entries)
	}
	if exits != 1 {
		t.Fatalf("expected 1 basic block exit (the branch out of the first block), got %d", exits)
	}
}

func TestRunRecursiveCallReturnCountsCalls(t *testing.T) {
	// A tiny iterative "recursion" stand-in: CALL a subroutine N times via a
	// counted loop, verifying CALL/RET round-trips correctly thread the
	// engine's block-to-block PC handoff across call and return boundaries,
	// the mechanism spec.md §8's Fibonacci-call-count property exercises.
	//
	//  0: MOVI r0, 3        ; loop counter
	//  8: MOVI r1, 0        ; call tally
	// 16: BZ  r0 -> 40      ; loop test
	// 24: CALL 48
	// 32: B 16
	// 40: HALT
	// 48: ADDI r1, r1, 1    ; subroutine body: tally++, counter--
	// 56: ADDI r0, r0, -1
	// 64: RET
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 3},
		{Op: codeasm.OpMovImm, Rd: 1, Imm: 0},
		{Op: codeasm.OpBranchZero, Rs1: 0, Imm: 40},
		{Op: codeasm.OpCall, Imm: 48},
		{Op: codeasm.OpBranch, Imm: 16},
		{Op: codeasm.OpHalt},
		{Op: codeasm.OpAddImm, Rd: 1, Rs1: 1, Imm: 1},
		{Op: codeasm.OpAddImm, Rd: 0, Rs1: 0, Imm: -1},
		{Op: codeasm.OpRet},
	})

	e := newTestEngineFlat(code)
	e.SetGPRState(func() codeasm.GPRState {
		var g codeasm.GPRState
		g.R[codeasm.SPReg] = 0x1000
		return g
	}())

	var callSites []uint64
	e.AddMnemonicCB("CALL", abi.PreInst, func(gpr *codeasm.GPRState, _ *codeasm.FPRState, _ any) abi.VMAction {
		callSites = append(callSites, gpr.PC)
		return abi.Continue
	}, nil)

	ok, err := e.Run(0, 40)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatal("expected Run to reach the HALT address")
	}
	if len(callSites) != 3 {
		t.Fatalf("expected 3 CALL sites visited, got %d: %v", len(callSites), callSites)
	}
	for i := 1; i < len(callSites); i++ {
		if callSites[i] != callSites[0] {
			t.Fatalf("expected every call to originate from the same call site, got %v", callSites)
		}
	}
	if got := e.GPRState().R[1]; got != 3 {
		t.Fatalf("call tally R1 = %d, want 3", got)
	}
	if got := e.GPRState().R[0]; got != 0 {
		t.Fatalf("loop counter R0 = %d, want 0", got)
	}
}

func TestDeleteInstrumentationStopsFutureCallbacks(t *testing.T) {
	// Run's stop address only takes effect at a block boundary, so this
	// program uses a branch to put one at address 16: block 1 ends at the
	// branch, block 2 starts where it lands.
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 1},
		{Op: codeasm.OpBranch, Imm: 16},
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 2},
		{Op: codeasm.OpHalt},
	})
	e := newTestEngineFlat(code)

	calls := 0
	id := e.AddCodeCB(abi.PreInst, func(*codeasm.GPRState, *codeasm.FPRState, any) abi.VMAction {
		calls++
		return abi.Continue
	}, nil)

	if _, err := e.Run(0, 16); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls before deletion (MOVI and B), got %d", calls)
	}

	if !e.DeleteInstrumentation(id) {
		t.Fatal("expected DeleteInstrumentation to find the registered callback")
	}

	if _, err := e.Run(16, 32); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected no further calls after deletion, got %d total", calls)
	}
}

func TestAddInstrRuleCallbackSelectsCallbacksDynamically(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 1},
		{Op: codeasm.OpMovImm, Rd: 1, Imm: 2},
		{Op: codeasm.OpAdd, Rd: 2, Rs1: 0, Rs2: 1},
		{Op: codeasm.OpHalt},
	})
	e := newTestEngineFlat(code)

	var movCalls, addCalls int
	id := e.AddInstrRuleCallback(func(_ *Engine, ia patch.InstAnalysis, _ any) []InstrumentDataCBK {
		switch ia.Mnemonic {
		case "MOVI":
			return []InstrumentDataCBK{{
				Position: abi.PreInst,
				Callback: func(*codeasm.GPRState, *codeasm.FPRState, any) abi.VMAction {
					movCalls++
					return abi.Continue
				},
			}}
		case "ADD":
			return []InstrumentDataCBK{{
				Position: abi.PreInst,
				Callback: func(*codeasm.GPRState, *codeasm.FPRState, any) abi.VMAction {
					addCalls++
					return abi.Continue
				},
			}}
		default:
			return nil
		}
	}, nil)
	if abi.BandOf(id) != abi.BandInstrRule {
		t.Fatalf("expected a BandInstrRule id, got band %v", abi.BandOf(id))
	}

	ok, err := e.Run(0, uint64(len(code)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatal("expected Run to reach the stop address")
	}
	if movCalls != 2 {
		t.Fatalf("expected 2 MOVI callbacks, got %d", movCalls)
	}
	if addCalls != 1 {
		t.Fatalf("expected 1 ADD callback, got %d", addCalls)
	}

	if !e.DeleteInstrumentation(id) {
		t.Fatal("expected DeleteInstrumentation to find the dynamic registration")
	}
}

func TestPrecacheBasicBlockTranslatesWithoutExecuting(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 42},
		{Op: codeasm.OpHalt},
	})
	e := newTestEngineFlat(code)

	if err := e.PrecacheBasicBlock(0); err != nil {
		t.Fatalf("PrecacheBasicBlock: %v", err)
	}
	if _, ok := e.cache.GetProgrammedBlock(0); !ok {
		t.Fatal("expected the block to be cached after precaching")
	}
	if got := e.GPRState().R[0]; got != 0 {
		t.Fatalf("R0 = %d, want 0 (precaching must not execute anything)", got)
	}
}

func newTestEngineFlat(code []byte) *Engine {
	cache := blockcache.New(nil)
	b := broker.New(nil, 0xFFFFFFFF)
	b.AddInstrumentedRange(rangeset.NewRange(0, uint64(len(code))))
	return New(codeasm.TestAssembler{}, codeasm.TestExecutor{}, newFlatMemory(), fetcherFor(code),
		patchrule.DefaultTable(), instrrule.NewTable(), cache, b, abi.OptNone)
}
