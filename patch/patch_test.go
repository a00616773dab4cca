package patch

import (
	"testing"

	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
)

func TestPatchInsertAtOrdering(t *testing.T) {
	orig := codeasm.Inst{Address: 0x100, Size: 8, Mnemonic: "ADD"}
	p := New(orig, false, codeasm.Raw{Bytes: []byte{0xAA}})

	p.Prepend(codeasm.Raw{Bytes: []byte{0x11}})
	p.Append(codeasm.Raw{Bytes: []byte{0xFF}})

	if len(p.Insts) != 3 {
		t.Fatalf("expected 3 instructions, got %d", len(p.Insts))
	}
	first := p.Insts[0].Finalize(0)
	last := p.Insts[2].Finalize(0)
	if first[0] != 0x11 || last[0] != 0xFF {
		t.Fatalf("ordering wrong: %v", p.Insts)
	}
}

func TestMergedComposesInstructions(t *testing.T) {
	a := New(codeasm.Inst{Address: 0x200, Size: 4}, false, codeasm.Raw{Bytes: []byte{1}})
	b := New(codeasm.Inst{Address: 0x204, Size: 4}, true, codeasm.Raw{Bytes: []byte{2}})

	m := Merged(a, b)
	if !m.ModifyPC {
		t.Fatal("merged patch should inherit ModifyPC from the second patch")
	}
	if m.InstSize != 8 {
		t.Fatalf("InstSize = %d, want 8", m.InstSize)
	}
	if len(m.Insts) != 2 {
		t.Fatalf("expected 2 instructions after merge, got %d", len(m.Insts))
	}
}

func TestAnalysisUpgradeIsMonotonic(t *testing.T) {
	orig := codeasm.Inst{Address: 0x300, Size: 8, Mnemonic: "LOAD", Disasm: "LOAD r1"}
	ia := Analyze(orig, abi.AnalysisInstruction, nil)
	if !ia.Has(abi.AnalysisInstruction) || ia.Has(abi.AnalysisDisassembly) {
		t.Fatalf("unexpected computed mask after narrow analyze: %+v", ia)
	}

	ia.Upgrade(orig, abi.AnalysisInstruction|abi.AnalysisDisassembly, nil)
	if !ia.Has(abi.AnalysisDisassembly) || ia.Disassembly != "LOAD r1" {
		t.Fatalf("upgrade did not widen the cached analysis: %+v", ia)
	}
	if ia.Mnemonic != "LOAD" {
		t.Fatalf("upgrade should not clobber already-computed fields")
	}
}

func TestSymbolResolverNearestMatch(t *testing.T) {
	sr := NewSymbolResolver(map[string]uint64{"main": 0x8000, "helper": 0x9000})
	sr.SetModule("main", "app")

	symbol, module, offset, found := sr.ResolveAddress(0x8004)
	if !found || symbol != "main" || module != "app" || offset != 4 {
		t.Fatalf("ResolveAddress(0x8004) = %q %q %d %v", symbol, module, offset, found)
	}

	if _, _, _, found := sr.ResolveAddress(0x10); found {
		t.Fatal("address before all symbols should not resolve")
	}
}
