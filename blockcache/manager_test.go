package blockcache

import (
	"testing"

	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/execblock"
	"github.com/tinybdi/tinybdi/patch"
	"github.com/tinybdi/tinybdi/rangeset"
)

func haltPatch(addr uint64) patch.Patch {
	raw := codeasm.Inst3{Op: codeasm.OpHalt}.Encode()
	decoded, err := codeasm.TestAssembler{}.Disassemble(raw, addr)
	if err != nil {
		panic(err)
	}
	return patch.New(decoded, true, execblock.Guest(decoded))
}

func TestWriteBasicBlockCachesByEntryAddress(t *testing.T) {
	m := New(nil)
	if _, err := m.WriteBasicBlock([]patch.Patch{haltPatch(0x1000)}); err != nil {
		t.Fatalf("WriteBasicBlock: %v", err)
	}

	b, ok := m.GetProgrammedBlock(0x1000)
	if !ok {
		t.Fatal("expected a cached block at 0x1000")
	}
	if b.GuestRange.Start != 0x1000 {
		t.Fatalf("GuestRange.Start = 0x%x, want 0x1000", b.GuestRange.Start)
	}

	if _, ok := m.GetProgrammedBlock(0x2000); ok {
		t.Fatal("expected no cached block at an address never written")
	}
}

func TestClearCacheDoesNotEvictUntilFlushCommit(t *testing.T) {
	m := New(nil)
	if _, err := m.WriteBasicBlock([]patch.Patch{haltPatch(0x1000)}); err != nil {
		t.Fatalf("WriteBasicBlock: %v", err)
	}

	m.ClearCache(rangeset.NewRange(0x1000, 0x1008))
	if !m.IsFlushPending() {
		t.Fatal("expected flush_pending after ClearCache")
	}
	if _, ok := m.GetProgrammedBlock(0x1000); !ok {
		t.Fatal("block must survive ClearCache until FlushCommit (deferred-flush invariant, spec.md §4.5)")
	}

	m.FlushCommit()
	if m.IsFlushPending() {
		t.Fatal("FlushCommit should clear flush_pending")
	}
	if _, ok := m.GetProgrammedBlock(0x1000); ok {
		t.Fatal("FlushCommit should have evicted the overlapping block")
	}
}

func TestFlushCommitOnlyEvictsOverlappingBlocks(t *testing.T) {
	m := New(nil)
	if _, err := m.WriteBasicBlock([]patch.Patch{haltPatch(0x1000)}); err != nil {
		t.Fatalf("WriteBasicBlock: %v", err)
	}
	if _, err := m.WriteBasicBlock([]patch.Patch{haltPatch(0x2000)}); err != nil {
		t.Fatalf("WriteBasicBlock: %v", err)
	}

	m.ClearCache(rangeset.NewRange(0x1000, 0x1008))
	m.FlushCommit()

	if _, ok := m.GetProgrammedBlock(0x1000); ok {
		t.Fatal("0x1000's block should have been evicted")
	}
	if _, ok := m.GetProgrammedBlock(0x2000); !ok {
		t.Fatal("0x2000's block should be untouched by a non-overlapping clear")
	}
}

func TestClearAllCacheEvictsEveryBlock(t *testing.T) {
	m := New(nil)
	m.WriteBasicBlock([]patch.Patch{haltPatch(0x1000)})
	m.WriteBasicBlock([]patch.Patch{haltPatch(0x2000)})

	m.ClearAllCache()
	m.FlushCommit()

	if _, ok := m.GetProgrammedBlock(0x1000); ok {
		t.Fatal("expected 0x1000 evicted")
	}
	if _, ok := m.GetProgrammedBlock(0x2000); ok {
		t.Fatal("expected 0x2000 evicted")
	}
}

func TestGetSeqLocFindsBlockAndSequence(t *testing.T) {
	m := New(nil)
	if _, err := m.WriteBasicBlock([]patch.Patch{haltPatch(0x1000)}); err != nil {
		t.Fatalf("WriteBasicBlock: %v", err)
	}

	b, seqID, found := m.GetSeqLoc(0x1000)
	if !found {
		t.Fatal("expected to find the sequence at the block's own entry")
	}
	if seqID != 0 {
		t.Fatalf("seqID = %d, want 0", seqID)
	}
	if b.GuestRange.Start != 0x1000 {
		t.Fatal("GetSeqLoc returned the wrong block")
	}

	if _, _, found := m.GetSeqLoc(0x1234); found {
		t.Fatal("expected no sequence at an address no block covers")
	}
}

func TestAnalyzeInstMetadataMemoisesAndUpgrades(t *testing.T) {
	m := New(nil)
	p := haltPatch(0x1000)

	first := m.AnalyzeInstMetadata(p, abi.AnalysisInstruction)
	if first.Mnemonic != "HALT" {
		t.Fatalf("Mnemonic = %q, want HALT", first.Mnemonic)
	}
	if first.Has(abi.AnalysisDisassembly) {
		t.Fatal("first call should not have computed disassembly yet")
	}

	second := m.AnalyzeInstMetadata(p, abi.AnalysisInstruction|abi.AnalysisDisassembly)
	if !second.Has(abi.AnalysisDisassembly) {
		t.Fatal("widening the type mask should upgrade the cached entry in place")
	}
	if second.Mnemonic != "HALT" {
		t.Fatal("upgrading should not lose previously computed fields")
	}
}
