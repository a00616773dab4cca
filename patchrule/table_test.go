package patchrule

import (
	"errors"
	"testing"

	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/patch"
)

func TestBuildBasicBlockStopsAtTerminator(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 1},
		{Op: codeasm.OpAddImm, Rd: 0, Rs1: 0, Imm: 1},
		{Op: codeasm.OpHalt},
		{Op: codeasm.OpMovImm, Rd: 1, Imm: 99}, // must never be reached
	})

	fetch := func(addr uint64, maxLen int) ([]byte, error) {
		end := int(addr) + maxLen
		if end > len(code) {
			end = len(code)
		}
		return code[addr:end], nil
	}

	patches, err := DefaultTable().BuildBasicBlock(codeasm.TestAssembler{}, fetch, 0)
	if err != nil {
		t.Fatalf("BuildBasicBlock: %v", err)
	}
	if len(patches) != 3 {
		t.Fatalf("expected 3 patches (stopping at HALT), got %d", len(patches))
	}
	if !patches[2].ModifyPC {
		t.Fatal("last patch should set ModifyPC")
	}
	if patches[2].Orig.Mnemonic != "HALT" {
		t.Fatalf("last patch should be the HALT instruction, got %q", patches[2].Orig.Mnemonic)
	}
}

// fakePrefixAssembler models an architecture where a one-byte prefix must
// be merged with the instruction that follows it, exercising patchrule's
// merge feed-back path independent of any concrete host encoding.
type fakePrefixAssembler struct{}

func (fakePrefixAssembler) Disassemble(code []byte, address uint64) (codeasm.Inst, error) {
	if len(code) == 0 {
		return codeasm.Inst{}, codeasm.ErrShortBuffer
	}
	switch code[0] {
	case 0xF0:
		return codeasm.Inst{Address: address, Size: 1, Mnemonic: "PREFIX"}, nil
	case 0x01:
		return codeasm.Inst{Address: address, Size: 1, Mnemonic: "OP", ControlFlow: codeasm.FlowHalt}, nil
	}
	return codeasm.Inst{}, codeasm.ErrUnknownOpcode
}

func (fakePrefixAssembler) PrintDisassembly(inst codeasm.Inst) string { return inst.Mnemonic }

func TestBuildBasicBlockComposesMergedPatch(t *testing.T) {
	code := []byte{0xF0, 0x01}
	fetch := func(addr uint64, maxLen int) ([]byte, error) {
		end := int(addr) + maxLen
		if end > len(code) {
			end = len(code)
		}
		return code[addr:end], nil
	}

	table := NewTable()
	table.Add(Rule{
		Name:  "prefix",
		Match: func(inst codeasm.Inst) bool { return inst.Mnemonic == "PREFIX" },
		Generate: func(inst codeasm.Inst, _ *patch.Patch) patch.Patch {
			p := patch.New(inst, false, codeasm.Raw{Bytes: []byte{0xAA}})
			p.Merge = true
			return p
		},
	})
	table.Add(Rule{
		Name:  "op",
		Match: func(inst codeasm.Inst) bool { return inst.Mnemonic == "OP" },
		Generate: func(inst codeasm.Inst, prev *patch.Patch) patch.Patch {
			if prev == nil || prev.Orig.Mnemonic != "PREFIX" {
				t.Fatal("op rule expected a prefix patch as context")
			}
			return patch.New(inst, true, codeasm.Raw{Bytes: []byte{0xBB}})
		},
	})

	patches, err := table.BuildBasicBlock(fakePrefixAssembler{}, fetch, 0)
	if err != nil {
		t.Fatalf("BuildBasicBlock: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("expected the prefix+op pair to compose into 1 patch, got %d", len(patches))
	}
	merged := patches[0]
	if !merged.ModifyPC {
		t.Fatal("merged patch should inherit ModifyPC from the second instruction")
	}
	if len(merged.Insts) != 2 {
		t.Fatalf("expected 2 host instructions in the merged patch, got %d", len(merged.Insts))
	}
}

func TestBuildBasicBlockFailsFatallyWithNoMatchingRule(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{{Op: codeasm.OpNop}})
	fetch := func(addr uint64, maxLen int) ([]byte, error) {
		end := int(addr) + maxLen
		if end > len(code) {
			end = len(code)
		}
		return code[addr:end], nil
	}

	empty := NewTable()
	_, err := empty.BuildBasicBlock(codeasm.TestAssembler{}, fetch, 0)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}
