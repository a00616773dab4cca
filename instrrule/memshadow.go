package instrrule

import (
	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/execblock"
	"github.com/tinybdi/tinybdi/patch"
)

// effectiveAddressOperands finds the base register and signed offset of
// inst's memory operand, by the convention codeasm.Assembler
// implementations use: the register flagged OperandFlagAddr is the base,
// and the instruction's immediate operand (if any) is the offset.
func effectiveAddressOperands(inst codeasm.Inst) (baseReg int, imm int64, ok bool) {
	base := -1
	var offset int64
	for _, op := range inst.Operands {
		if op.Type == abi.OperandGPR && op.Flags&abi.OperandFlagAddr != 0 {
			base = op.Reg
		}
		if op.Type == abi.OperandImm {
			offset = op.Imm
		}
	}
	if base < 0 {
		return 0, 0, false
	}
	return base, offset, true
}

// MemoryShadowReadRule builds the PRE, pass-FIRST rule the engine installs
// the first time recordMemoryAccess(READ) is requested (spec.md §4.10): for
// any instruction that reads memory, compute the effective address, shadow
// it tagged MEM_READ_ADDRESS_TAG, then perform the engine's own read ahead
// of the instruction and shadow the value tagged MEM_VALUE_TAG.
//
// A REP-prefixed string instruction only ever gets this first-access entry:
// its size is a lower bound until the op finishes, so the address/value
// pair is flagged MEM_ACCESS_UNKNOWN_SIZE here and the matching
// MemoryShadowSizeRule records the true byte count POST with the flag
// cleared. A wide vector load skips value recording entirely — no engine
// read is performed ahead of the instruction — and the value entry is
// flagged MEM_ACCESS_UNKNOWN_VALUE | MEM_ACCESS_VALUE_DISABLED instead.
//
// This rule must be pinned with Table.PinPreFirst so it runs before any
// other PRE instrumentation can observe the access.
func MemoryShadowReadRule() Rule {
	return Rule{
		Position: abi.PreInst,
		Pass:     abi.PassFirst,
		Predicate: func(p patch.Patch) bool {
			return p.Orig.ReadsMemory
		},
		Generate: func(asm codeasm.Assembler, p patch.Patch) []codeasm.RelocInst {
			base, imm, ok := effectiveAddressOperands(p.Orig)
			if !ok {
				return nil
			}
			switch {
			case p.Orig.VectorAccess:
				return []codeasm.RelocInst{
					execblock.EffAddr(base, imm),
					execblock.Shadow(execblock.ShadowReadAddr, execblock.SourceAddr, abi.MemAccessUnknownValue),
					execblock.Shadow(execblock.ShadowValue, execblock.SourceNone, abi.MemAccessUnknownValue|abi.MemAccessValueDisabled),
				}
			case p.Orig.RepPrefixed:
				return []codeasm.RelocInst{
					execblock.EffAddr(base, imm),
					execblock.Shadow(execblock.ShadowReadAddr, execblock.SourceAddr, abi.MemAccessUnknownSize),
					execblock.MemLoadShadow(abi.MemAccessUnknownSize),
				}
			default:
				return []codeasm.RelocInst{
					execblock.EffAddr(base, imm),
					execblock.Shadow(execblock.ShadowReadAddr, execblock.SourceAddr, abi.MemAccessNone),
					execblock.MemLoadShadow(abi.MemAccessNone),
				}
			}
		},
	}
}

// MemoryShadowWriteRule builds the POST, pass-LAST rule for writes
// (spec.md §4.10). By POST position the original store has already run
// and the block's GuestExecutor has populated ScratchAddr/ScratchValue
// from its StepResult, so this rule only needs to shadow them — no
// redundant memory access of its own is required.
//
// A wide vector store's value is not recorded, matching the read side's
// treatment: the written value is replaced with a MEM_ACCESS_UNKNOWN_VALUE
// | MEM_ACCESS_VALUE_DISABLED placeholder rather than the real ScratchValue.
//
// This rule must be pinned with Table.PinPostLast so it runs after any
// other POST instrumentation.
func MemoryShadowWriteRule() Rule {
	return Rule{
		Position: abi.PostInst,
		Pass:     abi.PassLast,
		Predicate: func(p patch.Patch) bool {
			return p.Orig.WritesMemory
		},
		Generate: func(asm codeasm.Assembler, p patch.Patch) []codeasm.RelocInst {
			if p.Orig.VectorAccess {
				return []codeasm.RelocInst{
					execblock.Shadow(execblock.ShadowWriteAddr, execblock.SourceAddr, abi.MemAccessUnknownValue),
					execblock.Shadow(execblock.ShadowValue, execblock.SourceNone, abi.MemAccessUnknownValue|abi.MemAccessValueDisabled),
				}
			}
			return []codeasm.RelocInst{
				execblock.Shadow(execblock.ShadowWriteAddr, execblock.SourceAddr, abi.MemAccessNone),
				execblock.Shadow(execblock.ShadowValue, execblock.SourceValue, abi.MemAccessNone),
			}
		},
	}
}

// MemoryShadowSizeRule builds the POST, pass-LAST rule that records a
// REP-prefixed access's true byte count once the engine has finished
// executing it (spec.md §4.10). It fires for either direction, since a
// REP-prefixed instruction may only read, only write, or do both, and the
// size entry is independent of the address/value pair MemoryShadowReadRule
// or MemoryShadowWriteRule already recorded for the same instruction. The
// recorded entry clears MEM_ACCESS_UNKNOWN_SIZE: by POST the true count is
// known.
//
// This rule must be pinned with Table.PinPostLast, alongside
// MemoryShadowWriteRule, whenever either read or write shadow recording is
// enabled.
func MemoryShadowSizeRule() Rule {
	return Rule{
		Position: abi.PostInst,
		Pass:     abi.PassLast,
		Predicate: func(p patch.Patch) bool {
			return p.Orig.RepPrefixed && (p.Orig.ReadsMemory || p.Orig.WritesMemory)
		},
		Generate: func(asm codeasm.Assembler, p patch.Patch) []codeasm.RelocInst {
			return []codeasm.RelocInst{
				execblock.Shadow(execblock.ShadowSize, execblock.SourceSize, abi.MemAccessNone),
			}
		},
	}
}
