// Package execblock implements the execution block (spec.md §3, §4.4): a
// translated basic block together with the runtime context translated code
// reads and writes while it executes.
//
// A real DBI engine splices host machine code into an RX page and jumps
// into it directly — the CPU, not the library, "runs" the translation. A
// memory-safe Go rewrite cannot emit or branch into arbitrary generated
// machine code, so the RX arena here is a sequence of Op values (package
// execblock's own closed, architecture-agnostic vocabulary: run the
// original instruction, invoke a callback, record a shadow slot, compute an
// effective address, or jump to another sequence) and Block.Execute is a
// small interpreter over it. This mirrors how the teacher's vm package
// already interprets decoded instructions rather than executing raw ARM
// opcodes on the host CPU — the same adaptation, generalised to host code
// that splices instrumentation around a guest instruction instead of
// decoding one in place. Every invariant spec.md states for the RX/RW
// split (sealed-before-execution, RW context never relocated, sequence
// subdivision, shadow slots) is preserved at this level.
package execblock

import (
	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
)

// CallbackDispatcher invokes the callback registered under id and reports
// what the engine should do next. The engine installs it at block-write
// time; the engine's dispatcher looks id up among the callbacks registered
// at the moment of the call, so a callback deleted mid-execution stops
// firing at once even though its op stays in the block. Register state
// changes a callback makes happen in place on the Context it was given.
type CallbackDispatcher func(id uint32) abi.VMAction

// Context is the RW arena: the live guest register file, scratch slots used
// while assembling a memory access, the callback dispatch descriptor, and
// the append-only shadow slot table (spec.md §3, §4.4).
type Context struct {
	GPR codeasm.GPRState
	FPR codeasm.FPRState

	// Scratch slots instrumentation ops write into and read back from
	// within the same instruction's splice (spec.md §4.10's "compute the
	// effective address, store it into a scratch slot").
	ScratchAddr  uint64
	ScratchValue uint64
	ScratchSize  uint64

	Shadows []ShadowEntry

	Dispatch CallbackDispatcher
}

// Reset clears the per-execution scratch and shadow state without touching
// the register file, which the engine manages separately (spec.md §4.8).
func (c *Context) Reset() {
	c.ScratchAddr, c.ScratchValue, c.ScratchSize = 0, 0, 0
	c.Shadows = c.Shadows[:0]
}
