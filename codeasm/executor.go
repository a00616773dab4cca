package codeasm

// Memory is the guest address space a GuestExecutor reads and writes while
// stepping a load/store instruction. The embedder supplies the concrete
// implementation; the core never touches guest memory directly.
type Memory interface {
	ReadWord(addr uint64) (uint64, error)
	WriteWord(addr uint64, value uint64) error
}

// StepResult reports what executing one guest instruction did.
type StepResult struct {
	BranchTaken  bool
	BranchTarget uint64

	Halted bool

	MemAccessed bool
	MemAddr     uint64
	MemValue    uint64
	// MemSize is the access's byte count. For a REP-prefixed string op this
	// is the total bytes moved, known only once the op has finished
	// (spec.md §4.10); for every other access it equals the instruction's
	// static operand width.
	MemSize uint64
}

// GuestExecutor re-executes one decoded guest instruction's semantics
// against the live register file and guest memory. It is the architecture
// collaborator boundary for instruction *execution*, the natural extension
// of the one spec.md already draws for instruction *decoding* (the
// Assembler facade): a real DBI engine never emulates — the translated host
// code the CPU runs back the original semantics for free — but a
// memory-safe Go core has no way to jump into generated machine code, so
// the final "run the translated instruction" step is necessarily a call
// into architecture-specific code the embedder supplies, same as decoding
// already is.
type GuestExecutor interface {
	Step(mem Memory, gpr *GPRState, fpr *FPRState, inst Inst) (StepResult, error)
}
