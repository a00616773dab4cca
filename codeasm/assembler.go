package codeasm

import "fmt"

// Assembler is the "code assembler" interface the core consumes: it
// disassembles guest bytes and is able to print what it decoded. Real
// architecture-specific tables of patch templates and the disassembler
// itself are explicitly out of scope for the core (spec.md §1) and live in
// a concrete implementation supplied by the embedder; the core only ever
// holds this interface.
type Assembler interface {
	// Disassemble decodes exactly one instruction starting at address from
	// code. It returns an error if code does not contain a recognisable
	// instruction; the engine treats that as fatal (spec.md §4.2, §7).
	Disassemble(code []byte, address uint64) (Inst, error)

	// PrintDisassembly renders an already-decoded instruction as text for
	// logs and InstAnalysis.Disasm.
	PrintDisassembly(inst Inst) string
}

// ErrShortBuffer is returned by an Assembler when code does not contain
// enough bytes to decode the next instruction.
var ErrShortBuffer = fmt.Errorf("codeasm: not enough bytes to decode instruction")

// ErrUnknownOpcode is returned by an Assembler when it cannot decode the
// bytes at all. The engine treats this as an internal invariant violation,
// never a user-facing error (spec.md §4.2).
var ErrUnknownOpcode = fmt.Errorf("codeasm: unrecognised opcode")
