// Package broker implements the execution broker (spec.md §4.6): it owns
// the instrumented-range set and decides, per guest PC, whether the engine
// should keep translating or hand off to native execution, preserving the
// guest register file across the boundary.
//
// Real native execution — actually letting the host CPU run unmodified
// guest bytes — sits outside what a memory-safe Go program can do, the
// same boundary codeasm.GuestExecutor draws for guest instruction
// semantics (spec.md §1 lists exactly this kind of platform hand-off as an
// external collaborator). NativeRunner is that seam here.
package broker

import (
	"fmt"
	"sync"

	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/modulemap"
	"github.com/tinybdi/tinybdi/rangeset"
)

// NativeRunner resumes unmodified host execution at pc with the given
// register file (mutated in place) and blocks until control reaches
// hookAddr — the return-address hook the broker installed before the call
// (spec.md §4.6's transfer protocol). A real implementation does this with
// a trampoline and a hardware breakpoint or a rewritten return address; the
// reference one in this module's tests just interprets a guest program the
// same way codeasm.GuestExecutor does.
type NativeRunner interface {
	RunUntilHook(pc, hookAddr uint64, gpr *codeasm.GPRState, fpr *codeasm.FPRState, mem codeasm.Memory) error
}

// Broker owns the instrumented-range set and the native-transfer protocol
// state (spec.md §4.6, §3's "Instrumented-range set").
type Broker struct {
	mu sync.Mutex

	instrumented *rangeset.Set
	runner       NativeRunner
	hookAddr     uint64

	// pendingReturns stacks the original on-stack return addresses the
	// broker has overwritten with hookAddr, one per currently active
	// native excursion, innermost last (spec.md §4.6's "nested calls...
	// handled by stacking multiple hooks, one per frame").
	pendingReturns []uint64
}

// New builds a broker with an empty instrumented set. hookAddr is the
// sentinel return address the broker installs over a call's real return
// address before handing off to native execution; it must not collide with
// any guest code address.
func New(runner NativeRunner, hookAddr uint64) *Broker {
	return &Broker{
		instrumented: rangeset.New(),
		runner:       runner,
		hookAddr:     hookAddr,
	}
}

// IsInstrumented reports whether pc falls inside the instrumented-range set
// (spec.md §4.6's is_instrumented).
func (b *Broker) IsInstrumented(pc uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instrumented.Contains(pc)
}

// CanTransferExecution reports whether the broker can hand off to native
// execution from the current frame. Refused when no NativeRunner is
// installed, or when a stack pointer register value of zero signals a
// frame the broker cannot recognise a return from (spec.md §7's "Broker
// refusal" — the current frame does not end in a recognisable return).
func (b *Broker) CanTransferExecution(gpr codeasm.GPRState) bool {
	if b.runner == nil {
		return false
	}
	return gpr.R[codeasm.SPReg] != 0
}

// TransferExecution hooks the next guest-side call-return, hands off to
// native execution at pc, and blocks until the guest returns through the
// hook, restoring gpr.PC to the real return address (spec.md §4.6).
func (b *Broker) TransferExecution(pc uint64, gpr *codeasm.GPRState, fpr *codeasm.FPRState, mem codeasm.Memory) error {
	if b.runner == nil {
		return fmt.Errorf("broker: no native runner installed")
	}

	sp := gpr.R[codeasm.SPReg]
	origRet, err := mem.ReadWord(sp)
	if err != nil {
		return fmt.Errorf("broker: reading return address at transfer: %w", err)
	}
	if err := mem.WriteWord(sp, b.hookAddr); err != nil {
		return fmt.Errorf("broker: installing return hook: %w", err)
	}

	b.mu.Lock()
	b.pendingReturns = append(b.pendingReturns, origRet)
	b.mu.Unlock()

	if err := b.runner.RunUntilHook(pc, b.hookAddr, gpr, fpr, mem); err != nil {
		return err
	}

	b.mu.Lock()
	n := len(b.pendingReturns)
	realRet := b.pendingReturns[n-1]
	b.pendingReturns = b.pendingReturns[:n-1]
	b.mu.Unlock()

	gpr.PC = realRet
	return nil
}

// AddInstrumentedRange adds r to the instrumented set (spec.md §6's
// add_instrumented_range).
func (b *Broker) AddInstrumentedRange(r rangeset.Range) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instrumented.Add(r)
}

// RemoveInstrumentedRange removes r from the instrumented set.
func (b *Broker) RemoveInstrumentedRange(r rangeset.Range) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instrumented.Remove(r)
}

// RemoveAllInstrumentedRanges empties the instrumented set.
func (b *Broker) RemoveAllInstrumentedRanges() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instrumented.Clear()
}

// AddInstrumentedModule instruments every executable range of the named
// module (spec.md §6's add_instrumented_module).
func (b *Broker) AddInstrumentedModule(p modulemap.Provider, name string) error {
	m, ok, err := modulemap.FindByName(p, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("broker: module %q not found", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range m.Executable {
		b.instrumented.Add(r)
	}
	return nil
}

// AddInstrumentedModuleFromAddr instruments the executable ranges of
// whichever module contains addr (spec.md §6's
// add_instrumented_module_from_addr).
func (b *Broker) AddInstrumentedModuleFromAddr(p modulemap.Provider, addr uint64) error {
	m, ok, err := modulemap.Find(p, addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("broker: no module contains address 0x%x", addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range m.Executable {
		b.instrumented.Add(r)
	}
	return nil
}

// InstrumentAllExecutableMaps instruments every executable range of every
// loaded module (spec.md §6's instrument_all_executable_maps).
func (b *Broker) InstrumentAllExecutableMaps(p modulemap.Provider) error {
	mods, err := p.Modules()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range mods {
		for _, r := range m.Executable {
			b.instrumented.Add(r)
		}
	}
	return nil
}

// InstrumentedRanges returns a defensive copy of the instrumented set's
// maximal disjoint ranges.
func (b *Broker) InstrumentedRanges() []rangeset.Range {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instrumented.Ranges()
}
