// Package inspector is a tview/tcell interactive front-end over a
// tinybdi.VM: breakpoints, watchpoints, command history and a text UI for
// driving an instrumented guest binary by hand (spec.md §6's embedder
// surface, used interactively instead of from a generated harness).
//
// Grounded on the teacher's debugger package: BreakpointManager and
// WatchpointManager keep the same mutex-protected, ID-keyed bookkeeping
// shape, but install their conditions directly as VM instrumentation
// (AddCodeAddrCB / AddMemAddrCB) instead of being polled from a
// ShouldBreak check after every instruction — the DBI core gives a real
// callback per memory access, so memory watchpoints need none of the
// value-diff polling debugger.Watchpoint did. Register watchpoints still
// compare the register's value after every instruction (AddCodeCB at
// PostInst).
package inspector

import (
	"fmt"
	"sync"

	"github.com/tinybdi/tinybdi"
	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
)

// Breakpoint is a registered stop condition at a guest address.
type Breakpoint struct {
	ID        int
	Address   uint64
	Enabled   bool
	Temporary bool
	HitCount  int

	instrID uint32
}

// BreakpointManager tracks breakpoints and keeps them installed on (or
// removed from) the VM as they're enabled, disabled, or deleted.
type BreakpointManager struct {
	mu          sync.Mutex
	breakpoints map[uint64]*Breakpoint
	nextID      int
}

// NewBreakpointManager builds an empty breakpoint manager.
func NewBreakpointManager() *BreakpointManager {
	return &BreakpointManager{breakpoints: make(map[uint64]*Breakpoint), nextID: 1}
}

// Add installs a breakpoint at address on v, replacing any existing one
// there.
func (bm *BreakpointManager) Add(v *tinybdi.VM, address uint64, temporary bool) *Breakpoint {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if bp, exists := bm.breakpoints[address]; exists {
		bp.Enabled = true
		bp.Temporary = temporary
		return bp
	}

	bp := &Breakpoint{ID: bm.nextID, Address: address, Enabled: true, Temporary: temporary}
	bm.nextID++
	bp.instrID = v.AddCodeAddrCB(address, abi.PreInst, func(*codeasm.GPRState, *codeasm.FPRState, any) abi.VMAction {
		return bm.hit(v, address)
	}, nil)
	bm.breakpoints[address] = bp
	return bp
}

// hit runs under no lock held by the caller (the VM invokes it from inside
// Run); it re-takes the manager's own lock, so it must never be called
// while that lock is already held.
func (bm *BreakpointManager) hit(v *tinybdi.VM, address uint64) abi.VMAction {
	bm.mu.Lock()
	bp, exists := bm.breakpoints[address]
	if !exists || !bp.Enabled {
		bm.mu.Unlock()
		return abi.Continue
	}
	bp.HitCount++
	temp := bp.Temporary
	id := bp.instrID
	if temp {
		delete(bm.breakpoints, address)
	}
	bm.mu.Unlock()

	if temp {
		v.DeleteInstrumentation(id)
	}
	return abi.BreakToVM
}

// Delete removes the breakpoint with the given ID, uninstalling it from v.
func (bm *BreakpointManager) Delete(v *tinybdi.VM, id int) error {
	bm.mu.Lock()
	var addr uint64
	var bp *Breakpoint
	for a, b := range bm.breakpoints {
		if b.ID == id {
			addr, bp = a, b
			break
		}
	}
	if bp == nil {
		bm.mu.Unlock()
		return fmt.Errorf("breakpoint %d not found", id)
	}
	delete(bm.breakpoints, addr)
	bm.mu.Unlock()

	v.DeleteInstrumentation(bp.instrID)
	return nil
}

// SetEnabled toggles a breakpoint without removing its bookkeeping entry.
// The underlying instrumentation stays installed; hit() consults Enabled.
func (bm *BreakpointManager) SetEnabled(id int, enabled bool) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, bp := range bm.breakpoints {
		if bp.ID == id {
			bp.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("breakpoint %d not found", id)
}

// Get returns the breakpoint at address, or nil.
func (bm *BreakpointManager) Get(address uint64) *Breakpoint {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.breakpoints[address]
}

// All returns every breakpoint, in no particular order.
func (bm *BreakpointManager) All() []*Breakpoint {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	out := make([]*Breakpoint, 0, len(bm.breakpoints))
	for _, bp := range bm.breakpoints {
		out = append(out, bp)
	}
	return out
}

// Count reports how many breakpoints are registered.
func (bm *BreakpointManager) Count() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return len(bm.breakpoints)
}
