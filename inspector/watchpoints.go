package inspector

import (
	"fmt"
	"sync"

	"github.com/tinybdi/tinybdi"
	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
)

// WatchKind is what a Watchpoint monitors.
type WatchKind int

const (
	WatchMemory WatchKind = iota
	WatchRegister
)

// Watchpoint is a registered memory-range or register watch.
type Watchpoint struct {
	ID         int
	Kind       WatchKind
	Expression string
	Address    uint64 // WatchMemory
	Register   int    // WatchRegister
	Type       abi.MemoryAccessType
	LastValue  uint64
	HitCount   int

	instrID uint32
}

// WatchpointManager tracks watchpoints, installing memory ones directly as
// VM memory-access callbacks and register ones as a per-instruction value
// comparison (the reference ISA has no native register-write trap).
type WatchpointManager struct {
	mu          sync.Mutex
	watchpoints map[int]*Watchpoint
	nextID      int
}

// NewWatchpointManager builds an empty watchpoint manager.
func NewWatchpointManager() *WatchpointManager {
	return &WatchpointManager{watchpoints: make(map[int]*Watchpoint), nextID: 1}
}

// AddMemory installs a watch on [addr, addr+1) for accesses matching typ.
func (wm *WatchpointManager) AddMemory(v *tinybdi.VM, expr string, addr uint64, typ abi.MemoryAccessType) *Watchpoint {
	wm.mu.Lock()
	wp := &Watchpoint{ID: wm.nextID, Kind: WatchMemory, Expression: expr, Address: addr, Type: typ}
	wm.nextID++
	wm.watchpoints[wp.ID] = wp
	wm.mu.Unlock()

	wp.instrID = v.AddMemAddrCB(addr, typ, func(_ *codeasm.GPRState, _ *codeasm.FPRState, access tinybdi.MemoryAccess, _ any) abi.VMAction {
		wm.mu.Lock()
		wp.HitCount++
		wp.LastValue = access.Value
		wm.mu.Unlock()
		return abi.BreakToVM
	}, nil)
	return wp
}

// AddRegister installs a watch that fires whenever register reg's value
// differs from its value at the previous instruction boundary.
func (wm *WatchpointManager) AddRegister(v *tinybdi.VM, expr string, reg int) *Watchpoint {
	wm.mu.Lock()
	wp := &Watchpoint{ID: wm.nextID, Kind: WatchRegister, Expression: expr, Register: reg, LastValue: v.GPRState().R[reg]}
	wm.nextID++
	wm.watchpoints[wp.ID] = wp
	wm.mu.Unlock()

	wp.instrID = v.AddCodeCB(abi.PostInst, func(gpr *codeasm.GPRState, _ *codeasm.FPRState, _ any) abi.VMAction {
		wm.mu.Lock()
		defer wm.mu.Unlock()
		if gpr.R[reg] == wp.LastValue {
			return abi.Continue
		}
		wp.LastValue = gpr.R[reg]
		wp.HitCount++
		return abi.BreakToVM
	}, nil)
	return wp
}

// Delete removes the watchpoint with the given ID, uninstalling it from v.
func (wm *WatchpointManager) Delete(v *tinybdi.VM, id int) error {
	wm.mu.Lock()
	wp, exists := wm.watchpoints[id]
	if !exists {
		wm.mu.Unlock()
		return fmt.Errorf("watchpoint %d not found", id)
	}
	delete(wm.watchpoints, id)
	wm.mu.Unlock()

	v.DeleteInstrumentation(wp.instrID)
	return nil
}

// All returns every watchpoint, in no particular order.
func (wm *WatchpointManager) All() []*Watchpoint {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	out := make([]*Watchpoint, 0, len(wm.watchpoints))
	for _, wp := range wm.watchpoints {
		out = append(out, wp)
	}
	return out
}

// Count reports how many watchpoints are registered.
func (wm *WatchpointManager) Count() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return len(wm.watchpoints)
}
