// Package tinybdi is the VM facade (spec.md §4.9, component C10): the
// public surface an embedder programs against. It wraps an *engine.Engine
// and adds exactly the data model the engine doesn't already own — a
// memory-callback registry and two cached gate IDs — forwarding everything
// else (state access, code/VM-event registration, range management, cache
// control) straight through to the engine it wraps (spec.md §3's ownership
// summary: "The VM facade exclusively owns the memory-callback registry and
// forwards everything else").
//
// Grounded on the teacher's service.DebuggerService: a thin façade over
// vm.VM plus debugger.Debugger that adds exactly the bookkeeping those two
// don't already have (event buffering, session state) and forwards
// everything else, generalised here to wrap engine.Engine instead.
package tinybdi

import (
	"io"
	"log"

	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/blockcache"
	"github.com/tinybdi/tinybdi/broker"
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/engine"
	"github.com/tinybdi/tinybdi/errs"
	"github.com/tinybdi/tinybdi/execblock"
	"github.com/tinybdi/tinybdi/instrrule"
	"github.com/tinybdi/tinybdi/patchrule"
	"github.com/tinybdi/tinybdi/rangeset"
)

// FakeRetAddr is the synthetic return address VM.Call installs to catch a
// guest function's own return (spec.md §4.9's call: "a synthetic return
// address (FAKE_RET_ADDR)"). It is chosen far outside any realistic guest
// code range.
const FakeRetAddr uint64 = 0xFFFFFFFFFFFF0000

// CallConvention says which registers VM.Call/CallV/CallA use to pass
// arguments and read the return value, and which register holds the stack
// pointer CALL/RET push/pop against. The reference ISA's own convention
// (codeasm.SPReg, arguments in R0.., return in R0) is the default; a real
// architecture binding supplies its own.
type CallConvention struct {
	StackReg  int
	ArgRegs   []int
	ReturnReg int
}

// DefaultCallConvention mirrors the bundled reference ISA's calling
// convention (codeasm.SPReg for the stack, R0..R3 for arguments, R0 for
// the return value).
func DefaultCallConvention() CallConvention {
	return CallConvention{
		StackReg:  codeasm.SPReg,
		ArgRegs:   []int{0, 1, 2, 3},
		ReturnReg: 0,
	}
}

// MemCBInfo is one registered virtual memory-access callback (spec.md
// §4.9's MemCBInfo = {type, range, callback, user_data}).
type MemCBInfo struct {
	Type     abi.MemoryAccessType
	Range    rangeset.Range
	Callback MemAccessCallback
	UserData any
	// Unranged is true for a callback installed via AddMemAccessCB, which
	// matches every access regardless of address (spec.md §6's
	// add_mem_access_cb takes no range).
	Unranged bool
}

type memCBReg struct {
	id uint32
	MemCBInfo
}

// MemAccessCallback fires when a recorded memory access matches a
// registered callback's type and range (spec.md §6's callback contracts,
// generalised to carry the access that triggered it).
type MemAccessCallback func(gpr *codeasm.GPRState, fpr *codeasm.FPRState, access MemoryAccess, userData any) abi.VMAction

// MemoryAccess is one reassembled shadow-table record (spec.md §4.9's
// get_inst_memory_access / get_bb_memory_access, spec.md §6's
// MemoryAccessType).
type MemoryAccess struct {
	Address uint64
	Value   uint64
	Type    abi.MemoryAccessType
	Flags   abi.MemAccessFlag
}

// VM is the embedder-facing facade (spec.md §4.9).
type VM struct {
	*engine.Engine

	mem  codeasm.Memory
	conv CallConvention
	log  *log.Logger

	memCBs      []memCBReg
	nextMemCBID uint32

	haveReadGate  bool
	haveWriteGate bool
	readGateID    uint32
	writeGateID   uint32
}

// New builds a VM over the given collaborators, exactly the arguments
// engine.New takes (spec.md §4.7's Engine construction), plus a logger; the
// facade also keeps mem itself for VM.Call's stack setup. Pass
// nil for logger to discard diagnostics, matching the teacher's
// gui/app.go default-to-io.Discard convention.
func New(
	asm codeasm.Assembler,
	exec codeasm.GuestExecutor,
	mem codeasm.Memory,
	fetch patchrule.CodeFetcher,
	patches *patchrule.Table,
	instr *instrrule.Table,
	cache *blockcache.Manager,
	b *broker.Broker,
	opts abi.Options,
	logger *log.Logger,
) *VM {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &VM{
		Engine: engine.New(asm, exec, mem, fetch, patches, instr, cache, b, opts),
		mem:    mem,
		conv:   DefaultCallConvention(),
		log:    logger,
	}
}

// SetCallConvention overrides the register convention VM.Call/CallV/CallA
// use. Must be called before the first Call.
func (v *VM) SetCallConvention(c CallConvention) { v.conv = c }

// DeleteInstrumentation dispatches by ID band like engine.Engine's own
// method, but additionally recognises BandMemRange ids — the VM facade's
// own registry the engine knows nothing about (spec.md §6's
// delete_instrumentation, spec.md §3's ownership summary).
func (v *VM) DeleteInstrumentation(id uint32) bool {
	if abi.BandOf(id) == abi.BandMemRange {
		for i, reg := range v.memCBs {
			if reg.id == id {
				v.memCBs = append(v.memCBs[:i], v.memCBs[i+1:]...)
				return true
			}
		}
		return false
	}
	return v.Engine.DeleteInstrumentation(id)
}

// DeleteAllInstrumentations clears the engine's rule tables and this
// facade's memory-callback registry (spec.md §6's
// delete_all_instrumentations).
func (v *VM) DeleteAllInstrumentations() {
	v.Engine.DeleteAllInstrumentations()
	v.memCBs = nil
}

// AddMemAccessCB registers cb to fire on every recorded access of typ,
// anywhere in the address space (spec.md §6's add_mem_access_cb).
func (v *VM) AddMemAccessCB(typ abi.MemoryAccessType, cb MemAccessCallback, userData any) uint32 {
	return v.addMemCB(MemCBInfo{Type: typ, Callback: cb, UserData: userData, Unranged: true})
}

// AddMemAddrCB registers cb to fire on an access of typ at exactly addr;
// it collapses to AddMemRangeCB(addr, addr+1, ...) per spec.md §4.9.
func (v *VM) AddMemAddrCB(addr uint64, typ abi.MemoryAccessType, cb MemAccessCallback, userData any) uint32 {
	return v.AddMemRangeCB(addr, addr+1, typ, cb, userData)
}

// AddMemRangeCB registers cb to fire on an access of typ whose address
// falls in [start, end) (spec.md §6's add_mem_range_cb).
func (v *VM) AddMemRangeCB(start, end uint64, typ abi.MemoryAccessType, cb MemAccessCallback, userData any) uint32 {
	return v.addMemCB(MemCBInfo{Type: typ, Range: rangeset.NewRange(start, end), Callback: cb, UserData: userData})
}

func (v *VM) addMemCB(info MemCBInfo) uint32 {
	if info.Callback == nil {
		return abi.InvalidEventID
	}
	v.installGates(info.Type)
	id := abi.MakeID(abi.BandMemRange, v.nextMemCBID)
	v.nextMemCBID++
	v.memCBs = append(v.memCBs, memCBReg{id: id, MemCBInfo: info})
	return id
}

// installGates enables shadow recording and installs the PRE/POST gate
// code callbacks the first time each direction is needed (spec.md §4.9:
// "The first time the user asks for memory callbacks, the VM enables
// memory-access shadow recording... and installs a gate on every
// memory-accessing instruction... Gate installation is idempotent.").
func (v *VM) installGates(typ abi.MemoryAccessType) {
	if typ&abi.MemRead != 0 && !v.haveReadGate {
		v.RecordMemoryAccess(abi.MemRead)
		v.readGateID = v.AddCodeCB(abi.PreInst, v.gateFireAt(abi.PreInst), nil)
		v.haveReadGate = true
	}
	if typ&abi.MemWrite != 0 && !v.haveWriteGate {
		v.RecordMemoryAccess(abi.MemWrite)
		v.writeGateID = v.AddPostShadowGateCB(v.gateFireAt(abi.PostInst), nil)
		v.haveWriteGate = true
	}
}

// gateFireAt builds the callback installed as the read gate (PRE, runs
// right after the pinned memory-shadow-read rule) or the write gate (POST,
// pinned to run after every other POST rule including the shadow-write
// rule); either way the shadow entry for the current instruction, if any,
// is already in the table by the time it runs.
func (v *VM) gateFireAt(pos abi.InstPosition) engine.InstCallback {
	return func(gpr *codeasm.GPRState, fpr *codeasm.FPRState, _ any) abi.VMAction {
		return v.fireMatchingCBs(gpr, fpr, v.GetInstMemoryAccess(pos))
	}
}

func (v *VM) fireMatchingCBs(gpr *codeasm.GPRState, fpr *codeasm.FPRState, accesses []MemoryAccess) abi.VMAction {
	for _, access := range accesses {
		for _, reg := range v.memCBs {
			if !memCBMatches(reg.MemCBInfo, access) {
				continue
			}
			if action := reg.Callback(gpr, fpr, access, reg.UserData); action == abi.BreakToVM || action == abi.Stop {
				return action
			}
		}
	}
	return abi.Continue
}

func memCBMatches(info MemCBInfo, access MemoryAccess) bool {
	if info.Type&access.Type == 0 {
		return false
	}
	if info.Unranged {
		return true
	}
	return info.Range.Contains(access.Address)
}

// GetInstMemoryAccess reassembles the current instruction's shadow entries
// into MemoryAccess records (spec.md §4.9's get_inst_memory_access). pos
// tells it whether a write's address/value pair is valid yet: queried at
// PREINST, before the write has executed, a WRITE_ADDRESS_TAG entry (there
// can be none yet in practice, but a stale one from a prior iteration of a
// reused block's Context would otherwise be misread) is skipped.
func (v *VM) GetInstMemoryAccess(pos abi.InstPosition) []MemoryAccess {
	b := v.CurrentBlock()
	if b == nil {
		return nil
	}
	return v.pairShadowEntries(b.Context.QueryByInst(b.GetCurrentInstID()), pos)
}

// GetBBMemoryAccess is GetInstMemoryAccess's whole-basic-block counterpart
// (spec.md §4.9's get_bb_memory_access). execblock subdivides a block into
// several Sequences purely to cap arena size (spec.md §4.4); the "basic
// block" the spec means is the whole Block, so this walks every shadow
// entry the block's Context holds, not just the currently executing
// sub-sequence's.
func (v *VM) GetBBMemoryAccess(pos abi.InstPosition) []MemoryAccess {
	b := v.CurrentBlock()
	if b == nil {
		return nil
	}
	return v.pairShadowEntries(b.Context.Shadows, pos)
}

func (v *VM) pairShadowEntries(entries []execblock.ShadowEntry, pos abi.InstPosition) []MemoryAccess {
	var out []MemoryAccess
	// lastType tracks the most recently seen access direction so a
	// standalone ShadowSize entry (REP-prefixed total byte count, recorded
	// independently of its instruction's address/value pair) can still be
	// reported with the right MemoryAccessType (spec.md §4.10).
	var lastType abi.MemoryAccessType
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		var typ abi.MemoryAccessType
		switch e.Tag {
		case execblock.ShadowReadAddr:
			typ = abi.MemRead
			lastType = typ
		case execblock.ShadowWriteAddr:
			if pos == abi.PreInst {
				continue
			}
			typ = abi.MemWrite
			lastType = typ
		case execblock.ShadowSize:
			if pos == abi.PreInst || lastType == 0 {
				continue
			}
			out = append(out, MemoryAccess{Value: e.Value, Type: lastType, Flags: e.Flags})
			continue
		default:
			continue
		}
		if i+1 >= len(entries) || entries[i+1].Tag != execblock.ShadowValue {
			v.log.Printf("tinybdi: shadow entry tag %v at index %d has no paired value, dropping", e.Tag, i)
			continue
		}
		out = append(out, MemoryAccess{
			Address: e.Value,
			Value:   entries[i+1].Value,
			Type:    typ,
			Flags:   e.Flags | entries[i+1].Flags,
		})
		i++
	}
	return out
}

// Call arranges the guest stack for a call to fn with args, runs it to
// completion and reports its return value (spec.md §4.9's call). ran is
// false if the run did not complete cleanly by reaching FakeRetAddr (fn not
// instrumented, a broker refusal, a callback stopping the run early, or an
// internal error, which is also returned).
func (v *VM) Call(fn uint64, args ...uint64) (ran bool, ret uint64, err error) {
	return v.CallA(fn, args)
}

// CallV is Call with its arguments already collected into a slice, mirroring
// QBDI::VM::callV.
func (v *VM) CallV(fn uint64, args []uint64) (bool, uint64, error) {
	return v.CallA(fn, args)
}

// CallA is Call's fully explicit form: every argument shape the facade
// offers (Call, CallV) funnels through it.
func (v *VM) CallA(fn uint64, args []uint64) (bool, uint64, error) {
	if len(args) > len(v.conv.ArgRegs) {
		return false, 0, errs.New(errs.ErrorInvalidParameter, "more arguments than the call convention has registers for")
	}

	gpr := *v.GPRState()
	sp := gpr.R[v.conv.StackReg] - 8
	if err := v.mem.WriteWord(sp, FakeRetAddr); err != nil {
		return false, 0, errs.Wrap(errs.ErrorAllocationFailure, "writing the synthetic return address", err)
	}
	gpr.R[v.conv.StackReg] = sp
	for i, a := range args {
		gpr.R[v.conv.ArgRegs[i]] = a
	}
	v.SetGPRState(gpr)

	// One-shot breakpoint at the synthetic return address (spec.md §4.9).
	// Run's own stop parameter is what halts execution there once fn's RET
	// pops our frame: Run's loop ends at pc == FakeRetAddr before anything
	// at that address is translated, so this callback does not fire when fn
	// returns there.
	id := v.AddCodeAddrCB(FakeRetAddr, abi.PreInst, func(*codeasm.GPRState, *codeasm.FPRState, any) abi.VMAction {
		return abi.Stop
	}, nil)
	defer v.DeleteInstrumentation(id)

	ran, err := v.Run(fn, FakeRetAddr)
	if err != nil || !ran {
		return false, 0, err
	}
	if v.GPRState().PC != FakeRetAddr {
		return false, 0, nil
	}
	return true, v.GPRState().R[v.conv.ReturnReg], nil
}
