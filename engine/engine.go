// Package engine implements the top-level run loop (spec.md §4.7): fetch
// guest PC, translate if absent, execute the block, dispatch events, and
// advance, all while owning the canonical register state and the broker,
// block cache and rule-table collaborators underneath it.
//
// Grounded on the teacher's vm.VM/vm.Executor: a struct owning the runnable
// state plus a "run until a stop condition" loop, generalised here to drive
// translated blocks instead of interpreting ARM opcodes directly.
package engine

import (
	"fmt"

	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/blockcache"
	"github.com/tinybdi/tinybdi/broker"
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/execblock"
	"github.com/tinybdi/tinybdi/instrrule"
	"github.com/tinybdi/tinybdi/patch"
	"github.com/tinybdi/tinybdi/patchrule"
	"github.com/tinybdi/tinybdi/rangeset"
)

// InstCallback fires around one instruction (spec.md §6's InstCallback).
type InstCallback func(gpr *codeasm.GPRState, fpr *codeasm.FPRState, userData any) abi.VMAction

// VMCallback fires on a VM event (spec.md §6's VMCallback).
type VMCallback func(state VMState, gpr *codeasm.GPRState, fpr *codeasm.FPRState, userData any) abi.VMAction

// InstrumentDataCBK is one dynamically selected PRE/POST callback, the
// element type of the slice an InstrumentCallback returns (spec.md §6's
// InstrumentDataCBK).
type InstrumentDataCBK struct {
	Position abi.InstPosition
	Callback InstCallback
	UserData any
}

// InstrumentCallback is consulted once per instrumented instruction, with
// that instruction's InstAnalysis, to pick which InstCallbacks should fire
// at PRE and POST (spec.md §6's add_instr_rule contract: "InstrumentCallback
// (engine, inst_analysis, user_data) -> Vec<InstrumentDataCBK>"). Unlike
// instrrule.Rule's static Predicate/Generate split, the selection can
// depend on anything AnalyzeInst reports about the instruction currently
// executing, not just what a patch rule could see at translate time.
type InstrumentCallback func(e *Engine, ia patch.InstAnalysis, userData any) []InstrumentDataCBK

type dynamicRuleReg struct {
	id uint32

	// dispatchPreID/dispatchPostID are the execblock.Callback ids spliced
	// into patches; dynamicDispatch is keyed by these.
	dispatchPreID  uint32
	dispatchPostID uint32

	// rulePreID/rulePostID are the instrrule.Table registration ids needed
	// to remove the splicing rules themselves.
	rulePreID  uint32
	rulePostID uint32

	cb       InstrumentCallback
	userData any
}

type dynamicDispatchEntry struct {
	reg      dynamicRuleReg
	position abi.InstPosition
}

// VMState is the lazily recomputed event payload (spec.md §3).
type VMState struct {
	EventMask                      abi.VMEvent
	BasicBlockStart, BasicBlockEnd uint64
	SequenceStart, SequenceEnd     uint64
	LastSignal                     int
}

type codeCBReg struct {
	id       uint32
	ruleID   uint32
	fn       InstCallback
	userData any
}

type vmEventReg struct {
	id       uint32
	mask     abi.VMEvent
	fn       VMCallback
	userData any
}

// Engine is the top-level loop owner (spec.md §4.7, §3's ownership summary:
// "Engine exclusively owns the BlockManager, the broker, the rule tables,
// and the canonical register state").
type Engine struct {
	asm   codeasm.Assembler
	exec  codeasm.GuestExecutor
	mem   codeasm.Memory
	fetch patchrule.CodeFetcher

	patches *patchrule.Table
	instr   *instrrule.Table
	cache   *blockcache.Manager
	broker  *broker.Broker

	options abi.Options

	canonicalGPR codeasm.GPRState
	canonicalFPR codeasm.FPRState
	// live is non-nil exactly while execute() is running, pointing at the
	// currently-executing block's context (spec.md §4.8).
	live *execblock.Context

	codeCallbacks []codeCBReg
	nextCodeCBID  uint32
	vmEvents      []vmEventReg
	nextVMEventID uint32

	dynamicRules []dynamicRuleReg
	// dynamicDispatch maps a minted callback id to which dynamicRuleReg it
	// belongs to and which position it was spliced at, so dispatch() can
	// find the InstrumentCallback to re-consult without a linear scan per
	// instruction executed.
	dynamicDispatch map[uint32]dynamicDispatchEntry

	currentBlock *execblock.Block
	currentSeqID int

	recordRead  bool
	recordWrite bool
	recordSize  bool

	lastStatePC   uint64
	lastState     VMState
	haveLastState bool
}

// New builds an Engine over the given collaborators. asm/exec/mem/fetch are
// the architecture-specific collaborators spec.md §1 treats as external;
// patches/instr/cache/broker are the rule tables and caches the Engine owns
// exclusively for the rest of its life.
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
) *Engine {
	return &Engine{
		asm: asm, exec: exec, mem: mem, fetch: fetch,
		patches: patches, instr: instr, cache: cache, broker: b,
		options:         opts,
		dynamicDispatch: make(map[uint32]dynamicDispatchEntry),
	}
}

// Options reports the VM construction options the engine was built with.
func (e *Engine) Options() abi.Options { return e.options }

// Broker exposes the broker collaborator for the VM facade's range-
// management and cache-control surface (spec.md §6).
func (e *Engine) Broker() *broker.Broker { return e.broker }

// Cache exposes the block-cache collaborator for the same reason.
func (e *Engine) Cache() *blockcache.Manager { return e.cache }

// GPRState returns a pointer to the currently authoritative register file:
// the live one while execute() is in progress, canonical otherwise
// (spec.md §4.8).
func (e *Engine) GPRState() *codeasm.GPRState {
	if e.live != nil {
		return &e.live.GPR
	}
	return &e.canonicalGPR
}

// FPRState is GPRState's floating-point counterpart.
func (e *Engine) FPRState() *codeasm.FPRState {
	if e.live != nil {
		return &e.live.FPR
	}
	return &e.canonicalFPR
}

// SetGPRState overwrites whichever storage GPRState currently points at, so
// a callback firing mid-execution is observed by the block on resume
// (spec.md §4.8).
func (e *Engine) SetGPRState(s codeasm.GPRState) { *e.GPRState() = s }

// SetFPRState is SetGPRState's floating-point counterpart.
func (e *Engine) SetFPRState(s codeasm.FPRState) { *e.FPRState() = s }

// AddInstrRule registers r with no applicability restriction beyond what r
// itself carries (spec.md §6's add_instr_rule).
func (e *Engine) AddInstrRule(r instrrule.Rule) uint32 {
	return e.instr.Add(r)
}

// AddInstrRuleRange registers r restricted to applicable (spec.md §6's
// add_instr_rule_range).
func (e *Engine) AddInstrRuleRange(applicable *rangeset.Set, r instrrule.Rule) uint32 {
	r.Applicable = applicable
	return e.instr.Add(r)
}

// AddInstrRuleCallback registers cb with no applicability restriction
// (spec.md §6's add_instr_rule, the dynamic-selection overload:
// InstrumentCallback(engine, inst_analysis, user_data) -> Vec<InstrumentDataCBK>).
// Unlike AddInstrRule's static Rule, cb is re-consulted every time the
// instrumented instruction executes, with that instruction's InstAnalysis,
// so the set of PRE/POST callbacks it installs can vary per invocation
// instead of being fixed at translate time.
func (e *Engine) AddInstrRuleCallback(cb InstrumentCallback, userData any) uint32 {
	return e.addInstrRuleCallback(nil, cb, userData)
}

// AddInstrRuleCallbackRange is AddInstrRuleCallback restricted to
// applicable (spec.md §6's add_instr_rule_range, dynamic-selection overload).
func (e *Engine) AddInstrRuleCallbackRange(applicable *rangeset.Set, cb InstrumentCallback, userData any) uint32 {
	return e.addInstrRuleCallback(applicable, cb, userData)
}

func (e *Engine) addInstrRuleCallback(applicable *rangeset.Set, cb InstrumentCallback, userData any) uint32 {
	id := abi.MakeID(abi.BandInstrRule, e.nextCodeCBID)
	e.nextCodeCBID++
	preID := abi.MakeID(abi.BandInstrRule, e.nextCodeCBID)
	e.nextCodeCBID++
	postID := abi.MakeID(abi.BandInstrRule, e.nextCodeCBID)
	e.nextCodeCBID++

	rulePreID := e.instr.Add(instrrule.Rule{
		Applicable: applicable,
		Position:   abi.PreInst,
		Generate: func(codeasm.Assembler, patch.Patch) []codeasm.RelocInst {
			return []codeasm.RelocInst{execblock.Callback(preID)}
		},
	})
	rulePostID := e.instr.Add(instrrule.Rule{
		Applicable: applicable,
		Position:   abi.PostInst,
		Generate: func(codeasm.Assembler, patch.Patch) []codeasm.RelocInst {
			return []codeasm.RelocInst{execblock.Callback(postID)}
		},
	})

	reg := dynamicRuleReg{
		id:             id,
		dispatchPreID:  preID,
		dispatchPostID: postID,
		rulePreID:      rulePreID,
		rulePostID:     rulePostID,
		cb:             cb,
		userData:       userData,
	}
	e.dynamicRules = append(e.dynamicRules, reg)
	e.dynamicDispatch[preID] = dynamicDispatchEntry{reg: reg, position: abi.PreInst}
	e.dynamicDispatch[postID] = dynamicDispatchEntry{reg: reg, position: abi.PostInst}
	return id
}

// AddCodeCB registers fn to run at every instruction, at position pos
// (spec.md §6's add_code_cb).
func (e *Engine) AddCodeCB(pos abi.InstPosition, fn InstCallback, userData any) uint32 {
	return e.registerCodeCB(pos, nil, nil, fn, userData)
}

// AddCodeAddrCB registers fn to run only at addr (spec.md §6's
// add_code_addr_cb).
func (e *Engine) AddCodeAddrCB(addr uint64, pos abi.InstPosition, fn InstCallback, userData any) uint32 {
	applicable := rangeset.New()
	applicable.Add(rangeset.NewRange(addr, addr+1))
	return e.registerCodeCB(pos, applicable, nil, fn, userData)
}

// AddCodeRangeCB registers fn to run on every instruction inside [start,
// end) (spec.md §6's add_code_range_cb).
func (e *Engine) AddCodeRangeCB(start, end uint64, pos abi.InstPosition, fn InstCallback, userData any) uint32 {
	applicable := rangeset.New()
	applicable.Add(rangeset.NewRange(start, end))
	return e.registerCodeCB(pos, applicable, nil, fn, userData)
}

// AddMnemonicCB registers fn to run on every instruction whose mnemonic
// matches pattern, which may end in "*" for a prefix match (e.g. "CALL*"
// per spec.md §8 scenario 2; spec.md §6's add_mnemonic_cb).
func (e *Engine) AddMnemonicCB(pattern string, pos abi.InstPosition, fn InstCallback, userData any) uint32 {
	predicate := mnemonicPredicate(pattern)
	return e.registerCodeCB(pos, nil, predicate, fn, userData)
}

func mnemonicPredicate(pattern string) func(patch.Patch) bool {
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return func(p patch.Patch) bool {
			return len(p.Orig.Mnemonic) >= len(prefix) && p.Orig.Mnemonic[:len(prefix)] == prefix
		}
	}
	return func(p patch.Patch) bool { return p.Orig.Mnemonic == pattern }
}

func (e *Engine) registerCodeCB(pos abi.InstPosition, applicable *rangeset.Set, predicate func(patch.Patch) bool, fn InstCallback, userData any) uint32 {
	id := abi.MakeID(abi.BandInstrRule, e.nextCodeCBID)
	e.nextCodeCBID++

	ruleID := e.instr.Add(instrrule.Rule{
		Applicable: applicable,
		Predicate:  predicate,
		Position:   pos,
		Generate: func(codeasm.Assembler, patch.Patch) []codeasm.RelocInst {
			return []codeasm.RelocInst{execblock.Callback(id)}
		},
	})

	e.codeCallbacks = append(e.codeCallbacks, codeCBReg{id: id, ruleID: ruleID, fn: fn, userData: userData})
	return id
}

// RecordMemoryAccess enables memory-access shadow recording for typ
// (spec.md §4.10's record_memory_access), pinning the shadow rule the first
// time each direction is requested and flushing the cache so every block
// translated from now on carries the splice. Returns false (a no-op) if
// both requested directions were already enabled.
func (e *Engine) RecordMemoryAccess(typ abi.MemoryAccessType) bool {
	installed := false
	if typ&abi.MemRead != 0 && !e.recordRead {
		e.instr.PinPreFirst(instrrule.MemoryShadowReadRule())
		e.recordRead = true
		installed = true
	}
	if typ&abi.MemWrite != 0 && !e.recordWrite {
		e.instr.PinPostLast(instrrule.MemoryShadowWriteRule())
		e.recordWrite = true
		installed = true
	}
	if installed && !e.recordSize {
		// REP-prefixed total-byte-count recording rides along with
		// whichever direction got turned on first (spec.md §4.10): the
		// size rule's own predicate restricts it to REP-prefixed accesses
		// regardless of direction, so one pinned copy covers both.
		e.instr.PinPostLast(instrrule.MemoryShadowSizeRule())
		e.recordSize = true
	}
	if installed {
		e.cache.ClearAllCache()
	}
	return installed
}

// RecordingMemoryAccess reports which directions of memory access are
// currently being shadow-recorded.
func (e *Engine) RecordingMemoryAccess() (read, write bool) {
	return e.recordRead, e.recordWrite
}

// AddPostShadowGateCB registers fn to run after every POST-position
// instrumentation rule, including the pinned memory-shadow write rule, so
// it can observe a write the current instruction just made (spec.md §4.9's
// memory-access gate). Used once by the VM facade to install its
// memory-write gate; ordinary POST code callbacks run earlier and must not
// rely on seeing a write's shadow entry.
func (e *Engine) AddPostShadowGateCB(fn InstCallback, userData any) uint32 {
	id := abi.MakeID(abi.BandInstrRule, e.nextCodeCBID)
	e.nextCodeCBID++

	ruleID := e.instr.PinPostGate(instrrule.Rule{
		Position: abi.PostInst,
		Predicate: func(p patch.Patch) bool {
			return p.Orig.WritesMemory
		},
		Generate: func(codeasm.Assembler, patch.Patch) []codeasm.RelocInst {
			return []codeasm.RelocInst{execblock.Callback(id)}
		},
	})

	e.codeCallbacks = append(e.codeCallbacks, codeCBReg{id: id, ruleID: ruleID, fn: fn, userData: userData})
	return id
}

// CurrentBlock returns the block the engine is currently (or, between Run
// calls, was most recently) executing, for the VM facade's shadow-table
// queries (spec.md §4.9's get_inst_memory_access/get_bb_memory_access).
func (e *Engine) CurrentBlock() *execblock.Block { return e.currentBlock }

// CurrentSeqID is CurrentBlock's companion: the sequence index within it.
func (e *Engine) CurrentSeqID() int { return e.currentSeqID }

// AnalyzeInst returns the InstAnalysis for instID within the engine's
// current block, computing only the fields typeMask names and reusing the
// block manager's per-instruction cache (spec.md §6's get_inst_analysis).
func (e *Engine) AnalyzeInst(instID uint32, typeMask abi.AnalysisType) (patch.InstAnalysis, bool) {
	if e.currentBlock == nil {
		return patch.InstAnalysis{}, false
	}
	orig, ok := e.currentBlock.GetOriginalInst(instID)
	if !ok {
		return patch.InstAnalysis{}, false
	}
	addr, _ := e.currentBlock.GetInstAddress(instID)
	p := patch.Patch{Address: addr, InstSize: orig.Size, Orig: orig}
	return e.cache.AnalyzeInstMetadata(p, typeMask), true
}

// AddVMEventCB registers fn to fire whenever an engine event intersects
// mask (spec.md §6's add_vm_event_cb).
func (e *Engine) AddVMEventCB(mask abi.VMEvent, fn VMCallback, userData any) uint32 {
	id := abi.MakeID(abi.BandVMEvent, e.nextVMEventID)
	e.nextVMEventID++
	e.vmEvents = append(e.vmEvents, vmEventReg{id: id, mask: mask, fn: fn, userData: userData})
	return id
}

// DeleteInstrumentation removes the registration under id, dispatching by
// ID band, and flushes the cache over whatever range the deleted
// registration was applicable to (spec.md §4.7, §6's delete_instrumentation).
func (e *Engine) DeleteInstrumentation(id uint32) bool {
	switch abi.BandOf(id) {
	case abi.BandInstrRule:
		for i, reg := range e.codeCallbacks {
			if reg.id == id {
				set, ok := e.instr.Remove(reg.ruleID)
				e.codeCallbacks = append(e.codeCallbacks[:i], e.codeCallbacks[i+1:]...)
				e.flushForApplicability(set, ok)
				return true
			}
		}
		for i, reg := range e.dynamicRules {
			if reg.id != id {
				continue
			}
			setPre, okPre := e.instr.Remove(reg.rulePreID)
			setPost, okPost := e.instr.Remove(reg.rulePostID)
			delete(e.dynamicDispatch, reg.dispatchPreID)
			delete(e.dynamicDispatch, reg.dispatchPostID)
			e.dynamicRules = append(e.dynamicRules[:i], e.dynamicRules[i+1:]...)
			e.flushForApplicability(setPre, okPre)
			e.flushForApplicability(setPost, okPost)
			return true
		}
		set, ok := e.instr.Remove(id)
		if ok {
			e.flushForApplicability(set, true)
		}
		return ok
	case abi.BandVMEvent:
		for i, reg := range e.vmEvents {
			if reg.id == id {
				e.vmEvents = append(e.vmEvents[:i], e.vmEvents[i+1:]...)
				return true
			}
		}
		return false
	default:
		return false
	}
}

// DeleteAllInstrumentations removes every registered instrumentation rule,
// code callback and flushes the cache entirely (spec.md §6's
// delete_all_instrumentations).
func (e *Engine) DeleteAllInstrumentations() {
	e.instr.RemoveAll()
	e.codeCallbacks = nil
	e.dynamicRules = nil
	e.dynamicDispatch = make(map[uint32]dynamicDispatchEntry)
	e.cache.ClearAllCache()
}

func (e *Engine) flushForApplicability(set *rangeset.Set, found bool) {
	if !found {
		return
	}
	if set == nil {
		e.cache.ClearAllCache()
		return
	}
	for _, r := range set.Ranges() {
		e.cache.ClearCache(r)
	}
}

func (e *Engine) dispatch(id uint32) abi.VMAction {
	if entry, ok := e.dynamicDispatch[id]; ok {
		return e.dispatchDynamic(entry)
	}
	for _, reg := range e.codeCallbacks {
		if reg.id == id {
			return reg.fn(e.GPRState(), e.FPRState(), reg.userData)
		}
	}
	return abi.Continue
}

// dispatchDynamic re-consults entry's InstrumentCallback with the currently
// executing instruction's InstAnalysis and runs whichever InstrumentDataCBK
// entries it returns for entry.position, in the order returned.
func (e *Engine) dispatchDynamic(entry dynamicDispatchEntry) abi.VMAction {
	if e.currentBlock == nil {
		return abi.Continue
	}
	ia, ok := e.AnalyzeInst(e.currentBlock.GetCurrentInstID(), abi.AnalysisInstruction|abi.AnalysisOperands)
	if !ok {
		return abi.Continue
	}
	for _, cbk := range entry.reg.cb(e, ia, entry.reg.userData) {
		if cbk.Position != entry.position || cbk.Callback == nil {
			continue
		}
		if action := cbk.Callback(e.GPRState(), e.FPRState(), cbk.UserData); action == abi.BreakToVM || action == abi.Stop {
			return action
		}
	}
	return abi.Continue
}

// Patch decodes instructions starting at start and applies patch rules
// (spec.md §4.7's patch).
func (e *Engine) Patch(start uint64) ([]patch.Patch, error) {
	return e.patches.BuildBasicBlock(e.asm, e.fetch, start)
}

// Instrument splices every applicable instrumentation rule into patches in
// place (spec.md §4.7's instrument).
func (e *Engine) Instrument(patches []patch.Patch) {
	e.instr.Instrument(e.asm, patches)
}

// PrecacheBasicBlock forces translation of the block starting at pc without
// executing it, mirrored from QBDI's precacheBasicBlock and used by the
// translation-idempotence property of spec.md §8.
func (e *Engine) PrecacheBasicBlock(pc uint64) error {
	if _, ok := e.cache.GetProgrammedBlock(pc); ok {
		return nil
	}
	patches, err := e.Patch(pc)
	if err != nil {
		return err
	}
	e.Instrument(patches)
	_, err = e.writeBlock(patches)
	return err
}

func (e *Engine) writeBlock(patches []patch.Patch) (*execblock.Block, error) {
	b, err := e.cache.WriteBasicBlock(patches)
	if err != nil {
		return nil, err
	}
	b.Context.Dispatch = e.dispatch
	return b, nil
}

func (e *Engine) signalEvent(mask abi.VMEvent, pc uint64) abi.VMAction {
	if mask == 0 || len(e.vmEvents) == 0 {
		return abi.Continue
	}
	if !e.haveLastState || e.lastStatePC != pc {
		e.lastState = e.buildVMState()
		e.lastStatePC = pc
		e.haveLastState = true
	}
	e.lastState.EventMask = mask

	gpr, fpr := e.GPRState(), e.FPRState()
	for _, reg := range e.vmEvents {
		if reg.mask&mask == 0 {
			continue
		}
		if action := reg.fn(e.lastState, gpr, fpr, reg.userData); action == abi.BreakToVM || action == abi.Stop {
			return action
		}
	}
	return abi.Continue
}

func (e *Engine) buildVMState() VMState {
	var s VMState
	if e.currentBlock != nil {
		s.BasicBlockStart = e.currentBlock.GuestRange.Start
		s.BasicBlockEnd = e.currentBlock.GuestRange.End
		if e.currentSeqID >= 0 && e.currentSeqID < e.currentBlock.NumSequences() {
			s.SequenceStart = e.currentBlock.Sequences[e.currentSeqID].StartGuestAddr
		}
		s.SequenceEnd = s.BasicBlockEnd
	}
	return s
}

// Run executes from start until pc == stop (spec.md §4.7's run). It returns
// false without running anything if start is not in the instrumented set;
// it returns true on every other termination (STOP requested, BREAK_TO_VM
// requested, broker refusal, or pc == stop reached), and a non-nil error
// only for a fatal internal condition (decode failure, no matching patch
// rule, arena allocation failure — spec.md §7).
func (e *Engine) Run(start, stop uint64) (bool, error) {
	if !e.broker.IsInstrumented(start) {
		return false, nil
	}

	pc := start
	for pc != stop {
		if !e.broker.IsInstrumented(pc) {
			if !e.broker.CanTransferExecution(*e.GPRState()) {
				return true, nil
			}
			e.signalEvent(abi.ExecTransferCall, pc)
			if err := e.broker.TransferExecution(pc, e.GPRState(), e.FPRState(), e.mem); err != nil {
				return false, err
			}
			pc = e.GPRState().PC
			e.signalEvent(abi.ExecTransferRet, pc)
			continue
		}

		if e.cache.IsFlushPending() {
			e.cache.FlushCommit()
		}

		block, ok := e.cache.GetProgrammedBlock(pc)
		var seqID int
		newBlock := false
		if ok {
			seqID = 0
		} else if seqBlock, id, found := e.cache.GetSeqLoc(pc); found {
			// pc re-enters an existing block below its own entry address —
			// a loop back-edge landing inside an already-translated block
			// (spec.md §4.5's get_seq_loc). Reuse the sequence rather than
			// retranslating from scratch.
			block, seqID = seqBlock, id
		} else {
			patches, err := e.Patch(pc)
			if err != nil {
				return false, fmt.Errorf("engine: translating 0x%x: %w", pc, err)
			}
			e.Instrument(patches)
			block, err = e.writeBlock(patches)
			if err != nil {
				return false, fmt.Errorf("engine: materialising block at 0x%x: %w", pc, err)
			}
			newBlock = true
		}

		if &block.Context != e.live {
			block.Context.GPR = *e.GPRState()
			if e.options&abi.OptDisableFPR == 0 {
				block.Context.FPR = *e.FPRState()
			}
		}

		e.currentBlock = block
		e.currentSeqID = seqID

		mask := abi.SequenceEntry
		if seqID == 0 {
			mask |= abi.BasicBlockEntry
		}
		if newBlock {
			mask |= abi.BasicBlockNew
		}
		if action := e.signalEvent(mask, pc); action == abi.Stop || action == abi.BreakToVM {
			e.canonicalGPR = block.Context.GPR
			if e.options&abi.OptDisableFPR == 0 {
				e.canonicalFPR = block.Context.FPR
			}
			return true, nil
		}

		// Each pass through a block starts its shadow table empty: a loop's
		// Nth visit to the same block must not see memory-access records a
		// prior visit left behind (spec.md §4.9's get_inst_memory_access
		// answers for "the current instruction", not its whole history).
		block.Context.Shadows = block.Context.Shadows[:0]

		e.live = &block.Context
		action, newPC, err := block.Execute(seqID, e.exec, e.mem)
		e.live = nil
		if err != nil {
			return false, fmt.Errorf("engine: executing block at 0x%x: %w", pc, err)
		}

		e.canonicalGPR = block.Context.GPR
		if e.options&abi.OptDisableFPR == 0 {
			e.canonicalFPR = block.Context.FPR
		}

		if action == abi.Stop {
			return true, nil
		}

		exitMask := abi.SequenceExit
		if !block.GuestRange.Contains(newPC) {
			exitMask |= abi.BasicBlockExit
		}
		e.signalEvent(exitMask, newPC)

		pc = newPC
		if action == abi.BreakToVM {
			return true, nil
		}
	}
	return true, nil
}
