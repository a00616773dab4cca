package eventapi

import (
	"github.com/tinybdi/tinybdi"
	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/engine"
)

// eventNames maps each abi.VMEvent bit to the name it's broadcast under.
var eventNames = []struct {
	bit  abi.VMEvent
	name string
}{
	{abi.SequenceEntry, "sequence_entry"},
	{abi.SequenceExit, "sequence_exit"},
	{abi.BasicBlockEntry, "basic_block_entry"},
	{abi.BasicBlockExit, "basic_block_exit"},
	{abi.BasicBlockNew, "basic_block_new"},
	{abi.ExecTransferCall, "exec_transfer_call"},
	{abi.ExecTransferRet, "exec_transfer_ret"},
}

// Publisher wires a tinybdi.VM's instrumentation events into a Broadcaster,
// translating engine.VMState/abi.VMEvent occurrences and memory accesses
// into JSON-friendly Event values.
//
// Grounded on the teacher's api.Server, which owned a Broadcaster and fed
// it from debugger/VM state changes; here the VM itself is the event
// source; Publisher only needs AddVMEventCB and, optionally, a memory mask
// to also stream raw accesses.
type Publisher struct {
	VM          *tinybdi.VM
	Broadcaster *Broadcaster

	vmEventID uint32
	memCBID   uint32
}

// NewPublisher installs a VM-event callback on v that forwards every
// matching event to b. mask selects which abi.VMEvent bits are observed;
// pass abi.AnyEvent to forward everything.
func NewPublisher(v *tinybdi.VM, b *Broadcaster, mask abi.VMEvent) *Publisher {
	p := &Publisher{VM: v, Broadcaster: b}
	p.vmEventID = v.AddVMEventCB(mask, p.onVMEvent, nil)
	return p
}

func (p *Publisher) onVMEvent(state engine.VMState, gpr *codeasm.GPRState, fpr *codeasm.FPRState, userData any) abi.VMAction {
	for _, en := range eventNames {
		if state.EventMask&en.bit == 0 {
			continue
		}
		p.Broadcaster.Publish(Event{
			Type: EventVMState,
			Data: map[string]any{
				"event":             en.name,
				"basic_block_start": state.BasicBlockStart,
				"basic_block_end":   state.BasicBlockEnd,
				"sequence_start":    state.SequenceStart,
				"sequence_end":      state.SequenceEnd,
				"pc":                gpr.PC,
			},
		})
	}
	return abi.Continue
}

// WatchMemory additionally streams every memory access matching typ as
// EventMemAccess messages, for observers that want raw read/write traffic
// rather than just block/sequence transitions.
func (p *Publisher) WatchMemory(typ abi.MemoryAccessType) {
	p.memCBID = p.VM.AddMemAccessCB(typ, func(_ *codeasm.GPRState, _ *codeasm.FPRState, access tinybdi.MemoryAccess, _ any) abi.VMAction {
		p.Broadcaster.Publish(Event{
			Type: EventMemAccess,
			Data: map[string]any{
				"address": access.Address,
				"value":   access.Value,
				"type":    int(access.Type),
			},
		})
		return abi.Continue
	}, nil)
}

// Close removes this publisher's installed instrumentation.
func (p *Publisher) Close() {
	p.VM.DeleteInstrumentation(p.vmEventID)
	if p.memCBID != 0 {
		p.VM.DeleteInstrumentation(p.memCBID)
	}
}
