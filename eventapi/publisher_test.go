package eventapi

import (
	"testing"

	"github.com/tinybdi/tinybdi"
	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/blockcache"
	"github.com/tinybdi/tinybdi/broker"
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/instrrule"
	"github.com/tinybdi/tinybdi/patchrule"
	"github.com/tinybdi/tinybdi/rangeset"
)

type flatMemory struct{ words map[uint64]uint64 }

func newFlatMemory() *flatMemory { return &flatMemory{words: make(map[uint64]uint64)} }

func (m *flatMemory) ReadWord(addr uint64) (uint64, error)      { return m.words[addr], nil }
func (m *flatMemory) WriteWord(addr uint64, value uint64) error { m.words[addr] = value; return nil }

func newPublisherVM(t *testing.T, code []byte) *tinybdi.VM {
	t.Helper()
	fetch := func(addr uint64, maxLen int) ([]byte, error) {
		if int(addr) >= len(code) {
			return nil, nil
		}
		end := int(addr) + maxLen
		if end > len(code) {
			end = len(code)
		}
		return code[addr:end], nil
	}
	cache := blockcache.New(nil)
	b := broker.New(nil, 0xFFFFFFFFFFFFFFFF)
	b.AddInstrumentedRange(rangeset.NewRange(0, uint64(len(code))))
	v := tinybdi.New(codeasm.TestAssembler{}, codeasm.TestExecutor{}, newFlatMemory(), fetch,
		patchrule.DefaultTable(), instrrule.NewTable(), cache, b, abi.OptNone, nil)
	gpr := codeasm.GPRState{}
	gpr.R[codeasm.SPReg] = 0x1000
	v.SetGPRState(gpr)
	return v
}

func TestPublisherForwardsBasicBlockEvents(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpNop},
		{Op: codeasm.OpHalt},
	})
	v := newPublisherVM(t, code)
	b := NewBroadcaster()
	defer b.Close()
	sub := b.Subscribe([]EventType{EventVMState})

	p := NewPublisher(v, b, abi.BasicBlockEntry|abi.BasicBlockNew)
	defer p.Close()

	if _, err := v.Run(0, 0xFFFFFFFFFFFF0001); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sawNew, sawEntry := false, false
	for {
		select {
		case e := <-sub.Channel:
			switch e.Data["event"] {
			case "basic_block_new":
				sawNew = true
			case "basic_block_entry":
				sawEntry = true
			}
			continue
		default:
		}
		break
	}
	if !sawNew || !sawEntry {
		t.Fatalf("expected both basic_block_new and basic_block_entry, got new=%v entry=%v", sawNew, sawEntry)
	}
}

func TestPublisherWatchMemoryForwardsAccesses(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpMovImm, Rd: 0, Imm: 0x40},
		{Op: codeasm.OpMovImm, Rd: 1, Imm: 0xAB},
		{Op: codeasm.OpStore, Rs1: 0, Rs2: 1, Imm: 0},
		{Op: codeasm.OpHalt},
	})
	v := newPublisherVM(t, code)
	b := NewBroadcaster()
	defer b.Close()
	sub := b.Subscribe([]EventType{EventMemAccess})

	p := NewPublisher(v, b, abi.NoEvent)
	p.WatchMemory(abi.MemWrite)
	defer p.Close()

	if _, err := v.Run(0, 0xFFFFFFFFFFFF0001); err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case e := <-sub.Channel:
		if e.Type != EventMemAccess || e.Data["address"] != uint64(0x40) || e.Data["value"] != uint64(0xAB) {
			t.Fatalf("unexpected event: %+v", e)
		}
	default:
		t.Fatal("expected one buffered memory access event")
	}
}

func TestPublisherCloseRemovesInstrumentation(t *testing.T) {
	code := codeasm.Assemble([]codeasm.Inst3{
		{Op: codeasm.OpNop},
		{Op: codeasm.OpHalt},
	})
	v := newPublisherVM(t, code)
	b := NewBroadcaster()
	defer b.Close()
	sub := b.Subscribe(nil)

	p := NewPublisher(v, b, abi.AnyEvent)
	p.Close()

	if _, err := v.Run(0, 0xFFFFFFFFFFFF0001); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case e := <-sub.Channel:
		t.Fatalf("expected no events after Close, got %+v", e)
	default:
	}
}
