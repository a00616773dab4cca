package inspector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinybdi/tinybdi"
	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/codeasm"
)

// noStop is the Run stop address used by Continue: far enough outside any
// realistic guest range that only a breakpoint/watchpoint/step callback
// (never reaching this address) halts execution.
const noStop uint64 = 0xFFFFFFFFFFFF0001

// Session is the inspector's model of one interactive debugging session
// over a tinybdi.VM: breakpoints, watchpoints, command history and a
// symbol table, plus the bookkeeping ExecuteCommand needs (last command
// repeat-on-empty-input, an output buffer the TUI drains each turn).
//
// Grounded on the teacher's debugger.Debugger, adapted to a DBI run/stop
// execution model instead of an instruction-by-instruction interpreter
// loop: Continue and Step are both a single VM.Run call, distinguished
// only by whether a one-shot all-instructions callback is installed first.
type Session struct {
	VM *tinybdi.VM

	Breakpoints *BreakpointManager
	Watchpoints *WatchpointManager
	History     *CommandHistory

	Symbols map[string]uint64

	pc          uint64
	lastCommand string
	output      strings.Builder
}

// NewSession builds a session over v, starting execution at entry.
func NewSession(v *tinybdi.VM, entry uint64, historySize int) *Session {
	return &Session{
		VM:          v,
		Breakpoints: NewBreakpointManager(),
		Watchpoints: NewWatchpointManager(),
		History:     NewCommandHistory(historySize),
		Symbols:     make(map[string]uint64),
		pc:          entry,
	}
}

// PC reports the address execution will resume from on the next
// Continue/Step.
func (s *Session) PC() uint64 { return s.pc }

// Printf appends formatted text to the session's output buffer.
func (s *Session) Printf(format string, args ...any) { fmt.Fprintf(&s.output, format, args...) }

// Println appends a line to the session's output buffer.
func (s *Session) Println(args ...any) { fmt.Fprintln(&s.output, args...) }

// DrainOutput returns and clears everything written to the output buffer
// since the last call.
func (s *Session) DrainOutput() string {
	out := s.output.String()
	s.output.Reset()
	return out
}

// ResolveAddress resolves a symbol name, or parses a 0x-prefixed or
// decimal numeric address.
func (s *Session) ResolveAddress(tok string) (uint64, error) {
	if addr, ok := s.Symbols[tok]; ok {
		return addr, nil
	}
	if strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X") {
		v, err := strconv.ParseUint(tok[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid address: %s", tok)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address: %s", tok)
	}
	return v, nil
}

// ExecuteCommand parses and runs one command line, the way
// debugger.Debugger.ExecuteCommand does (history recording, empty-input
// repeats the last command).
func (s *Session) ExecuteCommand(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		line = s.lastCommand
	}
	if line != "" {
		s.History.Add(line)
		s.lastCommand = line
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	return s.dispatch(strings.ToLower(parts[0]), parts[1:])
}

func (s *Session) dispatch(cmd string, args []string) error {
	switch cmd {
	case "continue", "c":
		return s.cmdContinue()
	case "step", "s":
		return s.cmdStep()
	case "break", "b":
		return s.cmdBreak(args, false)
	case "tbreak", "tb":
		return s.cmdBreak(args, true)
	case "delete", "d":
		return s.cmdDeleteBreak(args)
	case "watch", "w":
		return s.cmdWatch(args, abi.MemWrite)
	case "rwatch":
		return s.cmdWatch(args, abi.MemRead)
	case "awatch":
		return s.cmdWatch(args, abi.MemReadWrite)
	case "watchreg":
		return s.cmdWatchReg(args)
	case "unwatch":
		return s.cmdUnwatch(args)
	case "regs", "r":
		return s.cmdRegs()
	case "call":
		return s.cmdCall(args)
	case "info", "i":
		return s.cmdInfo()
	case "help", "h", "?":
		return s.cmdHelp()
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for available commands)", cmd)
	}
}

func (s *Session) cmdContinue() error {
	ok, err := s.VM.Run(s.pc, noStop)
	if err != nil {
		return err
	}
	s.pc = s.VM.GPRState().PC
	if ok {
		s.Printf("stopped at 0x%x\n", s.pc)
	}
	return nil
}

// cmdStep runs exactly one instruction: a POST-position callback matching
// every instruction fires Stop the first time it's invoked (after that one
// instruction's effects, including any PC update, are already applied),
// then removes itself.
func (s *Session) cmdStep() error {
	var id uint32
	id = s.VM.AddCodeCB(abi.PostInst, func(*codeasm.GPRState, *codeasm.FPRState, any) abi.VMAction {
		s.VM.DeleteInstrumentation(id)
		return abi.Stop
	}, nil)

	ok, err := s.VM.Run(s.pc, noStop)
	if err != nil {
		s.VM.DeleteInstrumentation(id)
		return err
	}
	s.pc = s.VM.GPRState().PC
	if ok {
		s.Printf("0x%x\n", s.pc)
	}
	return nil
}

func (s *Session) cmdBreak(args []string, temp bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: break <address>")
	}
	addr, err := s.ResolveAddress(args[0])
	if err != nil {
		return err
	}
	bp := s.Breakpoints.Add(s.VM, addr, temp)
	s.Printf("breakpoint %d at 0x%x\n", bp.ID, addr)
	return nil
}

func (s *Session) cmdDeleteBreak(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delete <id>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid breakpoint id: %s", args[0])
	}
	return s.Breakpoints.Delete(s.VM, id)
}

func (s *Session) cmdWatch(args []string, typ abi.MemoryAccessType) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: watch <address>")
	}
	addr, err := s.ResolveAddress(args[0])
	if err != nil {
		return err
	}
	wp := s.Watchpoints.AddMemory(s.VM, args[0], addr, typ)
	s.Printf("watchpoint %d on 0x%x\n", wp.ID, addr)
	return nil
}

func (s *Session) cmdWatchReg(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: watchreg <register number>")
	}
	reg, err := strconv.Atoi(args[0])
	if err != nil || reg < 0 || reg >= codeasm.NumGPR {
		return fmt.Errorf("invalid register: %s", args[0])
	}
	wp := s.Watchpoints.AddRegister(s.VM, args[0], reg)
	s.Printf("watchpoint %d on r%d\n", wp.ID, reg)
	return nil
}

func (s *Session) cmdUnwatch(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: unwatch <id>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid watchpoint id: %s", args[0])
	}
	return s.Watchpoints.Delete(s.VM, id)
}

func (s *Session) cmdRegs() error {
	gpr := s.VM.GPRState()
	for i := 0; i < codeasm.NumGPR; i += 4 {
		s.Printf("r%-2d: 0x%016x  r%-2d: 0x%016x  r%-2d: 0x%016x  r%-2d: 0x%016x\n",
			i, gpr.R[i], i+1, gpr.R[i+1], i+2, gpr.R[i+2], i+3, gpr.R[i+3])
	}
	s.Printf("pc : 0x%016x\n", gpr.PC)
	return nil
}

func (s *Session) cmdCall(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: call <address> [args...]")
	}
	fn, err := s.ResolveAddress(args[0])
	if err != nil {
		return err
	}
	callArgs := make([]uint64, 0, len(args)-1)
	for _, a := range args[1:] {
		v, err := s.ResolveAddress(a)
		if err != nil {
			return err
		}
		callArgs = append(callArgs, v)
	}
	ran, ret, err := s.VM.CallV(fn, callArgs)
	if err != nil {
		return err
	}
	if !ran {
		s.Println("call did not complete")
		return nil
	}
	s.Printf("returned 0x%x\n", ret)
	return nil
}

func (s *Session) cmdInfo() error {
	s.Printf("breakpoints: %d  watchpoints: %d  history: %d\n",
		s.Breakpoints.Count(), s.Watchpoints.Count(), s.History.Size())
	for _, bp := range s.Breakpoints.All() {
		status := "enabled"
		if !bp.Enabled {
			status = "disabled"
		}
		s.Printf("  bp %d: 0x%x %s (hits: %d)\n", bp.ID, bp.Address, status, bp.HitCount)
	}
	for _, wp := range s.Watchpoints.All() {
		s.Printf("  wp %d: %s (hits: %d, last: 0x%x)\n", wp.ID, wp.Expression, wp.HitCount, wp.LastValue)
	}
	return nil
}

func (s *Session) cmdHelp() error {
	s.Println("commands: continue(c) step(s) break(b) tbreak(tb) delete(d) watch(w) rwatch awatch watchreg unwatch regs(r) call info(i) help(h)")
	return nil
}
