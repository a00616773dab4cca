package inspector

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// TUI is the inspector's text user interface: a register pane, a
// breakpoints/watchpoints pane, an output log and a command line, wired to
// a Session the way debugger.TUI wires its panes to a debugger.Debugger.
type TUI struct {
	Session *Session

	App   *tview.Application
	Pages *tview.Pages

	RegisterView    *tview.TextView
	BreakpointsView *tview.TextView
	OutputView      *tview.TextView
	CommandInput    *tview.InputField

	layout *tview.Flex
}

// NewTUI builds a TUI over session.
func NewTUI(session *Session) *TUI {
	t := &TUI{Session: session, App: tview.NewApplication()}
	t.initializeViews()
	t.buildLayout()
	t.setupKeyBindings()
	return t
}

func (t *TUI) initializeViews() {
	t.RegisterView = tview.NewTextView().SetDynamicColors(true)
	t.RegisterView.SetBorder(true).SetTitle(" Registers ")

	t.BreakpointsView = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	t.BreakpointsView.SetBorder(true).SetTitle(" Breakpoints / Watchpoints ")

	t.OutputView = tview.NewTextView().SetDynamicColors(true).SetScrollable(true).SetWrap(true)
	t.OutputView.SetBorder(true).SetTitle(" Output ")

	t.CommandInput = tview.NewInputField().SetLabel("> ")
	t.CommandInput.SetBorder(true).SetTitle(" Command ")
	t.CommandInput.SetDoneFunc(t.handleCommand)
}

func (t *TUI) buildLayout() {
	top := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(t.RegisterView, 0, 1, false).
		AddItem(t.BreakpointsView, 0, 1, false)

	t.layout = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(top, 0, 2, false).
		AddItem(t.OutputView, 0, 2, false).
		AddItem(t.CommandInput, 3, 0, true)

	t.Pages = tview.NewPages().AddPage("main", t.layout, true, true)
}

func (t *TUI) setupKeyBindings() {
	t.App.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF5:
			t.run("continue")
			return nil
		case tcell.KeyF11:
			t.run("step")
			return nil
		case tcell.KeyCtrlC:
			t.App.Stop()
			return nil
		case tcell.KeyCtrlL:
			t.RefreshAll()
			return nil
		}
		return event
	})
}

func (t *TUI) handleCommand(key tcell.Key) {
	if key != tcell.KeyEnter {
		return
	}
	cmd := t.CommandInput.GetText()
	if cmd == "" {
		return
	}
	t.run(cmd)
	t.CommandInput.SetText("")
}

func (t *TUI) run(cmd string) {
	if err := t.Session.ExecuteCommand(cmd); err != nil {
		t.WriteOutput(fmt.Sprintf("[red]error:[white] %v\n", err))
	}
	if out := t.Session.DrainOutput(); out != "" {
		t.WriteOutput(out)
	}
	t.RefreshAll()
}

// WriteOutput appends text to the output pane and scrolls to the end.
func (t *TUI) WriteOutput(text string) {
	_, _ = t.OutputView.Write([]byte(text))
	t.OutputView.ScrollToEnd()
}

// RefreshAll redraws every pane from the session's current state.
func (t *TUI) RefreshAll() {
	t.updateRegisterView()
	t.updateBreakpointsView()
	t.App.Draw()
}

func (t *TUI) updateRegisterView() {
	gpr := t.Session.VM.GPRState()
	var b strings.Builder
	for i := 0; i < len(gpr.R); i += 4 {
		fmt.Fprintf(&b, "r%-2d: 0x%016x  r%-2d: 0x%016x\n", i, gpr.R[i], i+1, gpr.R[i+1])
		fmt.Fprintf(&b, "r%-2d: 0x%016x  r%-2d: 0x%016x\n", i+2, gpr.R[i+2], i+3, gpr.R[i+3])
	}
	fmt.Fprintf(&b, "pc : 0x%016x", gpr.PC)
	t.RegisterView.SetText(b.String())
}

func (t *TUI) updateBreakpointsView() {
	var lines []string
	for _, bp := range t.Session.Breakpoints.All() {
		status := "enabled"
		if !bp.Enabled {
			status = "disabled"
		}
		lines = append(lines, fmt.Sprintf("bp %d: 0x%x %s (hits %d)", bp.ID, bp.Address, status, bp.HitCount))
	}
	for _, wp := range t.Session.Watchpoints.All() {
		lines = append(lines, fmt.Sprintf("wp %d: %s (hits %d, last 0x%x)", wp.ID, wp.Expression, wp.HitCount, wp.LastValue))
	}
	if len(lines) == 0 {
		lines = []string{"(none)"}
	}
	t.BreakpointsView.SetText(strings.Join(lines, "\n"))
}

// Run starts the TUI event loop.
func (t *TUI) Run() error {
	t.RefreshAll()
	t.WriteOutput("[green]tinybdi inspector[white]\nF5 continue, F11 step, type 'help' for commands\n\n")
	return t.App.SetRoot(t.Pages, true).SetFocus(t.CommandInput).Run()
}

// Stop ends the TUI event loop.
func (t *TUI) Stop() { t.App.Stop() }
