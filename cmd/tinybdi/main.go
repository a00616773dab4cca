// Command tinybdi loads a guest binary, instruments it, and either runs it
// to completion, drives it interactively through the inspector TUI, or
// streams its VM events over the eventapi websocket — the three embedder
// entry points spec.md §6 describes, wired together the way the teacher's
// root main.go wires the emulator, debugger TUI and API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tinybdi/tinybdi"
	"github.com/tinybdi/tinybdi/abi"
	"github.com/tinybdi/tinybdi/blockcache"
	"github.com/tinybdi/tinybdi/broker"
	"github.com/tinybdi/tinybdi/codeasm"
	"github.com/tinybdi/tinybdi/config"
	"github.com/tinybdi/tinybdi/eventapi"
	"github.com/tinybdi/tinybdi/inspector"
	"github.com/tinybdi/tinybdi/instrrule"
	"github.com/tinybdi/tinybdi/patchrule"
	"github.com/tinybdi/tinybdi/rangeset"
)

// Version information, overridable at build time with:
// go build -ldflags "-X main.Version=v1.2.3"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		showHelp    = flag.Bool("help", false, "Show help information")
		tuiMode     = flag.Bool("tui", false, "Drive the guest interactively through the inspector TUI")
		eventsMode  = flag.Bool("events", false, "Stream VM events over a websocket instead of running to completion")
		configPath  = flag.String("config", "", "Path to a TOML config file (default: platform config dir)")
		entryPoint  = flag.String("entry", "0x0", "Entry point address (hex or decimal)")
		stackTop    = flag.String("stack-top", "0x100000", "Initial stack pointer (hex or decimal)")
		verboseMode = flag.Bool("verbose", false, "Verbose output")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("tinybdi %s\n", Version)
		if Commit != "unknown" {
			fmt.Printf("commit: %s\n", Commit)
		}
		if Date != "unknown" {
			fmt.Printf("built: %s\n", Date)
		}
		os.Exit(0)
	}
	if *showHelp || flag.NArg() == 0 {
		printHelp()
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tinybdi: %v\n", err)
		os.Exit(1)
	}

	guestFile := flag.Arg(0)
	code, err := os.ReadFile(guestFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tinybdi: reading %s: %v\n", guestFile, err)
		os.Exit(1)
	}
	if *verboseMode {
		fmt.Printf("tinybdi: loaded %d bytes from %s\n", len(code), guestFile)
	}

	entry, err := parseAddr(*entryPoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tinybdi: invalid entry point %q: %v\n", *entryPoint, err)
		os.Exit(1)
	}
	sp, err := parseAddr(*stackTop)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tinybdi: invalid stack top %q: %v\n", *stackTop, err)
		os.Exit(1)
	}

	v := buildVM(cfg, code)
	gpr := codeasm.GPRState{}
	gpr.R[codeasm.SPReg] = sp
	v.SetGPRState(gpr)

	switch {
	case *eventsMode:
		runEventsMode(cfg, v, entry)
	case *tuiMode:
		runTUIMode(cfg, v, entry)
	default:
		runToCompletion(v, entry)
	}
}

// buildVM wires the reference ISA and collaborators the way every test
// harness in this module does: a flat guest-memory space, a single
// instrumented range covering the whole loaded image, and no native
// process to transfer control back into.
func buildVM(cfg *config.Config, code []byte) *tinybdi.VM {
	mem := newGuestMemory()
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
	hookAddr, err := parseAddr(cfg.VM.BrokerHookAddr)
	if err != nil {
		hookAddr = 0xFFFFFFFFFFFFFFFF
	}
	b := broker.New(nil, hookAddr)
	b.AddInstrumentedRange(rangeset.NewRange(0, uint64(len(code))))

	var opts abi.Options
	if cfg.VM.DisableFPR {
		opts |= abi.OptDisableFPR
	}

	return tinybdi.New(codeasm.TestAssembler{}, codeasm.TestExecutor{}, mem, fetch,
		patchrule.DefaultTable(), instrrule.NewTable(), cache, b, opts, nil)
}

func runToCompletion(v *tinybdi.VM, entry uint64) {
	ok, err := v.Run(entry, noStop)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tinybdi: run error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "tinybdi: entry point 0x%x is not instrumented\n", entry)
		os.Exit(1)
	}
	gpr := v.GPRState()
	fmt.Printf("halted at pc=0x%x\n", gpr.PC)
}

func runTUIMode(cfg *config.Config, v *tinybdi.VM, entry uint64) {
	session := inspector.NewSession(v, entry, cfg.Inspector.HistorySize)
	ui := inspector.NewTUI(session)
	if err := ui.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tinybdi: tui error: %v\n", err)
		os.Exit(1)
	}
}

func runEventsMode(cfg *config.Config, v *tinybdi.VM, entry uint64) {
	b := eventapi.NewBroadcaster()
	pub := eventapi.NewPublisher(v, b, abi.AnyEvent)
	pub.WatchMemory(abi.MemReadWrite)
	defer pub.Close()

	srv := eventapi.NewServer(cfg.EventAPI.ListenAddr, b)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			fmt.Println("\ntinybdi: shutting down event server...")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "tinybdi: shutdown error: %v\n", err)
			}
		})
	}

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "tinybdi: event server error: %v\n", err)
			os.Exit(1)
		}
	}()

	go func() {
		if _, err := v.Run(entry, noStop); err != nil {
			fmt.Fprintf(os.Stderr, "tinybdi: run error: %v\n", err)
		}
		shutdown()
	}()

	<-sigChan
	shutdown()
}

// noStop is a stop address no real guest program reaches; runToCompletion
// and runEventsMode rely on the guest itself halting (OpHalt's Halted result
// makes the executing block return Stop, which ends Run) to actually stop Run.
const noStop uint64 = 0xFFFFFFFFFFFFFFFF

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func parseAddr(tok string) (uint64, error) {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X") {
		return strconv.ParseUint(tok[2:], 16, 64)
	}
	return strconv.ParseUint(tok, 10, 64)
}

func printHelp() {
	fmt.Println(`tinybdi - dynamic binary instrumentation core

Usage:
  tinybdi [flags] <guest-binary>

Flags:`)
	flag.PrintDefaults()
}
