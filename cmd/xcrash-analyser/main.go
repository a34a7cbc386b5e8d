// The xcrash-analyser tool is a command-line tool for post-mortem analysis
// of a type-1 hypervisor's crash dump, captured as an ELF CORE file by a
// kdump secondary kernel. Run "xcrash-analyser --help" for usage.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hvdump/xcrash/internal/arch"
	_ "github.com/hvdump/xcrash/internal/arch/x86_64" // registers the x86_64 backend
	"github.com/hvdump/xcrash/internal/config"
	"github.com/hvdump/xcrash/internal/domain"
	"github.com/hvdump/xcrash/internal/elfcore"
	"github.com/hvdump/xcrash/internal/host"
	"github.com/hvdump/xcrash/internal/logging"
	"github.com/hvdump/xcrash/internal/memmap"
	"github.com/hvdump/xcrash/internal/report"
	"github.com/hvdump/xcrash/internal/symtab"
	"github.com/hvdump/xcrash/internal/xerr"
)

// Exit codes, per spec §6.
const (
	exitOK       = 0
	exitUsage    = 64
	exitSoftware = 70
	exitIOError  = 74
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// exitErr carries the specific exit code a failure maps to, per spec §6's
// three-way split (usage/software/I-O).
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func run(args []string) int {
	var raw config.Config
	var quiet bool

	cmd := &cobra.Command{
		Use:           "xcrash-analyser",
		Short:         "Post-mortem analyser for hypervisor crash dumps",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// No flags means "normal" (1); each -v adds one; --quiet drops
			// to 0.
			verbosity := raw.Verbosity + 1
			if quiet {
				verbosity = 0
			}
			return analyse(raw, verbosity)
		},
	}
	cmd.SetArgs(args)

	flags := cmd.Flags()
	flags.StringVarP(&raw.CorePath, "core", "c", "/proc/vmcore", "path to the ELF CORE file to analyse")
	flags.StringVarP(&raw.OutDirPath, "outdir", "o", "", "directory to write reports into (required)")
	flags.StringVarP(&raw.XenSymtabPath, "xen-symtab", "x", "", "path to the hypervisor's nm-style symbol table (required)")
	flags.StringVarP(&raw.Dom0SymtabPath, "dom0-symtab", "d", "", "path to the control domain's nm-style symbol table (required)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress all but warning/error console output")
	flags.CountVarP(&raw.Verbosity, "verbose", "v", "increase console verbosity (repeatable)")
	cmd.MarkFlagRequired("outdir")
	cmd.MarkFlagRequired("xen-symtab")
	cmd.MarkFlagRequired("dom0-symtab")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitErr
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitUsage
	}
	return exitOK
}

func analyse(raw config.Config, verbosity int) error {
	cfg, err := config.Resolve(raw)
	if err != nil {
		return &exitErr{exitUsage, err}
	}

	logPath := filepath.Join(cfg.OutDirPath, "xen-crashdump-analyser.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return &exitErr{exitIOError, err}
	}
	defer logFile.Close()

	log := logging.New(logFile, os.Stderr, verbosity)

	if err := runPipeline(cfg, log); err != nil {
		log.Error("analysis failed", "error", err)
		return &exitErr{severityExitCode(err), err}
	}
	return nil
}

func runPipeline(cfg config.Config, log *slog.Logger) error {
	archID, parser, err := elfcore.Create(cfg.CorePath)
	if err != nil {
		return err
	}
	defer parser.Close()

	parsed, err := parser.Parse()
	if err != nil {
		return err
	}
	for _, w := range parsed.Warnings {
		log.Warn(w)
	}

	backend, ok := arch.Lookup(archID)
	if !ok {
		return xerr.New(xerr.UnsupportedArch, xerr.Fatal, "no architecture backend registered for %s", archID)
	}

	mem, err := memmap.Setup(cfg.CorePath, parsed, memmap.ArchWalker(backend))
	if err != nil {
		return err
	}
	defer mem.Close()

	xenSyms, err := symtab.Parse(cfg.XenSymtabPath, true, log)
	if err != nil {
		return err
	}
	dom0Syms, err := symtab.Parse(cfg.Dom0SymtabPath, false, log)
	if err != nil {
		return err
	}

	anchor, pcpuNotes, err := splitNotes(parsed.Notes)
	if err != nil {
		return err
	}

	// Stack frames are symbolised against the hypervisor symbol table
	// first per spec §4.5; the control-domain table is consulted when
	// emitting each domain's own report below, since only there do we
	// know a frame belongs to guest rather than hypervisor context.
	h, err := host.Setup(mem, backend, xenSyms, anchor, pcpuNotes)
	if err != nil {
		return err
	}

	return emitReports(cfg.OutDirPath, h, dom0Syms)
}

// splitNotes separates the parsed CORE notes into the decoded hypervisor
// anchor and the raw per-PCPU register payloads, per spec §4.2.
func splitNotes(notes []elfcore.Note) (host.Anchor, [][]byte, error) {
	var anchor host.Anchor
	var haveAnchor bool
	var pcpuNotes [][]byte

	for _, n := range notes {
		switch n.Type {
		case elfcore.NTXenCrashInfo:
			a, err := host.DecodeAnchor(n.Payload)
			if err != nil {
				return host.Anchor{}, nil, err
			}
			anchor = a
			haveAnchor = true
		case elfcore.NTPRStatus:
			pcpuNotes = append(pcpuNotes, n.Payload)
		}
	}
	if !haveAnchor {
		return host.Anchor{}, nil, xerr.New(xerr.InvalidFormat, xerr.Fatal, "CORE file carries no hypervisor anchor note")
	}
	return anchor, pcpuNotes, nil
}

func emitReports(outDir string, h *host.Host, dom0Syms *symtab.Table) error {
	xenLog, err := report.CreateXenLog(outDir)
	if err != nil {
		return err
	}
	defer xenLog.Close()
	host.PrintXen(xenLog, h)

	for _, d := range h.Domains {
		if err := emitDomainReport(outDir, d, dom0Syms); err != nil {
			return err
		}
	}
	return nil
}

func emitDomainReport(outDir string, d domain.Domain, dom0Syms *symtab.Table) error {
	domLog, err := report.CreateDomainLog(outDir, d.ID)
	if err != nil {
		return err
	}
	defer domLog.Close()

	// The control domain gets domain-0.log plus a dom0.log alias, per
	// spec §6; every other domain only gets its own domain-<id>.log.
	var w io.Writer = domLog
	if d.IsControlDomain() {
		aliasLog, err := report.CreateDom0Alias(outDir)
		if err != nil {
			return err
		}
		defer aliasLog.Close()
		w = io.MultiWriter(domLog, aliasLog)
	}

	fmt.Fprintf(w, "domain %d (handle %s) state=%s pages=%d\n", d.ID, d.Handle, d.State, d.TotalPages)
	for _, v := range d.VCPUs {
		fmt.Fprintf(w, "vcpu %d: rip=%s rsp=%s runstate=%s pause_flags=%#x\n", v.ID, v.Frame.RIP, v.Frame.RSP, v.Runstate, v.PauseFlags)
		for _, f := range v.StackTrace {
			if name, off, ok := resolveSymbol(f, dom0Syms); ok {
				fmt.Fprintf(w, "  %s+%#x\n", name, off)
			} else {
				fmt.Fprintf(w, "  %s\n", f.PC)
			}
		}
		if v.DecodeErr != nil {
			fmt.Fprintf(w, "  [decode error: %v]\n", v.DecodeErr)
		}
	}
	return nil
}

// resolveSymbol prefers the symbol the hypervisor-context stack unwind
// already attached; when that unwind couldn't symbolise a frame, it
// retries against the control domain's own symbol table. The fallback
// applies to every domain's frames, and no kernel text range is checked:
// any frame the hypervisor table leaves unsymbolised is looked up in the
// control domain's table.
func resolveSymbol(f arch.StackFrame, dom0Syms *symtab.Table) (string, int64, bool) {
	if f.Symbol != "" {
		return f.Symbol, f.Offset, true
	}
	if dom0Syms == nil {
		return "", 0, false
	}
	return dom0Syms.Symbolise(f.PC)
}

// severityExitCode maps a top-level fatal error to an exit code per
// spec §6's three-way split. Anything raised while ingesting the CORE
// file or a symbol table — a bad ELF identification, overlapping
// PT_LOADs, a missing _stext marker, a short/truncated note — is
// treated as an I/O-class input failure, not an internal software
// error, matching scenario expectations (overlapping PT_LOADs and a
// stripped hypervisor symtab both exit 74).
func severityExitCode(err error) int {
	var xe *xerr.Error
	if errors.As(err, &xe) {
		switch xe.Kind {
		case xerr.IO, xerr.InvalidFormat, xerr.Truncated, xerr.UnsupportedArch:
			return exitIOError
		}
	}
	return exitSoftware
}
