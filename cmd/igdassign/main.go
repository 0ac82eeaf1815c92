package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/tinyrange/igd/internal/igd"
	"github.com/tinyrange/igd/internal/platform"
	"github.com/tinyrange/igd/internal/status"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "igdassign: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(w *os.File, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if term.IsTerminal(int(w.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("igdassign", flag.ContinueOnError)
	dbg := fs.Bool("debug", false, "enable debug logging")
	vbtOut := fs.String("vbt", "", "write the extracted VBT to file")
	showMap := fs.Bool("map", false, "print the memory map after assignment")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `igdassign - prepare an assigned Intel IGD in a simulated guest

USAGE:
  igdassign [flags] <machine.yaml>

FLAGS:
  -debug      Log at debug level
  -vbt FILE   Extract the VBT through the GOP policy and write it to FILE
  -map        Print the memory map after the driver ran

The machine file describes guest RAM, the fw_cfg files published by the VMM
(etc/igd-opregion, etc/igd-bdsm-size) and the PCI functions on bus 0.

EXIT STATUS:
  0  resources assigned, or no IGD assigned
  1  malformed fw_cfg contents or invalid machine description
`)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected one machine file")
	}

	slog.SetDefault(newLogger(os.Stderr, *dbg))

	m, err := platform.LoadMachine(fs.Arg(0))
	if err != nil {
		return err
	}
	p, err := platform.Build(m, slog.Default())
	if err != nil {
		return err
	}
	defer p.Close()

	d, err := p.Run()
	switch {
	case errors.Is(err, status.ErrUnsupported):
		fmt.Fprintln(out, "no IGD assigned")
		return nil
	case err != nil && d == nil:
		return err
	case err != nil:
		return fmt.Errorf("driver %s: %w", d.State(), err)
	}

	printReports(out, d.Reports())

	if *showMap {
		fmt.Fprintln(out, "memory map:")
		for _, desc := range p.Allocator.MemoryMap() {
			fmt.Fprintf(out, "  %s\n", desc)
		}
		if s := p.Allocator.Stats(); s.PaddingLeaks > 0 {
			fmt.Fprintf(out, "  %d alignment padding ranges could not be released\n", s.PaddingLeaks)
		}
	}

	if *vbtOut != "" {
		if err := writeVBT(p, *vbtOut); err != nil {
			return err
		}
		fmt.Fprintf(out, "VBT written to %s\n", *vbtOut)
	}
	return nil
}

func printReports(w io.Writer, reports []igd.Report) {
	for _, r := range reports {
		c := r.Candidate
		if r.Err != nil {
			fmt.Fprintf(w, "unclassified function: %v\n", r.Err)
			continue
		}
		if !r.OpRegion.Attempted && !r.StolenMemory.Attempted {
			continue
		}
		fmt.Fprintf(w, "%s %04x:%04x class %s\n", c.Name(), c.VendorID, c.DeviceID, c.ClassCode)
		if c.Conflict {
			fmt.Fprintf(w, "  both BDSM registers set (0x%x, 0x%x), using BDSM2\n", c.LegacyBase, c.ModernBase)
		}
		printAssignment(w, "opregion", r.OpRegion)
		if r.StolenMemory.Attempted {
			fmt.Fprintf(w, "  generation: %s\n", c.Generation)
		}
		printAssignment(w, "stolen memory", r.StolenMemory)
	}
}

func printAssignment(w io.Writer, what string, a igd.Assignment) {
	switch {
	case !a.Attempted:
	case a.Err != nil:
		fmt.Fprintf(w, "  %s: %s (%v)\n", what, status.Code(a.Err), a.Err)
	default:
		fmt.Fprintf(w, "  %s: 0x%x, %d pages\n", what, a.Address, a.Pages)
	}
}

func writeVBT(p *platform.Platform, path string) error {
	addr, size, err := p.Policy().VbtData()
	if err != nil {
		return fmt.Errorf("extract VBT: %w", err)
	}
	table, err := p.RAM.Slice(addr, uint64(size))
	if err != nil {
		return fmt.Errorf("read VBT: %w", err)
	}
	if err := os.WriteFile(path, table, 0o644); err != nil {
		return fmt.Errorf("write VBT: %w", err)
	}
	return nil
}
