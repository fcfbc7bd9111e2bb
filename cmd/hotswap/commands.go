package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pboyd/hotswap/config"
	"github.com/pboyd/hotswap/fingerprint"
	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/instrument"
	"github.com/pboyd/hotswap/journal"
)

func runInstrument(cfg *config.Config, args []string) error {
	paths := args
	if len(paths) == 0 && cfg != nil {
		for _, m := range cfg.Modules {
			if m.Instrument {
				paths = append(paths, cfg.Path(m.Image))
			}
		}
	}
	if len(paths) == 0 {
		return errors.New("no images given and no module in the config asks for instrumentation")
	}

	out := newPrinter(os.Stdout)
	for _, path := range paths {
		r, err := instrument.File(path)
		if err != nil {
			return err
		}
		if r.Already {
			out.status(path, "already instrumented", colorYellow)
			continue
		}
		out.status(path, fmt.Sprintf("%d instrumented, %d skipped", len(r.Instrumented), len(r.Skipped)), colorGreen)
		for _, s := range r.Skipped {
			fmt.Fprintf(out.w, "  %s: %s\n", s.Func, s.Reason)
		}
	}
	return nil
}

func runFingerprint(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	text := fs.Bool("text", false, "Print the canonical body text")
	fs.Parse(args)
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("usage: fingerprint [-text] <image> [func]")
	}

	img, err := image.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	for _, fn := range img.Functions() {
		if !fn.HasBody() {
			continue
		}
		if fs.NArg() == 2 && !strings.Contains(fn.FullName(), fs.Arg(1)) {
			continue
		}
		fp := fingerprint.Of(fn)
		fmt.Printf("%s  %s\n", fp.Hash.String()[:16], fn.FullName())
		if *text {
			for _, line := range strings.Split(strings.TrimSuffix(fp.Text, "\n"), "\n") {
				fmt.Printf("    %s\n", line)
			}
		}
	}
	return nil
}

func runDiff(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	text := fs.Bool("text", false, "Print old and new body text of changed functions")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("usage: diff [-text] <old> <new>")
	}

	from, err := image.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	to, err := image.ReadFile(fs.Arg(1))
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout)
	changes := fingerprint.Diff(from, to)
	for _, c := range changes {
		switch c.Kind {
		case fingerprint.Added:
			out.line(colorGreen, "+ %s", c.Func)
		case fingerprint.Removed:
			out.line(colorRed, "- %s", c.Func)
		default:
			out.line(colorYellow, "~ %s", c.Func)
			if *text {
				fmt.Fprintf(out.w, "  was:\n%s  now:\n%s", indent(c.Old.Text), indent(c.New.Text))
			}
		}
	}
	if len(changes) == 0 {
		fmt.Fprintln(out.w, "no changes")
	}
	return nil
}

func runHistory(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	module := fs.String("module", "", "Only entries of this module")
	fn := fs.String("func", "", "Only entries of this function")
	limit := fs.Int("n", 20, "Number of entries")
	path := fs.String("journal", "", "Journal file (default: from config)")
	fs.Parse(args)

	if *path == "" && cfg != nil {
		*path = cfg.Path(cfg.Session.Journal)
	}
	if *path == "" {
		return errors.New("no journal configured")
	}
	if _, err := os.Stat(*path); err != nil {
		return err
	}

	j, err := journal.Open(*path)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.History(context.Background(), journal.Filter{Module: *module, Func: *fn, Limit: *limit})
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout)
	for _, e := range entries {
		prefix := fmt.Sprintf("%s %-8s %s %s", e.Time.Format(time.DateTime), e.Session.String()[:8], e.Hash[:min(len(e.Hash), 12)], e.Func)
		if e.OK() {
			out.line(colorGreen, "%s (%s)", prefix, e.Strategy)
		} else {
			out.line(colorRed, "%s: %s", prefix, e.Err)
		}
	}
	return nil
}

func indent(text string) string {
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		sb.WriteString("    ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
