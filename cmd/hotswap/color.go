package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorReset  = "\033[0m"
)

// printer colors its lines only when writing to a terminal.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(f *os.File) *printer {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return &printer{w: f, color: tty && os.Getenv("TERM") != "dumb" && os.Getenv("NO_COLOR") == ""}
}

func (p *printer) line(color, format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if p.color {
		s = color + s + colorReset
	}
	fmt.Fprintln(p.w, s)
}

func (p *printer) status(subject, status, color string) {
	if p.color {
		status = color + status + colorReset
	}
	fmt.Fprintf(p.w, "%s: %s\n", subject, status)
}
