// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders deltarepo CLI output as styled text, plain text or JSON.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styles holds the lipgloss styles used in Styled mode.
var Styles = struct {
	Title   lipgloss.Style
	Key     lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorTealBright),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Mode selects how a Printer renders.
type Mode int

const (
	// ModePlain writes unstyled text suitable for pipes.
	ModePlain Mode = iota

	// ModeStyled writes colored text for terminals.
	ModeStyled

	// ModeJSON writes one JSON document per Data call and suppresses
	// status lines on stdout.
	ModeJSON
)

// DetectMode returns ModeJSON when asked, ModeStyled when w is a terminal
// and ModePlain otherwise.
func DetectMode(w io.Writer, jsonOutput bool) Mode {
	if jsonOutput {
		return ModeJSON
	}
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return ModeStyled
		}
	}
	return ModePlain
}

// Printer writes command output. Status lines go to Err in JSON mode so
// stdout stays parseable.
type Printer struct {
	Out  io.Writer
	Err  io.Writer
	Mode Mode
}

// NewPrinter creates a Printer for out and errOut.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	return &Printer{Out: out, Err: errOut, Mode: mode}
}

func (p *Printer) status() io.Writer {
	if p.Mode == ModeJSON {
		return p.Err
	}
	return p.Out
}

// Title prints a heading. Omitted outside Styled mode.
func (p *Printer) Title(text string) {
	if p.Mode != ModeStyled {
		return
	}
	fmt.Fprintln(p.Out, Styles.Title.Render(text))
}

// Success prints a confirmation line.
func (p *Printer) Success(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.Mode == ModeStyled {
		fmt.Fprintf(p.Out, "%s %s\n", Styles.Success.Render("✓"), msg)
		return
	}
	fmt.Fprintf(p.status(), "OK: %s\n", msg)
}

// Warning prints a warning line to the error stream.
func (p *Printer) Warning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.Mode == ModeStyled {
		fmt.Fprintf(p.Err, "%s %s\n", Styles.Warning.Render("⚠"), Styles.Warning.Render(msg))
		return
	}
	fmt.Fprintf(p.Err, "WARN: %s\n", msg)
}

// Error prints an error line to the error stream.
func (p *Printer) Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.Mode == ModeStyled {
		fmt.Fprintf(p.Err, "%s %s\n", Styles.Error.Render("✗"), Styles.Error.Render(msg))
		return
	}
	fmt.Fprintf(p.Err, "ERROR: %s\n", msg)
}

// Field is one key/value pair in a Record.
type Field struct {
	Key   string
	Value string
}

// Record prints a titled block of key/value pairs. In Styled mode it is
// boxed; in Plain mode it is "title key=value ...".
func (p *Printer) Record(title string, fields []Field) {
	switch p.Mode {
	case ModeStyled:
		width := 0
		for _, f := range fields {
			width = max(width, len(f.Key))
		}
		lines := []string{Styles.Title.Render(title)}
		for _, f := range fields {
			key := Styles.Key.Render(f.Key + strings.Repeat(" ", width-len(f.Key)))
			lines = append(lines, key+"  "+f.Value)
		}
		fmt.Fprintln(p.Out, Styles.Box.Render(strings.Join(lines, "\n")))
	default:
		parts := make([]string, 0, len(fields)+1)
		parts = append(parts, title)
		for _, f := range fields {
			parts = append(parts, f.Key+"="+f.Value)
		}
		fmt.Fprintln(p.status(), strings.Join(parts, " "))
	}
}

// Muted prints secondary text. Omitted in JSON mode.
func (p *Printer) Muted(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch p.Mode {
	case ModeJSON:
	case ModeStyled:
		fmt.Fprintln(p.Out, Styles.Muted.Render(msg))
	default:
		fmt.Fprintln(p.Out, msg)
	}
}

// Data writes v as indented JSON to Out regardless of mode.
func (p *Printer) Data(v any) error {
	enc := json.NewEncoder(p.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Raw writes text to Out unchanged.
func (p *Printer) Raw(text string) {
	fmt.Fprint(p.Out, text)
}
