package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"webforge/internal/sandbox"
)

// commandRunner runs a command line in the project's sandbox.
type commandRunner interface {
	Run(ctx context.Context, line string, timeout time.Duration) (*sandbox.CommandResult, error)
}

var (
	// src/App.tsx(12,5): error TS2304: Cannot find name 'foo'.
	tscDiagnosticPattern = regexp.MustCompile(`(?m)^\s*([^\s(][^(\n]*?)\((\d+),(\d+)\):\s*(?:error|warning)\s+(TS\d+:\s*.*)$`)
	// src/App.tsx:12:5: message  |  src/App.tsx:12:5 - error TS2304: message
	genericDiagnosticPattern = regexp.MustCompile(`(?m)^\s*([^\s:][^:\n]*\.[A-Za-z0-9]+):(\d+):(\d+)(?::|\s+-)\s*(.+)$`)
)

// maxDiagnostics bounds how many findings are fed back to generation.
const maxDiagnostics = 50

const outputTailBytes = 2000

// Validator runs the static lint/typecheck pass.
type Validator struct {
	command string
	timeout time.Duration
}

func NewValidator(command string, timeout time.Duration) *Validator {
	return &Validator{command: strings.TrimSpace(command), timeout: timeout}
}

// Validate runs the lint command and returns its diagnostics. An empty slice
// is a pass; a configured empty command always passes.
func (v *Validator) Validate(ctx context.Context, run commandRunner) ([]Diagnostic, error) {
	if v.command == "" {
		return nil, nil
	}
	res, err := run.Run(ctx, v.command, v.timeout)
	if err != nil {
		return nil, err
	}
	diags := ParseDiagnostics(res.Output())
	if len(diags) == 0 && res.ExitCode != 0 {
		diags = []Diagnostic{{
			Message: fmt.Sprintf("lint command exited with code %d: %s", res.ExitCode, sandbox.Tail(res.Output(), outputTailBytes)),
		}}
	}
	return diags, nil
}

// ParseDiagnostics extracts tsc-style and file:line:col diagnostics.
func ParseDiagnostics(output string) []Diagnostic {
	var out []Diagnostic
	seen := map[string]bool{}
	add := func(file, line, col, msg string) {
		d := Diagnostic{
			File:    strings.TrimPrefix(strings.TrimSpace(file), "./"),
			Message: strings.TrimSpace(msg),
		}
		d.Line, _ = strconv.Atoi(line)
		d.Column, _ = strconv.Atoi(col)
		key := d.String()
		if seen[key] || len(out) >= maxDiagnostics {
			return
		}
		seen[key] = true
		out = append(out, d)
	}

	for _, m := range tscDiagnosticPattern.FindAllStringSubmatch(output, -1) {
		add(m[1], m[2], m[3], m[4])
	}
	if len(out) > 0 {
		return out
	}
	for _, m := range genericDiagnosticPattern.FindAllStringSubmatch(output, -1) {
		add(m[1], m[2], m[3], m[4])
	}
	return out
}

func validationFeedback(diags []Diagnostic) *Feedback {
	fb := &Feedback{
		Category:    CategoryValidation,
		Summary:     fmt.Sprintf("%d problem(s) reported by the type checker", len(diags)),
		Diagnostics: diags,
	}
	seen := map[string]bool{}
	for _, d := range diags {
		if d.File != "" && !seen[d.File] {
			seen[d.File] = true
			fb.Files = append(fb.Files, d.File)
		}
	}
	return fb
}
