package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies a stage failure for the retry governor.
type Category string

const (
	CategoryPlanning       Category = "PlanningFailure"
	CategoryImport         Category = "ImportError"
	CategoryValidation     Category = "ValidationError"
	CategoryRuntime        Category = "RuntimeError"
	CategoryInfrastructure Category = "InfrastructureError"
	CategoryCancellation   Category = "CancellationError"
	CategoryDeployment     Category = "DeploymentError"
)

var (
	// ErrAlreadyActive rejects a start for a project that is already building.
	ErrAlreadyActive = errors.New("build already active for project")
	// ErrNotFound rejects a cancel for a project with no active build.
	ErrNotFound = errors.New("no active build for project")
	// ErrCancelled is the cancellation cause of a cancelled build.
	ErrCancelled = errors.New("build cancelled")
	// ErrShuttingDown rejects starts after Shutdown.
	ErrShuttingDown = errors.New("pipeline driver shutting down")

	errPipelineTimeout = errors.New("pipeline wall-clock budget exceeded")
	errStageTimeout    = errors.New("stage timeout exceeded")
)

// Diagnostic is one parsed lint or compiler finding.
type Diagnostic struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	switch {
	case d.File == "":
		return d.Message
	case d.Line == 0:
		return fmt.Sprintf("%s: %s", d.File, d.Message)
	default:
		return fmt.Sprintf("%s:%d: %s", d.File, d.Line, d.Message)
	}
}

// MissingImport is an import specifier that no known package satisfies.
type MissingImport struct {
	Package   string `json:"package"`
	Specifier string `json:"specifier"`
	File      string `json:"file"`
}

// Feedback is the failure detail handed back to generation on retry.
type Feedback struct {
	Category    Category        `json:"category"`
	Summary     string          `json:"summary"`
	Files       []string        `json:"files,omitempty"`
	Missing     []MissingImport `json:"missing,omitempty"`
	Diagnostics []Diagnostic    `json:"diagnostics,omitempty"`
	StderrTail  string          `json:"stderr_tail,omitempty"`
}

// Text renders feedback for inclusion in a prompt.
func (f *Feedback) Text() string {
	if f == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", f.Category, f.Summary)
	for _, m := range f.Missing {
		fmt.Fprintf(&b, "- %s imports %q but package %q is not available\n", m.File, m.Specifier, m.Package)
	}
	for _, d := range f.Diagnostics {
		fmt.Fprintf(&b, "- %s\n", d)
	}
	if f.StderrTail != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", f.StderrTail)
	}
	return b.String()
}

// StageError is a categorized stage failure.
type StageError struct {
	Stage    Status
	Category Category
	Message  string
	Feedback *Feedback
	// Fatal skips the retry budget entirely.
	Fatal bool
	Err   error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s during %s: %s", e.Category, e.Stage, e.Message)
	if e.Err != nil && !strings.Contains(e.Message, e.Err.Error()) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

func infraError(stage Status, err error, fatal bool) *StageError {
	return &StageError{
		Stage:    stage,
		Category: CategoryInfrastructure,
		Message:  err.Error(),
		Fatal:    fatal,
		Err:      err,
	}
}
