// Package sandbox manages isolated execution environments for project builds.
//
// A Provider creates and drives raw environments (Docker containers or local
// process workspaces). The Manager layers a lease pool on top of a provider so
// each project owns at most one environment at a time, environments are
// reattached between builds, and idle environments expire after a TTL.
package sandbox

import (
	"context"
	"time"
)

// Environment identifies one provider-created execution environment.
type Environment struct {
	ID        string
	ProjectID string
	Workdir   string
	CreatedAt time.Time
}

// Command is a shell command line executed inside an environment.
type Command struct {
	Line    string
	Env     map[string]string
	Timeout time.Duration
	// Port is the port a started process is expected to listen on. Zero lets
	// the provider choose.
	Port int
}

// CommandResult is the captured outcome of a finished command.
type CommandResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Output returns stdout and stderr joined, the way a terminal would show them.
func (r *CommandResult) Output() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// ProbeStatus is a point-in-time liveness reading of a started process.
type ProbeStatus struct {
	Running    bool
	Responsive bool
	ExitCode   int
	StderrTail string
}

// Probe observes a long-running process started inside an environment.
type Probe interface {
	Check(ctx context.Context) (ProbeStatus, error)
	Port() int
	Stop(ctx context.Context) error
}

// Provider is the raw environment backend used by the Manager.
type Provider interface {
	Name() string
	Create(ctx context.Context, projectID string) (Environment, error)
	WriteFiles(ctx context.Context, env Environment, files map[string]string) error
	Run(ctx context.Context, env Environment, cmd Command) (*CommandResult, error)
	Start(ctx context.Context, env Environment, cmd Command) (Probe, error)
	Destroy(ctx context.Context, env Environment) error
}
