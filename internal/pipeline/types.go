// Package pipeline drives a project from prompt to a booted application:
// plan, generate, import check, static validation and runtime check, with
// categorized bounded retries.
package pipeline

import (
	"encoding/json"
	"time"

	"webforge/internal/events"
)

// Status is the position of a build in the pipeline.
type Status string

const (
	StatusPlanning        Status = "planning"
	StatusGenerating      Status = "generating"
	StatusCheckingImports Status = "checking_imports"
	StatusValidating      Status = "validating"
	StatusBooting         Status = "booting"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether s ends a build.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// eventKind maps a stage status to the event announcing it.
func (s Status) eventKind() events.Kind {
	switch s {
	case StatusPlanning:
		return events.KindPlanning
	case StatusGenerating:
		return events.KindGenerating
	case StatusCheckingImports:
		return events.KindCheckingImports
	case StatusValidating:
		return events.KindValidating
	case StatusBooting:
		return events.KindBooting
	case StatusSucceeded:
		return events.KindCompleted
	case StatusCancelled:
		return events.KindCancelled
	default:
		return events.KindFailed
	}
}

// FileIntent is one planned file.
type FileIntent struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
}

// BuildPlan is the ordered file list produced by the plan stage. A plan is
// never modified after it is produced; replanning produces a new plan.
type BuildPlan struct {
	Summary      string       `json:"summary,omitempty"`
	Files        []FileIntent `json:"files"`
	Dependencies []string     `json:"dependencies,omitempty"`
}

// Paths returns the planned paths in order.
func (p *BuildPlan) Paths() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.Files))
	for i, f := range p.Files {
		out[i] = f.Path
	}
	return out
}

// ContractContext is deployed-contract metadata injected into a build.
type ContractContext struct {
	ContractName string          `json:"contract_name,omitempty"`
	Address      string          `json:"contract_address"`
	ABI          json.RawMessage `json:"abi"`
	Network      string          `json:"network"`
	ChainID      int64           `json:"chain_id"`
	ExplorerURL  string          `json:"explorer_url,omitempty"`
}

// ErrorEntry is one recorded stage failure.
type ErrorEntry struct {
	At       time.Time `json:"at"`
	Stage    Status    `json:"stage"`
	Category Category  `json:"category"`
	Message  string    `json:"message"`
	Attempt  int       `json:"attempt"`
}

// Result is what a finished build hands to result sinks.
type Result struct {
	ProjectID  string            `json:"project_id"`
	BuildID    string            `json:"build_id"`
	Prompt     string            `json:"prompt"`
	Status     Status            `json:"status"`
	Category   Category          `json:"category,omitempty"`
	Message    string            `json:"message,omitempty"`
	FailedAt   Status            `json:"failed_at,omitempty"`
	Counters   Counters          `json:"counters"`
	Plan       *BuildPlan        `json:"plan,omitempty"`
	Files      map[string]string `json:"files,omitempty"`
	Errors     []ErrorEntry      `json:"errors,omitempty"`
	Contract   *ContractContext  `json:"contract,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// ProjectStatus is a point-in-time view of an active build.
type ProjectStatus struct {
	ProjectID string       `json:"project_id"`
	BuildID   string       `json:"build_id"`
	Status    Status       `json:"status"`
	Counters  Counters     `json:"counters"`
	Files     []string     `json:"files"`
	Errors    []ErrorEntry `json:"errors,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}
