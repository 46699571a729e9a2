// Package events turns pipeline transitions into ordered per-project progress
// streams.
//
// Each build opens one Stream. Every event on it carries a sequence number
// that starts at 1 and increases by one per event; a subscriber sees a
// contiguous run of sequence numbers ending with exactly one terminal event.
package events

import "time"

// Kind is the type of a progress event.
type Kind string

const (
	KindStarted            Kind = "started"
	KindPlanning           Kind = "planning"
	KindGenerating         Kind = "generating"
	KindCheckingImports    Kind = "checking_imports"
	KindValidating         Kind = "validating"
	KindBooting            Kind = "booting"
	KindRetrying           Kind = "retrying"
	KindContractGenerating Kind = "contract_generating"
	KindContractDeploying  Kind = "contract_deploying"
	KindContractDeployed   Kind = "contract_deployed"
	KindCompleted          Kind = "completed"
	KindFailed             Kind = "failed"
	KindCancelled          Kind = "cancelled"
)

// Terminal reports whether no event may follow k on a stream.
func (k Kind) Terminal() bool {
	switch k {
	case KindCompleted, KindFailed, KindCancelled:
		return true
	}
	return false
}

// Event is one entry of a project's progress stream.
type Event struct {
	ProjectID string         `json:"project_id"`
	BuildID   string         `json:"build_id"`
	Sequence  int64          `json:"sequence"`
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Snapshot is the last-known state of a project's most recent build.
type Snapshot struct {
	ProjectID string    `json:"project_id"`
	BuildID   string    `json:"build_id"`
	Kind      Kind      `json:"kind"`
	Sequence  int64     `json:"sequence"`
	Message   string    `json:"message"`
	Terminal  bool      `json:"terminal"`
	UpdatedAt time.Time `json:"updated_at"`
}

func snapshotOf(ev Event) Snapshot {
	return Snapshot{
		ProjectID: ev.ProjectID,
		BuildID:   ev.BuildID,
		Kind:      ev.Kind,
		Sequence:  ev.Sequence,
		Message:   ev.Message,
		Terminal:  ev.Kind.Terminal(),
		UpdatedAt: ev.Timestamp,
	}
}
