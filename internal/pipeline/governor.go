package pipeline

import (
	"fmt"
	"time"
)

// Event is an outcome that moves a build between statuses.
type Event string

const (
	EventStageOK       Event = "stage_ok"
	EventRetryGenerate Event = "retry_generate"
	EventReplan        Event = "replan"
	EventRetryStage    Event = "retry_stage"
	EventFail          Event = "fail"
	EventCancel        Event = "cancel"
)

// transition defines a valid (from, event) -> to mapping.
type transition struct {
	From  Status
	Event Event
	To    Status
}

// validTransitions is the complete set of legal status moves.
var validTransitions = []transition{
	// Happy path
	{StatusPlanning, EventStageOK, StatusGenerating},
	{StatusGenerating, EventStageOK, StatusCheckingImports},
	{StatusCheckingImports, EventStageOK, StatusValidating},
	{StatusValidating, EventStageOK, StatusBooting},
	{StatusBooting, EventStageOK, StatusSucceeded},

	// Code defects go back to generation with feedback
	{StatusCheckingImports, EventRetryGenerate, StatusGenerating},
	{StatusValidating, EventRetryGenerate, StatusGenerating},
	{StatusBooting, EventRetryGenerate, StatusGenerating},

	// A bad plan is replanned with a stricter instruction
	{StatusPlanning, EventReplan, StatusPlanning},

	// Infrastructure failures re-enter the failed stage after backoff
	{StatusPlanning, EventRetryStage, StatusPlanning},
	{StatusGenerating, EventRetryStage, StatusGenerating},
	{StatusCheckingImports, EventRetryStage, StatusCheckingImports},
	{StatusValidating, EventRetryStage, StatusValidating},
	{StatusBooting, EventRetryStage, StatusBooting},

	// Escalation and cancellation from every non-terminal status
	{StatusPlanning, EventFail, StatusFailed},
	{StatusGenerating, EventFail, StatusFailed},
	{StatusCheckingImports, EventFail, StatusFailed},
	{StatusValidating, EventFail, StatusFailed},
	{StatusBooting, EventFail, StatusFailed},
	{StatusPlanning, EventCancel, StatusCancelled},
	{StatusGenerating, EventCancel, StatusCancelled},
	{StatusCheckingImports, EventCancel, StatusCancelled},
	{StatusValidating, EventCancel, StatusCancelled},
	{StatusBooting, EventCancel, StatusCancelled},
}

// Next looks up the status reached from from on ev.
func Next(from Status, ev Event) (Status, error) {
	for _, t := range validTransitions {
		if t.From == from && t.Event == ev {
			return t.To, nil
		}
	}
	return "", fmt.Errorf("invalid transition: status=%s event=%s", from, ev)
}

// Counters holds retries consumed per category. It is a value: every
// governor decision returns a new Counters instead of mutating one.
type Counters struct {
	Import         int `json:"import"`
	Validation     int `json:"validation"`
	Runtime        int `json:"runtime"`
	Planning       int `json:"planning"`
	Infrastructure int `json:"infrastructure"`
}

// Get returns the counter for c.
func (c Counters) Get(cat Category) int {
	switch cat {
	case CategoryImport:
		return c.Import
	case CategoryValidation:
		return c.Validation
	case CategoryRuntime:
		return c.Runtime
	case CategoryPlanning:
		return c.Planning
	case CategoryInfrastructure:
		return c.Infrastructure
	}
	return 0
}

func (c Counters) incremented(cat Category) Counters {
	switch cat {
	case CategoryImport:
		c.Import++
	case CategoryValidation:
		c.Validation++
	case CategoryRuntime:
		c.Runtime++
	case CategoryPlanning:
		c.Planning++
	case CategoryInfrastructure:
		c.Infrastructure++
	}
	return c
}

// Total is the number of retries granted so far.
func (c Counters) Total() int {
	return c.Import + c.Validation + c.Runtime + c.Planning + c.Infrastructure
}

// Limits are the per-category retry maxima.
type Limits struct {
	Import         int
	Validation     int
	Runtime        int
	Planning       int
	Infrastructure int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// DefaultLimits returns the standard retry budget.
func DefaultLimits() Limits {
	return Limits{
		Import:         3,
		Validation:     3,
		Runtime:        3,
		Planning:       1,
		Infrastructure: 3,
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     8 * time.Second,
	}
}

func (l Limits) max(cat Category) int {
	switch cat {
	case CategoryImport:
		return l.Import
	case CategoryValidation:
		return l.Validation
	case CategoryRuntime:
		return l.Runtime
	case CategoryPlanning:
		return l.Planning
	case CategoryInfrastructure:
		return l.Infrastructure
	}
	return 0
}

// Action is the governor's verdict.
type Action string

const (
	ActionRetry Action = "retry"
	ActionFail  Action = "fail"
)

// Decision is the governor's answer to one stage failure.
type Decision struct {
	Action   Action
	Event    Event
	Category Category
	// Attempt is the retry number within the category, starting at 1.
	Attempt  int
	Backoff  time.Duration
	Strict   bool
	Counters Counters
	Reason   string
}

// Governor decides retry versus escalation. It holds no per-build state.
type Governor struct {
	limits Limits
}

func NewGovernor(limits Limits) *Governor {
	return &Governor{limits: limits}
}

// Limits returns the configured maxima.
func (g *Governor) Limits() Limits { return g.limits }

// Decide maps a stage failure and the current counters to a decision and
// the next counters. The category counter is incremented only when a retry
// is granted, so counters never exceed their maxima.
func (g *Governor) Decide(c Counters, err *StageError) Decision {
	d := Decision{Category: err.Category, Counters: c}

	if err.Fatal || err.Category == CategoryCancellation || err.Category == CategoryDeployment {
		return g.fail(d, "non-retryable "+string(err.Category))
	}

	limit := g.limits.max(err.Category)
	used := c.Get(err.Category)
	if used >= limit {
		return g.fail(d, fmt.Sprintf("%s retry budget exhausted (%d/%d)", err.Category, used, limit))
	}

	d.Action = ActionRetry
	d.Counters = c.incremented(err.Category)
	d.Attempt = used + 1

	switch err.Category {
	case CategoryPlanning:
		d.Event = EventReplan
		d.Strict = true
	case CategoryInfrastructure:
		d.Event = EventRetryStage
		d.Backoff = g.backoff(used)
	case CategoryImport, CategoryValidation, CategoryRuntime:
		d.Event = EventRetryGenerate
	default:
		return g.fail(Decision{Category: err.Category, Counters: c}, "unknown category "+string(err.Category))
	}
	d.Reason = fmt.Sprintf("%s retry %d/%d", err.Category, d.Attempt, limit)
	return d
}

func (g *Governor) fail(d Decision, reason string) Decision {
	d.Action = ActionFail
	d.Event = EventFail
	d.Reason = reason
	return d
}

// backoff returns base * 2^n capped at BackoffMax.
func (g *Governor) backoff(n int) time.Duration {
	base := g.limits.BackoffBase
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if g.limits.BackoffMax > 0 && d >= g.limits.BackoffMax {
			return g.limits.BackoffMax
		}
	}
	if g.limits.BackoffMax > 0 && d > g.limits.BackoffMax {
		return g.limits.BackoffMax
	}
	return d
}
