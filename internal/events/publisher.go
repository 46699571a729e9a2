package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"webforge/internal/logging"
	"webforge/internal/metrics"
)

var (
	// ErrStreamActive is returned by Open when the project already has a live stream.
	ErrStreamActive = errors.New("event stream already active for project")
	// ErrStreamClosed is returned by Emit after the terminal event.
	ErrStreamClosed = errors.New("event stream closed")
	// ErrNoStream is returned by Subscribe when the project has no live stream.
	ErrNoStream = errors.New("no active event stream for project")
)

// DefaultHistoryLimit bounds how many events a stream keeps for replay.
const DefaultHistoryLimit = 2048

// Publisher is the registry of live per-project streams.
type Publisher struct {
	status       StatusStore
	log          *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	historyLimit int

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewPublisher creates a publisher that mirrors last-known status into status.
// A nil status store keeps snapshots in memory.
func NewPublisher(status StatusStore, log *zap.Logger) *Publisher {
	if status == nil {
		status = NewMemoryStatusStore(24 * time.Hour)
	}
	return &Publisher{
		status:       status,
		log:          logging.OrDefault(log).With(zap.String("component", "events")),
		metrics:      metrics.Get(),
		now:          time.Now,
		historyLimit: DefaultHistoryLimit,
		streams:      make(map[string]*Stream),
	}
}

// Open registers a new stream for projectID. The stream deregisters itself
// when its terminal event is emitted.
func (p *Publisher) Open(projectID, buildID string) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.streams[projectID]; ok {
		return nil, ErrStreamActive
	}
	s := &Stream{
		pub:       p,
		projectID: projectID,
		buildID:   buildID,
		subs:      make(map[*Subscription]struct{}),
	}
	p.streams[projectID] = s
	return s, nil
}

// Subscribe attaches to the project's live stream, replaying retained
// events first.
func (p *Publisher) Subscribe(projectID string) (*Subscription, error) {
	p.mu.Lock()
	s, ok := p.streams[projectID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNoStream
	}
	return s.Subscribe()
}

// Active reports whether projectID has a live stream.
func (p *Publisher) Active(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.streams[projectID]
	return ok
}

// LastKnown returns the most recent snapshot for projectID, live or not.
func (p *Publisher) LastKnown(ctx context.Context, projectID string) (Snapshot, bool, error) {
	return p.status.Get(ctx, projectID)
}

func (p *Publisher) remove(s *Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.streams[s.projectID]; ok && cur == s {
		delete(p.streams, s.projectID)
	}
}

// Stream is one build's ordered event sequence.
type Stream struct {
	pub       *Publisher
	projectID string
	buildID   string

	mu      sync.Mutex
	seq     int64
	history []Event
	subs    map[*Subscription]struct{}
	closed  bool

	// statusMu keeps status-store writes in sequence order.
	statusMu sync.Mutex
}

func (s *Stream) ProjectID() string { return s.projectID }
func (s *Stream) BuildID() string   { return s.buildID }

// Closed reports whether the terminal event has been emitted.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit appends an event. After a terminal kind has been emitted every call
// returns ErrStreamClosed.
func (s *Stream) Emit(kind Kind, message string, payload map[string]any) (Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Event{}, ErrStreamClosed
	}
	s.seq++
	ev := Event{
		ProjectID: s.projectID,
		BuildID:   s.buildID,
		Sequence:  s.seq,
		Kind:      kind,
		Message:   message,
		Payload:   payload,
		Timestamp: s.pub.now().UTC(),
	}
	s.history = append(s.history, ev)
	if limit := s.pub.historyLimit; limit > 0 && len(s.history) > limit {
		s.history = append([]Event(nil), s.history[len(s.history)-limit:]...)
	}
	s.pub.metrics.RecordEvent(string(kind))

	if !kind.Terminal() {
		for sub := range s.subs {
			sub.push(ev)
		}
		s.statusMu.Lock()
		s.mu.Unlock()
		s.putStatus(ev)
		s.statusMu.Unlock()
		return ev, nil
	}

	// The terminal event is recorded and the stream deregistered before any
	// subscriber can observe it, so a reader that saw it can start the next
	// build immediately.
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.statusMu.Lock()
	s.putStatus(ev)
	s.statusMu.Unlock()
	s.pub.remove(s)

	for sub := range subs {
		sub.push(ev)
		sub.finish()
	}
	return ev, nil
}

func (s *Stream) putStatus(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.pub.status.Put(ctx, snapshotOf(ev)); err != nil {
		s.pub.log.Warn("status snapshot write failed", zap.String("project_id", s.projectID), zap.Error(err))
	}
}

// Subscribe returns a subscription that replays retained history and then
// follows live events. Subscribing to a closed stream replays its history
// and ends.
func (s *Stream) Subscribe() (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := newSubscription(s.history)
	if s.closed {
		sub.finish()
		return sub, nil
	}
	s.subs[sub] = struct{}{}
	sub.detach = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.subs != nil {
			delete(s.subs, sub)
		}
	}
	return sub, nil
}

// Events returns a copy of the retained history.
func (s *Stream) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.history...)
}
