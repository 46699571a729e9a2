package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"webforge/internal/logging"
	"webforge/internal/metrics"
)

// Lease is a project's exclusive claim on an environment.
type Lease struct {
	ID         string
	ProjectID  string
	Env        Environment
	CreatedAt  time.Time
	LastUsedAt time.Time
	TTL        time.Duration
	Reattached bool
}

type slotState int

const (
	slotCreating slotState = iota
	slotLeased
	slotIdle
)

type slot struct {
	state    slotState
	env      Environment
	leaseID  string
	created  time.Time
	lastUsed time.Time
}

// ManagerConfig controls lease lifetime.
type ManagerConfig struct {
	TTL            time.Duration
	SweepInterval  time.Duration
	CommandTimeout time.Duration
	MaxOutputBytes int64
}

// Manager is the lease pool keyed by project id.
type Manager struct {
	provider Provider
	cfg      ManagerConfig
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// NewManager creates a lease manager over provider.
func NewManager(provider Provider, cfg ManagerConfig, log *zap.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Minute
	}
	return &Manager{
		provider: provider,
		cfg:      cfg,
		log:      logging.OrDefault(log).With(zap.String("component", "sandbox"), zap.String("provider", provider.Name())),
		metrics:  metrics.Get(),
		now:      time.Now,
		slots:    make(map[string]*slot),
	}
}

// ProviderName returns the backing provider's name.
func (m *Manager) ProviderName() string { return m.provider.Name() }

// Acquire leases the project's environment, reattaching an idle one that has
// not expired or creating a fresh one. A project whose environment is already
// leased gets ErrLeaseBusy.
func (m *Manager) Acquire(ctx context.Context, projectID string) (*Lease, error) {
	now := m.now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	var expired *Environment
	if s, ok := m.slots[projectID]; ok {
		switch s.state {
		case slotCreating, slotLeased:
			m.mu.Unlock()
			return nil, ErrLeaseBusy
		case slotIdle:
			if now.Sub(s.lastUsed) < m.cfg.TTL {
				s.state = slotLeased
				s.leaseID = uuid.NewString()
				s.lastUsed = now
				lease := m.leaseFor(projectID, s)
				lease.Reattached = true
				m.updateGaugesLocked()
				m.mu.Unlock()
				m.metrics.RecordLeaseOperation("reattach", nil)
				m.log.Debug("sandbox lease reattached", zap.String("project_id", projectID), zap.String("env_id", s.env.ID))
				return lease, nil
			}
			env := s.env
			expired = &env
		}
	}
	placeholder := &slot{state: slotCreating, created: now, lastUsed: now}
	m.slots[projectID] = placeholder
	m.mu.Unlock()

	if expired != nil {
		m.destroy(ctx, *expired, "expire")
	}

	env, err := m.provider.Create(ctx, projectID)
	m.metrics.RecordLeaseOperation("create", err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.slots, projectID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &InfraError{Op: "create", ProjectID: projectID, Err: err}
	}
	if m.closed {
		delete(m.slots, projectID)
		go m.destroy(context.Background(), env, "destroy")
		return nil, ErrManagerClosed
	}
	placeholder.env = env
	placeholder.state = slotLeased
	placeholder.leaseID = uuid.NewString()
	placeholder.lastUsed = m.now()
	m.updateGaugesLocked()
	m.log.Info("sandbox environment created", zap.String("project_id", projectID), zap.String("env_id", env.ID))
	return m.leaseFor(projectID, placeholder), nil
}

func (m *Manager) leaseFor(projectID string, s *slot) *Lease {
	return &Lease{
		ID:         s.leaseID,
		ProjectID:  projectID,
		Env:        s.env,
		CreatedAt:  s.created,
		LastUsedAt: s.lastUsed,
		TTL:        m.cfg.TTL,
	}
}

// touch validates that lease is current and refreshes its last-used time.
func (m *Manager) touch(lease *Lease) (Environment, error) {
	if lease == nil {
		return Environment{}, ErrLeaseNotHeld
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[lease.ProjectID]
	if !ok || s.state != slotLeased || s.leaseID != lease.ID {
		return Environment{}, ErrLeaseNotHeld
	}
	s.lastUsed = m.now()
	lease.LastUsedAt = s.lastUsed
	return s.env, nil
}

// WriteFiles writes path -> content into the leased environment.
func (m *Manager) WriteFiles(ctx context.Context, lease *Lease, files map[string]string) error {
	env, err := m.touch(lease)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	if err := m.provider.WriteFiles(ctx, env, files); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &InfraError{Op: "write_files", ProjectID: lease.ProjectID, Err: err}
	}
	return nil
}

// RunCommand runs line to completion inside the leased environment. A
// command exceeding timeout is reported as an InfraError; cancellation of
// ctx is returned as the context error.
func (m *Manager) RunCommand(ctx context.Context, lease *Lease, line string, timeout time.Duration) (*CommandResult, error) {
	env, err := m.touch(lease)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := m.now()
	res, err := m.provider.Run(runCtx, env, Command{Line: line, Timeout: timeout})
	m.metrics.RecordSandboxCommand(m.provider.Name(), exitCodeOf(res), err, time.Since(started))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, &InfraError{Op: "run", ProjectID: lease.ProjectID, Timeout: true, Err: fmt.Errorf("command %q exceeded %s", line, timeout)}
	}
	if err != nil {
		var ie *InfraError
		if errors.As(err, &ie) {
			return res, err
		}
		return res, &InfraError{Op: "run", ProjectID: lease.ProjectID, Err: err}
	}
	return res, nil
}

// StartProcess launches a long-running process and returns a probe for it.
func (m *Manager) StartProcess(ctx context.Context, lease *Lease, line string, port int) (Probe, error) {
	env, err := m.touch(lease)
	if err != nil {
		return nil, err
	}
	probe, err := m.provider.Start(ctx, env, Command{Line: line, Port: port})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var ie *InfraError
		if errors.As(err, &ie) {
			return nil, err
		}
		return nil, &InfraError{Op: "start", ProjectID: lease.ProjectID, Err: err}
	}
	return probe, nil
}

// Release returns the environment to the idle pool. It is not destroyed and
// can be reattached by the same project until the TTL elapses.
func (m *Manager) Release(lease *Lease) error {
	if lease == nil {
		return ErrLeaseNotHeld
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[lease.ProjectID]
	if !ok || s.state != slotLeased || s.leaseID != lease.ID {
		return ErrLeaseNotHeld
	}
	s.state = slotIdle
	s.leaseID = ""
	s.lastUsed = m.now()
	m.updateGaugesLocked()
	m.metrics.RecordLeaseOperation("release", nil)
	return nil
}

// Discard destroys the leased environment immediately instead of pooling it.
func (m *Manager) Discard(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return ErrLeaseNotHeld
	}
	m.mu.Lock()
	s, ok := m.slots[lease.ProjectID]
	if !ok || s.state != slotLeased || s.leaseID != lease.ID {
		m.mu.Unlock()
		return ErrLeaseNotHeld
	}
	delete(m.slots, lease.ProjectID)
	env := s.env
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.destroy(ctx, env, "discard")
	return nil
}

// Sweep destroys idle environments whose TTL has elapsed and returns how
// many were removed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	var expired []Environment

	m.mu.Lock()
	for projectID, s := range m.slots {
		if s.state == slotIdle && now.Sub(s.lastUsed) >= m.cfg.TTL {
			expired = append(expired, s.env)
			delete(m.slots, projectID)
		}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	for _, env := range expired {
		m.destroy(ctx, env, "expire")
	}
	return len(expired)
}

// Run sweeps expired leases every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.log.Info("expired sandbox environments destroyed", zap.Int("count", n))
			}
		}
	}
}

// Stats reports current pool occupancy.
func (m *Manager) Stats() (leased, idle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsLocked()
}

// Close destroys every environment and rejects further acquisitions.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var envs []Environment
	for projectID, s := range m.slots {
		if s.state != slotCreating {
			envs = append(envs, s.env)
		}
		delete(m.slots, projectID)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	var errs []error
	for _, env := range envs {
		if err := m.provider.Destroy(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) destroy(ctx context.Context, env Environment, op string) {
	err := m.provider.Destroy(ctx, env)
	m.metrics.RecordLeaseOperation(op, err)
	if err != nil {
		m.log.Warn("sandbox environment destroy failed",
			zap.String("project_id", env.ProjectID),
			zap.String("env_id", env.ID),
			zap.String("reason", op),
			zap.Error(err))
	}
}

func (m *Manager) countsLocked() (leased, idle int) {
	for _, s := range m.slots {
		switch s.state {
		case slotIdle:
			idle++
		default:
			leased++
		}
	}
	return leased, idle
}

func (m *Manager) updateGaugesLocked() {
	leased, idle := m.countsLocked()
	m.metrics.SetLeaseCounts(leased, idle)
}

func exitCodeOf(res *CommandResult) int {
	if res == nil {
		return -1
	}
	return res.ExitCode
}
