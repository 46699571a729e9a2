package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	mu        sync.Mutex
	created   int
	destroyed []string
	files     map[string]map[string]string
	createErr error
	runFn     func(ctx context.Context, cmd Command) (*CommandResult, error)
	seq       atomic.Int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{files: make(map[string]map[string]string)}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Create(ctx context.Context, projectID string) (Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return Environment{}, f.createErr
	}
	f.created++
	id := fmt.Sprintf("env-%d", f.seq.Add(1))
	f.files[id] = map[string]string{}
	return Environment{ID: id, ProjectID: projectID}, nil
}

func (f *fakeProvider) WriteFiles(ctx context.Context, env Environment, files map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range files {
		f.files[env.ID][k] = v
	}
	return nil
}

func (f *fakeProvider) Run(ctx context.Context, env Environment, cmd Command) (*CommandResult, error) {
	if f.runFn != nil {
		return f.runFn(ctx, cmd)
	}
	return &CommandResult{Stdout: "ok"}, nil
}

func (f *fakeProvider) Start(ctx context.Context, env Environment, cmd Command) (Probe, error) {
	return nil, errors.New("not supported")
}

func (f *fakeProvider) Destroy(ctx context.Context, env Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, env.ID)
	return nil
}

func newTestManager(p Provider, ttl time.Duration) (*Manager, *time.Time) {
	m := NewManager(p, ManagerConfig{TTL: ttl}, zap.NewNop())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestAcquireIsExclusivePerProject(t *testing.T) {
	p := newFakeProvider()
	m, _ := newTestManager(p, time.Minute)

	lease, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, lease.Reattached)

	_, err = m.Acquire(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrLeaseBusy)

	other, err := m.Acquire(context.Background(), "p2")
	require.NoError(t, err)
	assert.NotEqual(t, lease.Env.ID, other.Env.ID)
}

func TestConcurrentAcquireGrantsOneLease(t *testing.T) {
	p := newFakeProvider()
	m, _ := newTestManager(p, time.Minute)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(context.Background(), "shared"); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
	assert.Equal(t, 1, p.created)
}

func TestReleaseThenReattachBeforeTTL(t *testing.T) {
	p := newFakeProvider()
	m, now := newTestManager(p, 10*time.Minute)

	first, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, m.Release(first))

	*now = now.Add(5 * time.Minute)
	second, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, second.Reattached)
	assert.Equal(t, first.Env.ID, second.Env.ID)
	assert.Equal(t, 1, p.created)

	// The released lease handle is stale now.
	assert.ErrorIs(t, m.WriteFiles(context.Background(), first, map[string]string{"a.txt": "x"}), ErrLeaseNotHeld)
	assert.ErrorIs(t, m.Release(first), ErrLeaseNotHeld)
}

func TestAcquireAfterTTLCreatesFreshEnvironment(t *testing.T) {
	p := newFakeProvider()
	m, now := newTestManager(p, time.Minute)

	first, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, m.Release(first))

	*now = now.Add(2 * time.Minute)
	second, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, second.Reattached)
	assert.NotEqual(t, first.Env.ID, second.Env.ID)
	assert.Equal(t, []string{first.Env.ID}, p.destroyed)
}

func TestSweepDestroysOnlyExpiredIdle(t *testing.T) {
	p := newFakeProvider()
	m, now := newTestManager(p, time.Minute)

	idle, err := m.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	require.NoError(t, m.Release(idle))
	held, err := m.Acquire(context.Background(), "held")
	require.NoError(t, err)

	*now = now.Add(30 * time.Second)
	assert.Equal(t, 0, m.Sweep(context.Background()))

	*now = now.Add(time.Minute)
	assert.Equal(t, 1, m.Sweep(context.Background()))
	assert.Equal(t, []string{idle.Env.ID}, p.destroyed)

	leased, idleCount := m.Stats()
	assert.Equal(t, 1, leased)
	assert.Equal(t, 0, idleCount)
	require.NoError(t, m.Release(held))
}

func TestCreateFailureIsInfraErrorAndFreesSlot(t *testing.T) {
	p := newFakeProvider()
	p.createErr = errors.New("daemon unreachable")
	m, _ := newTestManager(p, time.Minute)

	_, err := m.Acquire(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, IsInfra(err))

	p.createErr = nil
	_, err = m.Acquire(context.Background(), "p1")
	assert.NoError(t, err)
}

func TestRunCommandTimeoutIsInfraError(t *testing.T) {
	p := newFakeProvider()
	p.runFn = func(ctx context.Context, cmd Command) (*CommandResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m, _ := newTestManager(p, time.Minute)
	lease, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	_, err = m.RunCommand(context.Background(), lease, "sleep 100", 20*time.Millisecond)
	require.Error(t, err)
	var ie *InfraError
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Timeout)
}

func TestRunCommandCancellationIsNotInfra(t *testing.T) {
	p := newFakeProvider()
	p.runFn = func(ctx context.Context, cmd Command) (*CommandResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m, _ := newTestManager(p, time.Minute)
	lease, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = m.RunCommand(ctx, lease, "sleep 100", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsInfra(err))
}

func TestDiscardDestroysImmediately(t *testing.T) {
	p := newFakeProvider()
	m, _ := newTestManager(p, time.Minute)
	lease, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	require.NoError(t, m.Discard(context.Background(), lease))
	assert.Equal(t, []string{lease.Env.ID}, p.destroyed)

	next, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	assert.NotEqual(t, lease.Env.ID, next.Env.ID)
}

func TestCloseRejectsAcquire(t *testing.T) {
	p := newFakeProvider()
	m, _ := newTestManager(p, time.Minute)
	_, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background()))
	assert.Len(t, p.destroyed, 1)
	_, err = m.Acquire(context.Background(), "p2")
	assert.ErrorIs(t, err, ErrManagerClosed)
}
