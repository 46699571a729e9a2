package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"webforge/internal/sandbox"
)

// Sandbox is the lease pool a build runs in. *sandbox.Manager satisfies it.
type Sandbox interface {
	Acquire(ctx context.Context, projectID string) (*sandbox.Lease, error)
	WriteFiles(ctx context.Context, lease *sandbox.Lease, files map[string]string) error
	RunCommand(ctx context.Context, lease *sandbox.Lease, line string, timeout time.Duration) (*sandbox.CommandResult, error)
	StartProcess(ctx context.Context, lease *sandbox.Lease, line string, port int) (sandbox.Probe, error)
	Release(lease *sandbox.Lease) error
	Discard(ctx context.Context, lease *sandbox.Lease) error
}

// workspace is one build's view of its sandbox lease. The lease is acquired
// lazily on first use and only files that changed since the last write are
// sent to the environment.
type workspace struct {
	sb        Sandbox
	projectID string
	log       *zap.Logger

	lease     *sandbox.Lease
	written   map[string]string
	installed *string
}

func newWorkspace(sb Sandbox, projectID string, log *zap.Logger) *workspace {
	return &workspace{sb: sb, projectID: projectID, log: log}
}

func (w *workspace) acquire(ctx context.Context) error {
	if w.lease != nil {
		return nil
	}
	lease, err := w.sb.Acquire(ctx, w.projectID)
	if err != nil {
		return err
	}
	w.lease = lease
	w.written = make(map[string]string)
	w.installed = nil
	if lease.Reattached {
		w.log.Debug("reusing idle sandbox", zap.String("lease_id", lease.ID))
	}
	return nil
}

// Sync writes every file whose content differs from what the environment
// already holds.
func (w *workspace) Sync(ctx context.Context, files map[string]string) error {
	if err := w.acquire(ctx); err != nil {
		return err
	}
	changed := make(map[string]string)
	for p, c := range files {
		if prev, ok := w.written[p]; !ok || prev != c {
			changed[p] = c
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if err := w.sb.WriteFiles(ctx, w.lease, changed); err != nil {
		return err
	}
	for p, c := range changed {
		w.written[p] = c
	}
	return nil
}

func (w *workspace) Run(ctx context.Context, line string, timeout time.Duration) (*sandbox.CommandResult, error) {
	if err := w.acquire(ctx); err != nil {
		return nil, err
	}
	return w.sb.RunCommand(ctx, w.lease, line, timeout)
}

func (w *workspace) Start(ctx context.Context, line string, port int) (sandbox.Probe, error) {
	if err := w.acquire(ctx); err != nil {
		return nil, err
	}
	return w.sb.StartProcess(ctx, w.lease, line, port)
}

// needsInstall reports whether manifest differs from the last installed one.
func (w *workspace) needsInstall(manifest string) bool {
	return w.installed == nil || *w.installed != manifest
}

func (w *workspace) markInstalled(manifest string) {
	w.installed = &manifest
}

// discard destroys a lost environment so the next attempt starts fresh.
func (w *workspace) discard(ctx context.Context) {
	if w.lease == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.sb.Discard(dctx, w.lease); err != nil {
		w.log.Warn("discarding lost sandbox failed", zap.Error(err))
	}
	w.lease = nil
	w.written = nil
	w.installed = nil
}

// release returns the lease to the idle pool.
func (w *workspace) release() {
	if w.lease == nil {
		return
	}
	if err := w.sb.Release(w.lease); err != nil {
		w.log.Warn("sandbox release failed", zap.Error(err))
	}
	w.lease = nil
}

// held reports whether the build currently owns a lease.
func (w *workspace) held() bool { return w.lease != nil }
