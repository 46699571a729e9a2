package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalProvider runs environments as plain directories on the host and
// commands as host processes. It is intended for development and tests; it
// offers no isolation beyond a dedicated working directory.
type LocalProvider struct {
	root           string
	baseEnv        map[string]string
	maxOutputBytes int64
	httpClient     *http.Client
}

// NewLocalProvider creates a provider rooted at workspaceRoot.
func NewLocalProvider(workspaceRoot string, env map[string]string) (*LocalProvider, error) {
	if workspaceRoot == "" {
		workspaceRoot = filepath.Join(os.TempDir(), "webforge-sandboxes")
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox workspace root: %w", err)
	}
	return &LocalProvider{
		root:           workspaceRoot,
		baseEnv:        env,
		maxOutputBytes: 1 << 20,
		httpClient:     &http.Client{Timeout: 2 * time.Second},
	}, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Create(ctx context.Context, projectID string) (Environment, error) {
	name := sanitizeID(projectID)
	if name == "" {
		name = "anonymous"
	}
	id := name + "-" + uuid.NewString()[:8]
	dir := filepath.Join(p.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Environment{}, fmt.Errorf("create workspace: %w", err)
	}
	return Environment{ID: id, ProjectID: projectID, Workdir: dir, CreatedAt: time.Now()}, nil
}

func (p *LocalProvider) WriteFiles(ctx context.Context, env Environment, files map[string]string) error {
	for rel, content := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		full, err := safeJoin(env.Workdir, rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

func (p *LocalProvider) Run(ctx context.Context, env Environment, cmd Command) (*CommandResult, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd.Line)
	c.Dir = env.Workdir
	c.Env = p.environ(cmd.Env)
	setProcessGroup(c)
	c.Cancel = func() error { return killProcessGroup(c) }
	c.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &limitedWriter{w: &stdout, limit: p.maxOutputBytes}
	c.Stderr = &limitedWriter{w: &stderr, limit: p.maxOutputBytes}

	started := time.Now()
	err := c.Run()
	res := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if err != nil {
		if ctx.Err() != nil {
			res.ExitCode = 124
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

func (p *LocalProvider) Start(ctx context.Context, env Environment, cmd Command) (Probe, error) {
	port := cmd.Port
	if port == 0 {
		var err error
		if port, err = freePort(); err != nil {
			return nil, fmt.Errorf("allocate port: %w", err)
		}
	}
	extra := map[string]string{"PORT": strconv.Itoa(port), "HOST": "127.0.0.1"}
	for k, v := range cmd.Env {
		extra[k] = v
	}

	c := exec.Command("sh", "-c", cmd.Line)
	c.Dir = env.Workdir
	c.Env = p.environ(extra)
	setProcessGroup(c)
	stderr := newTailBuffer(8 << 10)
	c.Stdout = stderr
	c.Stderr = stderr

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	probe := &localProbe{
		cmd:    c,
		port:   port,
		stderr: stderr,
		client: p.httpClient,
		done:   make(chan struct{}),
	}
	go probe.wait()
	return probe, nil
}

func (p *LocalProvider) Destroy(ctx context.Context, env Environment) error {
	if env.Workdir == "" {
		return nil
	}
	return os.RemoveAll(env.Workdir)
}

func (p *LocalProvider) environ(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range p.baseEnv {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

type localProbe struct {
	cmd    *exec.Cmd
	port   int
	stderr *tailBuffer
	client *http.Client

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
}

func (lp *localProbe) wait() {
	err := lp.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	lp.mu.Lock()
	lp.exitCode = code
	lp.mu.Unlock()
	close(lp.done)
}

func (lp *localProbe) Port() int { return lp.port }

func (lp *localProbe) Check(ctx context.Context) (ProbeStatus, error) {
	select {
	case <-lp.done:
		lp.mu.Lock()
		code := lp.exitCode
		lp.mu.Unlock()
		return ProbeStatus{Running: false, ExitCode: code, StderrTail: Tail(lp.stderr.String(), 2000)}, nil
	default:
	}

	status := ProbeStatus{Running: true, StderrTail: Tail(lp.stderr.String(), 2000)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", lp.port), nil)
	if err != nil {
		return status, err
	}
	resp, err := lp.client.Do(req)
	if err != nil {
		return status, nil
	}
	resp.Body.Close()
	status.Responsive = resp.StatusCode >= 200 && resp.StatusCode < 500
	return status, nil
}

func (lp *localProbe) Stop(ctx context.Context) error {
	select {
	case <-lp.done:
		return nil
	default:
	}
	_ = terminateProcessGroup(lp.cmd)
	select {
	case <-lp.done:
		return nil
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
	}
	_ = killProcessGroup(lp.cmd)
	<-lp.done
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
