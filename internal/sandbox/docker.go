package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	dockerWorkdir  = "/workspace"
	appPIDFile     = "/tmp/webforge-app.pid"
	appExitFile    = "/tmp/webforge-app.exit"
	appStdoutFile  = "/tmp/webforge-app.log"
	appStderrFile  = "/tmp/webforge-app.err"
	projectLabel   = "webforge.project"
	managedByLabel = "webforge.managed"
)

// DockerConfig configures the Docker provider.
type DockerConfig struct {
	Host        string
	Image       string
	MemoryMB    int64
	CPUs        float64
	PidsLimit   int64
	NetworkMode string
	Env         map[string]string
	PullImages  bool
}

// DockerProvider runs each environment as a long-lived container and
// executes commands inside it with docker exec.
type DockerProvider struct {
	cfg    DockerConfig
	client *client.Client
}

// NewDockerProvider creates a Docker SDK-backed provider.
func NewDockerProvider(cfg DockerConfig) (*DockerProvider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client init failed: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "node:20-slim"
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	return &DockerProvider{cfg: cfg, client: cli}, nil
}

func (p *DockerProvider) Name() string { return "docker" }

// Ping verifies the Docker daemon is reachable.
func (p *DockerProvider) Ping(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	return err
}

func (p *DockerProvider) Create(ctx context.Context, projectID string) (Environment, error) {
	if p.cfg.PullImages {
		if err := p.ensureImage(ctx, p.cfg.Image); err != nil {
			return Environment{}, err
		}
	}

	name := sanitizeID(projectID)
	if name == "" {
		name = "anonymous"
	}
	if len(name) > 40 {
		name = name[:40]
	}
	containerName := "webforge-" + name + "-" + uuid.NewString()[:8]

	pidsLimit := p.cfg.PidsLimit
	if pidsLimit <= 0 {
		pidsLimit = 512
	}
	memoryBytes := p.cfg.MemoryMB * 1024 * 1024
	if memoryBytes <= 0 {
		memoryBytes = 1024 * 1024 * 1024
	}
	nanoCPUs := int64(p.cfg.CPUs * 1_000_000_000)
	if nanoCPUs <= 0 {
		nanoCPUs = 1_000_000_000
	}

	env := make([]string, 0, len(p.cfg.Env)+1)
	env = append(env, "CI=1")
	for k, v := range p.cfg.Env {
		env = append(env, k+"="+v)
	}

	created, err := p.client.ContainerCreate(ctx, &container.Config{
		Image:      p.cfg.Image,
		WorkingDir: dockerWorkdir,
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		Labels: map[string]string{
			projectLabel:   projectID,
			managedByLabel: "true",
		},
	}, &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges:true"},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETGID", "SETUID", "KILL"},
		NetworkMode: container.NetworkMode(p.cfg.NetworkMode),
		Tmpfs:       map[string]string{"/tmp": "rw,nosuid,size=256m"},
		Resources: container.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return Environment{}, fmt.Errorf("docker container create failed: %w", err)
	}

	if err := p.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return Environment{}, fmt.Errorf("docker container start failed: %w", err)
	}

	return Environment{
		ID:        created.ID,
		ProjectID: projectID,
		Workdir:   dockerWorkdir,
		CreatedAt: time.Now(),
	}, nil
}

func (p *DockerProvider) WriteFiles(ctx context.Context, env Environment, files map[string]string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for rel, content := range files {
		cleaned, err := cleanRelPath(rel)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    cleaned,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar header %s: %w", rel, err)
		}
		if _, err := io.WriteString(tw, content); err != nil {
			return fmt.Errorf("tar write %s: %w", rel, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close: %w", err)
	}

	err := p.client.CopyToContainer(ctx, env.ID, env.Workdir, &buf, container.CopyToContainerOptions{})
	if err != nil {
		return p.classify("write_files", env, err)
	}
	return nil
}

func (p *DockerProvider) Run(ctx context.Context, env Environment, cmd Command) (*CommandResult, error) {
	argv := []string{"sh", "-c", cmd.Line}
	if cmd.Timeout > 0 {
		secs := int(cmd.Timeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		argv = append([]string{"timeout", "-s", "KILL", strconv.Itoa(secs)}, argv...)
	}
	return p.exec(ctx, env, argv, cmd.Env)
}

func (p *DockerProvider) exec(ctx context.Context, env Environment, argv []string, vars map[string]string) (*CommandResult, error) {
	envList := make([]string, 0, len(vars))
	for k, v := range vars {
		envList = append(envList, k+"="+v)
	}

	created, err := p.client.ContainerExecCreate(ctx, env.ID, container.ExecOptions{
		Cmd:          argv,
		Env:          envList,
		WorkingDir:   env.Workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, p.classify("exec_create", env, err)
	}

	attach, err := p.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, p.classify("exec_attach", env, err)
	}
	defer attach.Close()

	started := time.Now()
	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(
			&limitedWriter{w: &stdout, limit: 1 << 20},
			&limitedWriter{w: &stderr, limit: 1 << 20},
			attach.Reader,
		)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		attach.Close()
		return &CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 124, Duration: time.Since(started)}, ctx.Err()
	case err := <-copyDone:
		if err != nil {
			return nil, p.classify("exec_stream", env, err)
		}
	}

	inspect, err := p.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, p.classify("exec_inspect", env, err)
	}
	return &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
		Duration: time.Since(started),
	}, nil
}

func (p *DockerProvider) Start(ctx context.Context, env Environment, cmd Command) (Probe, error) {
	port := cmd.Port
	if port == 0 {
		port = 5173
	}
	vars := map[string]string{"PORT": strconv.Itoa(port), "HOST": "0.0.0.0"}
	for k, v := range cmd.Env {
		vars[k] = v
	}

	inner := fmt.Sprintf("%s; echo $? > %s", cmd.Line, appExitFile)
	script := fmt.Sprintf("rm -f %s %s; setsid sh -c %s > %s 2> %s < /dev/null & echo $! > %s",
		appExitFile, appPIDFile, shellQuote(inner), appStdoutFile, appStderrFile, appPIDFile)

	res, err := p.exec(ctx, env, []string{"sh", "-c", script}, vars)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("launch dev process exited %d: %s", res.ExitCode, Tail(res.Output(), 400))
	}
	return &dockerProbe{provider: p, env: env, port: port}, nil
}

func (p *DockerProvider) Destroy(ctx context.Context, env Environment) error {
	err := p.client.ContainerRemove(ctx, env.ID, container.RemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (p *DockerProvider) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := p.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	rc, pullErr := p.client.ImagePull(ctx, imageName, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("pull image %s: %w (inspect err: %v)", imageName, pullErr, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

// classify marks errors that mean the container is gone as lost.
func (p *DockerProvider) classify(op string, env Environment, err error) error {
	lost := client.IsErrNotFound(err) || strings.Contains(strings.ToLower(err.Error()), "is not running")
	return &InfraError{Op: op, ProjectID: env.ProjectID, Lost: lost, Err: err}
}

type dockerProbe struct {
	provider *DockerProvider
	env      Environment
	port     int
}

func (d *dockerProbe) Port() int { return d.port }

const dockerStatusScript = `pid=$(cat ` + appPIDFile + ` 2>/dev/null)
if [ -n "$pid" ] && kill -0 "$pid" 2>/dev/null && [ ! -f ` + appExitFile + ` ]; then
  echo running
else
  echo "exited $(cat ` + appExitFile + ` 2>/dev/null || echo -1)"
fi`

func (d *dockerProbe) Check(ctx context.Context) (ProbeStatus, error) {
	res, err := d.provider.exec(ctx, d.env, []string{"sh", "-c", dockerStatusScript}, nil)
	if err != nil {
		return ProbeStatus{}, err
	}
	status := ProbeStatus{}
	line := strings.TrimSpace(res.Stdout)
	if line == "running" {
		status.Running = true
	} else {
		fields := strings.Fields(line)
		status.ExitCode = -1
		if len(fields) == 2 {
			if code, convErr := strconv.Atoi(fields[1]); convErr == nil {
				status.ExitCode = code
			}
		}
	}

	tail, err := d.provider.exec(ctx, d.env, []string{"sh", "-c", "tail -c 2000 " + appStderrFile + " 2>/dev/null"}, nil)
	if err == nil {
		status.StderrTail = strings.TrimSpace(tail.Stdout)
	}
	if !status.Running {
		return status, nil
	}

	probeJS := fmt.Sprintf(
		`require('http').get('http://127.0.0.1:%d/',r=>process.exit(r.statusCode<500?0:1)).on('error',()=>process.exit(1))`,
		d.port)
	alive, err := d.provider.exec(ctx, d.env, []string{"node", "-e", probeJS}, nil)
	if err != nil {
		return status, err
	}
	status.Responsive = alive.ExitCode == 0
	return status, nil
}

func (d *dockerProbe) Stop(ctx context.Context) error {
	script := fmt.Sprintf(`pid=$(cat %s 2>/dev/null); [ -n "$pid" ] && kill -TERM -- -"$pid" 2>/dev/null; sleep 1; [ -n "$pid" ] && kill -KILL -- -"$pid" 2>/dev/null; rm -f %s; true`,
		appPIDFile, appPIDFile)
	_, err := d.provider.exec(ctx, d.env, []string{"sh", "-c", script}, nil)
	return err
}
