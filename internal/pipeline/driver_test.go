package pipeline

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"webforge/internal/ai"
	"webforge/internal/events"
	"webforge/internal/sandbox"
)

const defaultPlan = `{"summary":"counter app","files":[
	{"path":"package.json","purpose":"manifest"},
	{"path":"src/App.tsx","purpose":"root component"},
	{"path":"src/main.tsx","purpose":"entry point"}]}`

var generatedFiles = map[string]string{
	"package.json": `{"name":"app","dependencies":{"react":"^18.2.0","react-dom":"^18.2.0"}}`,
	"src/App.tsx":  "import React from 'react'\nexport default function App() { return <div>count</div> }",
	"src/main.tsx": "import { createRoot } from 'react-dom/client'\nimport App from './App'",
}

var targetPathPattern = regexp.MustCompile(`Write the complete contents of (\S+) \(`)

// scriptedCompleter answers plan prompts from plans (the last one repeats)
// and file prompts from gen. Every call waits for gate to close.
type scriptedCompleter struct {
	gate chan struct{}
	gen  func(path string, call int) string

	mu        sync.Mutex
	plans     []string
	planCalls int
	genCalls  map[string]int
}

func newScriptedCompleter(plans ...string) *scriptedCompleter {
	if len(plans) == 0 {
		plans = []string{defaultPlan}
	}
	return &scriptedCompleter{
		gate:     make(chan struct{}),
		plans:    plans,
		genCalls: make(map[string]int),
	}
}

func (c *scriptedCompleter) Complete(ctx context.Context, prompt string, cfg ai.CompletionConfig) (string, error) {
	select {
	case <-c.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.System == planSystemPrompt {
		plan := c.plans[min(c.planCalls, len(c.plans)-1)]
		c.planCalls++
		return plan, nil
	}
	m := targetPathPattern.FindStringSubmatch(prompt)
	if m == nil {
		return "", errors.New("no target path in prompt")
	}
	path := m[1]
	c.genCalls[path]++
	if c.gen != nil {
		if out := c.gen(path, c.genCalls[path]); out != "" {
			return out, nil
		}
	}
	return "```tsx\n" + generatedFiles[path] + "\n```", nil
}

func (c *scriptedCompleter) calls(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genCalls[path]
}

type fakeProbe struct {
	status sandbox.ProbeStatus
}

func (p *fakeProbe) Check(context.Context) (sandbox.ProbeStatus, error) { return p.status, nil }
func (p *fakeProbe) Port() int                                          { return 5173 }
func (p *fakeProbe) Stop(context.Context) error                         { return nil }

// fakeSandbox is an in-memory lease pool for one project at a time.
type fakeSandbox struct {
	run   func(ctx context.Context, line string, call int) (*sandbox.CommandResult, error)
	probe func(call int) sandbox.ProbeStatus

	mu        sync.Mutex
	lease     *sandbox.Lease
	acquired  int
	released  int
	discarded int
	starts    int
	writeErrs []error
	written   map[string]string
	runCalls  map[string]int
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{written: make(map[string]string), runCalls: make(map[string]int)}
}

func (f *fakeSandbox) Acquire(_ context.Context, projectID string) (*sandbox.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lease != nil {
		return nil, sandbox.ErrLeaseBusy
	}
	f.acquired++
	f.lease = &sandbox.Lease{ID: uuid.NewString(), ProjectID: projectID}
	return f.lease, nil
}

func (f *fakeSandbox) holds(l *sandbox.Lease) bool { return f.lease != nil && f.lease == l }

func (f *fakeSandbox) WriteFiles(_ context.Context, l *sandbox.Lease, files map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.holds(l) {
		return sandbox.ErrLeaseNotHeld
	}
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		return err
	}
	for p, c := range files {
		f.written[p] = c
	}
	return nil
}

func (f *fakeSandbox) RunCommand(ctx context.Context, l *sandbox.Lease, line string, _ time.Duration) (*sandbox.CommandResult, error) {
	f.mu.Lock()
	if !f.holds(l) {
		f.mu.Unlock()
		return nil, sandbox.ErrLeaseNotHeld
	}
	f.runCalls[line]++
	call := f.runCalls[line]
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, line, call)
	}
	return &sandbox.CommandResult{}, nil
}

func (f *fakeSandbox) StartProcess(_ context.Context, l *sandbox.Lease, _ string, _ int) (sandbox.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.holds(l) {
		return nil, sandbox.ErrLeaseNotHeld
	}
	f.starts++
	st := sandbox.ProbeStatus{Running: true, Responsive: true}
	if f.probe != nil {
		st = f.probe(f.starts)
	}
	return &fakeProbe{status: st}, nil
}

func (f *fakeSandbox) Release(l *sandbox.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.holds(l) {
		return sandbox.ErrLeaseNotHeld
	}
	f.lease = nil
	f.released++
	return nil
}

func (f *fakeSandbox) Discard(_ context.Context, l *sandbox.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.holds(l) {
		return sandbox.ErrLeaseNotHeld
	}
	f.lease = nil
	f.discarded++
	f.written = make(map[string]string)
	return nil
}

func (f *fakeSandbox) snapshot() (held bool, acquired, released, discarded, starts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lease != nil, f.acquired, f.released, f.discarded, f.starts
}

type recordingSink struct {
	mu      sync.Mutex
	results []*Result
}

func (s *recordingSink) SaveResult(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *recordingSink) last(t *testing.T) *Result {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.results)
	return s.results[len(s.results)-1]
}

func testConfig() Config {
	limits := DefaultLimits()
	limits.BackoffBase = time.Millisecond
	limits.BackoffMax = 4 * time.Millisecond
	return Config{
		Limits:           limits,
		PipelineTimeout:  10 * time.Second,
		StageTimeout:     5 * time.Second,
		CommandTimeout:   5 * time.Second,
		BootWindow:       200 * time.Millisecond,
		ProbeInterval:    5 * time.Millisecond,
		AppPort:          5173,
		InstallCommand:   "npm install",
		LintCommand:      "tsc --noEmit",
		DevCommand:       "npm run dev",
		TemplatePackages: []string{"react", "react-dom", "vite", "typescript"},
	}
}

type harness struct {
	driver    *Driver
	pub       *events.Publisher
	completer *scriptedCompleter
	sandbox   *fakeSandbox
	sink      *recordingSink
}

func newHarness(cfg Config, completer *scriptedCompleter) *harness {
	pub := events.NewPublisher(nil, zap.NewNop())
	sb := newFakeSandbox()
	sink := &recordingSink{}
	d := NewDriver(cfg, Deps{Completer: completer, Sandbox: sb, Publisher: pub, Sinks: []ResultSink{sink}}, zap.NewNop())
	return &harness{driver: d, pub: pub, completer: completer, sandbox: sb, sink: sink}
}

// start begins a build, subscribes to it and then lets the completer run.
func (h *harness) start(t *testing.T, projectID string) *events.Subscription {
	t.Helper()
	_, err := h.driver.Start(context.Background(), StartRequest{ProjectID: projectID, Prompt: "a counter app"})
	require.NoError(t, err)
	sub, err := h.pub.Subscribe(projectID)
	require.NoError(t, err)
	close(h.completer.gate)
	return sub
}

func collectEvents(t *testing.T, sub *events.Subscription) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("build did not finish; got %v", kindsOf(out))
		}
	}
}

func kindsOf(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func requireGapless(t *testing.T, evs []events.Event) {
	t.Helper()
	require.NotEmpty(t, evs)
	terminals := 0
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Sequence)
		if ev.Kind.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.True(t, evs[len(evs)-1].Kind.Terminal())
}

func retryEvents(evs []events.Event) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Kind == events.KindRetrying {
			out = append(out, ev)
		}
	}
	return out
}

func TestCleanBuildCompletesWithZeroCounters(t *testing.T) {
	h := newHarness(testConfig(), newScriptedCompleter())
	evs := collectEvents(t, h.start(t, "p1"))

	requireGapless(t, evs)
	assert.Equal(t, []events.Kind{
		events.KindStarted, events.KindPlanning, events.KindGenerating, events.KindCheckingImports,
		events.KindValidating, events.KindBooting, events.KindCompleted,
	}, kindsOf(evs))

	res := h.sink.last(t)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, Counters{}, res.Counters)
	assert.Len(t, res.Files, 3)
	assert.Equal(t, generatedFiles["src/App.tsx"]+"\n", res.Files["src/App.tsx"])

	held, acquired, released, _, starts := h.sandbox.snapshot()
	assert.False(t, held)
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, starts)
	assert.False(t, h.driver.Active("p1"))
}

func TestImportErrorRegeneratesOnlyAttributedFiles(t *testing.T) {
	c := newScriptedCompleter()
	c.gen = func(path string, call int) string {
		if path == "src/App.tsx" && call == 1 {
			return "import React from 'react'\nimport _ from 'lodash'\nexport default function App() { return null }"
		}
		return ""
	}
	h := newHarness(testConfig(), c)
	evs := collectEvents(t, h.start(t, "p1"))

	requireGapless(t, evs)
	assert.Equal(t, []events.Kind{
		events.KindStarted, events.KindPlanning, events.KindGenerating, events.KindCheckingImports,
		events.KindRetrying, events.KindGenerating, events.KindCheckingImports,
		events.KindValidating, events.KindBooting, events.KindCompleted,
	}, kindsOf(evs))

	retry := retryEvents(evs)[0]
	assert.Equal(t, 1, retry.Payload["attempt"])
	assert.Equal(t, string(CategoryImport), retry.Payload["category"])
	assert.Equal(t, string(StatusGenerating), retry.Payload["target"])

	assert.Equal(t, 2, c.calls("src/App.tsx"))
	assert.Equal(t, 2, c.calls("package.json"))
	assert.Equal(t, 1, c.calls("src/main.tsx"))

	res := h.sink.last(t)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 1, res.Counters.Import)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CategoryImport, res.Errors[0].Category)
}

func TestValidationErrorFeedsDiagnosticsBack(t *testing.T) {
	h := newHarness(testConfig(), newScriptedCompleter())
	h.sandbox.run = func(_ context.Context, line string, call int) (*sandbox.CommandResult, error) {
		if line == "tsc --noEmit" && call == 1 {
			return &sandbox.CommandResult{ExitCode: 2, Stdout: "src/main.tsx(2,8): error TS2307: Cannot find module './App'."}, nil
		}
		return &sandbox.CommandResult{}, nil
	}
	evs := collectEvents(t, h.start(t, "p1"))

	requireGapless(t, evs)
	require.Len(t, retryEvents(evs), 1)
	assert.Equal(t, string(CategoryValidation), retryEvents(evs)[0].Payload["category"])
	assert.Equal(t, 2, h.completer.calls("src/main.tsx"))
	assert.Equal(t, 1, h.completer.calls("src/App.tsx"))

	res := h.sink.last(t)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 1, res.Counters.Validation)
}

func TestRuntimeFailuresExhaustBudget(t *testing.T) {
	h := newHarness(testConfig(), newScriptedCompleter())
	h.sandbox.probe = func(int) sandbox.ProbeStatus {
		return sandbox.ProbeStatus{Running: false, ExitCode: 1, StderrTail: "ReferenceError: window is not defined at src/App.tsx:3"}
	}
	evs := collectEvents(t, h.start(t, "p1"))

	requireGapless(t, evs)
	retries := retryEvents(evs)
	require.Len(t, retries, 3)
	for i, ev := range retries {
		assert.Equal(t, i+1, ev.Payload["attempt"])
		assert.Equal(t, string(CategoryRuntime), ev.Payload["category"])
	}
	last := evs[len(evs)-1]
	assert.Equal(t, events.KindFailed, last.Kind)
	assert.Equal(t, string(CategoryRuntime), last.Payload["category"])
	assert.Contains(t, last.Message, "exited with code 1")

	res := h.sink.last(t)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, CategoryRuntime, res.Category)
	assert.Equal(t, StatusBooting, res.FailedAt)
	assert.Equal(t, 3, res.Counters.Runtime)
	assert.Len(t, res.Errors, 4)

	_, _, _, _, starts := h.sandbox.snapshot()
	assert.Equal(t, 4, starts)
	assert.Equal(t, 4, h.completer.calls("src/App.tsx"))
	assert.Equal(t, 1, h.completer.calls("src/main.tsx"))
}

func TestPlanningFailureReplansOnceThenFails(t *testing.T) {
	h := newHarness(testConfig(), newScriptedCompleter("sorry, no plan", `{"files":[]}`))
	evs := collectEvents(t, h.start(t, "p1"))

	requireGapless(t, evs)
	assert.Equal(t, []events.Kind{
		events.KindStarted, events.KindPlanning, events.KindRetrying, events.KindPlanning, events.KindFailed,
	}, kindsOf(evs))
	assert.Equal(t, "Replanning with stricter instructions", evs[3].Message)

	res := h.sink.last(t)
	assert.Equal(t, CategoryPlanning, res.Category)
	assert.Equal(t, 1, res.Counters.Planning)

	held, acquired, _, _, _ := h.sandbox.snapshot()
	assert.False(t, held)
	assert.Zero(t, acquired)
}

func TestInfrastructureErrorRetriesSameStage(t *testing.T) {
	h := newHarness(testConfig(), newScriptedCompleter())
	h.sandbox.writeErrs = []error{&sandbox.InfraError{Op: "write_files", ProjectID: "p1", Err: errors.New("daemon hiccup")}}
	evs := collectEvents(t, h.start(t, "p1"))

	requireGapless(t, evs)
	retries := retryEvents(evs)
	require.Len(t, retries, 1)
	assert.Equal(t, string(CategoryInfrastructure), retries[0].Payload["category"])
	assert.Equal(t, string(StatusCheckingImports), retries[0].Payload["target"])
	assert.Equal(t, 1, h.completer.calls("src/App.tsx"))

	res := h.sink.last(t)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 1, res.Counters.Infrastructure)
}

func TestLostSandboxIsDiscardedAndReacquired(t *testing.T) {
	h := newHarness(testConfig(), newScriptedCompleter())
	h.sandbox.run = func(_ context.Context, line string, call int) (*sandbox.CommandResult, error) {
		if line == "npm install" && call == 1 {
			return nil, &sandbox.InfraError{Op: "run", ProjectID: "p1", Lost: true, Err: errors.New("container not running")}
		}
		return &sandbox.CommandResult{}, nil
	}
	evs := collectEvents(t, h.start(t, "p1"))

	requireGapless(t, evs)
	assert.Equal(t, events.KindCompleted, evs[len(evs)-1].Kind)
	held, acquired, released, discarded, _ := h.sandbox.snapshot()
	assert.False(t, held)
	assert.Equal(t, 2, acquired)
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, discarded)
	h.sandbox.mu.Lock()
	assert.Len(t, h.sandbox.written, 3)
	h.sandbox.mu.Unlock()
}

func TestConcurrentStartIsRejected(t *testing.T) {
	h := newHarness(testConfig(), newScriptedCompleter())

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.driver.Start(context.Background(), StartRequest{ProjectID: "p1", Prompt: "app"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrAlreadyActive):
				rejected++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, rejected)

	st, ok := h.driver.Status("p1")
	require.True(t, ok)
	assert.Equal(t, StatusPlanning, st.Status)

	sub, err := h.pub.Subscribe("p1")
	require.NoError(t, err)
	require.NoError(t, h.driver.Cancel("p1"))
	evs := collectEvents(t, sub)
	assert.Equal(t, events.KindCancelled, evs[len(evs)-1].Kind)

	assert.ErrorIs(t, h.driver.Cancel("p1"), ErrNotFound)
	_, err = h.driver.Start(context.Background(), StartRequest{ProjectID: "p1", Prompt: "again"})
	assert.NoError(t, err)
	require.NoError(t, h.driver.Shutdown(context.Background()))
}

func TestCancellationReleasesLeaseAndEmitsOnce(t *testing.T) {
	h := newHarness(testConfig(), newScriptedCompleter())
	entered := make(chan struct{})
	var once sync.Once
	h.sandbox.run = func(ctx context.Context, line string, _ int) (*sandbox.CommandResult, error) {
		if line != "tsc --noEmit" {
			return &sandbox.CommandResult{}, nil
		}
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sub := h.start(t, "p1")

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("validation never started")
	}
	st, ok := h.driver.Status("p1")
	require.True(t, ok)
	assert.Equal(t, StatusValidating, st.Status)
	require.NoError(t, h.driver.Cancel("p1"))

	evs := collectEvents(t, sub)
	requireGapless(t, evs)
	cancelled := 0
	for _, ev := range evs {
		if ev.Kind == events.KindCancelled {
			cancelled++
		}
		assert.NotEqual(t, events.KindFailed, ev.Kind)
	}
	assert.Equal(t, 1, cancelled)

	held, _, released, _, _ := h.sandbox.snapshot()
	assert.False(t, held)
	assert.Equal(t, 1, released)

	res := h.sink.last(t)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, CategoryCancellation, res.Category)
	assert.Equal(t, Counters{}, res.Counters)
}

func TestCancelBeforePlanningNeverAcquiresSandbox(t *testing.T) {
	h := newHarness(testConfig(), newScriptedCompleter())
	_, err := h.driver.Start(context.Background(), StartRequest{ProjectID: "p1", Prompt: "a counter app"})
	require.NoError(t, err)
	sub, err := h.pub.Subscribe("p1")
	require.NoError(t, err)
	require.NoError(t, h.driver.Cancel("p1"))
	close(h.completer.gate)

	evs := collectEvents(t, sub)
	requireGapless(t, evs)
	assert.Equal(t, events.KindCancelled, evs[len(evs)-1].Kind)
	for _, ev := range evs[:len(evs)-1] {
		assert.Contains(t, []events.Kind{events.KindStarted, events.KindPlanning}, ev.Kind)
	}

	held, acquired, released, _, _ := h.sandbox.snapshot()
	assert.False(t, held)
	assert.Zero(t, acquired)
	assert.Zero(t, released)
	assert.False(t, h.driver.Active("p1"))

	res := h.sink.last(t)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, CategoryCancellation, res.Category)
	assert.ErrorIs(t, h.driver.Cancel("p1"), ErrNotFound)
}

func TestTimeoutsFailAsInfrastructure(t *testing.T) {
	blockLint := func(ctx context.Context, line string, _ int) (*sandbox.CommandResult, error) {
		if line == "tsc --noEmit" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &sandbox.CommandResult{}, nil
	}
	tests := []struct {
		name     string
		pipeline time.Duration
		stage    time.Duration
		wantMsg  string
	}{
		{name: "stage", pipeline: 10 * time.Second, stage: 100 * time.Millisecond, wantMsg: "timeout: validating exceeded"},
		{name: "pipeline", pipeline: 300 * time.Millisecond, stage: 10 * time.Second, wantMsg: "timeout: pipeline exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.PipelineTimeout = tt.pipeline
			cfg.StageTimeout = tt.stage
			h := newHarness(cfg, newScriptedCompleter())
			h.sandbox.run = blockLint

			evs := collectEvents(t, h.start(t, "p1"))
			requireGapless(t, evs)
			assert.Empty(t, retryEvents(evs))
			last := evs[len(evs)-1]
			assert.Equal(t, events.KindFailed, last.Kind)
			assert.Equal(t, string(CategoryInfrastructure), last.Payload["category"])
			assert.Contains(t, last.Message, tt.wantMsg)

			held, _, _, _, _ := h.sandbox.snapshot()
			assert.False(t, held)
		})
	}
}

func TestStartWithOpenStreamContinuesSequence(t *testing.T) {
	c := newScriptedCompleter()
	close(c.gate)
	h := newHarness(testConfig(), c)

	stream, err := h.pub.Open("p1", "dapp-build")
	require.NoError(t, err)
	sub, err := stream.Subscribe()
	require.NoError(t, err)
	_, _ = stream.Emit(events.KindStarted, "DApp creation started", nil)
	_, _ = stream.Emit(events.KindContractDeployed, "deployed", nil)

	contract := &ContractContext{ContractName: "Token", Address: "0x1", Network: "sepolia", ChainID: 11155111, ABI: []byte("[]")}
	buildID, err := h.driver.Start(context.Background(), StartRequest{ProjectID: "p1", Prompt: "token dashboard", Context: contract, Stream: stream})
	require.NoError(t, err)
	assert.Equal(t, "dapp-build", buildID)

	evs := collectEvents(t, sub)
	requireGapless(t, evs)
	assert.Equal(t, events.KindContractDeployed, evs[1].Kind)
	assert.Equal(t, events.KindPlanning, evs[2].Kind)
	for _, ev := range evs {
		assert.Equal(t, "dapp-build", ev.BuildID)
	}
	assert.Equal(t, contract, h.sink.last(t).Contract)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(testConfig(), newScriptedCompleter())
	_, err := h.driver.Start(context.Background(), StartRequest{ProjectID: " ", Prompt: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.driver.Start(context.Background(), StartRequest{ProjectID: "p", Prompt: ""})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	require.NoError(t, h.driver.Shutdown(context.Background()))
	_, err = h.driver.Start(context.Background(), StartRequest{ProjectID: "p", Prompt: "x"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestErrorEntriesAreBounded(t *testing.T) {
	se := &StageError{Stage: StatusValidating, Category: CategoryValidation, Message: strings.Repeat("x", 5000)}
	b := &build{}
	b.recordError(se, 1, time.Now())
	require.Len(t, b.errs, 1)
	assert.LessOrEqual(t, len(b.errs[0].Message), outputTailBytes+10)
	assert.Equal(t, 1, b.errs[0].Attempt)
}
