package dapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"webforge/internal/config"
	"webforge/internal/deployment"
	"webforge/internal/events"
	"webforge/internal/pipeline"
	"webforge/internal/store"
)

type fakeService struct {
	gate      chan struct{}
	createErr error
	status    *deployment.JobStatus
	waitErr   error
	blockWait bool
	abis      map[string]json.RawMessage
	sources   map[string]string
	logs      []deployment.LogEntry

	mu       sync.Mutex
	created  []deployment.PipelineRequest
	verified int
}

func (f *fakeService) CreatePipeline(ctx context.Context, req deployment.PipelineRequest) (*deployment.JobRef, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	f.mu.Lock()
	f.created = append(f.created, req)
	f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &deployment.JobRef{ID: "job-1", Type: "pipeline"}, nil
}

func (f *fakeService) WaitForJob(ctx context.Context, jobID string, _, _ time.Duration) (*deployment.JobStatus, error) {
	if f.blockWait {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	return f.status, f.waitErr
}

func (f *fakeService) JobLogs(context.Context, string, string, int) ([]deployment.LogEntry, error) {
	return f.logs, nil
}

func (f *fakeService) ABIs(context.Context, string) (map[string]json.RawMessage, error) {
	return f.abis, nil
}

func (f *fakeService) Sources(context.Context, string) (map[string]string, error) {
	return f.sources, nil
}

func (f *fakeService) VerifyByJob(context.Context, string, string, string) (*deployment.VerifyResult, error) {
	f.mu.Lock()
	f.verified++
	f.mu.Unlock()
	return &deployment.VerifyResult{OK: true}, nil
}

func deployedService() *fakeService {
	return &fakeService{
		gate: make(chan struct{}),
		status: &deployment.JobStatus{OK: true, Status: deployment.JobCompleted, Job: &deployment.Job{
			ID:     "job-1",
			Result: deployment.JobResult{Address: "0xC0FFEE", Name: "Voting", TransactionHash: "0xtx"},
		}},
		abis:    map[string]json.RawMessage{"Voting": json.RawMessage(`[{"type":"function","name":"vote"}]`)},
		sources: map[string]string{"Voting.sol": "contract Voting {}"},
	}
}

// fakeBuilder stands in for the pipeline driver. By default it finishes the
// build on the handed-over stream; with hold set the build stays running until
// cancelled.
type fakeBuilder struct {
	err         error
	hold        bool
	beforeStart func()

	mu        sync.Mutex
	reqs      []pipeline.StartRequest
	running   map[string]*events.Stream
	cancelled []string
}

func (b *fakeBuilder) Start(_ context.Context, req pipeline.StartRequest) (string, error) {
	if b.beforeStart != nil {
		b.beforeStart()
	}
	if b.err != nil {
		return "", b.err
	}
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	if b.hold && req.Stream != nil {
		if b.running == nil {
			b.running = make(map[string]*events.Stream)
		}
		b.running[req.ProjectID] = req.Stream
	}
	b.mu.Unlock()
	if req.Stream != nil {
		_, _ = req.Stream.Emit(events.KindPlanning, "Planning application files", nil)
		if !b.hold {
			_, _ = req.Stream.Emit(events.KindCompleted, "Application is running", nil)
		}
	}
	return "build-1", nil
}

func (b *fakeBuilder) Cancel(projectID string) error {
	b.mu.Lock()
	stream, ok := b.running[projectID]
	delete(b.running, projectID)
	if ok {
		b.cancelled = append(b.cancelled, projectID)
	}
	b.mu.Unlock()
	if !ok {
		return pipeline.ErrNotFound
	}
	_, _ = stream.Emit(events.KindCancelled, "Build cancelled", nil)
	return nil
}

func (b *fakeBuilder) cancelledIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

func (b *fakeBuilder) started() []pipeline.StartRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pipeline.StartRequest(nil), b.reqs...)
}

type memContracts struct {
	mu   sync.Mutex
	byID map[string]store.ContractRecord
}

func (m *memContracts) SaveContract(_ context.Context, c *store.ContractRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID == nil {
		m.byID = make(map[string]store.ContractRecord)
	}
	m.byID[c.ProjectID] = *c
	return nil
}

func (m *memContracts) get(projectID string) (store.ContractRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[projectID]
	return c, ok
}

type harness struct {
	svc       *fakeService
	builder   *fakeBuilder
	contracts *memContracts
	pub       *events.Publisher
	orch      *Orchestrator
}

func newHarness(svc *fakeService, opts Options) *harness {
	h := &harness{svc: svc, builder: &fakeBuilder{}, contracts: &memContracts{}, pub: events.NewPublisher(nil, zap.NewNop())}
	h.orch = NewOrchestrator(svc, h.builder, h.contracts, h.pub, opts, zap.NewNop())
	return h
}

// createFull starts a full dapp, subscribes, then lets the contract phase run.
func (h *harness) createFull(t *testing.T, req FullRequest) (string, *events.Subscription) {
	t.Helper()
	id, err := h.orch.CreateFull(context.Background(), req)
	require.NoError(t, err)
	sub, err := h.pub.Subscribe(id)
	require.NoError(t, err)
	if h.svc.gate != nil {
		close(h.svc.gate)
	}
	return id, sub
}

func collectEvents(t *testing.T, sub *events.Subscription) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not finish; got %d events", len(out))
		}
	}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func requireGapless(t *testing.T, evs []events.Event) {
	t.Helper()
	for i, ev := range evs {
		require.Equal(t, int64(i+1), ev.Sequence, "sequence at index %d", i)
	}
}

func TestCreateFullDeploysThenBuildsFrontend(t *testing.T) {
	h := newHarness(deployedService(), Options{DefaultNetwork: "sepolia", Verify: true})
	id, sub := h.createFull(t, FullRequest{Prompt: "a voting dapp"})

	evs := collectEvents(t, sub)
	requireGapless(t, evs)
	assert.Equal(t, []events.Kind{
		events.KindStarted,
		events.KindContractGenerating,
		events.KindContractDeploying,
		events.KindContractDeployed,
		events.KindPlanning,
		events.KindCompleted,
	}, kinds(evs))
	assert.Equal(t, "0xC0FFEE", evs[3].Payload["contract_address"])
	assert.EqualValues(t, 11155111, evs[3].Payload["chain_id"])

	require.Len(t, h.svc.created, 1)
	assert.Equal(t, id, h.svc.created[0].IdempotencyKey)
	assert.Equal(t, 3, h.svc.created[0].MaxIters)
	assert.Equal(t, "sepolia", h.svc.created[0].Network)
	assert.Equal(t, 1, h.svc.verified)

	started := h.builder.started()
	require.Len(t, started, 1)
	req := started[0]
	assert.Equal(t, id, req.ProjectID)
	require.NotNil(t, req.Context)
	assert.Equal(t, "Voting", req.Context.ContractName)
	assert.Equal(t, "0xC0FFEE", req.Context.Address)
	assert.EqualValues(t, 11155111, req.Context.ChainID)
	assert.Equal(t, "https://sepolia.etherscan.io/address/0xC0FFEE", req.Context.ExplorerURL)
	assert.JSONEq(t, `[{"type":"function","name":"vote"}]`, string(req.Context.ABI))
	assert.Contains(t, req.Prompt, "a voting dapp")
	assert.Contains(t, req.Prompt, "chain id 11155111")

	rec, ok := h.contracts.get(id)
	require.True(t, ok)
	assert.Equal(t, store.ContractDeployed, rec.Status)
	assert.Equal(t, "contract Voting {}", rec.Source)
	assert.Equal(t, "0xtx", rec.TransactionHash)
	require.NotNil(t, rec.JobID)
	assert.Equal(t, "job-1", *rec.JobID)
	assert.False(t, h.orch.Pending(id))
}

func TestDeploymentFailureNeverStartsFrontend(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*fakeService)
		message  string
		category pipeline.Category
	}{
		{
			name:    "pipeline rejected",
			mutate:  func(s *fakeService) { s.createErr = &deployment.APIError{Status: 400, Body: "bad prompt"} },
			message: "bad prompt",
		},
		{
			name: "job failed",
			mutate: func(s *fakeService) {
				s.status = &deployment.JobStatus{Status: deployment.JobFailed, Job: &deployment.Job{Error: "compilation failed after 3 fix iterations"}}
			},
			message: "compilation failed",
		},
		{
			name: "job failed without error text",
			mutate: func(s *fakeService) {
				s.status = &deployment.JobStatus{Status: deployment.JobFailed}
				s.logs = []deployment.LogEntry{{Level: "error", Message: "insufficient funds for gas"}}
			},
			message: "insufficient funds",
		},
		{
			name: "no address",
			mutate: func(s *fakeService) {
				s.status = &deployment.JobStatus{Status: deployment.JobCompleted, Job: &deployment.Job{}}
			},
			message: "without a deployed address",
		},
		{
			name:     "job timeout",
			mutate:   func(s *fakeService) { s.status, s.waitErr = nil, deployment.ErrJobTimeout },
			message:  "did not finish in time",
			category: pipeline.CategoryInfrastructure,
		},
		{
			name: "service unavailable",
			mutate: func(s *fakeService) {
				s.createErr = &deployment.APIError{Status: 503, Body: "upstream timeout"}
			},
			message:  "upstream timeout",
			category: pipeline.CategoryInfrastructure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := deployedService()
			tt.mutate(svc)
			h := newHarness(svc, Options{})
			id, sub := h.createFull(t, FullRequest{Prompt: "a token", Network: "polygon"})

			evs := collectEvents(t, sub)
			requireGapless(t, evs)
			last := evs[len(evs)-1]
			assert.Equal(t, events.KindFailed, last.Kind)
			category := tt.category
			if category == "" {
				category = pipeline.CategoryDeployment
			}
			assert.Equal(t, string(category), last.Payload["category"])
			assert.Equal(t, "deployment", last.Payload["service"])
			assert.Contains(t, last.Message, tt.message)
			for _, ev := range evs {
				switch ev.Kind {
				case events.KindPlanning, events.KindGenerating, events.KindCheckingImports,
					events.KindValidating, events.KindBooting, events.KindContractDeployed:
					t.Errorf("unexpected %s event after deployment failure", ev.Kind)
				}
			}
			assert.Empty(t, h.builder.started())

			rec, ok := h.contracts.get(id)
			require.True(t, ok)
			assert.Equal(t, store.ContractFailed, rec.Status)
			assert.Contains(t, rec.Error, tt.message)
			assert.EqualValues(t, 137, rec.ChainID)
		})
	}
}

func TestContractOnlyStopsAfterDeployment(t *testing.T) {
	h := newHarness(deployedService(), Options{})
	_, sub := h.createFull(t, FullRequest{Prompt: "a token", ContractOnly: true})

	evs := collectEvents(t, sub)
	requireGapless(t, evs)
	assert.Equal(t, []events.Kind{
		events.KindStarted,
		events.KindContractGenerating,
		events.KindContractDeploying,
		events.KindContractDeployed,
		events.KindCompleted,
	}, kinds(evs))
	assert.Equal(t, "basecamp-testnet", evs[0].Payload["network"])
	assert.Empty(t, h.builder.started())
}

func TestFrontendStartFailureFailsStream(t *testing.T) {
	h := newHarness(deployedService(), Options{})
	h.builder.err = pipeline.ErrShuttingDown
	_, sub := h.createFull(t, FullRequest{Prompt: "a token"})

	evs := collectEvents(t, sub)
	requireGapless(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, events.KindFailed, last.Kind)
	assert.Equal(t, string(pipeline.CategoryInfrastructure), last.Payload["category"])
}

func TestCancelDuringContractPhase(t *testing.T) {
	svc := deployedService()
	svc.blockWait = true
	h := newHarness(svc, Options{})
	id, sub := h.createFull(t, FullRequest{Prompt: "a token"})

	require.Eventually(t, func() bool {
		h.svc.mu.Lock()
		defer h.svc.mu.Unlock()
		return len(h.svc.created) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.orch.Cancel(id))

	evs := collectEvents(t, sub)
	requireGapless(t, evs)
	assert.Equal(t, events.KindCancelled, evs[len(evs)-1].Kind)
	assert.Empty(t, h.builder.started())
	_, saved := h.contracts.get(id)
	assert.False(t, saved)
	assert.ErrorIs(t, h.orch.Cancel(id), pipeline.ErrNotFound)
}

func TestCancelDuringFrontendHandoff(t *testing.T) {
	h := newHarness(deployedService(), Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	h.builder.hold = true
	h.builder.beforeStart = func() {
		close(entered)
		<-release
	}
	id, sub := h.createFull(t, FullRequest{Prompt: "a token"})

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("frontend build was never started")
	}
	assert.True(t, h.orch.Pending(id))
	require.NoError(t, h.orch.Cancel(id))
	close(release)

	evs := collectEvents(t, sub)
	requireGapless(t, evs)
	assert.Equal(t, events.KindCancelled, evs[len(evs)-1].Kind)
	assert.Equal(t, []string{id}, h.builder.cancelledIDs())
	assert.False(t, h.orch.Pending(id))
}

func TestCancelAfterHandoffReachesDriver(t *testing.T) {
	h := newHarness(deployedService(), Options{})
	h.builder.hold = true
	id, sub := h.createFull(t, FullRequest{Prompt: "a token"})

	require.Eventually(t, func() bool {
		return len(h.builder.started()) == 1 && !h.orch.Pending(id)
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.orch.Cancel(id))

	evs := collectEvents(t, sub)
	requireGapless(t, evs)
	assert.Equal(t, []events.Kind{
		events.KindStarted,
		events.KindContractGenerating,
		events.KindContractDeploying,
		events.KindContractDeployed,
		events.KindPlanning,
		events.KindCancelled,
	}, kinds(evs))
	assert.ErrorIs(t, h.orch.Cancel(id), pipeline.ErrNotFound)
}

func TestShutdownCancelsContractPhase(t *testing.T) {
	svc := deployedService()
	svc.blockWait = true
	h := newHarness(svc, Options{})
	_, sub := h.createFull(t, FullRequest{Prompt: "a token"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))
	evs := collectEvents(t, sub)
	assert.Equal(t, events.KindCancelled, evs[len(evs)-1].Kind)

	_, err := h.orch.CreateFull(context.Background(), FullRequest{Prompt: "again"})
	assert.ErrorIs(t, err, pipeline.ErrShuttingDown)
}

func TestCreateFrontendOnly(t *testing.T) {
	h := newHarness(deployedService(), Options{})
	id, err := h.orch.CreateFrontendOnly(context.Background(), FrontendRequest{
		Address: "0xabc",
		ABI:     json.RawMessage(`[]`),
		Network: "avalanche-fuji",
		Prompt:  "a dashboard",
	})
	require.NoError(t, err)

	started := h.builder.started()
	require.Len(t, started, 1)
	assert.Equal(t, id, started[0].ProjectID)
	assert.Nil(t, started[0].Stream)
	require.NotNil(t, started[0].Context)
	assert.EqualValues(t, 43113, started[0].Context.ChainID)
	assert.Equal(t, "ImportedContract", started[0].Context.ContractName)
	assert.Empty(t, h.svc.created)

	rec, ok := h.contracts.get(id)
	require.True(t, ok)
	assert.Equal(t, store.ContractImported, rec.Status)
	assert.Nil(t, rec.JobID)
}

func TestCreateFrontendOnlyStartFailureSavesNothing(t *testing.T) {
	h := newHarness(deployedService(), Options{})
	h.builder.err = pipeline.ErrShuttingDown
	_, err := h.orch.CreateFrontendOnly(context.Background(), FrontendRequest{
		Address: "0xabc",
		ABI:     json.RawMessage(`[]`),
		Prompt:  "a dashboard",
	})
	require.ErrorIs(t, err, pipeline.ErrShuttingDown)

	h.contracts.mu.Lock()
	defer h.contracts.mu.Unlock()
	assert.Empty(t, h.contracts.byID)
}

func TestRejectsInvalidRequests(t *testing.T) {
	h := newHarness(deployedService(), Options{})
	ctx := context.Background()

	_, err := h.orch.CreateFull(ctx, FullRequest{Prompt: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.orch.CreateFull(ctx, FullRequest{Prompt: "x", Network: "mainnet-ish"})
	assert.ErrorIs(t, err, ErrUnknownNetwork)
	_, err = h.orch.CreateFrontendOnly(ctx, FrontendRequest{Address: "0x1", ABI: json.RawMessage(`{not json`), Prompt: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.orch.CreateFrontendOnly(ctx, FrontendRequest{ABI: json.RawMessage(`[]`), Prompt: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, h.builder.started())
}

func TestOrchestratorAgainstDeploymentService(t *testing.T) {
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ai/pipeline":
			<-gate
			_, _ = w.Write([]byte(`{"ok":true,"job":{"id":"j-42","type":"pipeline"}}`))
		case "/api/job/j-42/status":
			_, _ = w.Write([]byte(`{"ok":true,"status":"completed","job":{"id":"j-42","result":{"address":"0xdead","name":"Counter"}}}`))
		case "/api/artifacts/abis":
			_, _ = w.Write([]byte(`{"ok":true,"abis":{"Counter":[]}}`))
		case "/api/artifacts/sources":
			_, _ = w.Write([]byte(`{"ok":true,"sources":{"Counter.sol":"contract Counter {}"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := deployment.NewClient(config.DeploymentConfig{ServiceURL: srv.URL}, zap.NewNop())
	builder := &fakeBuilder{}
	pub := events.NewPublisher(nil, zap.NewNop())
	orch := NewOrchestrator(client, builder, nil, pub, Options{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	id, err := orch.CreateFull(context.Background(), FullRequest{Prompt: "a counter"})
	require.NoError(t, err)
	sub, err := pub.Subscribe(id)
	require.NoError(t, err)
	close(gate)

	evs := collectEvents(t, sub)
	requireGapless(t, evs)
	assert.Equal(t, events.KindCompleted, evs[len(evs)-1].Kind)
	require.Len(t, builder.started(), 1)
	assert.Equal(t, "Counter", builder.started()[0].Context.ContractName)
	assert.Equal(t, "0xdead", builder.started()[0].Context.Address)
}

func TestFrontendPromptMentionsContract(t *testing.T) {
	p := frontendPrompt("a voting app", &pipeline.ContractContext{
		ContractName: "Voting", Address: "0x1", Network: "polygon", ChainID: 137,
		ExplorerURL: "https://polygonscan.com/address/0x1",
	})
	assert.Contains(t, p, "Voting")
	assert.Contains(t, p, "chain id 137 (polygon)")
	assert.Contains(t, p, "https://polygonscan.com/address/0x1")

	p = frontendPrompt("x", &pipeline.ContractContext{ContractName: "C", Network: "local"})
	assert.NotContains(t, p, "block explorer")
}
