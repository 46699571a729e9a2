// Package dapp creates decentralized applications: it has the contract
// deployment service generate, compile, fix and deploy a Solidity contract,
// then starts a frontend build with the deployed contract injected.
package dapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"webforge/internal/config"
	"webforge/internal/deployment"
	"webforge/internal/events"
	"webforge/internal/logging"
	"webforge/internal/pipeline"
	"webforge/internal/store"
)

// defaultContractName names contracts the service reports without a name.
const defaultContractName = "DAppContract"

var (
	// ErrInvalidRequest rejects requests missing a prompt or contract fields.
	ErrInvalidRequest = errors.New("invalid dapp request")
	// ErrUnknownNetwork rejects networks the deployment service cannot serve.
	ErrUnknownNetwork = errors.New("unknown network")
)

// ContractService is the contract-deployment service.
type ContractService interface {
	CreatePipeline(ctx context.Context, req deployment.PipelineRequest) (*deployment.JobRef, error)
	WaitForJob(ctx context.Context, jobID string, interval, timeout time.Duration) (*deployment.JobStatus, error)
	JobLogs(ctx context.Context, jobID, level string, limit int) ([]deployment.LogEntry, error)
	ABIs(ctx context.Context, jobID string) (map[string]json.RawMessage, error)
	Sources(ctx context.Context, jobID string) (map[string]string, error)
	VerifyByJob(ctx context.Context, jobID, network, fullyQualifiedName string) (*deployment.VerifyResult, error)
}

// Builder starts frontend builds.
type Builder interface {
	Start(ctx context.Context, req pipeline.StartRequest) (string, error)
	Cancel(projectID string) error
}

// ContractStore persists project contracts.
type ContractStore interface {
	SaveContract(ctx context.Context, c *store.ContractRecord) error
}

// Options tune the contract phase.
type Options struct {
	MaxFixIterations int
	PollInterval     time.Duration
	JobTimeout       time.Duration
	DefaultNetwork   string
	// Verify asks the service to verify deployed contracts on the block
	// explorer. Verification failures are logged only.
	Verify bool
}

// OptionsFrom maps the deployment configuration onto Options.
func OptionsFrom(cfg config.DeploymentConfig) Options {
	return Options{
		MaxFixIterations: cfg.MaxFixIterations,
		PollInterval:     cfg.PollInterval,
		JobTimeout:       cfg.JobTimeout,
		DefaultNetwork:   cfg.DefaultNetwork,
		Verify:           cfg.Verify,
	}
}

// FullRequest creates a contract and, unless ContractOnly, its frontend.
type FullRequest struct {
	Prompt          string   `json:"prompt"`
	Network         string   `json:"network"`
	ContractOnly    bool     `json:"contract_only"`
	ContractName    string   `json:"contract_name,omitempty"`
	ConstructorArgs []string `json:"constructor_args,omitempty"`
}

// FrontendRequest builds a frontend for an already deployed contract.
type FrontendRequest struct {
	Address      string          `json:"contract_address"`
	ABI          json.RawMessage `json:"abi"`
	Network      string          `json:"network"`
	Prompt       string          `json:"prompt"`
	ContractName string          `json:"contract_name,omitempty"`
}

// Orchestrator runs the contract phase of DApp projects and hands them to the
// build driver.
type Orchestrator struct {
	service   ContractService
	builder   Builder
	contracts ContractStore
	publisher *events.Publisher
	opts      Options
	log       *zap.Logger

	mu      sync.Mutex
	pending map[string]context.CancelCauseFunc
	closed  bool
	wg      sync.WaitGroup
}

func NewOrchestrator(service ContractService, builder Builder, contracts ContractStore, publisher *events.Publisher, opts Options, log *zap.Logger) *Orchestrator {
	if opts.MaxFixIterations <= 0 {
		opts.MaxFixIterations = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 300 * time.Second
	}
	if opts.DefaultNetwork == "" {
		opts.DefaultNetwork = "basecamp-testnet"
	}
	return &Orchestrator{
		service:   service,
		builder:   builder,
		contracts: contracts,
		publisher: publisher,
		opts:      opts,
		log:       logging.OrDefault(log).With(zap.String("component", "dapp")),
		pending:   make(map[string]context.CancelCauseFunc),
	}
}

// CreateFull registers a new project, emits "started" and runs the contract
// phase in the background. The returned project id is usable for
// subscriptions immediately.
func (o *Orchestrator) CreateFull(ctx context.Context, req FullRequest) (string, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	network, err := o.network(req.Network)
	if err != nil {
		return "", err
	}
	req.Network = network

	projectID := uuid.NewString()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", pipeline.ErrShuttingDown
	}
	stream, err := o.publisher.Open(projectID, uuid.NewString())
	if err != nil {
		o.mu.Unlock()
		return "", err
	}
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	o.pending[projectID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	o.emit(stream, events.KindStarted, "DApp project accepted", map[string]any{
		"network":       req.Network,
		"contract_only": req.ContractOnly,
	})

	go func() {
		defer o.wg.Done()
		defer cancel(nil)
		o.runFull(runCtx, projectID, stream, req)
	}()
	return projectID, nil
}

// CreateFrontendOnly records an imported contract and starts a frontend build
// for it without any contract step.
func (o *Orchestrator) CreateFrontendOnly(ctx context.Context, req FrontendRequest) (string, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Address = strings.TrimSpace(req.Address)
	if req.Prompt == "" || req.Address == "" {
		return "", fmt.Errorf("%w: prompt and contract address are required", ErrInvalidRequest)
	}
	if len(req.ABI) == 0 || !json.Valid(req.ABI) {
		return "", fmt.Errorf("%w: abi must be a JSON document", ErrInvalidRequest)
	}
	network, err := o.network(req.Network)
	if err != nil {
		return "", err
	}
	name := req.ContractName
	if name == "" {
		name = "ImportedContract"
	}

	projectID := uuid.NewString()
	contract := &pipeline.ContractContext{
		ContractName: name,
		Address:      req.Address,
		ABI:          req.ABI,
		Network:      network,
		ChainID:      deployment.ChainID(network),
		ExplorerURL:  deployment.ExplorerURL(network, req.Address),
	}
	if _, err := o.builder.Start(ctx, pipeline.StartRequest{
		ProjectID: projectID,
		Prompt:    frontendPrompt(req.Prompt, contract),
		Context:   contract,
	}); err != nil {
		return "", err
	}
	o.saveContract(ctx, &store.ContractRecord{
		ProjectID:   projectID,
		Name:        name,
		Address:     req.Address,
		Network:     network,
		ChainID:     contract.ChainID,
		ABI:         string(req.ABI),
		ExplorerURL: contract.ExplorerURL,
		Status:      store.ContractImported,
	})
	o.log.Info("frontend build started for imported contract",
		zap.String("project_id", projectID), zap.String("address", req.Address), zap.String("network", network))
	return projectID, nil
}

// Cancel stops a project. A project stays pending until the driver has
// accepted its frontend build, so a cancel arriving during the handoff is
// applied to the driver once Start returns. Later cancels go to the driver
// directly.
func (o *Orchestrator) Cancel(projectID string) error {
	o.mu.Lock()
	cancel, ok := o.pending[projectID]
	o.mu.Unlock()
	if !ok {
		return o.builder.Cancel(projectID)
	}
	cancel(pipeline.ErrCancelled)
	return nil
}

// Pending reports whether projectID is in its contract phase or being handed
// to the driver.
func (o *Orchestrator) Pending(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[projectID]
	return ok
}

// Shutdown cancels projects in their contract phase and waits for them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, cancel := range o.pending {
		cancel(pipeline.ErrShuttingDown)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) network(n string) (string, error) {
	n = strings.ToLower(strings.TrimSpace(n))
	if n == "" {
		n = o.opts.DefaultNetwork
	}
	if _, ok := deployment.LookupNetwork(n); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNetwork, n)
	}
	return n, nil
}

// deploymentFailure is a contract-phase failure with the record to persist.
type deploymentFailure struct {
	msg string
	err error
}

func (f *deploymentFailure) Error() string {
	if f.err == nil {
		return f.msg
	}
	return f.msg + ": " + f.err.Error()
}

func (f *deploymentFailure) Unwrap() error { return f.err }

func (o *Orchestrator) runFull(ctx context.Context, projectID string, stream *events.Stream, req FullRequest) {
	log := logging.ForProject(o.log, projectID).With(zap.String("network", req.Network))

	contract, jobID, err := o.deploy(ctx, projectID, stream, req, log)
	if err != nil || req.ContractOnly || cancelled(ctx) {
		o.forget(projectID)
		if cancelled(ctx) {
			log.Info("dapp cancelled during contract phase")
			o.emit(stream, events.KindCancelled, "Build cancelled", map[string]any{"stage": "contract"})
			return
		}
	}

	if err != nil {
		log.Error("contract deployment failed", zap.Error(err))
		o.saveContract(ctx, &store.ContractRecord{
			ProjectID: projectID,
			Name:      req.ContractName,
			Network:   req.Network,
			ChainID:   deployment.ChainID(req.Network),
			JobID:     optional(jobID),
			Status:    store.ContractFailed,
			Error:     err.Error(),
		})
		category := pipeline.CategoryDeployment
		if deployment.IsInfrastructure(err) {
			category = pipeline.CategoryInfrastructure
		}
		o.emit(stream, events.KindFailed, "Contract deployment failed: "+err.Error(), map[string]any{
			"category": string(category),
			"stage":    "contract",
			"service":  "deployment",
			"job_id":   jobID,
		})
		return
	}

	if req.ContractOnly {
		o.emit(stream, events.KindCompleted, "Contract deployed", map[string]any{
			"contract_address": contract.Address,
			"network":          contract.Network,
			"chain_id":         contract.ChainID,
		})
		return
	}

	_, err = o.builder.Start(ctx, pipeline.StartRequest{
		ProjectID: projectID,
		Prompt:    frontendPrompt(req.Prompt, contract),
		Context:   contract,
		Stream:    stream,
	})
	o.forget(projectID)
	if err != nil {
		if cancelled(ctx) {
			o.emit(stream, events.KindCancelled, "Build cancelled", map[string]any{"stage": "contract"})
			return
		}
		log.Error("frontend build could not start", zap.Error(err))
		o.emit(stream, events.KindFailed, "Frontend build could not start: "+err.Error(), map[string]any{
			"category": string(pipeline.CategoryInfrastructure),
			"stage":    "contract",
		})
		return
	}
	log.Info("frontend build started", zap.String("address", contract.Address))

	if cancelled(ctx) {
		log.Info("cancel arrived during frontend handoff")
		if err := o.builder.Cancel(projectID); err != nil && !errors.Is(err, pipeline.ErrNotFound) {
			log.Warn("forwarding cancel to the driver failed", zap.Error(err))
		}
	}
}

// forget ends the project's pending phase. Cancels arriving afterwards are
// forwarded to the builder.
func (o *Orchestrator) forget(projectID string) {
	o.mu.Lock()
	delete(o.pending, projectID)
	o.mu.Unlock()
}

// deploy runs the contract phase and persists the deployed contract.
func (o *Orchestrator) deploy(ctx context.Context, projectID string, stream *events.Stream, req FullRequest, log *zap.Logger) (*pipeline.ContractContext, string, error) {
	o.emit(stream, events.KindContractGenerating, "Generating smart contract", map[string]any{"network": req.Network})

	job, err := o.service.CreatePipeline(ctx, deployment.PipelineRequest{
		Prompt:          req.Prompt,
		Network:         req.Network,
		MaxIters:        o.opts.MaxFixIterations,
		ConstructorArgs: req.ConstructorArgs,
		ContractName:    req.ContractName,
		IdempotencyKey:  projectID,
	})
	if err != nil {
		return nil, "", &deploymentFailure{msg: "create contract pipeline", err: err}
	}
	log = log.With(zap.String("job_id", job.ID))

	o.emit(stream, events.KindContractDeploying, "Compiling and deploying contract", map[string]any{
		"job_id":         job.ID,
		"max_iterations": o.opts.MaxFixIterations,
	})

	st, err := o.service.WaitForJob(ctx, job.ID, o.opts.PollInterval, o.opts.JobTimeout)
	if err != nil {
		return nil, job.ID, &deploymentFailure{msg: "wait for contract job", err: err}
	}
	if st.Status != deployment.JobCompleted {
		return nil, job.ID, &deploymentFailure{msg: o.jobFailure(ctx, job.ID, st)}
	}
	if st.Job == nil || st.Job.Result.Address == "" {
		return nil, job.ID, &deploymentFailure{msg: "contract job completed without a deployed address"}
	}

	abis, err := o.service.ABIs(ctx, job.ID)
	if err != nil {
		return nil, job.ID, &deploymentFailure{msg: "fetch contract ABI", err: err}
	}
	sources, err := o.service.Sources(ctx, job.ID)
	if err != nil {
		log.Warn("fetching contract sources failed", zap.Error(err))
	}

	result := st.Job.Result
	wanted := req.ContractName
	if wanted == "" {
		wanted = result.Name
	}
	name, abi := deployment.PickABI(abis, wanted)
	if name == "" {
		name = wanted
	}
	if name == "" {
		name = defaultContractName
	}

	contract := &pipeline.ContractContext{
		ContractName: name,
		Address:      result.Address,
		ABI:          abi,
		Network:      req.Network,
		ChainID:      deployment.ChainID(req.Network),
		ExplorerURL:  deployment.ExplorerURL(req.Network, result.Address),
	}
	o.saveContract(ctx, &store.ContractRecord{
		ProjectID:       projectID,
		Name:            name,
		Address:         result.Address,
		Network:         req.Network,
		ChainID:         contract.ChainID,
		ABI:             string(abi),
		Source:          deployment.PickSource(sources, name),
		JobID:           optional(job.ID),
		TransactionHash: result.TransactionHash,
		ExplorerURL:     contract.ExplorerURL,
		Status:          store.ContractDeployed,
	})

	o.emit(stream, events.KindContractDeployed, fmt.Sprintf("Contract %s deployed at %s", name, result.Address), map[string]any{
		"contract_name":    name,
		"contract_address": result.Address,
		"network":          req.Network,
		"chain_id":         contract.ChainID,
		"explorer_url":     contract.ExplorerURL,
		"transaction_hash": result.TransactionHash,
	})
	log.Info("contract deployed", zap.String("address", result.Address), zap.String("contract", name))

	if o.opts.Verify {
		if v, err := o.service.VerifyByJob(ctx, job.ID, req.Network, ""); err != nil {
			log.Warn("contract verification failed", zap.Error(err))
		} else if !v.OK {
			log.Warn("contract verification rejected", zap.String("message", v.Message))
		}
	}
	return contract, job.ID, nil
}

// jobFailure describes a failed job, preferring its error and otherwise its
// last error log lines.
func (o *Orchestrator) jobFailure(ctx context.Context, jobID string, st *deployment.JobStatus) string {
	if st.Job != nil && st.Job.Error != "" {
		return "contract job failed: " + st.Job.Error
	}
	logs, err := o.service.JobLogs(ctx, jobID, "error", 5)
	if err != nil || len(logs) == 0 {
		return fmt.Sprintf("contract job finished with status %s", st.Status)
	}
	lines := make([]string, len(logs))
	for i, l := range logs {
		lines[i] = l.Message
	}
	return "contract job failed: " + strings.Join(lines, "; ")
}

func (o *Orchestrator) saveContract(ctx context.Context, c *store.ContractRecord) {
	if o.contracts == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.contracts.SaveContract(saveCtx, c); err != nil {
		o.log.Error("saving contract failed", zap.String("project_id", c.ProjectID), zap.Error(err))
	}
}

func (o *Orchestrator) emit(stream *events.Stream, kind events.Kind, msg string, payload map[string]any) {
	if _, err := stream.Emit(kind, msg, payload); err != nil {
		o.log.Warn("event emit failed", zap.String("project_id", stream.ProjectID()), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func cancelled(ctx context.Context) bool {
	cause := context.Cause(ctx)
	return errors.Is(cause, pipeline.ErrCancelled) || errors.Is(cause, pipeline.ErrShuttingDown)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
