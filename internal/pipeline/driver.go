package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"webforge/internal/ai"
	"webforge/internal/config"
	"webforge/internal/events"
	"webforge/internal/logging"
	"webforge/internal/metrics"
	"webforge/internal/sandbox"
)

// ErrInvalidRequest rejects a start without a project id or prompt.
var ErrInvalidRequest = errors.New("project id and prompt are required")

// ResultSink receives every finished build, whatever its outcome.
type ResultSink interface {
	SaveResult(ctx context.Context, r *Result) error
}

// Config holds the driver's budgets and sandbox commands.
type Config struct {
	Limits           Limits
	PipelineTimeout  time.Duration
	StageTimeout     time.Duration
	CommandTimeout   time.Duration
	BootWindow       time.Duration
	ProbeInterval    time.Duration
	AppPort          int
	InstallCommand   string
	LintCommand      string
	DevCommand       string
	TemplatePackages []string
	Completion       ai.CompletionConfig
}

// ConfigFrom maps the process configuration onto driver settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Limits: Limits{
			Import:         cfg.Retry.MaxImportRetries,
			Validation:     cfg.Retry.MaxValidationRetries,
			Runtime:        cfg.Retry.MaxRuntimeRetries,
			Planning:       cfg.Retry.MaxPlanningRetries,
			Infrastructure: cfg.Retry.MaxInfraRetries,
			BackoffBase:    cfg.Retry.InfraBackoffBase,
			BackoffMax:     cfg.Retry.InfraBackoffMax,
		},
		PipelineTimeout:  cfg.Timeouts.Pipeline,
		StageTimeout:     cfg.Timeouts.Stage,
		CommandTimeout:   cfg.Timeouts.Command,
		BootWindow:       cfg.Timeouts.BootWindow,
		ProbeInterval:    cfg.Timeouts.ProbeInterval,
		AppPort:          cfg.Sandbox.AppPort,
		InstallCommand:   cfg.Sandbox.InstallCommand,
		LintCommand:      cfg.Sandbox.LintCommand,
		DevCommand:       cfg.Sandbox.DevCommand,
		TemplatePackages: cfg.Sandbox.TemplatePackages,
		Completion: ai.CompletionConfig{
			Model:       cfg.AI.Model,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
		},
	}
}

// Deps are the driver's collaborators.
type Deps struct {
	Completer ai.Completer
	Sandbox   Sandbox
	Publisher *events.Publisher
	Sinks     []ResultSink
}

// StartRequest starts one build.
type StartRequest struct {
	ProjectID string
	Prompt    string
	// Context is injected deployed-contract metadata, if any.
	Context *ContractContext
	// Stream continues an event stream the caller already opened (and
	// emitted "started" on) instead of opening a new one.
	Stream *events.Stream
}

// Driver runs at most one build per project, each on its own goroutine.
type Driver struct {
	cfg       Config
	governor  *Governor
	planner   *Planner
	generator *Generator
	imports   *ImportChecker
	validator *Validator
	runtime   *RuntimeChecker
	sandbox   Sandbox
	publisher *events.Publisher
	sinks     []ResultSink
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*build
	closed bool
	wg     sync.WaitGroup
}

func NewDriver(cfg Config, deps Deps, log *zap.Logger) *Driver {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Minute
	}
	return &Driver{
		cfg:       cfg,
		governor:  NewGovernor(cfg.Limits),
		planner:   NewPlanner(deps.Completer, cfg.Completion),
		generator: NewGenerator(deps.Completer, cfg.Completion),
		imports:   NewImportChecker(cfg.TemplatePackages),
		validator: NewValidator(cfg.LintCommand, cfg.CommandTimeout),
		runtime:   NewRuntimeChecker(cfg.DevCommand, cfg.AppPort, cfg.BootWindow, cfg.ProbeInterval),
		sandbox:   deps.Sandbox,
		publisher: deps.Publisher,
		sinks:     deps.Sinks,
		log:       logging.OrDefault(log).With(zap.String("component", "pipeline")),
		metrics:   metrics.Get(),
		now:       time.Now,
		active:    make(map[string]*build),
	}
}

// build is the state of one running build. Only the build's goroutine
// writes it; mu guards the fields Status reads.
type build struct {
	id        string
	projectID string
	prompt    string
	contract  *ContractContext
	stream    *events.Stream
	cancel    context.CancelCauseFunc
	startedAt time.Time
	log       *zap.Logger
	ws        *workspace

	mu       sync.Mutex
	status   Status
	counters Counters
	plan     *BuildPlan
	files    map[string]string
	errs     []ErrorEntry
}

// Start registers a build for req.ProjectID and runs it in the background.
// The build is registered before any stage runs; a second start for the same
// project while one is active returns ErrAlreadyActive. The build outlives
// ctx; use Cancel to stop it.
func (d *Driver) Start(ctx context.Context, req StartRequest) (string, error) {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" || strings.TrimSpace(req.Prompt) == "" {
		return "", ErrInvalidRequest
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrShuttingDown
	}
	if _, ok := d.active[req.ProjectID]; ok {
		d.mu.Unlock()
		d.metrics.RecordBuildStart(false)
		return "", ErrAlreadyActive
	}

	stream := req.Stream
	emitStarted := stream == nil
	if stream == nil {
		s, err := d.publisher.Open(req.ProjectID, uuid.NewString())
		if err != nil {
			d.mu.Unlock()
			if errors.Is(err, events.ErrStreamActive) {
				d.metrics.RecordBuildStart(false)
				return "", ErrAlreadyActive
			}
			return "", err
		}
		stream = s
	} else if stream.ProjectID() != req.ProjectID || stream.Closed() {
		d.mu.Unlock()
		return "", fmt.Errorf("event stream does not belong to an open build of project %s", req.ProjectID)
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	log := logging.ForProject(d.log, req.ProjectID).With(zap.String("build_id", stream.BuildID()))
	b := &build{
		id:        stream.BuildID(),
		projectID: req.ProjectID,
		prompt:    req.Prompt,
		contract:  req.Context,
		stream:    stream,
		cancel:    cancel,
		startedAt: d.now().UTC(),
		log:       log,
		ws:        newWorkspace(d.sandbox, req.ProjectID, log),
		status:    StatusPlanning,
		files:     make(map[string]string),
	}
	d.active[req.ProjectID] = b
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.RecordBuildStart(true)
	log.Info("build accepted", zap.Bool("contract_context", req.Context != nil))
	go d.run(runCtx, b, emitStarted)
	return b.id, nil
}

// Cancel stops the project's active build. The build emits exactly one
// cancelled event and releases its sandbox lease.
func (d *Driver) Cancel(projectID string) error {
	d.mu.Lock()
	b, ok := d.active[projectID]
	d.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	b.cancel(ErrCancelled)
	return nil
}

// Status returns a snapshot of the project's active build.
func (d *Driver) Status(projectID string) (ProjectStatus, bool) {
	d.mu.Lock()
	b, ok := d.active[projectID]
	d.mu.Unlock()
	if !ok {
		return ProjectStatus{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return ProjectStatus{
		ProjectID: b.projectID,
		BuildID:   b.id,
		Status:    b.status,
		Counters:  b.counters,
		Files:     sortedPaths(b.files),
		Errors:    append([]ErrorEntry(nil), b.errs...),
		StartedAt: b.startedAt,
	}, true
}

// Active reports whether projectID has a running build.
func (d *Driver) Active(projectID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[projectID]
	return ok
}

// Shutdown rejects new builds, cancels running ones and waits for them to
// finish or for ctx to end.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for _, b := range d.active {
		b.cancel(ErrShuttingDown)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loopState is what one transition hands to the next stage.
type loopState struct {
	feedback      *Feedback
	strict        bool
	regenerateAll bool
}

func (d *Driver) run(ctx context.Context, b *build, emitStarted bool) {
	defer d.wg.Done()
	defer b.cancel(nil)

	if d.cfg.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, d.cfg.PipelineTimeout, errPipelineTimeout)
		defer cancel()
	}

	if emitStarted {
		d.emit(b, events.KindStarted, "Build started", map[string]any{"contract": b.contract != nil})
	}

	status := StatusPlanning
	st := loopState{regenerateAll: true}
	for {
		if outcome, se, stop := d.interrupted(ctx, nil, status); stop {
			d.finish(b, outcome, status, se)
			return
		}
		if status == StatusSucceeded {
			d.finish(b, StatusSucceeded, StatusBooting, nil)
			return
		}

		b.setStatus(status)
		d.announce(b, status, &st)

		stageCtx, cancelStage := ctx, context.CancelFunc(func() {})
		if d.cfg.StageTimeout > 0 {
			stageCtx, cancelStage = context.WithTimeoutCause(ctx, d.cfg.StageTimeout, errStageTimeout)
		}
		started := d.now()
		err := d.runStage(stageCtx, b, status, &st)
		d.metrics.RecordStage(string(status), err == nil, d.now().Sub(started))
		if err != nil {
			if outcome, se, stop := d.interrupted(ctx, stageCtx, status); stop {
				cancelStage()
				d.finish(b, outcome, status, se)
				return
			}
		}
		cancelStage()

		if err == nil {
			status, _ = Next(status, EventStageOK)
			continue
		}

		if sandbox.IsLost(err) {
			b.ws.discard(ctx)
		}
		se := asStageError(status, err)
		dec := d.governor.Decide(b.counters, se)
		b.recordError(se, b.counters.Get(se.Category)+1, d.now())
		b.log.Warn("stage failed",
			zap.String("stage", string(status)),
			zap.String("category", string(se.Category)),
			zap.String("action", string(dec.Action)),
			zap.String("reason", dec.Reason),
			zap.Error(se))

		if dec.Action == ActionFail {
			d.finish(b, StatusFailed, status, se)
			return
		}

		next, terr := Next(status, dec.Event)
		if terr != nil {
			d.finish(b, StatusFailed, status, infraError(status, terr, true))
			return
		}
		b.setCounters(dec.Counters)
		d.metrics.RecordRetry(string(se.Category))
		d.emit(b, events.KindRetrying, fmt.Sprintf("Retrying after %s (attempt %d of %d)", se.Category, dec.Attempt, d.governor.Limits().max(se.Category)), map[string]any{
			"attempt":    dec.Attempt,
			"category":   string(se.Category),
			"stage":      string(status),
			"target":     string(next),
			"backoff_ms": dec.Backoff.Milliseconds(),
			"error":      sandbox.Tail(se.Message, 500),
		})

		switch dec.Event {
		case EventReplan:
			st.strict = true
		case EventRetryGenerate:
			st.feedback = se.Feedback
			if st.feedback == nil {
				st.feedback = &Feedback{Category: se.Category, Summary: se.Message}
			}
		}

		if dec.Backoff > 0 {
			timer := time.NewTimer(dec.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		status = next
	}
}

// interrupted reports whether the build's context (or, after a failed stage,
// the stage context) has ended it. Cancellation is a clean terminal; either
// timeout fails the build as an infrastructure error.
func (d *Driver) interrupted(ctx, stageCtx context.Context, stage Status) (Status, *StageError, bool) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, errPipelineTimeout) {
			return StatusFailed, &StageError{
				Stage:    stage,
				Category: CategoryInfrastructure,
				Message:  fmt.Sprintf("timeout: pipeline exceeded %s", d.cfg.PipelineTimeout),
				Fatal:    true,
				Err:      cause,
			}, true
		}
		return StatusCancelled, nil, true
	}
	if stageCtx != nil && stageCtx.Err() != nil && errors.Is(context.Cause(stageCtx), errStageTimeout) {
		return StatusFailed, &StageError{
			Stage:    stage,
			Category: CategoryInfrastructure,
			Message:  fmt.Sprintf("timeout: %s exceeded %s", stage, d.cfg.StageTimeout),
			Fatal:    true,
			Err:      errStageTimeout,
		}, true
	}
	return "", nil, false
}

// announce emits the event for entering status.
func (d *Driver) announce(b *build, status Status, st *loopState) {
	var (
		msg     string
		payload map[string]any
	)
	switch status {
	case StatusPlanning:
		msg = "Planning application files"
		if st.strict {
			msg = "Replanning with stricter instructions"
		}
	case StatusGenerating:
		b.mu.Lock()
		n := len(TargetFiles(b.plan, b.files, st.feedback, st.regenerateAll))
		b.mu.Unlock()
		msg = fmt.Sprintf("Generating %d file(s)", n)
		payload = map[string]any{"files": n}
	case StatusCheckingImports:
		msg = "Checking imports and dependencies"
	case StatusValidating:
		msg = "Running static validation"
	case StatusBooting:
		msg = "Booting application"
	}
	d.emit(b, status.eventKind(), msg, payload)
}

func (d *Driver) runStage(ctx context.Context, b *build, status Status, st *loopState) error {
	switch status {
	case StatusPlanning:
		plan, err := d.planner.Plan(ctx, PlanRequest{Prompt: b.prompt, Context: b.contract, Strict: st.strict})
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.plan = plan
		b.mu.Unlock()
		st.regenerateAll = true
		st.feedback = nil
		b.log.Info("plan ready", zap.Int("files", len(plan.Files)), zap.Strings("dependencies", plan.Dependencies))
		return nil

	case StatusGenerating:
		changed, err := d.generator.Generate(ctx, GenerateRequest{
			Prompt:   b.prompt,
			Plan:     b.plan,
			Files:    b.files,
			Feedback: st.feedback,
			Context:  b.contract,
			All:      st.regenerateAll,
		})
		if err != nil {
			return err
		}
		b.mu.Lock()
		for p, c := range changed {
			b.files[p] = c
		}
		b.mu.Unlock()
		st.regenerateAll = false
		st.feedback = nil
		return nil

	case StatusCheckingImports:
		return d.checkImports(ctx, b)

	case StatusValidating:
		if err := b.ws.Sync(ctx, b.files); err != nil {
			return err
		}
		diags, err := d.validator.Validate(ctx, b.ws)
		if err != nil {
			return err
		}
		if len(diags) > 0 {
			return &StageError{
				Stage:    StatusValidating,
				Category: CategoryValidation,
				Message:  diags[0].String(),
				Feedback: validationFeedback(diags),
			}
		}
		return nil

	case StatusBooting:
		if err := b.ws.Sync(ctx, b.files); err != nil {
			return err
		}
		return d.runtime.Check(ctx, b.ws)
	}
	return fmt.Errorf("no stage for status %s", status)
}

func (d *Driver) checkImports(ctx context.Context, b *build) error {
	missing, manifestErr := d.imports.Check(b.plan, b.files)
	if manifestErr != nil {
		return &StageError{
			Stage:    StatusCheckingImports,
			Category: CategoryImport,
			Message:  manifestErr.Error(),
			Feedback: &Feedback{Category: CategoryImport, Summary: manifestErr.Error(), Files: []string{"package.json"}},
		}
	}
	if len(missing) > 0 {
		fb := importFeedback(missing, b.files)
		return &StageError{
			Stage:    StatusCheckingImports,
			Category: CategoryImport,
			Message:  fb.Summary,
			Feedback: fb,
		}
	}

	if err := b.ws.Sync(ctx, b.files); err != nil {
		return err
	}
	manifest, ok := b.files["package.json"]
	if !ok || strings.TrimSpace(d.cfg.InstallCommand) == "" || !b.ws.needsInstall(manifest) {
		return nil
	}
	res, err := b.ws.Run(ctx, d.cfg.InstallCommand, d.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("dependency install failed with exit code %d", res.ExitCode)
		return &StageError{
			Stage:    StatusCheckingImports,
			Category: CategoryImport,
			Message:  msg,
			Feedback: &Feedback{
				Category:   CategoryImport,
				Summary:    msg + ". Fix package.json so every dependency exists on npm.",
				Files:      []string{"package.json"},
				StderrTail: sandbox.Tail(res.Output(), outputTailBytes),
			},
		}
	}
	b.ws.markInstalled(manifest)
	return nil
}

// asStageError categorizes an error that is not already a StageError as an
// infrastructure failure of stage.
func asStageError(stage Status, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	fatal := errors.Is(err, sandbox.ErrManagerClosed)
	return infraError(stage, err, fatal)
}

// finish ends the build: the lease goes back to the pool, the result is
// handed to every sink, and the terminal event is emitted last.
func (d *Driver) finish(b *build, outcome Status, at Status, se *StageError) {
	b.ws.release()
	b.setStatus(outcome)

	res := b.result(outcome, at, se, d.now().UTC())
	sinkCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	for _, sink := range d.sinks {
		if err := sink.SaveResult(sinkCtx, res); err != nil {
			b.log.Error("saving build result failed", zap.Error(err))
		}
	}
	cancel()

	d.mu.Lock()
	if cur, ok := d.active[b.projectID]; ok && cur == b {
		delete(d.active, b.projectID)
	}
	d.mu.Unlock()

	switch outcome {
	case StatusSucceeded:
		d.emit(b, events.KindCompleted, "Application is running", map[string]any{
			"files":    sortedPaths(res.Files),
			"counters": res.Counters,
		})
	case StatusCancelled:
		d.emit(b, events.KindCancelled, "Build cancelled", map[string]any{"stage": string(at)})
	default:
		d.emit(b, events.KindFailed, res.Message, map[string]any{
			"category": string(res.Category),
			"stage":    string(at),
			"counters": res.Counters,
		})
	}

	d.metrics.RecordBuildFinish(string(outcome), string(res.Category))
	b.log.Info("build finished",
		zap.String("status", string(outcome)),
		zap.String("category", string(res.Category)),
		zap.Int("retries", res.Counters.Total()),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)))
}

func (d *Driver) emit(b *build, kind events.Kind, msg string, payload map[string]any) {
	if _, err := b.stream.Emit(kind, msg, payload); err != nil {
		b.log.Warn("event emit failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (b *build) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *build) setCounters(c Counters) {
	b.mu.Lock()
	b.counters = c
	b.mu.Unlock()
}

func (b *build) recordError(se *StageError, attempt int, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, ErrorEntry{
		At:       at.UTC(),
		Stage:    se.Stage,
		Category: se.Category,
		Message:  sandbox.Tail(se.Error(), outputTailBytes),
		Attempt:  attempt,
	})
}

func (b *build) result(outcome, at Status, se *StageError, finished time.Time) *Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	files := make(map[string]string, len(b.files))
	for p, c := range b.files {
		files[p] = c
	}
	res := &Result{
		ProjectID:  b.projectID,
		BuildID:    b.id,
		Prompt:     b.prompt,
		Status:     outcome,
		Counters:   b.counters,
		Plan:       b.plan,
		Files:      files,
		Errors:     append([]ErrorEntry(nil), b.errs...),
		Contract:   b.contract,
		StartedAt:  b.startedAt,
		FinishedAt: finished,
	}
	switch outcome {
	case StatusFailed:
		res.FailedAt = at
		if se != nil {
			res.Category = se.Category
			res.Message = se.Error()
		}
	case StatusCancelled:
		res.Category = CategoryCancellation
		res.Message = "build cancelled"
		res.FailedAt = at
	}
	return res
}

func sortedPaths(files map[string]string) []string {
	out := make([]string, 0, len(files))
	for p := range files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
