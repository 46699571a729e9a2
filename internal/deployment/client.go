// Package deployment is the client of the contract-deployment service
// (AcademicChain), which generates, compiles, fixes and deploys Solidity
// contracts as asynchronous jobs.
package deployment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"webforge/internal/config"
	"webforge/internal/logging"
	"webforge/internal/metrics"
)

// Job statuses reported by the service.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

var (
	// ErrJobTimeout is returned by WaitForJob when the job does not finish in time.
	ErrJobTimeout = errors.New("deployment job did not finish in time")
	// ErrMissingJobID is returned when the service accepts a job without an id.
	ErrMissingJobID = errors.New("deployment service returned no job id")
)

const (
	// maxPollFailures is how many consecutive transient status errors
	// WaitForJob tolerates.
	maxPollFailures = 3
	// maxAttempts bounds retries of idempotent requests on transient errors.
	maxAttempts = 3
)

// APIError is a non-2xx answer from the deployment service.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deployment service %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Transient reports whether the request may succeed if repeated.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// PipelineRequest starts an end-to-end generate, compile, fix and deploy job.
type PipelineRequest struct {
	Prompt          string   `json:"prompt"`
	Network         string   `json:"network"`
	MaxIters        int      `json:"maxIters"`
	ConstructorArgs []string `json:"constructorArgs,omitempty"`
	ContractName    string   `json:"contractName,omitempty"`
	// IdempotencyKey is sent as a header so a repeated request maps to the
	// same job.
	IdempotencyKey string `json:"-"`
}

// JobRef identifies an accepted job.
type JobRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// JobResult is the deployment outcome recorded on a completed job.
type JobResult struct {
	Address         string `json:"address"`
	Name            string `json:"name"`
	TransactionHash string `json:"transactionHash"`
}

// Job is the verbose job record.
type Job struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Status string    `json:"status"`
	Result JobResult `json:"result"`
	Error  string    `json:"error,omitempty"`
}

// JobStatus is the answer of the status endpoint.
type JobStatus struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
	Job    *Job   `json:"job,omitempty"`
}

// Done reports whether the job reached a final status.
func (s *JobStatus) Done() bool {
	return s.Status == JobCompleted || s.Status == JobFailed
}

// LogEntry is one job log line.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"msg"`
	Time    string `json:"ts,omitempty"`
}

// VerifyResult is the answer of a verification request.
type VerifyResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	GUID    string `json:"guid,omitempty"`
}

// Client talks to the deployment service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
	metrics    *metrics.Metrics
	// retryBackoff is the first delay between attempts of an idempotent
	// request; it doubles after each failure.
	retryBackoff time.Duration
}

// NewClient creates a client for the configured service URL.
func NewClient(cfg config.DeploymentConfig, log *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.ServiceURL, "/"),
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		log:          logging.OrDefault(log).With(zap.String("component", "deployment")),
		metrics:      metrics.Get(),
		retryBackoff: 2 * time.Second,
	}
}

// CreatePipeline starts a contract pipeline job. Transient failures are
// retried with exponential backoff when the request carries an idempotency
// key.
func (c *Client) CreatePipeline(ctx context.Context, req PipelineRequest) (*JobRef, error) {
	var headers http.Header
	attempts := 1
	if req.IdempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{req.IdempotencyKey}}
		attempts = maxAttempts
	}
	var resp struct {
		OK  bool   `json:"ok"`
		Job JobRef `json:"job"`
	}

	err := c.retry(ctx, "pipeline", attempts, func() error {
		return c.do(ctx, http.MethodPost, "/api/ai/pipeline", nil, headers, req, &resp)
	})
	c.metrics.RecordDeploymentStep("pipeline", err)
	if err != nil {
		return nil, err
	}
	if resp.Job.ID == "" {
		return nil, ErrMissingJobID
	}
	c.log.Info("contract pipeline started", zap.String("job_id", resp.Job.ID), zap.String("network", req.Network))
	return &resp.Job, nil
}

// JobStatus fetches the job's status; verbose includes the job record.
func (c *Client) JobStatus(ctx context.Context, jobID string, verbose bool) (*JobStatus, error) {
	q := url.Values{"verbose": []string{"0"}}
	if verbose {
		q.Set("verbose", "1")
	}
	var st JobStatus
	if err := c.do(ctx, http.MethodGet, "/api/job/"+url.PathEscape(jobID)+"/status", q, nil, nil, &st); err != nil {
		return nil, err
	}
	if st.Status == "" {
		st.Status = JobPending
	}
	return &st, nil
}

// JobLogs fetches up to limit log entries, optionally filtered by level.
func (c *Client) JobLogs(ctx context.Context, jobID, level string, limit int) ([]LogEntry, error) {
	q := url.Values{"limit": []string{strconv.Itoa(limit)}}
	if level != "" {
		q.Set("level", level)
	}
	var resp struct {
		Logs []LogEntry `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/job/"+url.PathEscape(jobID)+"/logs", q, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// WaitForJob polls the job every interval until it completes, fails, or
// timeout elapses. A failed job is returned without error; callers inspect
// Status.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval, timeout time.Duration) (*JobStatus, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrJobTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		st, err := c.JobStatus(ctx, jobID, true)
		switch {
		case err == nil:
			failures = 0
			if st.Done() {
				c.metrics.RecordDeploymentStep("wait", nil)
				return st, nil
			}
		case ctx.Err() != nil:
		case isTransient(err) && failures+1 < maxPollFailures:
			failures++
			c.log.Warn("job status poll failed", zap.String("job_id", jobID), zap.Int("failures", failures), zap.Error(err))
		default:
			c.metrics.RecordDeploymentStep("wait", err)
			return nil, err
		}

		select {
		case <-ctx.Done():
			err := context.Cause(ctx)
			if errors.Is(err, ErrJobTimeout) {
				err = fmt.Errorf("job %s: %w after %s", jobID, ErrJobTimeout, timeout)
			}
			c.metrics.RecordDeploymentStep("wait", err)
			return nil, err
		case <-ticker.C:
		}
	}
}

// ABIs returns the compiled ABIs of the job keyed by contract name.
// Transient failures are retried with backoff.
func (c *Client) ABIs(ctx context.Context, jobID string) (map[string]json.RawMessage, error) {
	var resp struct {
		ABIs map[string]json.RawMessage `json:"abis"`
	}
	err := c.retry(ctx, "abis", maxAttempts, func() error {
		return c.do(ctx, http.MethodGet, "/api/artifacts/abis", nil, jobHeader(jobID), nil, &resp)
	})
	c.metrics.RecordDeploymentStep("abis", err)
	if err != nil {
		return nil, err
	}
	return resp.ABIs, nil
}

// Sources returns the job's Solidity sources keyed by file name.
// Transient failures are retried with backoff.
func (c *Client) Sources(ctx context.Context, jobID string) (map[string]string, error) {
	var resp struct {
		Sources map[string]string `json:"sources"`
	}
	err := c.retry(ctx, "sources", maxAttempts, func() error {
		return c.do(ctx, http.MethodGet, "/api/artifacts/sources", nil, jobHeader(jobID), nil, &resp)
	})
	c.metrics.RecordDeploymentStep("sources", err)
	if err != nil {
		return nil, err
	}
	return resp.Sources, nil
}

// VerifyByJob asks the service to verify the job's contract on the network's
// block explorer.
func (c *Client) VerifyByJob(ctx context.Context, jobID, network, fullyQualifiedName string) (*VerifyResult, error) {
	body := map[string]string{"jobId": jobID, "network": network}
	if fullyQualifiedName != "" {
		body["fullyQualifiedName"] = fullyQualifiedName
	}
	var resp VerifyResult
	err := c.do(ctx, http.MethodPost, "/api/verify/byJob", nil, nil, body, &resp)
	c.metrics.RecordDeploymentStep("verify", err)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// PickABI chooses the ABI for name, falling back to the first by sorted key.
func PickABI(abis map[string]json.RawMessage, name string) (string, json.RawMessage) {
	if abi, ok := abis[name]; ok && name != "" {
		return name, abi
	}
	keys := make([]string, 0, len(abis))
	for k := range abis {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "", json.RawMessage("[]")
	}
	sort.Strings(keys)
	return keys[0], abis[keys[0]]
}

// PickSource returns the source of the file declaring name, falling back to
// the first by sorted key.
func PickSource(sources map[string]string, name string) string {
	keys := make([]string, 0, len(sources))
	for k := range sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if name != "" && strings.Contains(sources[k], "contract "+name) {
			return sources[k]
		}
	}
	if len(keys) == 0 {
		return ""
	}
	return sources[keys[0]]
}

func jobHeader(jobID string) http.Header {
	return http.Header{"X-Job-Id": []string{jobID}}
}

// retry runs fn up to attempts times, sleeping with exponential backoff
// between transient failures. Only idempotent requests go through it.
func (c *Client) retry(ctx context.Context, op string, attempts int, fn func() error) error {
	backoff := c.retryBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt >= attempts || !isTransient(err) || ctx.Err() != nil {
			return err
		}
		c.log.Warn("deployment request failed, retrying", zap.String("op", op),
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// IsInfrastructure reports whether err means the service was unreachable,
// overloaded or too slow, as opposed to rejecting or failing the job.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrJobTimeout) || isTransient(err)
}

// isTransient reports whether repeating the request may succeed: transport
// failures, timeouts, 429 and 5xx answers. Malformed answers are not.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers http.Header, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deployment service %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: msg}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
