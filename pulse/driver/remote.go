package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/version"
)

// WorkerTokenHeader carries the claim token on tick requests.
const WorkerTokenHeader = "X-Worker-Token"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// RemoteClient drives jobs on a slate server over HTTP.
type RemoteClient struct {
	baseURL    string
	http       *http.Client
	constraint string

	mu         sync.Mutex
	compatible bool
}

// RemoteOption configures a RemoteClient.
type RemoteOption func(*RemoteClient)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(rc *RemoteClient) { rc.http = c }
}

// WithAPIConstraint replaces the semver range the server's API version must
// satisfy. An empty constraint skips the check.
func WithAPIConstraint(constraint string) RemoteOption {
	return func(rc *RemoteClient) { rc.constraint = constraint }
}

// NewRemoteClient creates a client for the server at baseURL.
func NewRemoteClient(baseURL string, opts ...RemoteOption) *RemoteClient {
	c := &RemoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
		constraint: version.APIConstraint,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type healthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
}

// CheckCompatibility fetches /health and verifies the server's API version.
// A successful check is remembered; failures are retried on the next call.
func (c *RemoteClient) CheckCompatibility(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compatible || c.constraint == "" {
		return nil
	}

	var health healthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &health); err != nil {
		return errors.Wrap(err, "failed to reach server health endpoint")
	}
	if err := version.CheckAPICompatible(health.APIVersion, c.constraint); err != nil {
		return errors.WithHint(err, "upgrade the client or server so their API versions match")
	}
	c.compatible = true
	return nil
}

// Tick runs one tick on the server.
func (c *RemoteClient) Tick(ctx context.Context, jobID, workerToken string) (*async.TickResult, error) {
	if err := c.CheckCompatibility(ctx); err != nil {
		return nil, err
	}
	var res async.TickResult
	hdr := http.Header{WorkerTokenHeader: []string{workerToken}}
	if err := c.do(ctx, http.MethodPost, jobPath(jobID, "tick"), hdr, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ActiveJob returns the server's active job for owner and type, or nil.
func (c *RemoteClient) ActiveJob(ctx context.Context, ownerScope, jobType string) (*async.Snapshot, error) {
	q := url.Values{"owner": {ownerScope}, "type": {jobType}}
	var snap async.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/jobs?"+q.Encode(), nil, nil, &snap)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Start creates and starts a job on the server.
func (c *RemoteClient) Start(ctx context.Context, req async.StartRequest) (*async.Snapshot, error) {
	if err := c.CheckCompatibility(ctx); err != nil {
		return nil, err
	}
	return c.snapshot(ctx, http.MethodPost, "/api/jobs", req)
}

// Status fetches a job snapshot.
func (c *RemoteClient) Status(ctx context.Context, jobID string) (*async.Snapshot, error) {
	return c.snapshot(ctx, http.MethodGet, jobPath(jobID, ""), nil)
}

// Control posts a lifecycle action: pause, resume, stop or recover.
func (c *RemoteClient) Control(ctx context.Context, jobID, action string) (*async.Snapshot, error) {
	switch action {
	case "pause", "resume", "stop", "recover":
	default:
		return nil, errors.NewInvalidRequestError("unknown job action %q", action)
	}
	return c.snapshot(ctx, http.MethodPost, jobPath(jobID, action), nil)
}

// ApplyDecision answers the job's pending decision.
func (c *RemoteClient) ApplyDecision(ctx context.Context, jobID, decisionID, value string) (*async.Snapshot, error) {
	body := map[string]string{"decision_id": decisionID, "value": value}
	return c.snapshot(ctx, http.MethodPost, jobPath(jobID, "decision"), body)
}

// Reset replaces the job with a fresh one.
func (c *RemoteClient) Reset(ctx context.Context, jobID string, req async.ResetRequest) (*async.Snapshot, error) {
	return c.snapshot(ctx, http.MethodPost, jobPath(jobID, "reset"), req)
}

// RetryItem re-queues one failed item.
func (c *RemoteClient) RetryItem(ctx context.Context, jobID, key string) (*async.Snapshot, error) {
	return c.snapshot(ctx, http.MethodPost, jobPath(jobID, "items/"+url.PathEscape(key)+"/retry"), nil)
}

// List returns recent jobs, optionally filtered by status.
func (c *RemoteClient) List(ctx context.Context, status *async.JobStatus, limit int) ([]*async.Job, error) {
	q := url.Values{}
	if status != nil {
		q.Set("status", string(*status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Jobs []*async.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/jobs/all?"+q.Encode(), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *RemoteClient) snapshot(ctx context.Context, method, path string, body interface{}) (*async.Snapshot, error) {
	var snap async.Snapshot
	if err := c.do(ctx, method, path, nil, body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func jobPath(jobID, action string) string {
	p := "/api/jobs/" + url.PathEscape(jobID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *RemoteClient) do(ctx context.Context, method, path string, hdr http.Header, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "failed to build %s %s", method, path)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "%s %s", method, path)
		}
		return errors.Mark(errors.Wrapf(err, "%s %s", method, path), errors.ErrServiceUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode %s %s response", method, path)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// decodeError turns an error response back into a sentinel-marked error.
// Server-side failures are transient from the client's point of view.
func decodeError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body)
	if body.Error == "" {
		body.Error = resp.Status
	}
	if body.Code == "" {
		body.Code = codeForStatus(resp.StatusCode)
	}

	err := errors.FromCode(body.Code, body.Error)
	if resp.StatusCode >= 500 && !errors.IsTransient(err) {
		err = errors.Mark(err, errors.ErrServiceUnavailable)
	}
	return errors.WithDetailf(err, "http status %d", resp.StatusCode)
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return errors.CodeNotFound
	case status == http.StatusBadRequest:
		return errors.CodeInvalidRequest
	case status == http.StatusConflict:
		return errors.CodeConflict
	case status == http.StatusTooManyRequests:
		return errors.CodeRateLimited
	case status == http.StatusGatewayTimeout:
		return errors.CodeTimeout
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return errors.CodeUnavailable
	default:
		return errors.CodeInternal
	}
}
