package jobtypes

import (
	"context"
	"net/http"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/internal/httpclient"
	"github.com/teranos/slate/pulse/async"
)

// WorkRequest is the body posted to a work webhook.
type WorkRequest struct {
	// Kind is "stage" or "item".
	Kind       string `json:"kind"`
	JobID      string `json:"job_id"`
	JobType    string `json:"job_type"`
	OwnerScope string `json:"owner_scope"`
	Mode       string `json:"mode"`

	Stage string `json:"stage,omitempty"`
	Loop  int    `json:"loop,omitempty"`

	ItemKey string `json:"item_key,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	Inputs    map[string]interface{} `json:"inputs,omitempty"`
	Decisions map[string]string      `json:"decisions,omitempty"`
}

// WorkResponse is what a work webhook answers.
type WorkResponse struct {
	Score     float64 `json:"score,omitempty"`
	OutputRef string  `json:"output_ref,omitempty"`
	Skipped   bool    `json:"skipped,omitempty"`

	Decision *struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
		Default  string   `json:"default"`
	} `json:"decision,omitempty"`

	Error *struct {
		Message   string `json:"message"`
		Fatal     bool   `json:"fatal,omitempty"`
		Retryable *bool  `json:"retryable,omitempty"`
	} `json:"error,omitempty"`
}

// WebhookWorker performs work units by posting them to an HTTP endpoint.
type WebhookWorker struct {
	client   *httpclient.Client
	endpoint string
	header   http.Header
}

// NewWebhookWorker creates a worker posting to endpoint. A non-empty token is
// sent as a bearer Authorization header.
func NewWebhookWorker(client *httpclient.Client, endpoint, token string) *WebhookWorker {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebhookWorker{client: client, endpoint: endpoint, header: header}
}

func newRequest(kind string, job *async.Job) WorkRequest {
	return WorkRequest{
		Kind:       kind,
		JobID:      job.ID,
		JobType:    job.JobType,
		OwnerScope: job.OwnerScope,
		Mode:       string(job.Mode),
		Inputs:     inputs(job),
		Decisions:  job.Decisions(),
	}
}

// RunStage posts one ladder stage loop.
func (w *WebhookWorker) RunStage(ctx context.Context, job *async.Job, stage string, loop int) (async.StageResult, error) {
	req := newRequest("stage", job)
	req.Stage, req.Loop = stage, loop

	resp, err := w.post(ctx, req)
	if err != nil {
		return async.StageResult{}, err
	}
	res := async.StageResult{Score: resp.Score, OutputRef: resp.OutputRef}
	if d := resp.Decision; d != nil {
		res.Decision = &async.DecisionRequest{Question: d.Question, Options: d.Options, Default: d.Default}
	}
	return res, nil
}

// RunItem posts one batch item.
func (w *WebhookWorker) RunItem(ctx context.Context, job *async.Job, item *async.Item) (async.ItemResult, error) {
	req := newRequest("item", job)
	req.ItemKey, req.Attempt = item.Key, item.Attempts

	resp, err := w.post(ctx, req)
	if err != nil {
		return async.ItemResult{}, err
	}
	return async.ItemResult{OutputRef: resp.OutputRef, Skipped: resp.Skipped}, nil
}

func (w *WebhookWorker) post(ctx context.Context, req WorkRequest) (*WorkResponse, error) {
	var resp WorkResponse
	if err := w.client.PostJSON(ctx, w.endpoint, w.header, req, &resp); err != nil {
		return nil, err
	}
	if e := resp.Error; e != nil {
		err := errors.New(e.Message)
		switch {
		case e.Fatal:
			return nil, errors.Fatal(err)
		case e.Retryable != nil && !*e.Retryable:
			return nil, errors.Mark(err, errors.ErrInvalidRequest)
		}
		return nil, err
	}
	return &resp, nil
}
