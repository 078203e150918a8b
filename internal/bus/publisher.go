package bus

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/pulse/async"
)

// DefaultSubjectPrefix roots every job event subject.
const DefaultSubjectPrefix = "slate.jobs"

// rawPublisher is the part of *nats.Conn the job publisher needs.
type rawPublisher interface {
	Publish(subject string, data []byte) error
}

// JobEvent is the message body published for each engine event.
type JobEvent struct {
	Type       async.EventType `json:"type"`
	JobID      string          `json:"job_id"`
	JobType    string          `json:"job_type"`
	OwnerScope string          `json:"owner_scope"`
	Status     async.JobStatus `json:"status"`
	Hint       async.Hint      `json:"hint,omitempty"`
	Counts     async.Counts    `json:"counts"`
	Error      string          `json:"error,omitempty"`
	HappenedAt int64           `json:"happened_at"`
	Decision   *async.Decision `json:"pending_decision,omitempty"`
}

// JobPublisher forwards engine events to NATS. It implements async.Publisher.
//
// Subjects are <prefix>.<job_type>.<event_type>, e.g.
// slate.jobs.batch-generate.completed, so consumers can subscribe to one
// job type with slate.jobs.batch-generate.> or to one event with
// slate.jobs.*.completed.
type JobPublisher struct {
	conn   rawPublisher
	prefix string
}

// NewJobPublisher publishes through c under prefix (DefaultSubjectPrefix when empty).
func NewJobPublisher(c *Client, prefix string) *JobPublisher {
	return newJobPublisher(c.nc, prefix)
}

func newJobPublisher(conn rawPublisher, prefix string) *JobPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &JobPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event is published on.
func (p *JobPublisher) Subject(ev async.Event) string {
	jobType := "unknown"
	if ev.Job != nil && ev.Job.JobType != "" {
		jobType = token(ev.Job.JobType)
	}
	return p.prefix + "." + jobType + "." + token(strings.TrimPrefix(string(ev.Type), "job."))
}

// Publish sends ev. It does not wait for the server; NATS buffers while
// reconnecting.
func (p *JobPublisher) Publish(ctx context.Context, ev async.Event) error {
	msg := JobEvent{
		Type:       ev.Type,
		JobID:      ev.JobID,
		Hint:       ev.Hint,
		HappenedAt: ev.At.UnixMilli(),
	}
	if j := ev.Job; j != nil {
		msg.JobType = j.JobType
		msg.OwnerScope = j.OwnerScope
		msg.Status = j.Status
		msg.Counts = j.Counts
		msg.Error = j.Error
		msg.Decision = j.PendingDecision
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode job event")
	}
	if err := p.conn.Publish(p.Subject(ev), b); err != nil {
		return errors.Wrapf(err, "failed to publish %s for job %s", ev.Type, ev.JobID)
	}
	return nil
}

// token makes s safe as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
