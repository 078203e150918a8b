package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a job lifecycle event.
type EventType string

const (
	EventStarted          EventType = "job.started"
	EventTick             EventType = "job.tick"
	EventPaused           EventType = "job.paused"
	EventResumed          EventType = "job.resumed"
	EventStopped          EventType = "job.stopped"
	EventCompleted        EventType = "job.completed"
	EventFailed           EventType = "job.failed"
	EventAwaitingApproval EventType = "job.awaiting_approval"
	EventDecisionApplied  EventType = "job.decision_applied"
	EventReset            EventType = "job.reset"
	EventRecovered        EventType = "job.recovered"
	EventItemRetried      EventType = "job.item_retried"
)

// Event is a snapshot of a job after something happened to it.
type Event struct {
	Type  EventType `json:"type"`
	JobID string    `json:"job_id"`
	Hint  Hint      `json:"hint,omitempty"`
	Job   *Job      `json:"job"`
	At    time.Time `json:"at"`
}

// Publisher forwards events outside the process (message bus, webhooks).
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type subscription struct {
	jobID string
}

// Broadcaster fans job events out to in-process subscribers and publishers.
// Slow subscribers miss events rather than blocking the engine; every event
// carries a full snapshot, so the next one re-syncs them.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan Event]subscription
	publishers  []Publisher
	logger      *zap.SugaredLogger
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]subscription),
		logger:      logger,
	}
}

// Subscribe returns a channel of events for jobID, or for every job when
// jobID is empty.
func (b *Broadcaster) Subscribe(jobID string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.subscribers[ch] = subscription{jobID: jobID}
	return ch
}

// Unsubscribe removes and closes a subscriber channel
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// AddPublisher registers an outbound publisher.
func (b *Broadcaster) AddPublisher(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishers = append(b.publishers, p)
}

// Emit delivers ev to matching subscribers without blocking and then to
// every publisher. Publisher errors are logged, never returned.
func (b *Broadcaster) Emit(ctx context.Context, ev Event) {
	b.mu.Lock()
	for ch, sub := range b.subscribers {
		if sub.jobID != "" && sub.jobID != ev.JobID {
			continue
		}
		select {
		case ch <- ev:
		default:
			// Channel full, skip
		}
	}
	publishers := append([]Publisher(nil), b.publishers...)
	b.mu.Unlock()

	for _, p := range publishers {
		if err := p.Publish(ctx, ev); err != nil && b.logger != nil {
			b.logger.Warnw("Failed to publish job event", "type", ev.Type, "job_id", ev.JobID, "error", err)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
