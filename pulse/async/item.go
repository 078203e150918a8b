package async

import "time"

// ItemStatus is the state of one work unit. Transitions only move forward:
// pending → claimed → running → complete | failed | skipped.
// failed → pending happens only through an explicit retry.
type ItemStatus string

const (
	ItemStatusPending  ItemStatus = "pending"
	ItemStatusClaimed  ItemStatus = "claimed"
	ItemStatusRunning  ItemStatus = "running"
	ItemStatusComplete ItemStatus = "complete"
	ItemStatusFailed   ItemStatus = "failed"
	ItemStatusSkipped  ItemStatus = "skipped"
)

// IsTerminal reports whether the item has a final outcome.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusComplete || s == ItemStatusFailed || s == ItemStatusSkipped
}

// IsInFlight reports whether a tick has taken the item but not finished it.
func (s ItemStatus) IsInFlight() bool {
	return s == ItemStatusClaimed || s == ItemStatusRunning
}

// Item is one unit of work owned by a job.
type Item struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	Ordinal     int        `json:"ordinal"`
	Key         string     `json:"item_key"`
	Status      ItemStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	OutputRef   string     `json:"output_ref,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Outcome is the final result written by MarkResult.
type Outcome struct {
	Status      ItemStatus
	OutputRef   string
	ErrorCode   ErrorCode
	ErrorDetail string
}

// Completed builds a complete outcome.
func Completed(outputRef string) Outcome {
	return Outcome{Status: ItemStatusComplete, OutputRef: outputRef}
}

// Skipped builds a skipped outcome.
func Skipped() Outcome {
	return Outcome{Status: ItemStatusSkipped}
}

// FailedWith builds a failed outcome from a classified error.
func FailedWith(ec ErrorContext) Outcome {
	return Outcome{Status: ItemStatusFailed, ErrorCode: ec.Code, ErrorDetail: ec.Message}
}
