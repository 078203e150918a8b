package server

import "time"

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout bounds how long Stop waits for HTTP requests,
	// WebSocket pumps and adopted driver loops.
	ShutdownTimeout = 30 * time.Second

	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateStarting ServerState = iota // Constructed, not yet serving
	ServerStateRunning                     // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// decisionRequest is the body of POST /api/jobs/{id}/decision.
type decisionRequest struct {
	DecisionID string `json:"decision_id"`
	Value      string `json:"value"`
}

// listResponse is the body of GET /api/jobs/all.
type listResponse struct {
	Jobs  interface{} `json:"jobs"`
	Count int         `json:"count"`
}

// wsMessage is one frame pushed to a WebSocket subscriber.
type wsMessage struct {
	// Type is "snapshot" for the initial state, then "event".
	Type     string      `json:"type"`
	Snapshot interface{} `json:"snapshot,omitempty"`
	Event    interface{} `json:"event,omitempty"`
}
