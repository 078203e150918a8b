package server

import (
	"net/http"
	"time"

	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/version"
)

type healthResponse struct {
	Status     string              `json:"status"`
	Version    string              `json:"version"`
	Commit     string              `json:"commit"`
	BuildTime  string              `json:"build_time"`
	APIVersion string              `json:"api_version"`
	Uptime     string              `json:"uptime"`
	Clients    int                 `json:"clients"`
	Driving    int                 `json:"driving"`
	System     async.SystemMetrics `json:"system"`
}

// HandleHealth serves health check endpoint with version info
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	health := healthResponse{
		Status:     "ok",
		Version:    info.Version,
		Commit:     info.CommitHash,
		BuildTime:  info.BuildTime,
		APIVersion: info.APIVersion,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Clients:    s.ClientCount(),
		System:     s.engine.SystemMetrics(r.Context()),
	}
	if s.sweeper != nil {
		health.Driving = len(s.sweeper.Driving())
	}

	status := http.StatusOK
	if st := s.getState(); st == ServerStateDraining || st == ServerStateStopped {
		health.Status = stateString(st)
		status = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, status, health)
}
