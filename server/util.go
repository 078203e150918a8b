package server

import (
	"net/http"
	"strconv"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/pulse/async"
)

// parseIntQueryParam parses an integer query parameter with bounds checking.
// Returns defaultVal if the parameter is missing or invalid.
func parseIntQueryParam(r *http.Request, name string, defaultVal, minVal, maxVal int) int {
	str := r.URL.Query().Get(name)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil || val < minVal {
		return defaultVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}

// parseStatusFilter reads the optional ?status= filter of the job list.
func parseStatusFilter(r *http.Request) (*async.JobStatus, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, nil
	}
	if !async.IsValidStatus(raw) {
		return nil, errors.NewInvalidRequestError("unknown job status %q", raw)
	}
	status := async.JobStatus(raw)
	return &status, nil
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
