package server

import (
	"context"
	"net/http"
	"path"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/pulse/driver"
)

// HandleStartJob creates a job (POST /api/jobs).
func (s *Server) HandleStartJob(w http.ResponseWriter, r *http.Request) {
	var req async.StartRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.engine.Start(r.Context(), req)
	if err != nil {
		s.logFailure("start", "", err)
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, snap)
}

// HandleActiveJob returns the active job for ?owner=&type=, or 404.
func (s *Server) HandleActiveJob(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	jobType := r.URL.Query().Get("type")
	if owner == "" || jobType == "" {
		writeError(w, errors.NewInvalidRequestError("owner and type query parameters are required"))
		return
	}
	snap, err := s.engine.ActiveJob(r.Context(), owner, jobType)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap == nil {
		writeError(w, errors.NewNotFoundError("no active %s job for %s", jobType, owner))
		return
	}
	_ = writeJSON(w, http.StatusOK, snap)
}

// HandleListJobs lists recent jobs (GET /api/jobs/all?status=&limit=).
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatusFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)
	jobs, err := s.engine.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	_ = writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleJobStatus returns a job snapshot.
func (s *Server) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, snap)
}

// HandleTick runs one tick for the worker named in X-Worker-Token.
func (s *Server) HandleTick(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	token := r.Header.Get(driver.WorkerTokenHeader)
	if token == "" {
		writeError(w, errors.NewInvalidRequestError("missing %s header", driver.WorkerTokenHeader))
		return
	}
	if !s.limiter.Allow(jobID) {
		writeError(w, errors.WithHint(
			errors.Mark(errors.Newf("tick rate exceeded for job %s", jobID), errors.ErrRateLimited),
			"back off and tick again"))
		return
	}

	res, err := s.engine.Tick(r.Context(), jobID, token)
	if err != nil {
		s.logFailure("tick", jobID, err)
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, res)
}

// HandleJobAction applies pause, resume, stop or recover. The action is the
// last path segment.
func (s *Server) HandleJobAction(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	action := path.Base(r.URL.Path)

	var op func(ctx context.Context, id string) (*async.Snapshot, error)
	switch action {
	case "pause":
		op = s.engine.Pause
	case "resume":
		op = s.engine.Resume
	case "stop":
		op = s.engine.Stop
	case "recover":
		op = s.engine.Recover
	default:
		writeError(w, errors.NewNotFoundError("unknown job action %q", action))
		return
	}

	snap, err := op(r.Context(), jobID)
	if err != nil {
		s.logFailure(action, jobID, err)
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, snap)
}

// HandleResetJob replaces a job with a fresh one, optionally with new mode
// or config.
func (s *Server) HandleResetJob(w http.ResponseWriter, r *http.Request) {
	var req async.ResetRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.engine.Reset(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.logFailure("reset", r.PathValue("id"), err)
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, snap)
}

// HandleDecision answers a job's pending decision.
func (s *Server) HandleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DecisionID == "" {
		writeError(w, errors.NewInvalidRequestError("decision_id is required"))
		return
	}
	snap, err := s.engine.ApplyDecision(r.Context(), r.PathValue("id"), req.DecisionID, req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, snap)
}

// HandleRetryItem re-queues one failed batch item.
func (s *Server) HandleRetryItem(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.RetryItem(r.Context(), r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, snap)
}

// logFailure logs unexpected failures. Client mistakes and lost races are
// routine and stay at debug.
func (s *Server) logFailure(op, jobID string, err error) {
	log := s.logger.With("op", op)
	if jobID != "" {
		log = log.With(logger.FieldJobID, shortID(jobID))
	}
	if errors.CodeOf(err) == errors.CodeInternal {
		log.Errorw("Job operation failed", logger.FieldError, err)
		return
	}
	log.Debugw("Job operation rejected", logger.FieldError, err, "code", errors.CodeOf(err))
}
