package server

import (
	"net/http"
	"strings"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.handle("GET /health", s.HandleHealth)
	s.handle("GET /ws", s.HandleWebSocket)

	s.handle("POST /api/jobs", s.HandleStartJob)
	s.handle("GET /api/jobs", s.HandleActiveJob) // ?owner=&type=
	s.handle("GET /api/jobs/all", s.HandleListJobs)
	s.handle("GET /api/jobs/{id}", s.HandleJobStatus)
	s.handle("POST /api/jobs/{id}/tick", s.HandleTick)
	s.handle("POST /api/jobs/{id}/pause", s.HandleJobAction)
	s.handle("POST /api/jobs/{id}/resume", s.HandleJobAction)
	s.handle("POST /api/jobs/{id}/stop", s.HandleJobAction)
	s.handle("POST /api/jobs/{id}/recover", s.HandleJobAction)
	s.handle("POST /api/jobs/{id}/reset", s.HandleResetJob)
	s.handle("POST /api/jobs/{id}/decision", s.HandleDecision)
	s.handle("POST /api/jobs/{id}/items/{key}/retry", s.HandleRetryItem)

	s.handle("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {})
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, s.corsMiddleware(h))
}

// corsMiddleware adds CORS headers for configured origins and answers
// preflight requests.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Worker-Token")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// originAllowed prefix-matches origin so any port on an allowed host passes.
func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
