package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/teranos/slate/errors"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response whose status and code follow the
// error's sentinel marks.
func writeError(w http.ResponseWriter, err error) {
	status, body := newErrorResponse(err)
	_ = writeJSON(w, status, body)
}

// readJSON decodes a JSON request body. An empty body leaves v untouched.
func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return errors.NewInvalidRequestError("invalid request body: %v", err)
	}
	return nil
}
