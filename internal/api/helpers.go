package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cascadelab/cascade/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a coordination error to its HTTP status and writes the
// structured body. Errors without a machine code become 500s.
func writeError(w http.ResponseWriter, err error) {
	var ce *schema.CascadeError
	if !errors.As(err, &ce) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":    schema.ErrCodeStore,
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, statusFor(ce.Code), ce)
}

// writeBadRequest writes a 400 with an INVALID_ARGUMENT body.
func writeBadRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"code":    schema.ErrCodeInvalidArgument,
		"message": fmt.Sprintf(format, args...),
	})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeAlreadyExists:
		return http.StatusConflict
	case schema.ErrCodeInvalidState, schema.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into v. An empty body is allowed
// and leaves v zero-valued, since most mutation bodies are optional.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeInvalidArgument, "invalid JSON: %v", err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
