package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/tracing"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a classified error to its status and public message.
// Server-side failures are logged with the full error, which never reaches
// the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mixerr.HTTPStatus(err)
	kind := mixerr.KindOf(err)

	if status >= http.StatusInternalServerError {
		tracing.SetError(r.Context(), err)
		h.logger.Error("Request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"kind":   string(kind),
			"error":  err.Error(),
		})
	}

	writeJSON(w, status, ErrorResponse{
		Error: mixerr.PublicMessage(err),
		Kind:  string(kind),
	})
}

// decode parses a JSON body, rejecting unknown fields. It writes the 400
// response itself and reports whether decoding succeeded.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func modTime(body io.Reader) time.Time {
	if f, ok := body.(*os.File); ok {
		if info, err := f.Stat(); err == nil {
			return info.ModTime()
		}
	}
	return time.Time{}
}
