package handlers

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"powgate/internal/types"
)

// AcceptResponse is returned by AcceptHandler.
type AcceptResponse struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"sessionId,omitempty"`
	Bytes     int64  `json:"bytes"`
}

// AcceptHandler stands in for a backend: it drains the request and reports
// the session the gate attached, if any.
func AcceptHandler(logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		sid, _ := types.SessionIDFromContext(r.Context())
		logger.Debug("AcceptHandler: request accepted",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.String("sid", sid))
		writeJSON(w, http.StatusOK, AcceptResponse{Accepted: true, SessionID: sid, Bytes: n})
	})
}
