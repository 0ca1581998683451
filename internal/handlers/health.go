package handlers

import (
	"net/http"
	"time"
)

// HealthResponse defines the health-check response payload
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	// Sessions is the number of sessions in the in-memory nonce ledger, when one is used.
	Sessions *int `json:"sessions,omitempty"`
}

// HealthHandler returns service health and uptime. stats may be nil.
func HealthHandler(started time.Time, stats func() (sessions, entries int)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status: "ok",
			Uptime: time.Since(started).Round(time.Second).String(),
		}
		if stats != nil {
			n, _ := stats()
			resp.Sessions = &n
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
