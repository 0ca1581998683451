package handlers

import (
	"encoding/json"
	"net/http"

	"powgate/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteRejection answers with the uniform bot-detection body. Only the
// status and errorKind differ between failures.
func WriteRejection(w http.ResponseWriter, kind types.ErrorKind) {
	writeJSON(w, kind.Status(), types.ErrorResponse{
		Message: types.GenericMessage,
		Data:    types.ErrorResponseData{ErrorKind: kind},
	})
}
