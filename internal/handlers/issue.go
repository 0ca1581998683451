package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"powgate/internal/challenge"
	"powgate/internal/metrics"
	"powgate/internal/types"
	"powgate/internal/utils"
)

const maxIssueBody = 4 << 10

// IssueHandler mints a challenge session for the posted fingerprint hash.
func IssueHandler(issuer *challenge.Issuer, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.IssueRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxIssueBody))
		if err := dec.Decode(&req); err != nil {
			logger.Info("IssueHandler: undecodable request", zap.String("ip", utils.ClientIP(r)), zap.Error(err))
			m.IssueRejected("malformed")
			WriteRejection(w, types.KindMalformedRequest)
			return
		}

		issued, err := issuer.Issue(req.Fingerprint)
		switch {
		case errors.Is(err, challenge.ErrMalformedFingerprint):
			logger.Info("IssueHandler: malformed fingerprint", zap.String("ip", utils.ClientIP(r)))
			m.IssueRejected("malformed")
			WriteRejection(w, types.KindMalformedRequest)
			return
		case err != nil:
			logger.Error("IssueHandler: failed to issue challenge", zap.Error(err))
			m.IssueRejected("internal")
			writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Message: types.GenericMessage})
			return
		}

		m.ChallengeIssued()
		logger.Debug("IssueHandler: challenge issued", zap.String("ip", utils.ClientIP(r)), zap.Int64("expiresAt", issued.ExpiresAt))
		writeJSON(w, http.StatusOK, issued)
	})
}
