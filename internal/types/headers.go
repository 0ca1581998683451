package types

import (
	"context"
	"net/http"
	"strings"
)

// Request proof header names.
const (
	HeaderToken       = "x-challenge-token"
	HeaderNonce       = "x-challenge-nonce"
	HeaderPoW         = "x-challenge-pow"
	HeaderPoWInput    = "x-challenge-pow-input"
	HeaderFingerprint = "x-challenge-fingerprint"
	HeaderTimestamp   = "x-challenge-timestamp"
	HeaderRequestHash = "x-challenge-request-hash"

	// HeaderSession is set on requests forwarded upstream after validation.
	HeaderSession = "X-Challenge-Session"

	headerPrefix = "x-challenge-"
)

// ProofHeaders is the seven-field proof attached to each protected call.
// Timestamp is kept as the raw header text so the validator can compare it
// byte for byte against the PoW input.
type ProofHeaders struct {
	Token       string
	Nonce       string
	PoW         string
	PoWInput    string
	Fingerprint string
	Timestamp   string
	RequestHash string
}

// ProofFromHeader reads the proof fields from h.
func ProofFromHeader(h http.Header) ProofHeaders {
	return ProofHeaders{
		Token:       h.Get(HeaderToken),
		Nonce:       h.Get(HeaderNonce),
		PoW:         h.Get(HeaderPoW),
		PoWInput:    h.Get(HeaderPoWInput),
		Fingerprint: h.Get(HeaderFingerprint),
		Timestamp:   h.Get(HeaderTimestamp),
		RequestHash: h.Get(HeaderRequestHash),
	}
}

// Apply writes the proof fields to h.
func (p ProofHeaders) Apply(h http.Header) {
	h.Set(HeaderToken, p.Token)
	h.Set(HeaderNonce, p.Nonce)
	h.Set(HeaderPoW, p.PoW)
	h.Set(HeaderPoWInput, p.PoWInput)
	h.Set(HeaderFingerprint, p.Fingerprint)
	h.Set(HeaderTimestamp, p.Timestamp)
	h.Set(HeaderRequestHash, p.RequestHash)
}

// Complete reports whether all seven fields are present.
func (p ProofHeaders) Complete() bool {
	return p.Token != "" && p.Nonce != "" && p.PoW != "" && p.PoWInput != "" &&
		p.Fingerprint != "" && p.Timestamp != "" && p.RequestHash != ""
}

// StripProofHeaders removes every x-challenge-* header from h.
func StripProofHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(strings.ToLower(name), headerPrefix) {
			delete(h, name)
		}
	}
}

// contextKey keys values this package stores on a request context.
type contextKey string

const sessionIDKey contextKey = "challenge-session-id"

// WithSessionID attaches a validated session ID to ctx.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext returns the validated session ID, if any.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	sid, ok := ctx.Value(sessionIDKey).(string)
	return sid, ok && sid != ""
}
