package types

import "time"

// BrowserFingerprint is the semi-stable device identifier derived on the client.
// Unavailable probes carry a sentinel value instead of a hash.
type BrowserFingerprint struct {
	CanvasHash   string `json:"canvasHash"`
	WebGLHash    string `json:"webglHash"`
	Screen       string `json:"screen"`
	Timezone     string `json:"timezone"`
	Language     string `json:"language"`
	Platform     string `json:"platform"`
	CombinedHash string `json:"combinedHash"`
}

// ChallengeTokenPayload is what the signed challenge token carries.
// Clients treat the token as opaque.
type ChallengeTokenPayload struct {
	SessionID       string
	FingerprintHash string
	Challenge       string
	Difficulty      int
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// IssueRequest is the body of the issue endpoint.
type IssueRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// IssuedChallenge is returned by the issue endpoint. ExpiresAt is Unix milliseconds.
type IssuedChallenge struct {
	Token      string `json:"token"`
	Challenge  string `json:"challenge"`
	Difficulty int    `json:"difficulty"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// ChallengeSession is the client-side cache of one issued challenge.
type ChallengeSession struct {
	Token       string
	Challenge   string
	Difficulty  int
	Fingerprint BrowserFingerprint
	ExpiresAt   time.Time
}

// Expired reports whether the session is past its expiry, or within margin of it.
func (s *ChallengeSession) Expired(now time.Time, margin time.Duration) bool {
	return s == nil || !now.Add(margin).Before(s.ExpiresAt)
}

// ErrorResponse is the uniform rejection body.
type ErrorResponse struct {
	Message string            `json:"message"`
	Data    ErrorResponseData `json:"data"`
}

type ErrorResponseData struct {
	ErrorKind ErrorKind `json:"errorKind"`
}
