// Package challenge mints and checks the signed challenge tokens that gate
// mutating requests.
package challenge

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"powgate/internal/types"
	"powgate/internal/utils"
)

const (
	// ChallengeBytes is the size of the random challenge before hex encoding.
	ChallengeBytes = 32
	// MinSecretBytes is the shortest accepted HMAC secret.
	MinSecretBytes = 32

	DefaultDifficulty = 4
	DefaultTokenTTL   = 24 * time.Hour
)

var (
	ErrMalformedFingerprint = errors.New("malformed fingerprint hash")
	ErrInvalidToken         = errors.New("invalid challenge token")
	ErrTokenExpired         = errors.New("challenge token expired")
	ErrWeakSecret           = fmt.Errorf("signing secret must be at least %d bytes", MinSecretBytes)
)

var fingerprintPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ValidFingerprintHash reports whether fp is a 64-character hex digest.
func ValidFingerprintHash(fp string) bool {
	return fingerprintPattern.MatchString(fp)
}

type tokenClaims struct {
	SessionID       string `json:"sid"`
	FingerprintHash string `json:"fph"`
	Challenge       string `json:"chl"`
	Difficulty      int    `json:"diff"`
	IssuedAtMs      int64  `json:"iat_ms"`
	ExpiresAtMs     int64  `json:"exp_ms"`
	jwt.RegisteredClaims
}

// IssuerOptions tune an Issuer. Zero values take the defaults.
type IssuerOptions struct {
	Difficulty int
	TokenTTL   time.Duration
	Now        func() time.Time
}

// Issuer mints challenge tokens and verifies them. It holds no per-session
// state; any Issuer sharing the secret can verify another's tokens.
type Issuer struct {
	secret     []byte
	difficulty int
	ttl        time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

func NewIssuer(secret []byte, opts IssuerOptions) (*Issuer, error) {
	if len(secret) < MinSecretBytes {
		return nil, ErrWeakSecret
	}
	if opts.Difficulty <= 0 {
		opts.Difficulty = DefaultDifficulty
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	i := &Issuer{
		secret:     secret,
		difficulty: opts.Difficulty,
		ttl:        opts.TokenTTL,
		now:        opts.Now,
	}
	i.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(opts.Now),
	)
	return i, nil
}

// Difficulty is the difficulty stamped into new tokens.
func (i *Issuer) Difficulty() int { return i.difficulty }

// Issue mints a session for fingerprintHash.
func (i *Issuer) Issue(fingerprintHash string) (*types.IssuedChallenge, error) {
	if !ValidFingerprintHash(fingerprintHash) {
		return nil, ErrMalformedFingerprint
	}
	challenge, err := utils.RandomHex(ChallengeBytes)
	if err != nil {
		return nil, fmt.Errorf("issue: generate challenge: %w", err)
	}
	sessionID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("issue: generate session id: %w", err)
	}

	now := i.now()
	expires := now.Add(i.ttl)
	claims := tokenClaims{
		SessionID:       sessionID.String(),
		FingerprintHash: fingerprintHash,
		Challenge:       challenge,
		Difficulty:      i.difficulty,
		IssuedAtMs:      now.UnixMilli(),
		ExpiresAtMs:     expires.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("issue: sign token: %w", err)
	}
	return &types.IssuedChallenge{
		Token:      token,
		Challenge:  challenge,
		Difficulty: i.difficulty,
		ExpiresAt:  expires.UnixMilli(),
	}, nil
}

// Verify checks the token signature and expiry and returns its payload.
func (i *Issuer) Verify(token string) (*types.ChallengeTokenPayload, error) {
	var claims tokenClaims
	_, err := i.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.SessionID == "" || claims.Challenge == "" || !ValidFingerprintHash(claims.FingerprintHash) || claims.Difficulty <= 0 {
		return nil, fmt.Errorf("%w: incomplete claims", ErrInvalidToken)
	}
	// Registered exp is second-granular; exp_ms is the exact expiry.
	if !i.now().Before(time.UnixMilli(claims.ExpiresAtMs)) {
		return nil, ErrTokenExpired
	}
	return &types.ChallengeTokenPayload{
		SessionID:       claims.SessionID,
		FingerprintHash: claims.FingerprintHash,
		Challenge:       claims.Challenge,
		Difficulty:      claims.Difficulty,
		IssuedAt:        time.UnixMilli(claims.IssuedAtMs),
		ExpiresAt:       time.UnixMilli(claims.ExpiresAtMs),
	}, nil
}
