package challenge

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"powgate/internal/pow"
	"powgate/internal/store"
	"powgate/internal/types"
	"powgate/internal/utils"
)

const DefaultPowWindow = 30 * time.Second

// ValidatorOptions tune a Validator. Zero values take the defaults.
type ValidatorOptions struct {
	PowWindow time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
}

// Validator checks the proof headers of one protected request.
type Validator struct {
	issuer    *Issuer
	ledger    store.NonceLedger
	powWindow time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewValidator(issuer *Issuer, ledger store.NonceLedger, opts ValidatorOptions) *Validator {
	if opts.PowWindow <= 0 {
		opts.PowWindow = DefaultPowWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Validator{
		issuer:    issuer,
		ledger:    ledger,
		powWindow: opts.PowWindow,
		now:       opts.Now,
		logger:    opts.Logger,
	}
}

// Validate runs the checks in order and stops at the first failure. On
// success it returns the session ID from the token and the nonce has been
// consumed. Failures are *types.ValidationError.
func (v *Validator) Validate(ctx context.Context, proof types.ProofHeaders, body []byte) (string, error) {
	if !proof.Complete() {
		return "", types.Reject(types.KindMissingChallenge, "one or more proof headers absent", nil)
	}

	payload, err := v.issuer.Verify(proof.Token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return "", types.Reject(types.KindTokenExpired, "token past expiry", err)
		}
		return "", types.Reject(types.KindInvalidToken, "token failed verification", err)
	}

	if proof.Fingerprint != payload.FingerprintHash {
		return "", types.Reject(types.KindFingerprintMismatch, "fingerprint header differs from token", nil)
	}

	ts, err := strconv.ParseInt(proof.Timestamp, 10, 64)
	if err != nil {
		return "", types.Reject(types.KindInvalidPoW, "timestamp is not an integer", err)
	}
	if _, err := strconv.ParseUint(proof.Nonce, 10, 64); err != nil {
		return "", types.Reject(types.KindInvalidPoW, "nonce is not a decimal counter", err)
	}
	parts, err := pow.ParseInput(proof.PoWInput)
	if err != nil {
		return "", types.Reject(types.KindInvalidPoW, "pow input malformed", err)
	}
	if parts.Challenge != payload.Challenge || parts.Fingerprint != payload.FingerprintHash ||
		parts.Timestamp != proof.Timestamp || parts.Nonce != proof.Nonce {
		return "", types.Reject(types.KindInvalidPoW, "pow input does not match session", nil)
	}

	hash := strings.ToLower(proof.PoW)
	if pow.Hash(proof.PoWInput) != hash || !pow.MeetsDifficulty(hash, payload.Difficulty) {
		return "", types.Reject(types.KindInvalidPoW, "pow hash wrong or below difficulty", nil)
	}

	if age := v.now().Sub(time.UnixMilli(ts)); age > v.powWindow || age < -v.powWindow {
		return "", types.Reject(types.KindPoWExpired, "timestamp outside window: "+age.String(), nil)
	}

	fresh, err := v.ledger.Consume(ctx, payload.SessionID, proof.Nonce)
	if err != nil {
		// Fail closed.
		v.logger.Error("Validate: nonce ledger unavailable", zap.String("sid", payload.SessionID), zap.Error(err))
		return "", types.Reject(types.KindNonceReused, "nonce ledger unavailable", err)
	}
	if !fresh {
		return "", types.Reject(types.KindNonceReused, "nonce already consumed", nil)
	}

	actual := utils.SHA256Hex(body)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(proof.RequestHash))) != 1 {
		return "", types.Reject(types.KindRequestHashMismatch, "request hash differs from body", nil)
	}

	v.logger.Debug("Validate: request accepted", zap.String("sid", payload.SessionID), zap.String("nonce", proof.Nonce))
	return payload.SessionID, nil
}
