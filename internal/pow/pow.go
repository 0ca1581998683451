// Package pow implements the hash puzzle bound to a challenge session.
//
// A puzzle input is "challenge:fingerprint:timestamp:nonce" and a solution is
// any nonce whose SHA-256 hex digest starts with difficulty '0' characters.
// Verification is one hash; solving costs about 16^difficulty attempts.
package pow

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrIterationLimit is returned when no solution is found within MaxIterations.
	ErrIterationLimit = errors.New("pow: iteration limit exceeded")
	// ErrMalformedInput is returned by ParseInput.
	ErrMalformedInput = errors.New("pow: malformed input")
	// ErrInvalidDifficulty is returned for difficulties outside 0..64.
	ErrInvalidDifficulty = errors.New("pow: invalid difficulty")
)

// Puzzle is one solve request. Timestamp is Unix milliseconds.
type Puzzle struct {
	Challenge   string
	Fingerprint string
	Timestamp   int64
	Difficulty  int
	// Skip holds counters the solver must pass over, such as nonces already
	// sent under the same session.
	Skip map[uint64]struct{}
}

// Solution is a solved puzzle.
type Solution struct {
	Hash       string `json:"hash"`
	Input      string `json:"input"`
	Nonce      uint64 `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
	Iterations uint64 `json:"iterations"`
}

// Parts are the four colon-separated fields of a puzzle input.
type Parts struct {
	Challenge   string
	Fingerprint string
	Timestamp   string
	Nonce       string
}

// Input builds the canonical puzzle input.
func Input(challenge, fingerprint string, timestamp int64, nonce uint64) string {
	return challenge + ":" + fingerprint + ":" + strconv.FormatInt(timestamp, 10) + ":" + strconv.FormatUint(nonce, 10)
}

// Hash returns the SHA-256 hex digest of input.
func Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// MeetsDifficulty reports whether hash starts with at least difficulty '0' hex digits.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty < 0 || difficulty > len(hash) {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}

// ParseInput splits input into its four fields. Every field must be non-empty.
func ParseInput(input string) (Parts, error) {
	f := strings.Split(input, ":")
	if len(f) != 4 {
		return Parts{}, ErrMalformedInput
	}
	for _, s := range f {
		if s == "" {
			return Parts{}, ErrMalformedInput
		}
	}
	return Parts{Challenge: f[0], Fingerprint: f[1], Timestamp: f[2], Nonce: f[3]}, nil
}

// leadingZeroNibbles reports whether sum has at least n leading zero nibbles.
// Equivalent to MeetsDifficulty on the hex encoding, without encoding.
func leadingZeroNibbles(sum *[sha256.Size]byte, n int) bool {
	full := n / 2
	for i := 0; i < full; i++ {
		if sum[i] != 0 {
			return false
		}
	}
	if n%2 == 1 {
		return sum[full]>>4 == 0
	}
	return true
}
