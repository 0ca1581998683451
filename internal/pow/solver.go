package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

const (
	// DefaultMaxIterations bounds every solve so it always terminates.
	DefaultMaxIterations uint64 = 10_000_000
	// DefaultProgressEvery is how many attempts pass between progress updates.
	DefaultProgressEvery uint64 = 50_000

	ctxCheckEvery = 4096
)

// Progress is a periodic update from a running solve.
type Progress struct {
	Iterations uint64
}

// Solver brute-forces puzzles. The zero value uses the defaults.
type Solver struct {
	MaxIterations uint64
	ProgressEvery uint64
}

// NewSolver returns a Solver with default limits.
func NewSolver() *Solver {
	return &Solver{MaxIterations: DefaultMaxIterations, ProgressEvery: DefaultProgressEvery}
}

// Solve runs the puzzle on the calling goroutine.
func (s *Solver) Solve(ctx context.Context, p Puzzle) (*Solution, error) {
	return s.solve(ctx, p, nil)
}

// Task is a handle to a solve running on its own goroutine.
type Task struct {
	progress chan Progress
	done     chan struct{}
	sol      *Solution
	err      error
}

// Submit starts solving p in the background and returns immediately.
func (s *Solver) Submit(ctx context.Context, p Puzzle) *Task {
	t := &Task{
		progress: make(chan Progress, 1),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer close(t.progress)
		t.sol, t.err = s.solve(ctx, p, t.progress)
	}()
	return t
}

// Progress delivers updates while the solve runs. Updates are dropped when the
// reader falls behind. The channel is closed when the solve ends.
func (t *Task) Progress() <-chan Progress { return t.progress }

// Done is closed when the solve has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the solve finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (*Solution, error) {
	select {
	case <-t.done:
		return t.sol, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Solver) solve(ctx context.Context, p Puzzle, progress chan<- Progress) (*Solution, error) {
	if p.Difficulty < 0 || p.Difficulty > 2*sha256.Size {
		return nil, ErrInvalidDifficulty
	}
	limit := s.MaxIterations
	if limit == 0 {
		limit = DefaultMaxIterations
	}
	every := s.ProgressEvery
	if every == 0 {
		every = DefaultProgressEvery
	}

	prefix := []byte(p.Challenge + ":" + p.Fingerprint + ":" + strconv.FormatInt(p.Timestamp, 10) + ":")
	buf := make([]byte, 0, len(prefix)+20)

	for nonce := uint64(0); nonce < limit; nonce++ {
		if nonce%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if _, skip := p.Skip[nonce]; skip {
			continue
		}
		buf = strconv.AppendUint(append(buf[:0], prefix...), nonce, 10)
		sum := sha256.Sum256(buf)
		if leadingZeroNibbles(&sum, p.Difficulty) {
			return &Solution{
				Hash:       hex.EncodeToString(sum[:]),
				Input:      string(buf),
				Nonce:      nonce,
				Timestamp:  p.Timestamp,
				Iterations: nonce + 1,
			}, nil
		}
		if progress != nil && (nonce+1)%every == 0 {
			select {
			case progress <- Progress{Iterations: nonce + 1}:
			default:
			}
		}
	}
	return nil, ErrIterationLimit
}
