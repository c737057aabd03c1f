package credentials

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoCredentials is returned by Next when the pool is empty.
var ErrNoCredentials = errors.New("no credentials available")

// credential is one API token together with the last time the rotator
// handed it out. lastUsed is owned exclusively by the rotator.
type credential struct {
	token    string
	lastUsed time.Time
}

// Rotator hands out API tokens from a fixed pool, keeping each token idle
// for a cooldown window between uses. When every token is cooling down it
// falls back to the first token in the pool rather than blocking: the
// scheduler prefers forward progress and an occasional immediate rate-limit
// error over stalling the whole loop.
type Rotator struct {
	mu       sync.Mutex
	pool     []*credential
	cursor   int
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRotator builds a rotator over the given tokens. Empty tokens are
// skipped.
func NewRotator(tokens []string, cooldown time.Duration, logger *slog.Logger) *Rotator {
	pool := make([]*credential, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		pool = append(pool, &credential{token: t})
	}
	return &Rotator{
		pool:     pool,
		cooldown: cooldown,
		logger:   logger,
		now:      time.Now,
	}
}

// Size returns the number of tokens in the pool.
func (r *Rotator) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool)
}

// Next returns a usable token or ErrNoCredentials if the pool is empty.
//
// A singleton pool skips cooldown enforcement entirely. Otherwise the pool
// is scanned round-robin from an internal cursor; the first token whose
// cooldown has elapsed is marked used and returned. A full cycle with no
// eligible token returns the first token in the pool regardless of cooldown.
func (r *Rotator) Next() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pool) == 0 {
		return "", ErrNoCredentials
	}

	now := r.now()

	if len(r.pool) == 1 {
		r.pool[0].lastUsed = now
		return r.pool[0].token, nil
	}

	for i := 0; i < len(r.pool); i++ {
		idx := (r.cursor + i) % len(r.pool)
		cand := r.pool[idx]
		if now.Sub(cand.lastUsed) > r.cooldown {
			cand.lastUsed = now
			r.cursor = (idx + 1) % len(r.pool)
			return cand.token, nil
		}
	}

	// Every token is still cooling down. Degrade to the first token rather
	// than signalling exhaustion; the caller absorbs the higher chance of a
	// rate-limit response.
	r.logger.Warn("all credentials cooling down, falling back to first",
		slog.Int("pool_size", len(r.pool)),
		slog.Duration("cooldown", r.cooldown),
	)
	first := r.pool[0]
	first.lastUsed = now
	return first.token, nil
}
