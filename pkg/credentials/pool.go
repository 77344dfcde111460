// Package credentials implements the rotating API key pool used to talk to the
// compression backend. Keys are rotated when the active one runs out of quota.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoCredential is returned when the pool holds no keys.
var ErrNoCredential = errors.New("no credential configured")

// Prometheus metrics for the credential pool.
var (
	poolRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "squeeze_credential_rotations_total",
		Help: "Total number of credential rotations",
	})

	poolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "squeeze_credential_pool_size",
		Help: "Number of credentials currently held by the pool",
	})
)

// Credential is an opaque backend API key.
type Credential string

// String returns the key itself. Use Fingerprint for anything that gets logged.
func (c Credential) String() string {
	return string(c)
}

// Fingerprint returns a short, non-secret identifier for the key.
func (c Credential) Fingerprint() string {
	if c == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(c))
	return hex.EncodeToString(sum[:])[:12]
}

// Validator checks a key against the backend.
type Validator interface {
	ValidateKey(ctx context.Context, key Credential) (bool, error)
}

// State is the persisted credential configuration.
type State struct {
	Keys         []string `json:"keys" mapstructure:"keys"`
	CurrentIndex int      `json:"current_index" mapstructure:"current_index"`
	AutoRotate   bool     `json:"auto_rotate" mapstructure:"auto_rotate"`
}

// Pool holds an ordered set of credentials and the index of the active one.
// The index is -1 when the pool is empty and a valid position otherwise.
type Pool struct {
	mu         sync.RWMutex
	keys       []Credential
	current    int
	autoRotate bool
	validator  Validator
	logger     zerolog.Logger
}

// NewPool creates an empty pool. The validator may be nil, in which case
// Validate always reports false.
func NewPool(validator Validator) *Pool {
	return &Pool{
		current:    -1,
		autoRotate: true,
		validator:  validator,
		logger:     log.With().Str("component", "credential-pool").Logger(),
	}
}

// NewPoolFromState creates a pool and loads the given state into it.
func NewPoolFromState(state State, validator Validator) *Pool {
	p := NewPool(validator)
	p.Load(state)
	return p
}

// Load replaces the pool contents. Blank and duplicate keys are dropped and an
// out-of-range index falls back to the first key.
func (p *Pool) Load(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.keys = p.keys[:0]
	seen := make(map[Credential]struct{}, len(state.Keys))
	for _, raw := range state.Keys {
		key := Credential(strings.TrimSpace(raw))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		p.keys = append(p.keys, key)
	}

	p.autoRotate = state.AutoRotate
	p.current = state.CurrentIndex
	if p.current < 0 || p.current >= len(p.keys) {
		p.current = 0
	}
	if len(p.keys) == 0 {
		p.current = -1
	}
	poolSize.Set(float64(len(p.keys)))
}

// Snapshot returns the persistable state of the pool.
func (p *Pool) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, len(p.keys))
	for i, k := range p.keys {
		keys[i] = string(k)
	}
	idx := p.current
	if idx < 0 {
		idx = 0
	}
	return State{Keys: keys, CurrentIndex: idx, AutoRotate: p.autoRotate}
}

// Add appends a key. Blank and already present keys are ignored. The first
// key added to an empty pool becomes current.
func (p *Pool) Add(token string) {
	key := Credential(strings.TrimSpace(token))
	if key == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.indexOf(key) >= 0 {
		return
	}
	p.keys = append(p.keys, key)
	if p.current < 0 {
		p.current = 0
	}
	poolSize.Set(float64(len(p.keys)))

	p.logger.Debug().
		Str("key", key.Fingerprint()).
		Int("pool_size", len(p.keys)).
		Msg("Credential added")
}

// Remove deletes a key if present and clamps the current index back into
// range. The active position is kept, so removing an earlier key makes the
// next key in line active.
func (p *Pool) Remove(token string) {
	key := Credential(strings.TrimSpace(token))

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexOf(key)
	if idx < 0 {
		return
	}
	p.keys = append(p.keys[:idx], p.keys[idx+1:]...)
	p.current = clampIndex(p.current, len(p.keys))
	poolSize.Set(float64(len(p.keys)))

	p.logger.Debug().
		Str("key", key.Fingerprint()).
		Int("pool_size", len(p.keys)).
		Msg("Credential removed")
}

// Current returns the active credential.
func (p *Pool) Current() (Credential, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.keys) == 0 {
		return "", ErrNoCredential
	}
	return p.keys[p.current], nil
}

// CurrentIndex returns the active position, or -1 for an empty pool.
func (p *Pool) CurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Rotate advances to the next key. It returns false and does nothing when
// the pool holds fewer than two keys.
func (p *Pool) Rotate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) <= 1 {
		return false
	}
	p.advance()
	return true
}

// RotateFrom rotates away from stale only if it is still the active key.
// When another caller already rotated, the pool is left alone and the
// current key is returned. The bool is false when rotation is impossible.
func (p *Pool) RotateFrom(stale Credential) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) <= 1 {
		return "", false
	}
	if p.keys[p.current] == stale {
		p.advance()
	}
	return p.keys[p.current], true
}

// advance moves the index forward; callers hold the write lock.
func (p *Pool) advance() {
	from := p.keys[p.current]
	p.current = (p.current + 1) % len(p.keys)
	poolRotationsTotal.Inc()

	p.logger.Info().
		Str("from", from.Fingerprint()).
		Str("to", p.keys[p.current].Fingerprint()).
		Int("index", p.current).
		Msg("Credential rotated")
}

// Validate asks the backend whether a key is usable. Errors count as invalid.
func (p *Pool) Validate(ctx context.Context, token string) bool {
	key := Credential(strings.TrimSpace(token))
	if key == "" || p.validator == nil {
		return false
	}

	ok, err := p.validator.ValidateKey(ctx, key)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("key", key.Fingerprint()).
			Msg("Credential validation failed")
		return false
	}
	return ok
}

// AutoRotate reports whether the orchestrator may rotate on quota errors.
func (p *Pool) AutoRotate() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoRotate
}

// SetAutoRotate toggles automatic rotation.
func (p *Pool) SetAutoRotate(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoRotate = enabled
}

// Len returns the number of keys.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

// Keys returns a copy of the keys in pool order.
func (p *Pool) Keys() []Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Credential, len(p.keys))
	copy(out, p.keys)
	return out
}

func (p *Pool) indexOf(key Credential) int {
	for i, k := range p.keys {
		if k == key {
			return i
		}
	}
	return -1
}

func clampIndex(idx, n int) int {
	if n == 0 {
		return -1
	}
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}
