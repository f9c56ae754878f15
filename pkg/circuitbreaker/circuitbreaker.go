// Package circuitbreaker guards calls to external services with a consecutive-failure
// breaker and a hard per-call timeout.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

// State names used in snapshots and logs.
const (
	StateClosed   = "closed"
	StateHalfOpen = "half-open"
	StateOpen     = "open"
)

// Settings configures one breaker.
type Settings struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	CallTimeout      time.Duration

	// OnStateChange is called after every transition.
	OnStateChange func(name, from, to string)
}

// Snapshot is a point-in-time view of a breaker for health reporting.
type Snapshot struct {
	Name                string                       `json:"name"`
	State               string                       `json:"state"`
	ConsecutiveFailures uint32                       `json:"consecutive_failures"`
	TotalFailures       uint64                       `json:"total_failures"`
	LastFailureAt       *time.Time                   `json:"last_failure_at,omitempty"`
	Categories          map[apperrors.Category]int64 `json:"categories"`
}

// Breaker wraps a gobreaker instance with timeout and error category tracking.
type Breaker struct {
	name        string
	callTimeout time.Duration
	cb          *gobreaker.CircuitBreaker[any]

	mu            sync.Mutex
	totalFailures uint64
	lastFailureAt time.Time
	categories    map[apperrors.Category]int64
}

// New creates a breaker. The breaker opens after FailureThreshold consecutive
// failures and lets one trial call through once ResetTimeout has elapsed.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 60 * time.Second
	}

	b := &Breaker{
		name:        s.Name,
		callTimeout: s.CallTimeout,
		categories:  make(map[apperrors.Category]int64),
	}

	threshold := uint32(s.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isSuccessful,
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("circuit breaker state transition")
			if s.OnStateChange != nil {
				s.OnStateChange(name, stateToString(from), stateToString(to))
			}
		},
	})

	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state name.
func (b *Breaker) State() string {
	return stateToString(b.cb.State())
}

// Snapshot returns the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	counts := b.cb.Counts()

	b.mu.Lock()
	defer b.mu.Unlock()

	cats := make(map[apperrors.Category]int64, len(b.categories))
	for k, v := range b.categories {
		cats[k] = v
	}
	snap := Snapshot{
		Name:                b.name,
		State:               stateToString(b.cb.State()),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       b.totalFailures,
		Categories:          cats,
	}
	if !b.lastFailureAt.IsZero() {
		at := b.lastFailureAt
		snap.LastFailureAt = &at
	}
	return snap
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalFailures++
	b.lastFailureAt = time.Now()
	b.categories[apperrors.Categorize(err)]++
}

// Execute runs op through the breaker under the breaker's call timeout.
// Rejections while open surface as CIRCUIT_OPEN errors.
func Execute[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	result, err := b.cb.Execute(func() (any, error) {
		callCtx := ctx
		if b.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
			defer cancel()
		}

		v, err := op(callCtx)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = apperrors.NewTimeoutError(fmt.Sprintf("%s call exceeded %s", b.name, b.callTimeout), err)
		}
		return v, err
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, apperrors.NewCircuitOpenError(b.name, err)
		}
		if !isSuccessful(err) && !errors.Is(err, context.Canceled) {
			b.recordFailure(err)
		}
		return zero, err
	}

	typed, ok := result.(T)
	if !ok && result != nil {
		return zero, fmt.Errorf("circuit breaker %s: unexpected result type %T", b.name, result)
	}
	return typed, nil
}

// isSuccessful treats permanent input rejections as healthy answers from the service.
func isSuccessful(err error) bool {
	return err == nil || apperrors.IsPermanent(err)
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return "unknown"
	}
}

// Registry holds one breaker per external service.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Register adds b under its name, replacing any previous breaker.
func (r *Registry) Register(b *Breaker) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.breakers[b.name]; !exists {
		r.order = append(r.order, b.name)
	}
	r.breakers[b.name] = b
	return b
}

// Get returns the named breaker.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots returns the state of every registered breaker in registration order.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.breakers[name].Snapshot())
	}
	return out
}
