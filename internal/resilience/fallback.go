package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed means no backend in a [FallbackGroup] produced a result. It is
// joined with the last backend error so [errors.Is] and [errors.As] still see
// the underlying cause.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig is the template for the breaker each backend gets.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own [CircuitBreaker]. Calls walk the list from the primary and stop at
// the first success.
//
// Register all backends before sharing the group. After that, Execute and
// ExecuteWithResult may be called concurrently.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose first member is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend behind every member added so far.
func (fg *FallbackGroup[T]) AddFallback(name string, backend T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: backend, breaker: NewCircuitBreaker(bc)})
}

// Names lists the members in call order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(fg.members))
	for _, m := range fg.members {
		out = append(out, m.name)
	}
	return out
}

// States maps each member name to its breaker state.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.members))
	for _, m := range fg.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Execute is [ExecuteWithResult] for calls without a result value.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult calls fn on each member in order until one succeeds.
// Members with an open breaker are skipped. A cancellation error ends the
// walk and is returned as is; otherwise exhausting the list returns
// [ErrAllFailed] joined with the last error.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	return executeIndexed(fg, func(_ int, v T) (R, error) { return fn(v) })
}

// executeIndexed also passes the member position to fn; 0 is the primary.
func executeIndexed[T any, R any](fg *FallbackGroup[T], fn func(int, T) (R, error)) (R, error) {
	var zero R
	var last error
	for i := range fg.members {
		m := &fg.members[i]
		var out R
		err := m.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(i, m.value)
			return callErr
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: backend skipped, circuit open", "backend", m.name)
		default:
			slog.Warn("resilience: backend failed", "backend", m.name, "position", i, "err", err)
		}
		last = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, last)
}
