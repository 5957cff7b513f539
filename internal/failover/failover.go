// Package failover retries a network-failed read once against a backup
// endpoint.
package failover

import (
	"context"
	"errors"
	"fmt"

	"github.com/Synthetixio/snx-api/internal/observ"
	"github.com/Synthetixio/snx-api/internal/source"
)

// ErrSourceUnavailable wraps the final error when both endpoints failed
// with network errors.
var ErrSourceUnavailable = errors.New("source unavailable")

type State int

const (
	StatePrimary State = iota
	StateBackup
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePrimary:
		return "primary"
	case StateBackup:
		return "backup"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Attempt is the per-call state machine:
// Primary -(network error)-> Backup -(any error)-> Failed.
// Any success ends in Succeeded; any other error from Primary ends in Failed.
type Attempt struct {
	state State
	calls int
	err   error
}

func (a *Attempt) State() State { return a.state }

// Calls is the number of operations recorded so far.
func (a *Attempt) Calls() int { return a.calls }

// Err is the terminal error, nil unless State is StateFailed.
func (a *Attempt) Err() error { return a.err }

// Record feeds the outcome of one call and returns the next state.
func (a *Attempt) Record(err error) State {
	switch a.state {
	case StateSucceeded, StateFailed:
		return a.state
	}
	a.calls++
	if err == nil {
		a.state = StateSucceeded
		return a.state
	}
	if a.state == StatePrimary && source.IsNetwork(err) {
		a.state = StateBackup
		return a.state
	}
	if a.state == StateBackup && source.IsNetwork(err) {
		err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	a.state = StateFailed
	a.err = err
	return a.state
}

func (a *Attempt) fail(err error) {
	a.state = StateFailed
	a.err = err
}

// Do runs op against primary. A network error triggers exactly one more run
// against the endpoint built by backup; the second outcome is final.
func Do[E, T any](ctx context.Context, name string, primary E, backup func() (E, error), op func(context.Context, E) (T, error)) (T, error) {
	var (
		zero    T
		attempt Attempt
	)
	endpoint := primary
	for {
		v, err := op(ctx, endpoint)
		switch attempt.Record(err) {
		case StateSucceeded:
			if attempt.Calls() > 1 {
				record(name, "backup_success")
				observ.Log("source_failover_success", map[string]any{"source": name})
			}
			return v, nil

		case StateBackup:
			observ.Warn("source_failover", map[string]any{
				"source":         name,
				"original_error": err.Error(),
			})
			if backup == nil {
				attempt.fail(fmt.Errorf("%w: no backup endpoint: %w", ErrSourceUnavailable, err))
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				attempt.fail(fmt.Errorf("%w: %w", err, ctxErr))
				break
			}
			b, berr := backup()
			if berr != nil {
				attempt.fail(fmt.Errorf("%w: build backup: %v: %w", ErrSourceUnavailable, berr, err))
				break
			}
			endpoint = b
			continue
		}

		// StateFailed
		if attempt.Calls() > 1 || errors.Is(attempt.Err(), ErrSourceUnavailable) {
			record(name, "backup_failed")
		}
		return zero, attempt.Err()
	}
}

func record(name, outcome string) {
	observ.IncCounter("failover_total", map[string]string{"source": name, "outcome": outcome})
}
