package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransient
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Result is the outcome of a bounded operation.
type Result struct {
	Attempts int
	Kind     ErrorKind
	Err      error
}

func (r Result) OK() bool {
	return r.Kind == KindNone
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Classify maps an error to the kind the retry loops act on.
func Classify(err error) ErrorKind {
	var perm permanentError
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &perm),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindPermanent
	default:
		return KindTransient
	}
}

type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

type Upserter interface {
	Upsert(ctx context.Context, points []IndexPoint) error
}

// UpsertWithRetry re-sends the full batch until it succeeds, a permanent error
// occurs or the policy's attempts are used up.
func UpsertWithRetry(ctx context.Context, u Upserter, points []IndexPoint, policy RetryPolicy) Result {
	attempts := max(policy.Attempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = u.Upsert(ctx, points)
		kind := Classify(err)
		if kind == KindNone {
			return Result{Attempts: attempt, Kind: KindNone}
		}
		if kind == KindPermanent {
			return Result{Attempts: attempt, Kind: kind, Err: err}
		}
		slog.WarnContext(ctx, "upsert attempt failed", "attempt", attempt, "max_attempts", attempts, "points", len(points), "error", err)
		if attempt == attempts {
			break
		}
		if policy.Delay > 0 {
			select {
			case <-ctx.Done():
				return Result{Attempts: attempt, Kind: KindPermanent, Err: ctx.Err()}
			case <-time.After(policy.Delay):
			}
		}
	}
	return Result{Attempts: attempts, Kind: KindTransient, Err: err}
}
