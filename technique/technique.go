// Package technique is a small helper library for Adapter authors
// whose devices run a multi-step procedure (an electrochemistry
// technique, a calibration sweep, a long firmware operation) inside a
// single Execute call. Run issues a start call, polls the device for
// progress until it reports a terminal outcome, and attempts one
// partial-data recovery on error before surfacing the device's last
// error — entirely inside the caller's Execute, never touching queue
// state.
//
// Grounded on spec.md 4.H and the completion-polling shape of the
// teacher's io_uring wait loop (internal/uring's WaitForCompletion,
// since deleted: loop issuing a check, sleeping briefly, until a
// terminal condition), generalized from "poll a completion queue" to
// "poll a device-side state machine." Deliberately not a second
// scheduler: adapter/echem calls Run from inside its own Execute;
// adapter/powersupply does not use this package, since each of its
// commands is a single register round trip.
package technique

import (
	"context"
	"errors"
	"time"
)

// Phase is the device-reported state of a running technique.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseCompleted
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Poll is a single device-side query: issue a status check and report
// back the current phase, an optional data point to hand to the
// caller's progress callback, and any communication error.
type Poll struct {
	Phase    Phase
	Progress float64
	Data     any
	Err      error
}

// Device is the minimal capability a technique-driven adapter exposes
// to Run: start the procedure, poll it, and (on error) attempt to pull
// back whatever partial data the device still has buffered.
type Device interface {
	// Start begins the technique. Returning an error aborts Run before
	// any polling begins.
	Start(ctx context.Context) error

	// Poll performs one status check. Run calls it repeatedly until
	// Phase is PhaseCompleted or PhaseError.
	Poll(ctx context.Context) Poll

	// RecoverPartial is called exactly once, after a PhaseError poll,
	// to attempt pulling back any partial data the device buffered
	// before failing. A nil return means no partial data is available.
	RecoverPartial(ctx context.Context) (any, error)
}

// Config parameterizes a Run call.
type Config struct {
	Device Device

	// PollInterval is the delay between successive polls. Zero or
	// negative selects 100ms.
	PollInterval time.Duration

	// OnProgress, if set, is invoked on every PhaseRunning poll with
	// the reported progress and data. Called synchronously on the
	// caller's goroutine; must not block.
	OnProgress func(progress float64, data any)
}

// Result is what Run hands back to the adapter's Execute once the
// technique reaches a terminal phase.
type Result struct {
	Phase   Phase
	Data    any
	Partial bool // true if Data came from RecoverPartial after an error
}

// ErrPollFailed wraps a communication error encountered while polling,
// distinct from the device reporting PhaseError on its own terms.
var ErrPollFailed = errors.New("technique: poll failed")

// Run starts cfg.Device and loops poll/sleep until it reports
// PhaseCompleted or PhaseError, honoring ctx cancellation between
// polls. On PhaseError it attempts one RecoverPartial call before
// returning the device's error; a successful recovery still returns
// an error (the technique did fail) but Result.Partial is true and
// Result.Data carries whatever was recovered.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	if err := cfg.Device.Start(ctx); err != nil {
		return Result{Phase: PhaseError}, err
	}

	for {
		select {
		case <-ctx.Done():
			return Result{Phase: PhaseError}, ctx.Err()
		default:
		}

		poll := cfg.Device.Poll(ctx)
		if poll.Err != nil {
			return Result{Phase: PhaseError}, errors.Join(ErrPollFailed, poll.Err)
		}

		switch poll.Phase {
		case PhaseCompleted:
			return Result{Phase: PhaseCompleted, Data: poll.Data}, nil
		case PhaseError:
			partial, recoverErr := cfg.Device.RecoverPartial(ctx)
			res := Result{Phase: PhaseError, Data: partial, Partial: partial != nil}
			if recoverErr != nil {
				return res, recoverErr
			}
			return res, errors.New("technique: device reported an error")
		case PhaseRunning:
			if cfg.OnProgress != nil {
				cfg.OnProgress(poll.Progress, poll.Data)
			}
		}

		select {
		case <-ctx.Done():
			return Result{Phase: PhaseError}, ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}
}
