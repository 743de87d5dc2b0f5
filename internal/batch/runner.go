// Package batch drains queues of pending work in bounded lots.
package batch

import (
	"context"
	"fmt"
	"time"

	"cotamatch/internal/apperr"
)

type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeCapExceeded Outcome = "cap_exceeded"
	OutcomeFailed      Outcome = "failed"
)

// LotResult is what one lot reports. Processed and Failed count units inside the lot; a per-unit
// failure never turns into a lot error.
type LotResult struct {
	Done      bool `json:"done"`
	Processed int  `json:"processados"`
	Failed    int  `json:"falhas"`
	Remaining int  `json:"restantes"`
}

type LotFunc func(ctx context.Context) (LotResult, error)

type Options struct {
	MaxIterations int
	InterLotDelay time.Duration
}

func DefaultOptions() Options {
	return Options{MaxIterations: 100, InterLotDelay: time.Second}
}

type Report struct {
	Outcome    Outcome `json:"resultado"`
	Iterations int     `json:"iteracoes"`
	Processed  int     `json:"processados"`
	Failed     int     `json:"falhas"`
	Remaining  int     `json:"restantes"`
	Error      string  `json:"erro,omitempty"`
	cause      error
}

// Err is nil for done, ErrCapExceeded when the loop stopped at its cap and the lot error otherwise.
func (r Report) Err() error {
	switch r.Outcome {
	case OutcomeDone:
		return nil
	case OutcomeCapExceeded:
		return fmt.Errorf("%d lots, %d remaining: %w", r.Iterations, r.Remaining, apperr.ErrCapExceeded)
	default:
		return r.cause
	}
}

// RunUntilDrained calls lot until it reports done or MaxIterations lots have run, sleeping
// InterLotDelay between lots. A lot error stops the loop at once and is never retried.
func RunUntilDrained(ctx context.Context, lot LotFunc, opts Options) Report {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}

	var rep Report
	for rep.Iterations < opts.MaxIterations {
		res, err := lot(ctx)
		rep.Iterations++
		if err != nil {
			return rep.failed(err)
		}
		rep.Processed += res.Processed
		rep.Failed += res.Failed
		rep.Remaining = res.Remaining
		if res.Done {
			rep.Outcome = OutcomeDone
			return rep
		}
		if rep.Iterations == opts.MaxIterations {
			break
		}
		if err := sleep(ctx, opts.InterLotDelay); err != nil {
			return rep.failed(err)
		}
	}
	rep.Outcome = OutcomeCapExceeded
	return rep
}

func (r Report) failed(err error) Report {
	r.Outcome = OutcomeFailed
	r.cause = err
	r.Error = apperr.PublicMessage(err)
	return r
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
