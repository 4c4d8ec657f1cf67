package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"topicarchive/internal/logging"
)

// StageFunc runs until its input is exhausted, ctx is cancelled, or it
// fails. A stage that owns an outbound channel must close it on return.
type StageFunc func(ctx context.Context) error

type stage struct {
	name string
	run  StageFunc
}

// Runner starts every stage in its own goroutine and waits for all of them.
// The first failing stage cancels the context shared by the others.
type Runner struct {
	name   string
	stages []stage
	log    *slog.Logger
}

func NewRunner(name string) *Runner {
	return &Runner{name: name, log: logging.With("pipeline").With("run", name)}
}

func (r *Runner) Add(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, run: fn})
}

// Stages returns the stage names in start order.
func (r *Runner) Stages() []string {
	out := make([]string, len(r.stages))
	for i, s := range r.stages {
		out[i] = s.name
	}
	return out
}

func (r *Runner) Run(ctx context.Context) error {
	if len(r.stages) == 0 {
		return errors.New("runner: no stages configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range r.stages {
		s := s
		g.Go(func() error {
			start := time.Now()
			r.log.Debug("stage started", "stage", s.name)
			err := s.run(gctx)
			switch {
			case err == nil:
				r.log.Debug("stage finished", "stage", s.name, "elapsed", time.Since(start))
			case errors.Is(err, context.Canceled) && gctx.Err() != nil:
				r.log.Debug("stage cancelled", "stage", s.name)
			default:
				r.log.Error("stage failed", "stage", s.name, "err", err)
			}
			return err
		})
	}
	return g.Wait()
}

// send blocks until v is delivered or ctx ends.
func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
