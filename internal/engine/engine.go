package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"topicarchive/internal/broker"
	"topicarchive/internal/config"
	"topicarchive/internal/pipeline"
	"topicarchive/internal/progress"
	"topicarchive/internal/telemetry"
	"topicarchive/internal/transport"
)

type Mode string

const (
	ModeBackup  Mode = "backup"
	ModeRestore Mode = "restore"
)

func (m Mode) service() string {
	if m == ModeRestore {
		return transport.RestoreService
	}
	return transport.BackupService
}

type Engine struct {
	cfg config.Config
	log *slog.Logger

	transport *transport.Server
	metrics   *http.Server
	closeOnce sync.Once
}

// Run performs one backup or restore against the configured cluster.
func (e *Engine) Run(ctx context.Context, mode Mode) (res pipeline.Result, err error) {
	if e.transport != nil {
		e.transport.SetServing(mode.service(), true)
		defer e.transport.SetServing(mode.service(), false)
	}

	prog := progress.New()
	if iv := e.cfg.Pipeline.ProgressInterval; iv > 0 {
		rep := progress.NewReporter(prog, string(mode), iv)
		rep.Start(ctx)
		defer rep.Stop()
	}

	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		telemetry.RunDuration.WithLabelValues(string(mode), outcome).Observe(time.Since(start).Seconds())
	}()

	switch mode {
	case ModeBackup:
		return e.backup(ctx, prog)
	case ModeRestore:
		return e.restore(ctx, prog)
	}
	return res, fmt.Errorf("engine: unknown mode %q", mode)
}

func (e *Engine) backup(ctx context.Context, prog *progress.Aggregator) (res pipeline.Result, err error) {
	cons, err := broker.NewConsumer(e.cfg.Kafka)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := cons.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close consumer: %w", cerr)).ErrorOrNil()
		}
	}()
	return pipeline.Backup(ctx, cons, e.cfg.Topic, e.cfg.File, e.options(), prog)
}

func (e *Engine) restore(ctx context.Context, prog *progress.Aggregator) (res pipeline.Result, err error) {
	prod, err := broker.NewProducer(e.cfg.Kafka)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := prod.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close producer: %w", cerr)).ErrorOrNil()
		}
	}()
	return pipeline.Restore(ctx, prod, e.cfg.Topic, e.cfg.File, e.options(), prog)
}

func (e *Engine) options() pipeline.Options {
	return Options(e.cfg.Pipeline)
}

// Options converts the pipeline section of the configuration. A channel
// depth of 0 in configuration means an unbuffered hand-off.
func Options(p config.Pipeline) pipeline.Options {
	depth := p.ChannelDepth
	if depth == 0 {
		depth = -1
	}
	return pipeline.Options{
		BatchSize:     p.BatchSize,
		ChannelDepth:  depth,
		PollTimeout:   p.PollTimeout,
		RetryInterval: p.RetryInterval,
		FlushTimeout:  p.FlushTimeout,
		Workers:       p.Workers,
		Level:         p.Level,
	}
}

// Close stops the side servers. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.transport != nil {
			e.transport.Stop()
		}
		if e.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.metrics.Shutdown(ctx); err != nil {
				e.log.Warn("metrics shutdown", "err", err)
			}
		}
	})
}
