package progress

import (
	"context"
	"log/slog"
	"time"

	"topicarchive/internal/logging"
)

// Reporter periodically logs an Aggregator snapshot.
type Reporter struct {
	agg      *Aggregator
	label    string
	interval time.Duration
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
}

func NewReporter(agg *Aggregator, label string, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{
		agg:      agg,
		label:    label,
		interval: interval,
		log:      logging.With("progress"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start logs a line every interval until Stop is called or ctx ends.
func (r *Reporter) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		t := time.NewTicker(r.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.emit("progress")
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the ticker and logs a final line.
func (r *Reporter) Stop() {
	select {
	case <-r.stop:
		return
	default:
		close(r.stop)
	}
	<-r.done
	r.emit("summary")
}

func (r *Reporter) emit(msg string) {
	s := r.agg.Snapshot()
	attrs := []any{
		"run", r.label,
		"partitions_done", s.PartitionsFinished,
		"partitions", len(s.Partitions),
		"records", s.Records,
		"percent", int(s.Fraction() * 100),
		"bytes", s.Bytes,
	}
	if s.RecordsTotal > 0 {
		attrs = append(attrs, "records_total", s.RecordsTotal)
	}
	if s.BytesTotal > 0 {
		attrs = append(attrs, "bytes_total", s.BytesTotal)
	}
	r.log.Info(msg, attrs...)
	for _, p := range s.Partitions {
		r.log.Debug("partition", "run", r.label, "partition", p.ID, "offset", p.Current, "processed", p.Processed, "total", p.Total(), "finished", p.Finished)
	}
}
