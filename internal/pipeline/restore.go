package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"topicarchive/internal/archive"
	"topicarchive/internal/broker"
	"topicarchive/internal/logging"
	"topicarchive/internal/progress"
	"topicarchive/internal/record"
	"topicarchive/internal/telemetry"
)

// Publisher is the producer surface Restore drives. Publish returns
// broker.ErrQueueFull when the record should be retried later.
type Publisher interface {
	Publish(topic string, r record.Record) error
	Flush(timeout time.Duration) error
}

// Restore replays every record of the archive at path into topic, each on
// the partition it was read from. Records of one partition keep their
// archived order.
func Restore(ctx context.Context, pub Publisher, topic, path string, opts Options, prog *progress.Aggregator) (Result, error) {
	opts = opts.withDefaults()
	if prog == nil {
		prog = progress.New()
	}
	path = archive.ResolvePath(path)
	rd, err := archive.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer rd.Close()
	prog.SetTotalBytes(rd.Size())

	rs := &restore{topic: topic, path: path, opts: opts, prog: prog, rd: rd}
	batches := make(chan Batch, opts.ChannelDepth)

	r := NewRunner("restore")
	r.Add("source", func(ctx context.Context) error { return rs.source(ctx, batches) })
	if opts.Workers == 1 {
		r.Add("replay", func(ctx context.Context) error { return rs.replay(ctx, pub, batches, 0) })
	} else {
		shards := make([]chan Batch, opts.Workers)
		for i := range shards {
			shards[i] = make(chan Batch, opts.ChannelDepth)
		}
		r.Add("dispatch", func(ctx context.Context) error { return rs.dispatch(ctx, batches, shards) })
		for i, ch := range shards {
			i, ch := i, ch
			r.Add("replay-"+strconv.Itoa(i), func(ctx context.Context) error { return rs.replay(ctx, pub, ch, i) })
		}
	}

	logging.With("restore").Info("restore started", "topic", topic, "file", path, "bytes", rd.Size(), "workers", opts.Workers)
	err = r.Run(ctx)
	if err == nil {
		if ferr := pub.Flush(opts.FlushTimeout); ferr != nil {
			err = fmt.Errorf("flush %s: %w", topic, ferr)
		}
	}
	res := Result{Path: path, Records: rs.published.Load(), Bytes: rd.BytesRead()}
	if err != nil {
		return res, err
	}
	prog.SetBytes(rd.BytesRead())
	prog.Finish()
	logging.With("restore").Info("restore finished", "topic", topic, "file", path, "records", res.Records)
	return res, nil
}

type restore struct {
	topic string
	path  string
	opts  Options
	prog  *progress.Aggregator
	rd    *archive.Reader

	published atomic.Int64
}

// source reads frames, decodes them, and emits batches. A stream cut short
// inside a frame ends the input; everything before the cut is replayed.
func (rs *restore) source(ctx context.Context, out chan<- Batch) error {
	defer close(out)
	batch := make(Batch, 0, rs.opts.BatchSize)
	var lastBytes int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := rs.rd.Next()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				logging.With("restore").Warn("archive truncated; replaying intact frames", "file", rs.path, "bytes_read", rs.rd.BytesRead(), "size", rs.rd.Size())
				err = io.EOF
			}
			if errors.Is(err, io.EOF) {
				if len(batch) > 0 {
					return send(ctx, out, batch)
				}
				return nil
			}
			return fmt.Errorf("read %s: %w", rs.path, err)
		}

		rec, err := record.Decode(payload)
		if err != nil {
			return fmt.Errorf("decode frame in %s: %w", rs.path, err)
		}
		batch = append(batch, rec)

		if n := rs.rd.BytesRead(); n != lastBytes {
			rs.prog.AddBytes(n - lastBytes)
			telemetry.RestoreBytes.WithLabelValues(rs.topic).Add(float64(n - lastBytes))
			lastBytes = n
		}
		if len(batch) >= rs.opts.BatchSize {
			if err := send(ctx, out, batch); err != nil {
				return err
			}
			batch = make(Batch, 0, rs.opts.BatchSize)
		}
	}
}

// dispatch splits batches by partition so that one worker owns each
// partition and its order is kept.
func (rs *restore) dispatch(ctx context.Context, in <-chan Batch, shards []chan Batch) error {
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
	}()
	n := uint32(len(shards))
	for {
		var batch Batch
		select {
		case v, ok := <-in:
			if !ok {
				return nil
			}
			batch = v
		case <-ctx.Done():
			return ctx.Err()
		}

		split := make([]Batch, n)
		for _, r := range batch {
			i := r.Partition % n
			split[i] = append(split[i], r)
		}
		for i, sub := range split {
			if len(sub) == 0 {
				continue
			}
			if err := send(ctx, shards[i], sub); err != nil {
				return err
			}
		}
	}
}

// replay publishes each record in order, waiting and retrying the same
// record for as long as the producer reports a full queue.
func (rs *restore) replay(ctx context.Context, pub Publisher, in <-chan Batch, worker int) error {
	published := telemetry.RestoreRecords.WithLabelValues(rs.topic, strconv.Itoa(worker))
	retries := telemetry.RestoreRetries.WithLabelValues(rs.topic)
	for {
		var batch Batch
		select {
		case v, ok := <-in:
			if !ok {
				return nil
			}
			batch = v
		case <-ctx.Done():
			return ctx.Err()
		}

		for _, r := range batch {
			for {
				err := pub.Publish(rs.topic, r)
				if err == nil {
					break
				}
				if !errors.Is(err, broker.ErrQueueFull) {
					return fmt.Errorf("publish to %s/%d: %w", rs.topic, r.Partition, err)
				}
				retries.Inc()
				if err := sleep(ctx, rs.opts.RetryInterval); err != nil {
					return err
				}
			}
			rs.published.Add(1)
			rs.prog.Published(int32(r.Partition))
			published.Inc()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
