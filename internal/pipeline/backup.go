package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"topicarchive/internal/archive"
	"topicarchive/internal/logging"
	"topicarchive/internal/progress"
	"topicarchive/internal/record"
	"topicarchive/internal/telemetry"
	"topicarchive/internal/tracker"
)

// Batch is an ordered group of records handed from drain to pack.
type Batch []record.Record

// Result summarizes a finished run.
type Result struct {
	Path       string
	Records    int64
	Bytes      int64
	Partitions int
}

// Backup drains every partition of topic up to the high watermark observed
// at start and writes the records to a new gzip archive at path.
//
// The archive must not exist. The topic is looked up and the file created
// before any stage starts, so those failures leave nothing behind.
func Backup(ctx context.Context, src tracker.Source, topic, path string, opts Options, prog *progress.Aggregator) (Result, error) {
	opts = opts.withDefaults()
	if prog == nil {
		prog = progress.New()
	}
	if err := archive.ValidateLevel(opts.Level); err != nil {
		return Result{}, err
	}
	path = archive.ResolvePath(path)
	if err := archive.CheckAbsent(path); err != nil {
		return Result{}, err
	}

	tr := tracker.New(src, topic)
	marks, err := tr.Snapshot()
	if err != nil {
		return Result{}, fmt.Errorf("snapshot %s: %w", topic, err)
	}
	for _, w := range marks {
		prog.RegisterPartition(w.Partition, w.Begin, w.End)
	}
	if err := tr.AssignFromBeginning(); err != nil {
		return Result{}, fmt.Errorf("assign %s: %w", topic, err)
	}

	w, err := archive.Create(path, opts.Level)
	if err != nil {
		return Result{}, err
	}

	b := &backup{topic: topic, tr: tr, opts: opts, prog: prog, w: w, log: logging.With("backup")}
	batches := make(chan Batch, opts.ChannelDepth)
	frames := make(chan []byte, opts.ChannelDepth)

	r := NewRunner("backup")
	r.Add("drain", func(ctx context.Context) error { return b.drain(ctx, batches) })
	r.Add("pack", func(ctx context.Context) error { return b.pack(ctx, batches, frames) })
	r.Add("sink", func(ctx context.Context) error { return b.sink(ctx, frames) })

	b.log.Info("backup started", "topic", topic, "file", path, "partitions", len(marks), "level", opts.Level)
	err = r.Run(ctx)
	res := Result{Path: path, Records: b.records, Bytes: w.BytesWritten(), Partitions: len(marks)}
	if err != nil {
		return res, err
	}
	prog.Finish()
	b.log.Info("backup finished", "topic", topic, "file", path, "records", res.Records, "bytes", res.Bytes)
	return res, nil
}

type backup struct {
	topic string
	tr    *tracker.Tracker
	opts  Options
	prog  *progress.Aggregator
	w     *archive.Writer
	log   *slog.Logger

	// written by drain only, read after Run returns
	records int64
}

// drain polls records until every partition reached its watermark. A batch
// is sent when full, when a partition finishes, or when a poll times out.
func (b *backup) drain(ctx context.Context, out chan<- Batch) error {
	defer close(out)
	batch := make(Batch, 0, b.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := send(ctx, out, batch); err != nil {
			return err
		}
		batch = make(Batch, 0, b.opts.BatchSize)
		return nil
	}

	for !b.tr.AllDone() {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, finished, err := b.tr.Poll(b.opts.PollTimeout)
		if err != nil {
			return fmt.Errorf("poll %s: %w", b.topic, err)
		}
		if msg == nil {
			if err := flush(); err != nil {
				return err
			}
			continue
		}

		p := int32(msg.Partition)
		batch = append(batch, msg.Record)
		b.records++
		b.prog.Update(p, msg.Offset)
		telemetry.BackupRecords.WithLabelValues(b.topic, strconv.Itoa(int(p))).Inc()

		if finished {
			b.prog.MarkPartitionFinished(p)
			telemetry.PartitionsFinished.WithLabelValues(b.topic).Inc()
			b.log.Info("partition drained", "topic", b.topic, "partition", p, "offset", msg.Offset, "partitions_left", b.tr.Remaining())
		}
		if finished || len(batch) >= b.opts.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// pack turns each batch into one buffer of concatenated frames.
func (b *backup) pack(ctx context.Context, in <-chan Batch, out chan<- []byte) error {
	defer close(out)
	hint := 0
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

		size := 0
		for _, r := range batch {
			size += archive.FrameLen(r)
		}
		hint = max(hint, size)
		buf := make([]byte, 0, hint)
		for _, r := range batch {
			buf = archive.AppendFrame(buf, r)
		}
		telemetry.BackupBatches.WithLabelValues(b.topic).Inc()
		if err := send(ctx, out, buf); err != nil {
			return err
		}
	}
}

// sink writes frame buffers through the compressor and closes the archive
// once the input is exhausted.
func (b *backup) sink(ctx context.Context, in <-chan []byte) (err error) {
	defer func() {
		before := b.w.BytesWritten()
		if cerr := b.w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", b.w.Path(), cerr)
		}
		n := b.w.BytesWritten()
		b.prog.SetBytes(n)
		telemetry.BackupBytes.WithLabelValues(b.topic).Add(float64(n - before))
	}()
	for {
		select {
		case buf, ok := <-in:
			if !ok {
				return nil
			}
			before := b.w.BytesWritten()
			if _, err := b.w.Write(buf); err != nil {
				return fmt.Errorf("write %s: %w", b.w.Path(), err)
			}
			n := b.w.BytesWritten()
			b.prog.SetBytes(n)
			telemetry.BackupBytes.WithLabelValues(b.topic).Add(float64(n - before))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
