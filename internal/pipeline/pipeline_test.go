package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"topicarchive/internal/archive"
	"topicarchive/internal/broker"
	"topicarchive/internal/progress"
	"topicarchive/internal/record"
	"topicarchive/internal/tracker"
)

var fastOpts = Options{BatchSize: 4, PollTimeout: 5 * time.Millisecond, RetryInterval: time.Millisecond}

func expectedValues(p int32, n int) []string {
	out := make([]string, n)
	for j := range out {
		out[j] = fmt.Sprintf("p%d-%d", p, j)
	}
	return out
}

func readFrames(t *testing.T, path string) []record.Record {
	t.Helper()
	rd, err := archive.Open(path)
	require.NoError(t, err)
	defer rd.Close()
	var out []record.Record
	for {
		payload, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		r, err := record.Decode(payload)
		require.NoError(t, err)
		out = append(out, r)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := newFakeTopic("orders", 9, 0, 1)
	path := filepath.Join(t.TempDir(), "orders.gz")
	prog := progress.New()

	res, err := Backup(context.Background(), src, "orders", path, fastOpts, prog)
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Records)
	require.Equal(t, 3, res.Partitions)

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, st.Size(), res.Bytes, "byte count must match the compressed file")

	snap := prog.Snapshot()
	require.True(t, snap.Finished)
	require.Equal(t, 3, snap.PartitionsFinished)
	require.Equal(t, int64(10), snap.Records)

	pub := newFakePublisher()
	rres, err := Restore(context.Background(), pub, "orders-copy", path, fastOpts, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10), rres.Records)
	require.Equal(t, 1, pub.flushed)

	require.Equal(t, expectedValues(0, 9), pub.values(0))
	require.Empty(t, pub.values(1))
	require.Equal(t, expectedValues(2, 1), pub.values(2))

	first := pub.got[0][0]
	require.Equal(t, "k0", string(first.Key))
	require.Len(t, first.Headers, 1)
	h, err := record.DecodeHeader(first.Headers[0])
	require.NoError(t, err)
	require.Equal(t, "origin", string(h.Key))
	require.Nil(t, pub.got[0][1].Key)
}

func TestBackupStopsAtSnapshotWatermark(t *testing.T) {
	// partition 0 holds offsets 0..2 at start, partition 1 is empty
	src := newFakeTopic("t", 3, 0)
	src.appendLate(0, 5)
	src.appendLate(1, 2)
	path := filepath.Join(t.TempDir(), "t.gz")
	prog := progress.New()

	// state of the aggregator each time a record is about to be read
	var seen []progress.Stats
	src.onPoll = func(*broker.Message) { seen = append(seen, prog.Snapshot()) }

	res, err := Backup(context.Background(), src, "t", path, fastOpts, prog)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Records)

	frames := readFrames(t, path)
	require.Len(t, frames, 3)
	for j, r := range frames {
		require.Equal(t, uint32(0), r.Partition)
		require.Equal(t, fmt.Sprintf("p0-%d", j), string(r.Value))
	}

	require.Len(t, seen, 3)
	for off, snap := range seen {
		require.Len(t, snap.Partitions, 2)
		p0, p1 := snap.Partitions[0], snap.Partitions[1]
		require.True(t, p1.Finished, "empty partition must be finished before offset %d is read", off)
		require.False(t, p0.Finished, "partition 0 finished before offset %d was read", off)
		require.Equal(t, int64(off-1), p0.Current)
	}

	snap := prog.Snapshot()
	p0, p1 := snap.Partitions[0], snap.Partitions[1]
	require.True(t, p0.Finished)
	require.Equal(t, int64(2), p0.Current)
	require.Equal(t, int64(3), p0.Processed)
	require.True(t, p1.Finished)
	require.Zero(t, p1.Processed)
}

func TestBackupSingleMessagePartition(t *testing.T) {
	src := newFakeTopic("t", 1)
	path := filepath.Join(t.TempDir(), "t.gz")

	res, err := Backup(context.Background(), src, "t", path, fastOpts, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Records)
	require.Len(t, readFrames(t, path), 1)
}

func TestBackupEmptyTopicWritesEmptyArchive(t *testing.T) {
	src := newFakeTopic("t", 0, 0)
	path := filepath.Join(t.TempDir(), "t.gz")

	res, err := Backup(context.Background(), src, "t", path, fastOpts, nil)
	require.NoError(t, err)
	require.Zero(t, res.Records)
	require.Empty(t, readFrames(t, path))
}

func TestBackupRefusesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.gz")

	_, err := Backup(context.Background(), newFakeTopic("t", 4), "t", path, fastOpts, nil)
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	src := newFakeTopic("t", 7)
	_, err = Backup(context.Background(), src, "t", path, fastOpts, nil)
	require.ErrorIs(t, err, archive.ErrFileExists)
	require.Zero(t, src.polled.Load(), "nothing may be read once the file exists")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestBackupUnknownTopicCreatesNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.gz")
	_, err := Backup(context.Background(), newFakeTopic("t", 1), "missing", path, fastOpts, nil)
	require.ErrorIs(t, err, tracker.ErrTopicNotFound)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestBackupAppendsGzExtension(t *testing.T) {
	base := filepath.Join(t.TempDir(), "t")
	res, err := Backup(context.Background(), newFakeTopic("t", 2), "t", base, fastOpts, nil)
	require.NoError(t, err)
	require.Equal(t, base+".gz", res.Path)

	pub := newFakePublisher()
	_, err = Restore(context.Background(), pub, "t", base, fastOpts, nil)
	require.NoError(t, err)
	require.Equal(t, expectedValues(0, 2), pub.values(0))
}

func TestCompressionLevelDoesNotChangeFrames(t *testing.T) {
	dir := t.TempDir()
	stored := filepath.Join(dir, "stored.gz")
	best := filepath.Join(dir, "best.gz")

	o := fastOpts
	o.Level = 0
	_, err := Backup(context.Background(), newFakeTopic("t", 5, 3), "t", stored, o, nil)
	require.NoError(t, err)
	o.Level = 9
	_, err = Backup(context.Background(), newFakeTopic("t", 5, 3), "t", best, o, nil)
	require.NoError(t, err)

	a, b := readFrames(t, stored), readFrames(t, best)
	require.Len(t, a, 8)
	require.Equal(t, len(a), len(b))
	for i := range a {
		require.Equal(t, record.Encode(a[i]), record.Encode(b[i]))
	}

	o.Level = 10
	_, err = Backup(context.Background(), newFakeTopic("t", 1), "t", filepath.Join(dir, "bad.gz"), o, nil)
	require.Error(t, err)
}

func TestDrainBlocksOnStalledConsumer(t *testing.T) {
	src := newFakeTopic("t", 100)
	tr := tracker.New(src, "t")
	_, err := tr.Snapshot()
	require.NoError(t, err)
	require.NoError(t, tr.AssignFromBeginning())

	opts := Options{BatchSize: 1, ChannelDepth: 1, PollTimeout: time.Millisecond}.withDefaults()
	b := &backup{topic: "t", tr: tr, opts: opts, prog: progress.New()}
	out := make(chan Batch, opts.ChannelDepth)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.drain(ctx, out) }()

	time.Sleep(50 * time.Millisecond)
	// one batch buffered, one held by the blocked send
	require.LessOrEqual(t, src.polled.Load(), int64(2))

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("drain did not stop after cancel")
	}
	_, ok := <-out
	require.True(t, ok, "buffered batch is still readable")
	_, ok = <-out
	require.False(t, ok, "drain closes its output on exit")
}

func TestRestoreRetriesQueueFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.gz")
	_, err := Backup(context.Background(), newFakeTopic("t", 6), "t", path, fastOpts, nil)
	require.NoError(t, err)

	pub := newFakePublisher()
	pub.queueFull = 5
	res, err := Restore(context.Background(), pub, "t", path, fastOpts, nil)
	require.NoError(t, err)
	require.Equal(t, int64(6), res.Records)
	require.Equal(t, 5, pub.rejected)
	require.Equal(t, expectedValues(0, 6), pub.values(0))
}

func TestRestoreWorkersKeepPartitionOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.gz")
	_, err := Backup(context.Background(), newFakeTopic("t", 20, 13, 0, 7), "t", path, fastOpts, nil)
	require.NoError(t, err)

	o := fastOpts
	o.Workers = 3
	pub := newFakePublisher()
	res, err := Restore(context.Background(), pub, "t", path, o, nil)
	require.NoError(t, err)
	require.Equal(t, int64(40), res.Records)
	require.Equal(t, expectedValues(0, 20), pub.values(0))
	require.Equal(t, expectedValues(1, 13), pub.values(1))
	require.Equal(t, expectedValues(3, 7), pub.values(3))
}

func TestRestorePublishErrorIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.gz")
	_, err := Backup(context.Background(), newFakeTopic("t", 10), "t", path, fastOpts, nil)
	require.NoError(t, err)

	pub := newFakePublisher()
	pub.failAfter = 3
	prog := progress.New()
	res, err := Restore(context.Background(), pub, "t", path, fastOpts, prog)
	require.ErrorIs(t, err, errFail)
	require.Zero(t, pub.flushed)

	// bytes are accumulated as frames are read, not only on success
	snap := prog.Snapshot()
	require.False(t, snap.Finished)
	require.Positive(t, snap.Bytes)
	require.Equal(t, res.Bytes, snap.Bytes)
}

func TestRestoreMissingFile(t *testing.T) {
	_, err := Restore(context.Background(), newFakePublisher(), "t", filepath.Join(t.TempDir(), "nope.gz"), fastOpts, nil)
	require.ErrorIs(t, err, archive.ErrFileNotFound)
}

func writeArchive(t *testing.T, path string, tail []byte, recs ...record.Record) {
	t.Helper()
	w, err := archive.Create(path, 6)
	require.NoError(t, err)
	var buf []byte
	for _, r := range recs {
		buf = archive.AppendFrame(buf, r)
	}
	buf = append(buf, tail...)
	_, err = w.Write(buf)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestRestoreMalformedFrameIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gz")
	garbage := binary.BigEndian.AppendUint64(nil, 3)
	garbage = append(garbage, 0xff, 0xff, 0xff)
	writeArchive(t, path, garbage, testRecord(0, 0))

	_, err := Restore(context.Background(), newFakePublisher(), "t", path, fastOpts, nil)
	require.ErrorIs(t, err, record.ErrMalformed)
}

func TestRestoreTruncatedTailReplaysIntactFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cut.gz")
	tail := binary.BigEndian.AppendUint64(nil, 100)
	tail = append(tail, 1, 2, 3, 4, 5)
	writeArchive(t, path, tail, testRecord(0, 0), testRecord(0, 1), testRecord(1, 0))

	pub := newFakePublisher()
	res, err := Restore(context.Background(), pub, "t", path, fastOpts, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Records)
	require.Equal(t, expectedValues(0, 2), pub.values(0))
	require.Equal(t, expectedValues(1, 1), pub.values(1))
}

func TestRestoreCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.gz")
	_, err := Backup(context.Background(), newFakeTopic("t", 3), "t", path, fastOpts, nil)
	require.NoError(t, err)

	pub := newFakePublisher()
	pub.queueFull = 1 << 30
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = Restore(ctx, pub, "t", path, fastOpts, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunnerReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRunner("test")
	r.Add("fails", func(context.Context) error { return boom })
	r.Add("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Equal(t, []string{"fails", "waits"}, r.Stages())
	require.ErrorIs(t, r.Run(context.Background()), boom)

	require.Error(t, NewRunner("empty").Run(context.Background()))
}
