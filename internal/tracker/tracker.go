// Package tracker decides when a topic has been fully drained.
//
// The high watermark of every partition is captured once, before reading
// starts. A partition is done when the record just below that watermark has
// been read (or immediately, when the partition was empty); from then on
// the broker is told to stop fetching it and any record at or past the
// watermark is discarded. Records produced after the snapshot are never
// archived.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"topicarchive/internal/broker"
	"topicarchive/internal/logging"
)

var ErrTopicNotFound = errors.New("tracker: topic has no partitions")

// Source is the broker surface the tracker drives.
type Source interface {
	Partitions(topic string) ([]int32, error)
	Watermarks(topic string, partition int32) (low, high int64, err error)
	Assign(topic string, partitions []int32) error
	Pause(topic string, partition int32) error
	Poll(timeout time.Duration) (*broker.Message, error)
}

// Watermark is the snapshotted offset range of a partition; End is
// exclusive.
type Watermark struct {
	Partition int32
	Begin     int64
	End       int64
}

// Empty reports whether the partition had nothing to read at snapshot time.
func (w Watermark) Empty() bool { return w.Begin >= w.End }

// Count is the number of records between Begin and End.
func (w Watermark) Count() int64 {
	if w.Empty() {
		return 0
	}
	return w.End - w.Begin
}

type partitionState struct {
	lastSeen int64
	paused   bool
}

// Tracker wraps a Source. Poll is meant to be driven by a single goroutine;
// AllDone, Done and Remaining may be read from anywhere.
type Tracker struct {
	src   Source
	topic string

	marks []Watermark
	index map[int32]int

	mu     sync.RWMutex
	states map[int32]*partitionState
	active atomic.Int32
}

func New(src Source, topic string) *Tracker {
	return &Tracker{src: src, topic: topic}
}

// Snapshot records the watermarks of every partition of the topic. Empty
// partitions are paused right away.
func (t *Tracker) Snapshot() ([]Watermark, error) {
	parts, err := t.src.Partitions(t.topic)
	if err != nil {
		if errors.Is(err, broker.ErrTopicNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, t.topic)
		}
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, t.topic)
	}
	parts = append([]int32(nil), parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })

	marks := make([]Watermark, 0, len(parts))
	index := make(map[int32]int, len(parts))
	states := make(map[int32]*partitionState, len(parts))
	var active int32
	for _, p := range parts {
		low, high, err := t.src.Watermarks(t.topic, p)
		if err != nil {
			return nil, err
		}
		w := Watermark{Partition: p, Begin: low, End: high}
		index[p] = len(marks)
		marks = append(marks, w)
		states[p] = &partitionState{lastSeen: low - 1, paused: w.Empty()}
		if !w.Empty() {
			active++
		}
	}

	t.mu.Lock()
	t.marks, t.index, t.states = marks, index, states
	t.mu.Unlock()
	t.active.Store(active)

	logging.With("tracker").Info("watermarks captured", "topic", t.topic, "partitions", len(marks), "active", active)
	return t.Watermarks(), nil
}

// AssignFromBeginning subscribes to every partition at its oldest offset and
// pauses the ones that were empty at snapshot time.
func (t *Tracker) AssignFromBeginning() error {
	if t.marks == nil {
		return errors.New("tracker: assign before snapshot")
	}
	parts := make([]int32, len(t.marks))
	for i, w := range t.marks {
		parts[i] = w.Partition
	}
	if err := t.src.Assign(t.topic, parts); err != nil {
		return err
	}
	for _, w := range t.marks {
		if w.Empty() {
			if err := t.src.Pause(t.topic, w.Partition); err != nil {
				return err
			}
		}
	}
	return nil
}

// Poll returns the next record within timeout, or nil if none arrived. The
// bool is true when this record completed its partition.
func (t *Tracker) Poll(timeout time.Duration) (*broker.Message, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
		msg, err := t.src.Poll(wait)
		if err != nil {
			return nil, false, err
		}
		if msg == nil {
			return nil, false, nil
		}

		p := int32(msg.Partition)
		t.mu.Lock()
		st, ok := t.states[p]
		if !ok || st.paused || msg.Offset >= t.marks[t.index[p]].End {
			t.mu.Unlock()
			if time.Now().After(deadline) {
				return nil, false, nil
			}
			continue
		}
		st.lastSeen = msg.Offset
		finished := msg.Offset+1 >= t.marks[t.index[p]].End
		if finished {
			st.paused = true
		}
		t.mu.Unlock()

		if finished {
			if err := t.src.Pause(t.topic, p); err != nil {
				return nil, false, err
			}
			left := t.active.Add(-1)
			logging.With("tracker").Debug("partition reached end", "topic", t.topic, "partition", p, "offset", msg.Offset, "remaining", left)
		}
		return msg, finished, nil
	}
}

// AllDone reports whether every partition reached its snapshotted end.
func (t *Tracker) AllDone() bool { return t.active.Load() <= 0 }

// Remaining is the number of partitions still being read.
func (t *Tracker) Remaining() int { return int(t.active.Load()) }

// Done reports whether partition p is paused.
func (t *Tracker) Done(p int32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[p]
	return ok && st.paused
}

// lastSeen returns the last offset read from p, or Begin-1 before any.
func (t *Tracker) lastSeen(p int32) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[p]
	if !ok {
		return 0, false
	}
	return st.lastSeen, true
}

func (t *Tracker) Watermarks() []Watermark {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Watermark(nil), t.marks...)
}
