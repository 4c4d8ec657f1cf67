package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"topicarchive/internal/broker"
	"topicarchive/internal/record"
)

// fakeTopic is an in-memory broker. Each partition starts at offset 0 and
// its high watermark is the number of records it was created with; records
// added later with appendLate sit past the watermark.
type fakeTopic struct {
	name string

	mu       sync.Mutex
	order    []int32
	recs     map[int32][]record.Record
	hw       map[int32]int64
	cursor   map[int32]int
	assigned map[int32]bool
	paused   map[int32]bool
	next     int

	polled atomic.Int64
	onPoll func(*broker.Message) // called before a record is handed out
}

func newFakeTopic(name string, counts ...int) *fakeTopic {
	f := &fakeTopic{
		name:     name,
		recs:     map[int32][]record.Record{},
		hw:       map[int32]int64{},
		cursor:   map[int32]int{},
		assigned: map[int32]bool{},
		paused:   map[int32]bool{},
	}
	for i, n := range counts {
		p := int32(i)
		f.order = append(f.order, p)
		for j := 0; j < n; j++ {
			f.recs[p] = append(f.recs[p], testRecord(p, j))
		}
		f.hw[p] = int64(n)
	}
	return f
}

func testRecord(p int32, j int) record.Record {
	r := record.Record{Value: []byte(fmt.Sprintf("p%d-%d", p, j)), Partition: uint32(p)}
	if j%2 == 0 {
		r.Key = []byte(fmt.Sprintf("k%d", j))
	}
	if j == 0 {
		r.Headers = [][]byte{record.EncodeHeader(record.Header{Key: []byte("origin"), Value: []byte("test")})}
	}
	return r
}

func (f *fakeTopic) appendLate(p int32, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := len(f.recs[p])
	for j := 0; j < n; j++ {
		f.recs[p] = append(f.recs[p], testRecord(p, base+j))
	}
}

func (f *fakeTopic) Partitions(topic string) ([]int32, error) {
	if topic != f.name {
		return nil, broker.ErrTopicNotFound
	}
	return f.order, nil
}

func (f *fakeTopic) Watermarks(_ string, p int32) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return 0, f.hw[p], nil
}

func (f *fakeTopic) Assign(_ string, ps []int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range ps {
		f.assigned[p] = true
	}
	return nil
}

func (f *fakeTopic) Pause(_ string, p int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.assigned[p] {
		return broker.ErrNotAssigned
	}
	f.paused[p] = true
	return nil
}

// Poll round-robins over assigned, unpaused partitions.
func (f *fakeTopic) Poll(timeout time.Duration) (*broker.Message, error) {
	f.mu.Lock()
	for i := range f.order {
		idx := (f.next + i) % len(f.order)
		p := f.order[idx]
		if !f.assigned[p] || f.paused[p] || f.cursor[p] >= len(f.recs[p]) {
			continue
		}
		off := f.cursor[p]
		f.cursor[p]++
		f.next = (idx + 1) % len(f.order)
		m := &broker.Message{Offset: int64(off), Record: f.recs[p][off]}
		f.mu.Unlock()
		f.polled.Add(1)
		if f.onPoll != nil {
			f.onPoll(m)
		}
		return m, nil
	}
	f.mu.Unlock()
	time.Sleep(min(timeout, time.Millisecond))
	return nil, nil
}

// fakePublisher records what was published, per partition, in order.
type fakePublisher struct {
	mu        sync.Mutex
	got       map[uint32][]record.Record
	queueFull int // rejections left before accepting
	rejected  int
	failAfter int // fail with errFail once this many records were accepted; 0 = never
	flushed   int
}

var errFail = errors.New("delivery failed")

func newFakePublisher() *fakePublisher {
	return &fakePublisher{got: map[uint32][]record.Record{}}
}

func (f *fakePublisher) Publish(_ string, r record.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueFull > 0 {
		f.queueFull--
		f.rejected++
		return broker.ErrQueueFull
	}
	if f.failAfter > 0 && f.total() >= f.failAfter {
		return errFail
	}
	f.got[r.Partition] = append(f.got[r.Partition], r)
	return nil
}

func (f *fakePublisher) Flush(time.Duration) error {
	f.mu.Lock()
	f.flushed++
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) total() int {
	n := 0
	for _, rs := range f.got {
		n += len(rs)
	}
	return n
}

func (f *fakePublisher) values(p uint32) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.got[p]))
	for _, r := range f.got[p] {
		out = append(out, string(r.Value))
	}
	return out
}
