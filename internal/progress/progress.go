// Package progress keeps per-partition counters for a running backup or
// restore. It does no I/O; the Reporter renders snapshots through slog.
package progress

import (
	"sort"
	"sync"
)

type Partition struct {
	ID        int32
	Begin     int64
	End       int64
	Current   int64
	Processed int64
	Finished  bool
	Ranged    bool // range registered up front
}

// Total is the number of records expected from the partition, or the number
// seen so far when no range was registered.
func (p Partition) Total() int64 {
	if p.Ranged {
		return p.End - p.Begin
	}
	return p.Processed
}

type Stats struct {
	Partitions         []Partition
	PartitionsFinished int
	Records            int64
	RecordsTotal       int64
	Bytes              int64
	BytesTotal         int64
	Finished           bool
}

// Fraction returns completion in [0,1], by records when a total is known and
// by bytes otherwise.
func (s Stats) Fraction() float64 {
	switch {
	case s.Finished:
		return 1
	case s.RecordsTotal > 0:
		return clamp(float64(s.Records) / float64(s.RecordsTotal))
	case s.BytesTotal > 0:
		return clamp(float64(s.Bytes) / float64(s.BytesTotal))
	}
	return 0
}

func clamp(f float64) float64 {
	if f > 1 {
		return 1
	}
	return f
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu         sync.Mutex
	parts      map[int32]*Partition
	records    int64
	bytes      int64
	bytesTotal int64
	finished   bool
}

func New() *Aggregator {
	return &Aggregator{parts: make(map[int32]*Partition)}
}

// RegisterPartition declares the offset range [begin, end) of a partition.
// An empty range is finished from the start.
func (a *Aggregator) RegisterPartition(id int32, begin, end int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parts[id] = &Partition{ID: id, Begin: begin, End: end, Current: begin - 1, Finished: begin >= end, Ranged: true}
}

// Update records that offset was read from partition.
func (a *Aggregator) Update(partition int32, offset int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.partition(partition)
	p.Current = offset
	p.Processed++
	a.records++
}

// Published counts one record written to partition when offsets are unknown.
func (a *Aggregator) Published(partition int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.partition(partition)
	p.Current++
	p.Processed++
	a.records++
}

func (a *Aggregator) MarkPartitionFinished(partition int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partition(partition).Finished = true
}

func (a *Aggregator) AddBytes(n int64) {
	a.mu.Lock()
	a.bytes += n
	a.mu.Unlock()
}

func (a *Aggregator) SetBytes(n int64) {
	a.mu.Lock()
	a.bytes = n
	a.mu.Unlock()
}

func (a *Aggregator) SetTotalBytes(n int64) {
	a.mu.Lock()
	a.bytesTotal = n
	a.mu.Unlock()
}

// Finish marks the run complete; every partition counts as finished.
func (a *Aggregator) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finished = true
	for _, p := range a.parts {
		p.Finished = true
	}
}

func (a *Aggregator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		Partitions: make([]Partition, 0, len(a.parts)),
		Records:    a.records,
		Bytes:      a.bytes,
		BytesTotal: a.bytesTotal,
		Finished:   a.finished,
	}
	ranged := true
	for _, p := range a.parts {
		s.Partitions = append(s.Partitions, *p)
		if p.Finished {
			s.PartitionsFinished++
		}
		s.RecordsTotal += p.Total()
		ranged = ranged && p.Ranged
	}
	if !ranged {
		s.RecordsTotal = 0
	}
	sort.Slice(s.Partitions, func(i, j int) bool { return s.Partitions[i].ID < s.Partitions[j].ID })
	return s
}

func (a *Aggregator) partition(id int32) *Partition {
	p, ok := a.parts[id]
	if !ok {
		p = &Partition{ID: id, Current: -1}
		a.parts[id] = p
	}
	return p
}
