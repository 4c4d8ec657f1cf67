package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/hashicorp/go-multierror"

	"topicarchive/internal/record"
)

var (
	// ErrQueueFull is the transient "destination queue full" condition: as
	// many records as the producer buffers are awaiting acknowledgement.
	// Retry the same record later.
	ErrQueueFull = errors.New("broker: producer queue full")

	ErrFlushTimeout = errors.New("broker: flush timed out")
)

// Producer publishes records to explicit partitions and tracks in-flight
// deliveries so Flush can wait for every acknowledgement.
type Producer struct {
	ap      sarama.AsyncProducer
	closers []func() error

	mu       sync.Mutex
	cond     *sync.Cond
	inflight int64
	capacity int64
	failure  error

	drained chan struct{}
	once    sync.Once
}

func NewProducer(cfg Config) (*Producer, error) {
	sc, err := cfg.sarama()
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	ap, err := sarama.NewAsyncProducerFromClient(cl)
	if err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	p := newProducer(ap, cfg.ChannelBufferSize)
	p.closers = append(p.closers, cl.Close)
	return p, nil
}

// newProducer allows up to capacity unacknowledged records; a non-positive
// capacity means 1.
func newProducer(ap sarama.AsyncProducer, capacity int) *Producer {
	p := &Producer{ap: ap, capacity: int64(max(capacity, 1)), drained: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	go p.collect()
	return p
}

// Publish hands r to the producer. It returns ErrQueueFull when capacity
// records are already awaiting acknowledgement, and the first delivery error
// once any earlier record failed. Below capacity the hand-off only waits for
// the producer's dispatcher to accept the message.
func (p *Producer) Publish(topic string, r record.Record) error {
	msg, err := toProducerMessage(topic, r)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.failure != nil {
		err := p.failure
		p.mu.Unlock()
		return err
	}
	if p.inflight >= p.capacity {
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.inflight++
	p.mu.Unlock()

	p.ap.Input() <- msg
	return nil
}

// Flush blocks until every published record is acknowledged, a delivery
// fails, or timeout elapses. A non-positive timeout waits indefinitely.
func (p *Producer) Flush(timeout time.Duration) error {
	expired := false
	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			p.mu.Lock()
			expired = true
			p.mu.Unlock()
			p.cond.Broadcast()
		})
		defer t.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inflight > 0 && p.failure == nil && !expired {
		p.cond.Wait()
	}
	switch {
	case p.failure != nil:
		return p.failure
	case p.inflight > 0:
		return fmt.Errorf("%w: %d records unacknowledged", ErrFlushTimeout, p.inflight)
	}
	return nil
}

func (p *Producer) Close() error {
	var result *multierror.Error
	p.once.Do(func() {
		if err := p.ap.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		<-p.drained
		for _, fn := range p.closers {
			if err := fn(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	})
	return result.ErrorOrNil()
}

// collect drains Successes and Errors until the producer shuts down.
func (p *Producer) collect() {
	defer close(p.drained)
	succ, errs := p.ap.Successes(), p.ap.Errors()
	for succ != nil || errs != nil {
		select {
		case _, ok := <-succ:
			if !ok {
				succ = nil
				continue
			}
			p.done(nil)
		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.done(fmt.Errorf("deliver to %s/%d: %w", perr.Msg.Topic, perr.Msg.Partition, perr.Err))
		}
	}
}

func (p *Producer) done(err error) {
	p.mu.Lock()
	p.inflight--
	if err != nil && p.failure == nil {
		p.failure = err
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func toProducerMessage(topic string, r record.Record) (*sarama.ProducerMessage, error) {
	msg := &sarama.ProducerMessage{Topic: topic, Partition: int32(r.Partition)}
	if r.Key != nil {
		msg.Key = sarama.ByteEncoder(r.Key)
	}
	if r.Value != nil {
		msg.Value = sarama.ByteEncoder(r.Value)
	}
	for _, raw := range r.Headers {
		h, err := record.DecodeHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("record header: %w", err)
		}
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: h.Key, Value: h.Value})
	}
	return msg, nil
}
