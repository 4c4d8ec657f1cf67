package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/hashicorp/go-multierror"

	"topicarchive/internal/logging"
	"topicarchive/internal/record"
)

var (
	ErrTopicNotFound = errors.New("broker: topic not found")
	ErrNotAssigned   = errors.New("broker: partition not assigned")
)

// Message is a consumed record together with its broker offset.
type Message struct {
	Offset int64
	record.Record
}

// offsetClient is the part of sarama.Client the consumer needs for metadata.
type offsetClient interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, time int64) (int64, error)
}

// Consumer reads a topic partition by partition without a consumer group.
// Messages of every assigned partition are multiplexed onto one channel and
// handed out by Poll.
type Consumer struct {
	client   offsetClient
	consumer sarama.Consumer
	closers  []func() error

	mu  sync.Mutex
	pcs map[int32]sarama.PartitionConsumer

	msgs chan *sarama.ConsumerMessage
	errs chan error
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewConsumer(cfg Config) (*Consumer, error) {
	sc, err := cfg.sarama()
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	cons, err := sarama.NewConsumerFromClient(cl)
	if err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	c := newConsumer(cl, cons, cfg.ChannelBufferSize)
	c.closers = append(c.closers, cl.Close)
	return c, nil
}

func newConsumer(client offsetClient, cons sarama.Consumer, buffer int) *Consumer {
	return &Consumer{
		client:   client,
		consumer: cons,
		pcs:      make(map[int32]sarama.PartitionConsumer),
		msgs:     make(chan *sarama.ConsumerMessage, buffer),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *Consumer) Partitions(topic string) ([]int32, error) {
	ps, err := c.client.Partitions(topic)
	if err != nil {
		if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
			return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
		}
		return nil, fmt.Errorf("partitions of %s: %w", topic, err)
	}
	return ps, nil
}

// Watermarks returns the low (oldest retained) and high (next to be
// written) offsets of a partition.
func (c *Consumer) Watermarks(topic string, partition int32) (low, high int64, err error) {
	low, err = c.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("low watermark %s/%d: %w", topic, partition, err)
	}
	high, err = c.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("high watermark %s/%d: %w", topic, partition, err)
	}
	return low, high, nil
}

// Assign starts consuming every partition from its oldest retained offset.
func (c *Consumer) Assign(topic string, partitions []int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range partitions {
		if _, ok := c.pcs[p]; ok {
			continue
		}
		pc, err := c.consumer.ConsumePartition(topic, p, sarama.OffsetOldest)
		if err != nil {
			return fmt.Errorf("consume %s/%d: %w", topic, p, err)
		}
		c.pcs[p] = pc
		c.wg.Add(2)
		go c.forwardMessages(pc)
		go c.forwardErrors(pc)
	}
	return nil
}

// Pause stops fetching for one partition. Messages already buffered by the
// client may still be delivered.
func (c *Consumer) Pause(topic string, partition int32) error {
	c.mu.Lock()
	pc, ok := c.pcs[partition]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrNotAssigned, topic, partition)
	}
	pc.Pause()
	return nil
}

// Poll returns the next message, or nil when none arrives within timeout.
// Any consumer error is returned as is; the caller treats it as fatal.
func (c *Consumer) Poll(timeout time.Duration) (*Message, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-c.msgs:
		return toMessage(m), nil
	case err := <-c.errs:
		return nil, err
	case <-t.C:
		return nil, nil
	}
}

func (c *Consumer) Close() error {
	var result *multierror.Error
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for p, pc := range c.pcs {
			if err := pc.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("partition %d: %w", p, err))
			}
		}
		c.mu.Unlock()
		c.wg.Wait()
		if err := c.consumer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		for _, fn := range c.closers {
			if err := fn(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	})
	return result.ErrorOrNil()
}

func (c *Consumer) forwardMessages(pc sarama.PartitionConsumer) {
	defer c.wg.Done()
	for m := range pc.Messages() {
		select {
		case c.msgs <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Consumer) forwardErrors(pc sarama.PartitionConsumer) {
	defer c.wg.Done()
	for e := range pc.Errors() {
		select {
		case c.errs <- e:
		case <-c.done:
			return
		default:
			logging.L().Warn("kafka consumer error dropped; one already pending", "topic", e.Topic, "partition", e.Partition, "err", e.Err)
		}
	}
}

func toMessage(m *sarama.ConsumerMessage) *Message {
	rec := record.Record{Key: m.Key, Value: m.Value, Partition: uint32(m.Partition)}
	if len(m.Headers) > 0 {
		rec.Headers = make([][]byte, 0, len(m.Headers))
		for _, h := range m.Headers {
			if h == nil {
				continue
			}
			rec.Headers = append(rec.Headers, record.EncodeHeader(record.Header{Key: h.Key, Value: h.Value}))
		}
	}
	return &Message{Offset: m.Offset, Record: rec}
}
