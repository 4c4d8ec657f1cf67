package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

type Config struct {
	Brokers  []string `koanf:"bootstrap_servers" validate:"required,min=1,dive,required"`
	ClientID string   `koanf:"client_id"`
	Version  string   `koanf:"version"` // empty = sarama default

	DialTimeout       time.Duration `koanf:"dial_timeout"`
	MetadataTimeout   time.Duration `koanf:"metadata_timeout"`
	ChannelBufferSize int           `koanf:"channel_buffer_size" validate:"gte=0"`
	RequiredAcks      int16         `koanf:"required_acks" validate:"oneof=-1 0 1"`
	MaxMessageBytes   int           `koanf:"max_message_bytes" validate:"gte=0"`
}

// ApplyDefaults fills zero values.
func ApplyDefaults(c *Config) {
	c.Brokers = SplitBrokers(c.Brokers)
	if c.ClientID == "" {
		c.ClientID = "topicarchive"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.MetadataTimeout == 0 {
		c.MetadataTimeout = 60 * time.Second
	}
	if c.ChannelBufferSize == 0 {
		c.ChannelBufferSize = 256
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = int16(sarama.WaitForAll)
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 1_000_000
	}
}

// SplitBrokers flattens comma-separated entries ("h1:9092,h2:9092").
func SplitBrokers(in []string) []string {
	var out []string
	for _, s := range in {
		for _, b := range strings.Split(s, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
	}
	return out
}

func (c Config) sarama() (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if c.Version != "" {
		ver, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka version %q: %w", c.Version, err)
		}
		sc.Version = ver
	}
	sc.ClientID = c.ClientID
	sc.ChannelBufferSize = c.ChannelBufferSize
	sc.Net.DialTimeout = c.DialTimeout
	sc.Metadata.Timeout = c.MetadataTimeout

	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest

	sc.Producer.Partitioner = sarama.NewManualPartitioner
	sc.Producer.RequiredAcks = sarama.RequiredAcks(c.RequiredAcks)
	sc.Producer.MaxMessageBytes = c.MaxMessageBytes
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// one request in flight per broker keeps partition order across retries
	sc.Net.MaxOpenRequests = 1

	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}
