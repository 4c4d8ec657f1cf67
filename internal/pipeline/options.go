package pipeline

import "time"

const (
	DefaultBatchSize     = 1000
	DefaultChannelDepth  = 1
	DefaultPollTimeout   = time.Second
	DefaultRetryInterval = 100 * time.Millisecond
	DefaultFlushTimeout  = 30 * time.Second
	DefaultLevel         = 6
)

// Options tunes both pipelines. Zero values pick the defaults, except
// ChannelDepth where a negative value selects an unbuffered hand-off.
type Options struct {
	BatchSize     int
	ChannelDepth  int
	PollTimeout   time.Duration
	RetryInterval time.Duration
	FlushTimeout  time.Duration
	Workers       int
	Level         int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	switch {
	case o.ChannelDepth == 0:
		o.ChannelDepth = DefaultChannelDepth
	case o.ChannelDepth < 0:
		o.ChannelDepth = 0
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}
