package worker

import "time"

// DefaultBufferSize is the copy buffer size used when Config.BufferSize is unset.
const DefaultBufferSize = 256 * 1024

// Config contains worker configuration
type Config struct {
	SourceBucket string
	DestBucket   string
	Concurrency  int
	MaxAttempts  int
	Timeout      time.Duration
	SkipExisting bool
	BufferSize   int
}

func (c Config) bufferSize() int {
	if c.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return c.BufferSize
}

func (c Config) concurrency() int {
	if c.Concurrency <= 0 {
		return 1
	}
	return c.Concurrency
}
