package connector

import (
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// DefaultFallbackPath is used for POSTs when the server never announces an
// endpoint on the stream.
const DefaultFallbackPath = "/content/v1/messages"

// Options configure a connection. Zero fields take their value from
// [DefaultOptions].
type Options struct {
	// Headers are sent on the stream GET and on every POST, typically
	// Authorization.
	Headers map[string]string

	// Timeout bounds establishing the stream (until response headers).
	Timeout time.Duration
	// ReadTimeout is the longest the stream may stay silent.
	ReadTimeout time.Duration
	// PostTimeout bounds each POST, including reading its response.
	PostTimeout time.Duration

	// MaxAttempts is the number of stream requests made in a row without a
	// delivered message before the connection gives up. The initial connect
	// counts, so 3 allows one connect and two reconnections. An endpoint
	// announcement alone does not reset the count.
	MaxAttempts int
	RetryDelay  time.Duration

	// EndpointWait is how long the writer waits for an endpoint event after
	// the stream is up before it falls back to FallbackPath.
	EndpointWait time.Duration
	FallbackPath string

	// QueueSize is the capacity of the receive and send queues.
	QueueSize int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultOptions returns the default connection options.
func DefaultOptions() Options {
	return Options{
		Timeout:      5 * time.Second,
		ReadTimeout:  300 * time.Second,
		PostTimeout:  30 * time.Second,
		MaxAttempts:  3,
		RetryDelay:   time.Second,
		EndpointWait: 2 * time.Second,
		FallbackPath: DefaultFallbackPath,
		QueueSize:    64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.PostTimeout <= 0 {
		o.PostTimeout = d.PostTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.EndpointWait <= 0 {
		o.EndpointWait = d.EndpointWait
	}
	if o.FallbackPath == "" {
		o.FallbackPath = d.FallbackPath
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return o
}

// backoff is the delay before the attempt that follows the n-th consecutive
// failure: RetryDelay*n plus up to 50% jitter.
func (o Options) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := o.RetryDelay * time.Duration(n)
	return base + time.Duration(rand.Int64N(int64(base)/2+1))
}
