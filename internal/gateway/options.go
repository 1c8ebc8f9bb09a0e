package gateway

import (
	"time"

	"github.com/rs/zerolog"
)

type options struct {
	defaultBranch      string
	propagationWorkers int
	remoteTimeout      time.Duration
	compressionLevel   int
	compressionEnabled bool
	syncPropagation    bool
	logger             zerolog.Logger
}

func defaultOptions() options {
	return options{
		defaultBranch:      "main",
		propagationWorkers: 4,
		remoteTimeout:      10 * time.Second,
		compressionLevel:   2,
		compressionEnabled: true,
		logger:             zerolog.Nop(),
	}
}

// Option is a functional option for configuring New.
type Option func(*options)

// WithDefaultBranch sets the branch used for HEAD resolution and for
// picking the hydration snapshot.
func WithDefaultBranch(branch string) Option {
	return func(o *options) {
		if branch != "" {
			o.defaultBranch = branch
		}
	}
}

// WithPropagationWorkers bounds the number of concurrent propagation tasks.
func WithPropagationWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.propagationWorkers = n
		}
	}
}

// WithRemoteTimeout bounds each ledger/blob store call.
func WithRemoteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.remoteTimeout = d
		}
	}
}

// WithCompression configures bundle compression for blob store transfers.
func WithCompression(level int, enabled bool) Option {
	return func(o *options) {
		o.compressionLevel = level
		o.compressionEnabled = enabled
	}
}

// WithSyncPropagation makes Push wait for propagation instead of queueing
// it. The status report still reaches the client first; this only trades
// throughput for a ledger ack before the handler returns.
func WithSyncPropagation() Option {
	return func(o *options) { o.syncPropagation = true }
}

// WithLogger sets the gateway logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}
