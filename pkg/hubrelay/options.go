package hubrelay

import (
	"log/slog"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay/config"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/observability"
)

// DefaultMaxFailAttempts is the number of sends dropped while disconnected
// before the connection is torn down.
const DefaultMaxFailAttempts = 3

// hostConfig holds configuration shared by a host and its actors.
type hostConfig struct {
	maxFailAttempts int32
	maxActivations  int
	snapshotEvery   int
	resubscribe     bool
	logger          *slog.Logger
	metrics         observability.MetricsRecorder
	spans           observability.SpanManager
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		maxFailAttempts: DefaultMaxFailAttempts,
		maxActivations:  10000,
		snapshotEvery:   16,
		logger:          slog.Default(),
		metrics:         observability.NoopMetrics{},
		spans:           observability.NoopSpanManager{},
	}
}

// HostOption configures a Host.
type HostOption func(*hostConfig)

// WithLogger sets the base logger. Actor loggers are derived from it.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) HostOption {
	return func(c *hostConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables metrics recording.
// Default: observability.NoopMetrics{}
//
// Example:
//
//	host := hubrelay.NewHost(store, fab, hubrelay.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) HostOption {
	return func(c *hostConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpanManager enables tracing of actor operations.
// Default: observability.NoopSpanManager{}
func WithSpanManager(s observability.SpanManager) HostOption {
	return func(c *hostConfig) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithMaxFailAttempts sets how many sends may be dropped while disconnected
// before the actor disconnects itself.
// Default: 3
func WithMaxFailAttempts(n int) HostOption {
	return func(c *hostConfig) {
		if n > 0 {
			c.maxFailAttempts = int32(n)
		}
	}
}

// WithMaxActivations bounds the number of actors held in memory. The least
// recently used actor is passivated when the bound is exceeded.
// Default: 10000
func WithMaxActivations(n int) HostOption {
	return func(c *hostConfig) {
		if n > 0 {
			c.maxActivations = n
		}
	}
}

// WithSnapshotEvery sets how many appended events trigger a record
// snapshot. Zero disables snapshots.
// Default: 16
func WithSnapshotEvery(n int) HostOption {
	return func(c *hostConfig) {
		if n >= 0 {
			c.snapshotEvery = n
		}
	}
}

// WithResubscribeOnActivate makes activation create a server-down
// subscription when the record is connected but no subscription can be
// resumed, e.g. after a process restart with a fabric that keeps handles
// in memory.
// Default: false
func WithResubscribeOnActivate(enabled bool) HostOption {
	return func(c *hostConfig) {
		c.resubscribe = enabled
	}
}

// WithSettings applies the actor and host fields of loaded settings.
func WithSettings(s config.Settings) HostOption {
	return func(c *hostConfig) {
		WithMaxFailAttempts(s.MaxFailAttempts)(c)
		WithMaxActivations(s.MaxActivations)(c)
		WithSnapshotEvery(s.SnapshotEvery)(c)
		WithResubscribeOnActivate(s.ResubscribeOnActivate)(c)
	}
}

// configureRequest collects Configure options. A nil field means "keep".
type configureRequest struct {
	hubName      *string
	connectionID *string
}

// ConfigureOption sets one channel field in a Configure call.
type ConfigureOption func(*configureRequest)

// WithHubName sets the hub name.
func WithHubName(name string) ConfigureOption {
	return func(r *configureRequest) {
		r.hubName = &name
	}
}

// WithConnectionID sets the connection ID. It must equal the actor identity.
func WithConnectionID(id string) ConfigureOption {
	return func(r *configureRequest) {
		r.connectionID = &id
	}
}
