package hubrelay

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay/config"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/eventlog"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
)

// Runtime is a Host together with the store and fabric it was opened over.
// Close releases all three.
type Runtime struct {
	Host   *Host
	Store  eventlog.Store
	Fabric fabric.Fabric

	// DeadLetters holds fabric deliveries whose handler kept failing.
	DeadLetters *fabric.DeadLetters
}

// Open builds a runtime from settings. Options are applied after the
// settings, so they take precedence.
func Open(ctx context.Context, s config.Settings, opts ...HostOption) (*Runtime, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	all := append([]HostOption{WithSettings(s)}, opts...)
	cfg := defaultHostConfig()
	for _, opt := range all {
		opt(&cfg)
	}

	store, err := OpenStore(s.Store)
	if err != nil {
		return nil, err
	}
	dead := fabric.NewDeadLetters(fabric.DeadLetterConfig{
		OnRecord: func(l fabric.DeadLetter) {
			cfg.logger.Warn("dead letter",
				slog.String("topic", l.Message.Topic.String()),
				slog.String("consumer", l.Handle.Consumer),
				slog.String("error", l.Err),
			)
		},
	})
	fab, err := OpenFabric(ctx, s.Fabric, cfg.logger, dead)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	return &Runtime{
		Host:        NewHost(store, fab, all...),
		Store:       store,
		Fabric:      fab,
		DeadLetters: dead,
	}, nil
}

// Close passivates every live actor, then closes the fabric and the store.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.Host.Close(ctx)
	err = multierr.Append(err, r.Fabric.Close())
	return multierr.Append(err, r.Store.Close())
}

// OpenStore opens the event log selected by s.
func OpenStore(s config.StoreSettings) (eventlog.Store, error) {
	switch s.Driver {
	case config.StoreMemory, "":
		return eventlog.NewMemoryStore(), nil
	case config.StoreSQLite:
		store, err := eventlog.NewSQLiteStore(s.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", s.Path, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.Driver)
	}
}

// OpenFabric opens the fabric selected by s. Exhausted deliveries go to
// dead when it is non-nil.
func OpenFabric(ctx context.Context, s config.FabricSettings, logger *slog.Logger, dead *fabric.DeadLetters) (fabric.Fabric, error) {
	var onError func(fabric.Message, fabric.Handle, error)
	if dead != nil {
		onError = dead.Record
	}

	switch s.Driver {
	case config.FabricLocal, "":
		return fabric.NewLocalFabric(fabric.Config{
			BufferSize:           s.BufferSize,
			DeduplicateTTL:       s.DedupeTTL,
			MaxDeliveryAttempts:  s.MaxDeliveryAttempts,
			MaxRedeliveryBackoff: s.MaxRedeliveryBackoff,
			Logger:               logger,
			OnError:              onError,
		}), nil
	case config.FabricNATS:
		fab, err := fabric.DialNATS(ctx, fabric.NATSConfig{
			URL:                  s.URL,
			Name:                 "hubrelay",
			MaxDeliveryAttempts:  s.MaxDeliveryAttempts,
			MaxRedeliveryBackoff: s.MaxRedeliveryBackoff,
			Logger:               logger,
			OnError:              onError,
		})
		if err != nil {
			return nil, err
		}
		return fab, nil
	default:
		return nil, fmt.Errorf("unknown fabric driver %q", s.Driver)
	}
}
