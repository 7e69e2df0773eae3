package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Fabric drivers.
const (
	FabricLocal = "local"
	FabricNATS  = "nats"
)

// Settings is the typed host configuration.
type Settings struct {
	MaxFailAttempts       int
	MaxActivations        int
	ResubscribeOnActivate bool
	SnapshotEvery         int
	Store                 StoreSettings
	Fabric                FabricSettings
}

// StoreSettings selects the event log backend.
type StoreSettings struct {
	Driver string
	Path   string
}

// FabricSettings selects the pub/sub backend.
type FabricSettings struct {
	Driver               string
	URL                  string
	BufferSize           int
	DedupeTTL            time.Duration
	MaxDeliveryAttempts  int
	MaxRedeliveryBackoff time.Duration
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		MaxFailAttempts: 3,
		MaxActivations:  10000,
		SnapshotEvery:   16,
		Store: StoreSettings{
			Driver: StoreMemory,
			Path:   "hubrelay.db",
		},
		Fabric: FabricSettings{
			Driver:              FabricLocal,
			URL:                 "nats://127.0.0.1:4222",
			BufferSize:          256,
			MaxDeliveryAttempts: 3,
		},
	}
}

// FromConfig derives Settings from a Config, filling defaults, and validates
// the result.
func FromConfig(cfg Config) (Settings, error) {
	d := Defaults()
	store := cfg.Sub("store")
	fab := cfg.Sub("fabric")

	s := Settings{
		MaxFailAttempts:       cfg.Int("max_fail_attempts", d.MaxFailAttempts),
		MaxActivations:        cfg.Int("max_activations", d.MaxActivations),
		ResubscribeOnActivate: cfg.Bool("resubscribe_on_activate", d.ResubscribeOnActivate),
		SnapshotEvery:         cfg.Int("snapshot_every", d.SnapshotEvery),
		Store: StoreSettings{
			Driver: store.String("driver", d.Store.Driver),
			Path:   store.String("path", d.Store.Path),
		},
		Fabric: FabricSettings{
			Driver:               fab.String("driver", d.Fabric.Driver),
			URL:                  fab.String("url", d.Fabric.URL),
			BufferSize:           fab.Int("buffer_size", d.Fabric.BufferSize),
			DedupeTTL:            fab.Duration("dedupe_ttl", d.Fabric.DedupeTTL),
			MaxDeliveryAttempts:  fab.Int("max_delivery_attempts", d.Fabric.MaxDeliveryAttempts),
			MaxRedeliveryBackoff: fab.Duration("redelivery_max_backoff", d.Fabric.MaxRedeliveryBackoff),
		},
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports every invalid field at once.
func (s Settings) Validate() error {
	var errs []error

	if s.MaxFailAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max_fail_attempts must be positive, got %d", s.MaxFailAttempts))
	}
	if s.MaxActivations <= 0 {
		errs = append(errs, fmt.Errorf("max_activations must be positive, got %d", s.MaxActivations))
	}
	if s.SnapshotEvery < 0 {
		errs = append(errs, fmt.Errorf("snapshot_every must not be negative, got %d", s.SnapshotEvery))
	}

	switch s.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if s.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", s.Store.Driver))
	}

	switch s.Fabric.Driver {
	case FabricLocal:
	case FabricNATS:
		if s.Fabric.URL == "" {
			errs = append(errs, errors.New("fabric.url is required for nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown fabric.driver %q", s.Fabric.Driver))
	}

	if s.Fabric.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("fabric.buffer_size must be positive, got %d", s.Fabric.BufferSize))
	}
	if s.Fabric.MaxDeliveryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("fabric.max_delivery_attempts must be positive, got %d", s.Fabric.MaxDeliveryAttempts))
	}
	if s.Fabric.DedupeTTL < 0 {
		errs = append(errs, fmt.Errorf("fabric.dedupe_ttl must not be negative, got %s", s.Fabric.DedupeTTL))
	}
	if s.Fabric.MaxRedeliveryBackoff < 0 {
		errs = append(errs, fmt.Errorf("fabric.redelivery_max_backoff must not be negative, got %s", s.Fabric.MaxRedeliveryBackoff))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", multierr.Combine(errs...))
	}
	return nil
}
