package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/eventlog"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
)

// withStore runs fn against the configured store and closes it afterwards.
func withStore(g *globals, fn func(store eventlog.Store) error) (err error) {
	store, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	return fn(store)
}

// newStreamsCommand constructs the `streams` subcommand.
func newStreamsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "List connections with persisted history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(g, func(store eventlog.Store) error {
				streams, err := store.Streams(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range streams {
					fmt.Fprintln(cmd.OutOrStdout(), s)
				}
				return nil
			})
		},
	}
}

type inspectOutput struct {
	ConnectionID     string    `json:"connection_id"`
	HubName          string    `json:"hub_name"`
	ServerID         uuid.UUID `json:"server_id"`
	State            string    `json:"state"`
	Sequence         int64     `json:"sequence"`
	SnapshotSequence int64     `json:"snapshot_sequence,omitempty"`
	Replayed         int       `json:"replayed"`
}

// newInspectCommand constructs the `inspect` subcommand.
func newInspectCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <connection-id>",
		Short: "Show the record a connection would activate with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(g, func(store eventlog.Store) error {
				loaded, err := hubrelay.LoadRecord(cmd.Context(), store, args[0])
				if err != nil {
					return fmt.Errorf("inspect %s: %w", args[0], err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(inspectOutput{
					ConnectionID:     args[0],
					HubName:          loaded.Record.HubName,
					ServerID:         loaded.Record.ServerID,
					State:            loaded.Record.State().String(),
					Sequence:         loaded.Sequence,
					SnapshotSequence: loaded.SnapshotSequence,
					Replayed:         loaded.Replayed,
				})
			})
		},
	}
}

type eventOutput struct {
	Sequence  int64          `json:"seq"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Event     hubrelay.Event `json:"event"`
}

// newEventsCommand constructs the `events` subcommand.
func newEventsCommand(g *globals) *cobra.Command {
	var after int64

	cmd := &cobra.Command{
		Use:   "events <connection-id>",
		Short: "Print a connection's event history as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(g, func(store eventlog.Store) error {
				records, err := store.Replay(cmd.Context(), args[0], after)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, r := range records {
					ev, err := hubrelay.DecodeEvent(r.Kind, r.Data)
					if err != nil {
						return fmt.Errorf("event %d: %w", r.Sequence, err)
					}
					if err := enc.Encode(eventOutput{
						Sequence:  r.Sequence,
						Kind:      r.Kind,
						Timestamp: r.Timestamp,
						Event:     ev,
					}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Only events with a greater sequence")
	return cmd
}

// newPurgeCommand constructs the `purge` subcommand.
func newPurgeCommand(g *globals) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge <connection-id>",
		Short: "Delete a connection's history and snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge %s without --yes", args[0])
			}
			return withStore(g, func(store eventlog.Store) error {
				if err := store.DeleteStream(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")
	return cmd
}

// newServerDownCommand constructs the `server-down` subcommand.
func newServerDownCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "server-down <server-id>",
		Short: "Announce that a server instance is gone",
		Long: "Publishes on the server's server-down topic. Every connection " +
			"actor bound to that server disconnects itself.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			serverID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid server id %q: %w", args[0], err)
			}
			if serverID == uuid.Nil {
				return hubrelay.ErrInvalidServerID
			}

			fab, err := g.openFabric(cmd)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, fab.Close()) }()

			topic := fabric.ServerDown(serverID)
			if err := fab.Publish(cmd.Context(), topic, serverID); err != nil {
				return fmt.Errorf("publish %s: %w", topic, err)
			}
			if nf, ok := fab.(*fabric.NATSFabric); ok {
				if err := nf.Flush(cmd.Context()); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", topic)
			return nil
		},
	}
}
