package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/config"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/eventlog"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	dbPath     string
	natsURL    string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:          "hubrelay",
		Short:        "Inspect and operate on connection actors",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("HUBRELAY_CONFIG"), "Config file (YAML or JSON)")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "SQLite event log path (overrides store settings)")
	root.PersistentFlags().StringVar(&g.natsURL, "nats", "", "NATS URL (overrides fabric settings)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", os.Getenv("HUBRELAY_LOG_LEVEL"), "Log level: debug|info|warn|error")

	root.AddCommand(
		newStreamsCommand(g),
		newInspectCommand(g),
		newEventsCommand(g),
		newPurgeCommand(g),
		newServerDownCommand(g),
	)
	return root
}

// settings loads the config file and applies flag overrides.
func (g *globals) settings() (config.Settings, error) {
	s, err := config.Load(g.configPath)
	if err != nil {
		return config.Settings{}, err
	}

	if g.dbPath != "" {
		s.Store.Driver = config.StoreSQLite
		s.Store.Path = g.dbPath
	}
	if g.natsURL != "" {
		s.Fabric.Driver = config.FabricNATS
		s.Fabric.URL = g.natsURL
	}
	return s, s.Validate()
}

func (g *globals) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(g.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openStore opens the configured event log. An in-memory log holds nothing
// between runs, so it is refused.
func (g *globals) openStore() (eventlog.Store, error) {
	s, err := g.settings()
	if err != nil {
		return nil, err
	}
	if s.Store.Driver != config.StoreSQLite {
		return nil, fmt.Errorf("store driver %q keeps no state between runs; pass --db or configure store.driver: %s",
			s.Store.Driver, config.StoreSQLite)
	}
	return hubrelay.OpenStore(s.Store)
}

// openFabric opens the configured fabric. The local fabric only reaches
// subscribers in this process, so it is refused.
func (g *globals) openFabric(cmd *cobra.Command) (fabric.Fabric, error) {
	s, err := g.settings()
	if err != nil {
		return nil, err
	}
	if s.Fabric.Driver != config.FabricNATS {
		return nil, fmt.Errorf("fabric driver %q is process-local; pass --nats or configure fabric.driver: %s",
			s.Fabric.Driver, config.FabricNATS)
	}
	return hubrelay.OpenFabric(cmd.Context(), s.Fabric, g.logger(cmd), nil)
}
