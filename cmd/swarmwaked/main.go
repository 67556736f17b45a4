package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgeflock/swarmwake/internal/config"
	"github.com/edgeflock/swarmwake/internal/node"
	"github.com/edgeflock/swarmwake/internal/store"
	"github.com/edgeflock/swarmwake/internal/twt"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML config path (optional)")
		nodeID     = flag.String("node-id", "", "node identity (overrides config)")
		role       = flag.String("role", "", "node role: sentinel, on_demand, scheduled (overrides config)")
		dbPath     = flag.String("db", "", "SQLite path (overrides config)")
		radioSeed  = flag.Int64("radio-seed", 1, "seed for the mock radio")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		fatal(err)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *role != "" {
		cfg.Role = *role
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close() //nolint:errcheck

	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		fatal(err)
	}

	// Real radio hardware plugs in behind the Radio interface; until then
	// the daemon runs against the deterministic in-memory radio.
	radio := twt.NewMockRadio(*radioSeed)

	n, err := node.New(ctx, cfg, radio, st)
	if err != nil {
		fatal(err)
	}

	logInfo(fmt.Sprintf("node %s starting role=%s regime=%s epoch=%d", n.ID(), n.Role(), n.Regime(), n.Epoch()))

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}

	if err := shutdownSample(n, st); err != nil {
		logErr("final power sample", err)
	}
	logInfo(fmt.Sprintf("node %s stopped epoch=%d", n.ID(), n.Epoch()))
}

func loadConfig(ctx context.Context, path string) (config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := loader.Watch(); err != nil {
		return config.Config{}, err
	}
	// Reload errors are operator feedback only; the running node keeps its
	// boot-time config since detector and scheduler state cannot be swapped
	// mid-flight.
	go func() {
		for {
			select {
			case <-ctx.Done():
				loader.Close() //nolint:errcheck
				return
			case err := <-loader.Errors():
				logErr("config watch", err)
			}
		}
	}()
	return cfg, nil
}

func shutdownSample(n *node.Node, st *store.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m := n.Metrics()
	return st.RecordPowerSample(ctx, store.PowerSample{
		NodeID:         n.ID(),
		SleepMillis:    m.SleepTime.Milliseconds(),
		WakeCount:      m.WakeCount,
		BytesSent:      m.BytesSent,
		UpdatesSent:    m.UpdatesSent,
		UpdatesDropped: m.UpdatesDropped,
		FlushFailures:  m.FlushFailures,
		BatchesDropped: m.BatchesDropped,
		SampledAt:      time.Now().UTC(),
	})
}

func logInfo(msg string) {
	_, _ = fmt.Fprintf(os.Stderr, "swarmwaked: %s\n", msg)
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "swarmwaked: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "swarmwaked: %v\n", err)
	os.Exit(1)
}
