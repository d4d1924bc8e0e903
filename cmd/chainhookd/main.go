// Chainhookd is the blockchain event router daemon: it follows the Bitcoin
// and Stacks canonical chains, evaluates registered predicates against
// every confirmed transaction, and delivers matches to their actions.
//
// Exit codes: 0 normal shutdown, 1 configuration error, 2 fatal storage
// error, 3 upstream unreachable during the startup grace window.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/chainhook-labs/chainhookd/config"
	"github.com/chainhook-labs/chainhookd/internal/api"
	"github.com/chainhook-labs/chainhookd/internal/coordinator"
	"github.com/chainhook-labs/chainhookd/internal/dispatch"
	"github.com/chainhook-labs/chainhookd/internal/log"
	"github.com/chainhook-labs/chainhookd/internal/metrics"
	"github.com/chainhook-labs/chainhookd/internal/registry"
	"github.com/chainhook-labs/chainhookd/internal/scanner"
	"github.com/chainhook-labs/chainhookd/internal/source"
	"github.com/chainhook-labs/chainhookd/internal/storage"
	"github.com/chainhook-labs/chainhookd/internal/store"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 1
	exitStorage  = 2
	exitUpstream = 3
)

func main() {
	app := &cli.App{
		Name:  "chainhookd",
		Usage: "blockchain event router for Bitcoin and Stacks",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to TOML config file"},
			&cli.StringFlag{Name: "datadir", Usage: "data directory"},
			&cli.StringFlag{Name: "api-addr", Usage: "control API listen address"},
			&cli.StringFlag{Name: "auth-token", Usage: "control API bearer token"},
			&cli.StringFlag{Name: "log-level", Usage: "trace|debug|info|warn|error"},
			&cli.BoolFlag{Name: "log-json", Usage: "log JSON to stdout"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.err)
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
}

// exitError carries a process exit code through the cli action.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func run(c *cli.Context) error {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fail(exitConfig, "load config: %v", err)
	}
	if v := c.String("datadir"); v != "" {
		cfg.DataDir = v
	}
	if v := c.String("api-addr"); v != "" {
		cfg.API.Addr = v
	}
	if v := c.String("auth-token"); v != "" {
		cfg.API.AuthToken = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if c.Bool("log-json") {
		cfg.Log.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		return fail(exitConfig, "invalid config: %v", err)
	}

	// ── 2. Init logger ──────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
			return fail(exitConfig, "create logs dir: %v", err)
		}
		logFile = cfg.LogsDir() + "/chainhookd.log"
	}
	logger, err := log.New(cfg.Log.Level, cfg.Log.JSON, logFile)
	if err != nil {
		return fail(exitConfig, "init logger: %v", err)
	}
	logger.Info().Str("datadir", cfg.DataDir).Msg("starting chainhookd")

	// ── 3. Open storage ─────────────────────────────────────────────────
	if err := os.MkdirAll(cfg.DBDir(), 0755); err != nil {
		return fail(exitStorage, "create db dir: %v", err)
	}
	db, err := storage.NewBadger(cfg.DBDir())
	if err != nil {
		return fail(exitStorage, "open database: %v", err)
	}
	defer db.Close()
	logger.Info().Str("path", cfg.DBDir()).Msg("database opened")

	// ── 4. Shared components ────────────────────────────────────────────
	m := metrics.New()
	reg := registry.New(db, log.Component(logger, "registry"))
	disp := dispatch.New(reg, m, log.Component(logger, "dispatch"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 5. Per-chain pipelines ──────────────────────────────────────────
	coordinators := make(map[types.Chain]*coordinator.Coordinator)
	var observer *source.StacksObserver

	if cfg.Bitcoin.Enabled {
		src := source.NewBitcoinWS(cfg.Bitcoin.SubscribeURL, cfg.Bitcoin.FetchURL,
			log.Component(logger, "source.bitcoin"))
		coord, err := buildChain(types.ChainBitcoin, types.Network(cfg.Bitcoin.Network),
			cfg, db, reg, disp, m, src, logger)
		if err != nil {
			return err
		}
		coordinators[types.ChainBitcoin] = coord
	}

	if cfg.Stacks.Enabled {
		observer = source.NewStacksObserver(cfg.Stacks.ObserverAddr,
			log.Component(logger, "source.stacks"))
		if err := observer.Start(); err != nil {
			return fail(exitUpstream, "start event observer: %v", err)
		}
		defer observer.Stop()
		logger.Info().Str("addr", observer.Addr()).Msg("event observer listening")

		coord, err := buildChain(types.ChainStacks, types.Network(cfg.Stacks.Network),
			cfg, db, reg, disp, m, observer, logger)
		if err != nil {
			return err
		}
		coordinators[types.ChainStacks] = coord
	}

	// ── 6. Control API ──────────────────────────────────────────────────
	networks := make(map[types.Chain]types.Network)
	if cfg.Bitcoin.Enabled {
		networks[types.ChainBitcoin] = types.Network(cfg.Bitcoin.Network)
	}
	if cfg.Stacks.Enabled {
		networks[types.ChainStacks] = types.Network(cfg.Stacks.Network)
	}
	apiServer := api.New(api.Config{
		Addr:        cfg.API.Addr,
		AuthToken:   cfg.API.AuthToken,
		Networks:    networks,
		CORSOrigins: cfg.API.CORSOrigins,
	}, reg, &chainViews{coordinators: coordinators}, m, log.Component(logger, "api"))
	if err := apiServer.Start(); err != nil {
		return fail(exitConfig, "start api: %v", err)
	}
	defer apiServer.Stop()
	logger.Info().Str("addr", apiServer.Addr()).Msg("control api started")

	// ── 7. Run coordinators with startup grace ──────────────────────────
	grace := time.Duration(cfg.Engine.StartupGraceSeconds) * time.Second
	started := time.Now()

	errCh := make(chan error, len(coordinators))
	var wg sync.WaitGroup
	for chain, coord := range coordinators {
		chain, coord := chain, coord
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := coord.Run(ctx)
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, source.ErrUnavailable) {
					if time.Since(started) < grace {
						logger.Warn().Err(err).Str("chain", string(chain)).
							Str("error_kind", "UpstreamUnavailable").
							Msg("upstream unreachable, retrying within grace window")
						select {
						case <-ctx.Done():
							return
						case <-time.After(2 * time.Second):
						}
						continue
					}
					errCh <- fail(exitUpstream, "%s upstream unreachable: %v", chain, err)
					return
				}
				errCh <- fail(exitStorage, "%s coordinator: %v", chain, err)
				return
			}
		}()
	}

	// ── 8. Wait for shutdown ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		cancel()
		return err
	}

	// Drain in-flight work up to the shutdown grace, then exit.
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(cfg.Engine.ShutdownGraceSeconds) * time.Second):
		logger.Warn().Msg("shutdown grace elapsed, aborting in-flight work")
	}

	logger.Info().Msg("goodbye")
	return nil
}

// buildChain wires one chain's store, scanner, and coordinator, and
// recovers its persisted view.
func buildChain(chain types.Chain, network types.Network, cfg *config.Config,
	db storage.DB, reg *registry.Registry, disp *dispatch.Dispatcher,
	m *metrics.Metrics, src source.Source, logger zerolog.Logger) (*coordinator.Coordinator, error) {

	bs := store.New(db, chain)
	scan := scanner.New(bs, reg, disp, m, log.Component(logger, "scanner."+string(chain)))
	if cfg.Engine.ScanBatch > 0 {
		scan.SetBatchSize(cfg.Engine.ScanBatch)
	}

	coord := coordinator.New(coordinator.Config{
		Chain:   chain,
		Network: network,
		Workers: cfg.Engine.Workers,
		Handoff: cfg.Engine.Handoff,
		Window:  cfg.Engine.ForkWindow,
	}, src, bs, reg, disp, scan, m, log.Component(logger, "coordinator."+string(chain)))

	if err := coord.Recover(); err != nil {
		return nil, fail(exitStorage, "recover %s chain: %v", chain, err)
	}
	return coord, nil
}

// chainViews adapts the coordinator map to the API's ChainView.
type chainViews struct {
	coordinators map[types.Chain]*coordinator.Coordinator
}

func (v *chainViews) TipHeight(chain types.Chain) uint64 {
	if coord, ok := v.coordinators[chain]; ok {
		return coord.Tip().Height
	}
	return 0
}

func (v *chainViews) Notify(chain types.Chain) {
	if coord, ok := v.coordinators[chain]; ok {
		coord.Kick()
	}
}
