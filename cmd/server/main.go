package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-liveroom/internal/api"
	"github.com/npezzotti/go-liveroom/internal/config"
	"github.com/npezzotti/go-liveroom/internal/engine"
	"github.com/npezzotti/go-liveroom/internal/relay"
	"github.com/npezzotti/go-liveroom/internal/server"
	"github.com/npezzotti/go-liveroom/internal/stats"
	"github.com/npezzotti/go-liveroom/internal/store"
	flag "github.com/spf13/pflag"
)

var (
	configPath     string
	envFile        string
	addr           string
	allowedOrigins []string
)

func main() {
	flag.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flag.StringVar(&envFile, "env-file", ".env", "path to a dotenv file, ignored if missing")
	flag.StringVar(&addr, "addr", "", "server address, overrides the config")
	flag.StringSliceVar(&allowedOrigins, "allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[liveroom] ", log.LstdFlags)

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		logger.Fatal("config: ", err)
	}
	if flag.CommandLine.Changed("addr") {
		cfg.ServerAddr = addr
	}
	if flag.CommandLine.Changed("allowed-origins") {
		cfg.AllowedOrigins = allowedOrigins
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config: ", err)
	}

	st, rl, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("store open: ", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Println("store close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	stats.RegisterAll(statsUpdater, stats.Metrics)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	opts := engine.Options{
		RoomTTL:         cfg.RoomTTL,
		ConnectionTTL:   cfg.ConnectionTTL,
		CommentInterval: cfg.CommentInterval,
		LikeInterval:    cfg.LikeInterval,
		DefaultSettings: cfg.RoomSettings(),
		InstanceId:      cfg.InstanceId,
	}
	if rl != nil {
		opts.Relay = rl
	}

	hub := server.NewHub(logger)
	eng := engine.New(st, hub, logger, statsUpdater, opts)
	logger.Printf("instance id: %s\n", eng.InstanceId)

	if rl != nil {
		if err := rl.Listen(eng.Fanout.Receive); err != nil {
			logger.Fatal("relay: ", err)
		}
		defer rl.Close()
	}

	srv := api.NewLiveRoomApp(mux, logger, eng, hub, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Println("server:", err)
		}
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("shutdown:", err)
	}

	logger.Println("shutdown complete")
}

// openStore opens the configured store. A postgres store may be shared with
// other instances, so it comes with a relay to reach them.
func openStore(cfg *config.Config, logger *log.Logger) (store.Store, *relay.PostgresRelay, error) {
	switch cfg.StoreDriver {
	case config.DriverBadger:
		if cfg.BadgerPath == "" {
			logger.Println("using in-memory badger store; state is lost on exit")
		}
		st, err := store.OpenBadger(cfg.BadgerPath, logger)
		return st, nil, err
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(cfg.DatabaseDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(pg.DB()); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, relay.NewPostgresRelay(cfg.DatabaseDSN, pg.DB(), logger), nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
