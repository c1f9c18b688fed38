// Command workspaced supervises workflow engine processes and exposes them
// over an HTTP admin API. Engine processes are spawned per workflow file and
// dial back to the daemon's loopback control channel.
package main

import (
	"log"
	"os"

	"github.com/csiro-workspace/workspace-go/internal/api"
	"github.com/csiro-workspace/workspace-go/internal/channel"
	"github.com/csiro-workspace/workspace-go/internal/config"
	"github.com/csiro-workspace/workspace-go/internal/store"
	"github.com/csiro-workspace/workspace-go/internal/supervisor"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	fileCfg, err := config.LoadFile(cfg.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}

	logger.Info("workspaced: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"engine_port", fileCfg.ConnectionPort,
		"engine_bin", fileCfg.EngineBin(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ch, err := channel.NewServer(fileCfg.ConnectionPort, logger)
	if err != nil {
		log.Fatalf("failed to start control channel: %v", err)
	}
	defer ch.Close()

	reg, err := supervisor.NewRegistry(supervisor.Options{
		Channel:          ch,
		Spawn:            supervisor.CommandSpawner(fileCfg.EngineBin(), ch.Port(), fileCfg.EngineLogLevel),
		Logger:           logger,
		Journal:          db,
		TerminateTimeout: fileCfg.TerminateTimeout(),
		RunOnceTimeout:   fileCfg.RunOnceTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to create registry: %v", err)
	}
	if err := reg.StartEventLoop(nil); err != nil {
		log.Fatalf("failed to start event loop: %v", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("close registry", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, db, reg, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
