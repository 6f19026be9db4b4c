// snaildb-server serves a single database directory over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hk669/snailDB/internal/config"
	httpapi "github.com/Hk669/snailDB/internal/http"
	"github.com/Hk669/snailDB/pkg/engine"
)

func main() {
	configPath := flag.String("config", "snaildb.yaml", "path to YAML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg.SetupLogger()

	db, err := engine.Open(cfg.Storage.DataDir, cfg.EngineOptions())
	if err != nil {
		slog.Error("failed to open database", "dir", cfg.Storage.DataDir, "error", err)
		os.Exit(1)
	}

	srv := httpapi.NewServer(db, cfg.Server.Addr)
	srv.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	srv.ShutdownTimeout = cfg.Server.ShutdownTimeout
	if err := srv.Start(); err != nil {
		slog.Error("failed to start HTTP server", "error", err)
		_ = db.Close()
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if err := srv.Stop(); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("database close failed", "error", err)
		os.Exit(1)
	}
	slog.Info("stopped")
}
