package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/onkernel/cdp-mux-proxy/internal/config"
	"github.com/onkernel/cdp-mux-proxy/internal/logrotate"
	"github.com/onkernel/cdp-mux-proxy/internal/server"
)

// expandHome resolves a leading "~" the way a shell would, since
// config.Config.LogDir's default ("~/.chrome-cdp-cli/logs") relies on it
// and Go never expands "~" itself.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	logWriter, err := logrotate.New(expandHome(cfg.LogDir), "cdp-proxy", cfg.LogMaxSizeMB, cfg.LogMaxFiles)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to open log directory", "err", err)
		os.Exit(1)
	}
	defer logWriter.Close()

	logger := slog.New(slog.NewJSONHandler(logWriter, nil))
	logger.Info("proxy configuration", "config", cfg.LogSafeConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build server", "err", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
