package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/modernmail/engine/internal/engine"
	"github.com/modernmail/engine/internal/model"
	"github.com/modernmail/engine/internal/store"
	"github.com/modernmail/engine/internal/vault"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	v := vault.New(filepath.Join(cfg.DataDir, "vault"))
	st := store.Open(cfg.DataDir)
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	eng := engine.New(cfg.Engine, v, st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credentials for configured accounts are already vaulted; new
	// accounts enter through the engine API with their secret.
	for _, account := range cfg.Accounts {
		if err := eng.AddAccount(ctx, account, nil); err != nil {
			logger.Error("add account", "account", account.ID, "error", err)
			continue
		}
	}
	if len(eng.Accounts()) == 0 {
		logger.Warn("no accounts configured", "config", *configPath)
	}

	eng.Start(ctx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	logger.Info("shutting down")
	cancel()

	for _, account := range eng.Accounts() {
		if err := st.DetachAccount(account.ID); err != nil {
			logger.Error("detach account", "account", account.ID, "error", err)
		}
	}
}
