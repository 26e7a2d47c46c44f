// opentalk - a terminal chat client for OpenAI-compatible APIs.
//
// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalk-app/opentalk/internal/config"
	"github.com/opentalk-app/opentalk/internal/entity"
	"github.com/opentalk-app/opentalk/internal/logger"
	"github.com/opentalk-app/opentalk/internal/openai"
	"github.com/opentalk-app/opentalk/internal/server"
	"github.com/opentalk-app/opentalk/internal/session"
	"github.com/opentalk-app/opentalk/internal/store"
	"github.com/opentalk-app/opentalk/internal/ui"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		plain       = flag.Bool("plain", false, "line-mode REPL instead of the full-screen view")
		serve       = flag.Bool("serve", false, "run the HTTP API instead of a front end")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("opentalk %s (%s, %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*plain, *serve); err != nil {
		fmt.Fprintf(os.Stderr, "opentalk: %v\n", err)
		os.Exit(1)
	}
}

func run(plain, serve bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	config.SetGlobal(cfg)

	dataDir, err := config.EnsureDataDir(cfg)
	if err != nil {
		return err
	}

	log, err := logger.NewFileLogger(filepath.Join(dataDir, "logs"), cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetGlobal(log)
	log.Info().Str("version", Version).Msg("starting")

	var cipher *store.Cipher
	if cfg.Storage.EncryptAPIKey {
		cipher, err = store.NewCipher(filepath.Join(dataDir, "secret.key"))
		if err != nil {
			return fmt.Errorf("opening key file: %w", err)
		}
	}

	st, err := store.Open(filepath.Join(dataDir, "opentalk.db"), cipher)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	chats := entity.NewChatSet(st, log)
	settings := entity.NewSettingSet(st, log)

	ctx := context.Background()
	if err := chats.Hydrate(ctx); err != nil {
		return fmt.Errorf("loading chats: %w", err)
	}
	if err := settings.Hydrate(ctx); err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	client := openai.NewClient(settings, openai.ClientConfig{
		FirstByteTimeout:  time.Duration(cfg.Provider.FirstByteTimeoutSecs) * time.Second,
		StreamTimeout:     time.Duration(cfg.Provider.StreamTimeoutSecs) * time.Second,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
	}, log)

	ctrl := session.NewController(chats, client, log)
	defer ctrl.Wait()

	// Config edits apply on the next save without a restart.
	if path, err := config.ConfigPath(); err == nil {
		if watcher, err := config.NewWatcher(path, func(*config.Config) {
			log.Info().Msg("configuration reloaded")
		}); err == nil {
			if err := watcher.Watch(); err == nil {
				defer watcher.Close()
			}
		}
	}

	switch {
	case serve:
		return runServer(cfg, chats, settings, client, log)
	case plain:
		return ui.RunREPL(ctrl, chats, settings, client, cfg)
	default:
		return ui.Run(ctrl, chats, settings, client, cfg.UI)
	}
}

// runServer blocks until interrupted, then drains.
func runServer(cfg *config.Config, chats *entity.ChatSet, settings *entity.SettingSet, client *openai.Client, log zerolog.Logger) error {
	srv := server.New(cfg.Server, chats, settings, client, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
