// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

// spin is the terminal client: pick a restaurant, spin for a reward and
// claim it against the rewards backend.
//
// Configuration comes from the environment and an optional .env file; see
// internal/config for the keys. Logs go to SPIN_LOG_FILE since the terminal
// belongs to the UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	tea "charm.land/bubbletea/v2"

	"github.com/jredh-dev/spinwheel/cmd/spin/internal/app"
	"github.com/jredh-dev/spinwheel/internal/analytics"
	"github.com/jredh-dev/spinwheel/internal/claim"
	"github.com/jredh-dev/spinwheel/internal/config"
	"github.com/jredh-dev/spinwheel/internal/dashboard"
	"github.com/jredh-dev/spinwheel/internal/gateway"
	"github.com/jredh-dev/spinwheel/internal/identity"
	"github.com/jredh-dev/spinwheel/internal/ledger"
	"github.com/jredh-dev/spinwheel/internal/outcome"
	"github.com/jredh-dev/spinwheel/internal/restaurant"
	"github.com/jredh-dev/spinwheel/internal/state"
	"github.com/jredh-dev/spinwheel/internal/storage"
)

// provider is what the client needs from either identity backend.
type provider interface {
	claim.Identity
	app.Auth
}

func main() {
	restaurantID := flag.String("restaurant", "", "open this restaurant's page directly")
	flag.Parse()

	if err := run(*restaurantID); err != nil {
		fmt.Fprintf(os.Stderr, "spin: %v\n", err)
		os.Exit(1)
	}
}

func run(restaurantID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	logPath := cfg.Log.File
	if !filepath.IsAbs(logPath) {
		logPath = filepath.Join(cfg.Storage.DataDir, logPath)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("log file: %w", err)
	}
	defer logFile.Close()
	slog.SetDefault(slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: cfg.Log.Level})))

	db, err := storage.Open(cfg.Storage.DBPath())
	if err != nil {
		return err
	}
	defer db.Close()
	session, err := db.ResumeSession(cfg.Storage.SessionTTL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := state.New(db.Durable(), session)
	led := ledger.New(db.Durable(), store, ledger.WithDailyCap(cfg.Spin.DailyCap))
	store.Initialize()

	var id provider
	switch cfg.Identity.Backend {
	case config.IdentityLocal:
		l, err := identity.NewLocal(db, db.Durable(), cfg.Identity.LocalSigningKey)
		if err != nil {
			return err
		}
		id = l
	default:
		f := identity.NewFirebase(cfg.Identity.FirebaseAPIKey, db.Durable())
		go f.Restore(ctx)
		id = f
	}
	identity.Bind(ctx, id, store)

	gw := gateway.New(cfg.API.BaseURL)
	refresher := dashboard.NewRefresher(store, gw, id)
	if err := refresher.Schedule(ctx, cfg.API.DashboardRefresh); err != nil {
		return err
	}

	var pub analytics.Publisher = analytics.Nop{}
	if cfg.Kafka.Enabled() {
		pub = analytics.NewKafka(cfg.Kafka.Brokers)
	}
	defer pub.Close()
	detach := analytics.Attach(store, pub)
	defer detach()

	wf := claim.New(claim.Deps{
		State:             store,
		Ledger:            led,
		Engine:            outcome.NewEngine(nil),
		Identity:          id,
		Gateway:           gw,
		Refresher:         refresher,
		AuthSettleTimeout: cfg.Identity.SettleTimeout,
	})

	m := app.New(app.Deps{
		Store:        store,
		Workflow:     wf,
		Auth:         id,
		Catalog:      restaurant.NewCatalog(cfg.Restaurant.Source),
		Spins:        led,
		Dashboard:    refresher,
		Presentation: cfg.Spin.Presentation,
		StartRoute:   restaurantID,
	})
	p := tea.NewProgram(m)

	// Store events also fire from inside Update, so Send must not block the
	// program's own loop.
	unsubscribe := store.Subscribe(func(state.Event) { go p.Send(app.StateChanged{}) })
	defer unsubscribe()

	slog.Info("spin client starting", "api", cfg.API.BaseURL, "identity", cfg.Identity.Backend, "session", session.ID())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
