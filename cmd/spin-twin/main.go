// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

// spin-twin is a local stand-in for the rewards backend. It accepts tokens
// issued by the local identity provider (SPIN_LOCAL_SIGNING_KEY), serves the
// claim and dashboard endpoints the client calls, and counts spin analytics
// from Kafka when KAFKA_BROKERS is set.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jredh-dev/spinwheel/internal/analytics"
	"github.com/jredh-dev/spinwheel/internal/config"
	"github.com/jredh-dev/spinwheel/internal/restaurant"
	"github.com/jredh-dev/spinwheel/internal/twin"
)

// defaultThresholds are the loyalty goals reported on the dashboard.
var defaultThresholds = map[string]string{
	"50":  "Free Dessert",
	"100": "Free Meal",
	"250": "VIP Table",
}

func main() {
	pointsPerSpin := flag.Int("points-per-spin", 10, "loyalty points credited per claimed spin")
	flag.Parse()

	cfg, err := config.LoadTwin()
	if err != nil {
		log.Fatalf("spin-twin: config: %v", err)
	}

	catalog := restaurant.NewCatalog(cfg.Restaurant.Source)
	srv := twin.New([]byte(cfg.Identity.LocalSigningKey),
		twin.WithNames(catalog),
		twin.WithLoyalty(*pointsPerSpin, defaultThresholds),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Kafka.Enabled() {
		consumer := analytics.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, srv.Record)
		defer func() {
			if err := consumer.Close(); err != nil {
				log.Printf("spin-twin: error closing consumer: %v", err)
			}
		}()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Printf("spin-twin: analytics consumer stopped: %v", err)
			}
		}()
		log.Printf("spin-twin: consuming %s (brokers=%v group=%s)", analytics.Topic, cfg.Kafka.Brokers, cfg.Kafka.GroupID)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Mount("/", srv.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.Twin.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("spin-twin: shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("spin-twin: shutdown error: %v", err)
		}
	}()

	log.Printf("spin-twin starting on %s", cfg.Twin.Addr)
	log.Printf("  Claim:     POST http://localhost%s/api/claim-reward", cfg.Twin.Addr)
	log.Printf("  Dashboard: GET  http://localhost%s/api/user-dashboard", cfg.Twin.Addr)

	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("spin-twin: server error: %v", err)
	}
	log.Println("spin-twin: stopped")
}
