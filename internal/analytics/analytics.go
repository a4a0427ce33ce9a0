// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

// Package analytics publishes spin and claim events to Kafka and consumes
// them on the other side.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	"github.com/jredh-dev/spinwheel/internal/state"
)

const (
	// Topic carries JSON-encoded Events.
	Topic = "spin-events"

	// DLQTopic receives records the consumer could not handle.
	DLQTopic = "spin-events-dlq"

	maxRetries = 3
)

// Event types.
const (
	TypeSpinRecorded   = "spin_recorded"
	TypeClaimSucceeded = "claim_succeeded"
)

// Event is one analytics record.
//
//	{
//	  "id":            "550e8400-e29b-41d4-a716-446655440000",
//	  "type":          "spin_recorded",
//	  "restaurant_id": "cafe",
//	  "remaining":     2,
//	  "at":            "2026-05-04T12:00:00Z"
//	}
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	RestaurantID string    `json:"restaurant_id"`
	Remaining    *int      `json:"remaining,omitempty"`
	CouponCode   string    `json:"coupon_code,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events to Topic, keyed by restaurant.
type Kafka struct {
	w   messageWriter
	log *slog.Logger
}

// NewKafka returns a publisher for the given brokers.
func NewKafka(brokers []string) *Kafka {
	return newKafka(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	})
}

func newKafka(w messageWriter) *Kafka {
	return &Kafka{w: w, log: slog.Default().With("component", "analytics")}
}

// Publish writes e, retrying with a short backoff.
func (k *Kafka) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{Key: []byte(e.RestaurantID), Value: value}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if lastErr = k.w.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		k.log.Warn("publish failed", "id", e.ID, "attempt", attempt, "error", lastErr)
		if attempt < maxRetries {
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("publish %s: %w", e.Type, lastErr)
}

// Close flushes and releases the writer.
func (k *Kafka) Close() error { return k.w.Close() }

// Attach forwards spin and claim events from store to pub on a background
// goroutine. Events are dropped when the queue is full. The returned
// function detaches and waits for queued events to be sent.
func Attach(store *state.Store, pub Publisher) (detach func()) {
	log := slog.Default().With("component", "analytics")
	queue := make(chan Event, 64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range queue {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := pub.Publish(ctx, e); err != nil {
				log.Warn("dropping analytics event", "type", e.Type, "error", err)
			}
			cancel()
		}
	}()

	enqueue := func(e Event) {
		e.ID = uuid.NewString()
		e.At = time.Now().UTC()
		select {
		case queue <- e:
		default:
			log.Warn("analytics queue full", "type", e.Type)
		}
	}

	unsubscribe := store.Subscribe(func(ev state.Event) {
		switch ev := ev.(type) {
		case state.LedgerChanged:
			remaining := ev.Remaining
			enqueue(Event{Type: TypeSpinRecorded, RestaurantID: ev.RestaurantID, Remaining: &remaining})
		case state.Changed:
			if !ev.Has(state.FieldClaimNavigationState) {
				return
			}
			nav := ev.State.ClaimNavigationState
			if nav == nil || nav.ClaimAPIResponse == nil {
				return
			}
			e := Event{Type: TypeClaimSucceeded, RestaurantID: nav.RestaurantID, CouponCode: nav.ClaimAPIResponse.CouponCode}
			if ev.State.User != nil {
				e.UserID = ev.State.User.UID
			}
			enqueue(e)
		}
	})

	return func() {
		unsubscribe()
		close(queue)
		<-done
	}
}
