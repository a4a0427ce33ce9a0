// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/jredh-dev/spinwheel/internal/state"
	"github.com/jredh-dev/spinwheel/internal/storage"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestAttachForwardsSpinsAndClaims(t *testing.T) {
	store := state.New(storage.NewMemory(), storage.NewMemory())
	pub := &recordingPublisher{}
	detach := Attach(store, pub)

	store.Notify(state.LedgerChanged{RestaurantID: "cafe", Remaining: 2})
	// A pending claim without a response is not a success.
	store.SetClaimNavigationState(&models.ClaimNavigationState{
		SpinResult:   &models.Offer{Label: "Free Coffee"},
		RestaurantID: "cafe",
	})
	store.SetClaimNavigationState(&models.ClaimNavigationState{
		RestaurantID:     "cafe",
		ClaimAPIResponse: &models.ClaimResponse{CouponCode: "CAFE-ABC123"},
	})
	detach()

	if len(pub.events) != 2 {
		t.Fatalf("events = %+v", pub.events)
	}
	spin, claim := pub.events[0], pub.events[1]
	if spin.Type != TypeSpinRecorded || spin.Remaining == nil || *spin.Remaining != 2 {
		t.Errorf("spin event = %+v", spin)
	}
	if claim.Type != TypeClaimSucceeded || claim.CouponCode != "CAFE-ABC123" || claim.RestaurantID != "cafe" {
		t.Errorf("claim event = %+v", claim)
	}
	if spin.ID == "" || spin.ID == claim.ID || spin.At.IsZero() {
		t.Errorf("ids/timestamps not assigned: %+v %+v", spin, claim)
	}

	// Detached: nothing more is forwarded.
	store.Notify(state.LedgerChanged{RestaurantID: "cafe", Remaining: 1})
	if len(pub.events) != 2 {
		t.Error("event forwarded after detach")
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	fail   int
	writes []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("broker unavailable")
	}
	w.writes = append(w.writes, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublish(t *testing.T) {
	w := &fakeWriter{fail: 1}
	k := newKafka(w)
	remaining := 1
	e := Event{ID: "e1", Type: TypeSpinRecorded, RestaurantID: "cafe", Remaining: &remaining}

	if err := k.Publish(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if len(w.writes) != 1 || string(w.writes[0].Key) != "cafe" {
		t.Fatalf("writes = %+v", w.writes)
	}
	var got Event
	if err := json.Unmarshal(w.writes[0].Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "e1" || got.Type != TypeSpinRecorded {
		t.Errorf("decoded = %+v", got)
	}

	w.fail = maxRetries
	if err := k.Publish(context.Background(), e); err == nil {
		t.Error("expected error after exhausting retries")
	}
	k.Close()
	if !w.closed {
		t.Error("writer not closed")
	}
}

type fakeReader struct {
	msgs      chan kafka.Message
	committed []kafka.Message
	mu        sync.Mutex
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestConsumer(t *testing.T) {
	good, _ := json.Marshal(Event{ID: "ok", Type: TypeClaimSucceeded, RestaurantID: "cafe"})
	poison, _ := json.Marshal(Event{ID: "poison", Type: TypeSpinRecorded})

	tests := []struct {
		name    string
		value   []byte
		wantDLQ bool
		handled int
	}{
		{"handled", good, false, 1},
		{"malformed", []byte("{not json"), true, 0},
		{"handler keeps failing", poison, true, maxRetries},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeReader{msgs: make(chan kafka.Message, 1)}
			dlq := &fakeWriter{}
			var mu sync.Mutex
			handled := 0
			c := newConsumer(r, dlq, func(_ context.Context, e Event) error {
				mu.Lock()
				defer mu.Unlock()
				handled++
				if e.ID == "poison" {
					return errors.New("cannot handle")
				}
				return nil
			})
			c.backoff = time.Millisecond

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- c.Run(ctx) }()

			r.msgs <- kafka.Message{Key: []byte("k"), Value: tt.value}
			deadline := time.Now().Add(2 * time.Second)
			for r.commits() == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Run = %v", err)
			}

			if r.commits() != 1 {
				t.Errorf("commits = %d, want 1", r.commits())
			}
			if got := len(dlq.writes) == 1; got != tt.wantDLQ {
				t.Errorf("dlq writes = %d", len(dlq.writes))
			}
			if handled != tt.handled {
				t.Errorf("handled = %d, want %d", handled, tt.handled)
			}
		})
	}
}
