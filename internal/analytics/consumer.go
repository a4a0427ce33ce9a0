// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// Handler processes one event.
type Handler func(ctx context.Context, e Event) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads Topic and hands each event to a Handler. Offsets are
// committed after handling; records that keep failing go to DLQTopic so the
// consumer keeps moving.
type Consumer struct {
	reader  messageReader
	dlq     messageWriter
	handle  Handler
	backoff time.Duration
	log     *slog.Logger
}

// NewConsumer joins groupID on the given brokers.
func NewConsumer(brokers []string, groupID string, h Handler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          Topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
	})
	dlq := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        DLQTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return newConsumer(reader, dlq, h)
}

func newConsumer(r messageReader, dlq messageWriter, h Handler) *Consumer {
	return &Consumer{
		reader:  r,
		dlq:     dlq,
		handle:  h,
		backoff: time.Second,
		log:     slog.Default().With("component", "analytics"),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consuming", "topic", Topic)
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}
		if err := c.dispatch(ctx, m); err != nil {
			c.log.Warn("routed event to DLQ", "key", string(m.Key), "error", err)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.log.Warn("commit failed, event may be redelivered", "error", err)
		}
	}
}

// Close releases the reader and the DLQ writer.
func (c *Consumer) Close() error {
	rerr := c.reader.Close()
	werr := c.dlq.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

func (c *Consumer) dispatch(ctx context.Context, m kafka.Message) error {
	var e Event
	if err := json.Unmarshal(m.Value, &e); err != nil {
		return c.toDLQ(ctx, m, fmt.Errorf("unmarshal: %w", err))
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if lastErr = c.handle(ctx, e); lastErr == nil {
			return nil
		}
		if attempt < maxRetries {
			select {
			case <-time.After(time.Duration(attempt) * c.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return c.toDLQ(ctx, m, lastErr)
}

func (c *Consumer) toDLQ(ctx context.Context, m kafka.Message, reason error) error {
	if err := c.dlq.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: m.Value}); err != nil {
		c.log.Error("could not write to DLQ", "error", err)
	}
	return reason
}
