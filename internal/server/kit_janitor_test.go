package server

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"kitstream/backend/internal/pubsub"
)

type discardNotifier struct{}

func (discardNotifier) Notify(pubsub.Sink, pubsub.Notification) {}

func TestKitJanitorSweepsIdleKits(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	engine := pubsub.NewEngine(discardNotifier{}, pubsub.WithClock(func() time.Time { return now }))
	janitor := NewKitJanitor(engine, KitJanitorConfig{IdleTimeout: time.Minute}, zaptest.NewLogger(t))

	engine.Publish("idle", pubsub.Measurement{Peripheral: 1, QuantityType: 1, Value: 1})
	engine.Subscribe("watched", pubsub.SinkFunc(func(context.Context, pubsub.Notification) error { return nil }))

	now = now.Add(2 * time.Minute)
	if evicted := janitor.Sweep(); evicted != 1 {
		t.Fatalf("expected one evicted kit, got %d", evicted)
	}
	if stats := engine.Stats(); stats.Kits != 1 || stats.Subscriptions != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestKitJanitorRunStopsWithContext(t *testing.T) {
	engine := pubsub.NewEngine(discardNotifier{})
	janitor := NewKitJanitor(engine, KitJanitorConfig{SweepInterval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- janitor.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not stop")
	}
}
