package pubsub

import (
	"context"
	"errors"
	"time"
)

var ErrSinkClosed = errors.New("sink closed")

// ChannelKey identifies one measurement channel of a kit.
type ChannelKey struct {
	Peripheral   int32
	QuantityType int32
}

type Measurement struct {
	ID           string    `json:"id"`
	KitSerial    string    `json:"kitSerial"`
	Datetime     time.Time `json:"datetime"`
	Peripheral   int32     `json:"peripheral"`
	QuantityType int32     `json:"quantityType"`
	Value        float64   `json:"value"`
}

func (measurement Measurement) Key() ChannelKey {
	return ChannelKey{Peripheral: measurement.Peripheral, QuantityType: measurement.QuantityType}
}

// Notification is what a sink receives, both for replay and for live updates.
type Notification struct {
	Subscription SubscriptionID
	Measurement  Measurement
}

// Sink delivers notifications to one connected subscriber. Implementations
// must be safe for concurrent use and may fail once the endpoint is gone.
type Sink interface {
	Notify(ctx context.Context, notification Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, notification Notification) error

func (fn SinkFunc) Notify(ctx context.Context, notification Notification) error {
	return fn(ctx, notification)
}

// Notifier schedules a delivery without blocking the caller.
type Notifier interface {
	Notify(sink Sink, notification Notification)
}
