package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// inlineNotifier delivers synchronously so tests can assert without waiting.
type inlineNotifier struct {
	attempts atomic.Int64
}

func (notifier *inlineNotifier) Notify(sink Sink, notification Notification) {
	notifier.attempts.Add(1)
	_ = sink.Notify(context.Background(), notification)
}

type recordingSink struct {
	mu       sync.Mutex
	received []Notification
}

func (sink *recordingSink) Notify(_ context.Context, notification Notification) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.received = append(sink.received, notification)
	return nil
}

func (sink *recordingSink) values() []float64 {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	output := make([]float64, 0, len(sink.received))
	for _, notification := range sink.received {
		output = append(output, notification.Measurement.Value)
	}
	return output
}

func (sink *recordingSink) notifications() []Notification {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]Notification(nil), sink.received...)
}

func measurement(peripheral int32, quantityType int32, value float64) Measurement {
	return Measurement{
		ID:           "m",
		Datetime:     time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
		Peripheral:   peripheral,
		QuantityType: quantityType,
		Value:        value,
	}
}

func newTestEngine(t *testing.T) (*Engine, *inlineNotifier) {
	t.Helper()
	notifier := &inlineNotifier{}
	return NewEngine(notifier, WithLogger(zaptest.NewLogger(t))), notifier
}

func TestEngineGreenhouseScenario(t *testing.T) {
	engine, _ := newTestEngine(t)

	sinkX := &recordingSink{}
	idX := engine.Subscribe("greenhouse-1", sinkX)
	assert.Empty(t, sinkX.values(), "nothing to replay yet")

	engine.Publish("greenhouse-1", measurement(3, 7, 21.5))

	received := sinkX.notifications()
	require.Len(t, received, 1)
	assert.Equal(t, idX, received[0].Subscription)
	assert.Equal(t, 21.5, received[0].Measurement.Value)
	assert.Equal(t, "greenhouse-1", received[0].Measurement.KitSerial)

	sinkY := &recordingSink{}
	engine.Subscribe("greenhouse-1", sinkY)

	replay := sinkY.notifications()
	require.Len(t, replay, 1)
	assert.Equal(t, ChannelKey{Peripheral: 3, QuantityType: 7}, replay[0].Measurement.Key())
	assert.Equal(t, 21.5, replay[0].Measurement.Value)
	assert.Len(t, sinkX.values(), 1, "replay to Y must not reach X")
}

func TestEngineNoMissAfterSubscribe(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.Publish("kit", measurement(1, 1, 1))
	sink := &recordingSink{}
	engine.Subscribe("kit", sink)
	engine.Publish("kit", measurement(1, 1, 2))

	assert.Contains(t, sink.values(), float64(2))
}

func TestEngineReplayIsLatest(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.Publish("kit", measurement(1, 1, 1))
	engine.Publish("kit", measurement(1, 1, 2))

	sink := &recordingSink{}
	engine.Subscribe("kit", sink)

	assert.Equal(t, []float64{2}, sink.values())
}

func TestEngineIndependentKeys(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.Publish("kit", measurement(1, 1, 10))
	sink := &recordingSink{}
	engine.Subscribe("kit", sink)
	require.Len(t, sink.values(), 1)

	engine.Publish("kit", measurement(2, 5, 20))

	received := sink.notifications()
	require.Len(t, received, 2)
	assert.Equal(t, ChannelKey{Peripheral: 2, QuantityType: 5}, received[1].Measurement.Key())
	assert.Equal(t, float64(20), received[1].Measurement.Value)
}

func TestEngineCrossKitIsolation(t *testing.T) {
	engine, _ := newTestEngine(t)

	sinkA := &recordingSink{}
	engine.Subscribe("A", sinkA)
	engine.Publish("B", measurement(1, 1, 5))

	assert.Empty(t, sinkA.values())
	assert.Empty(t, engine.Latest("A"))
	assert.Len(t, engine.Latest("B"), 1)
}

func TestEngineUnsubscribeIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t)

	kept := &recordingSink{}
	leaving := &recordingSink{}
	engine.Subscribe("kit", kept)
	id := engine.Subscribe("kit", leaving)

	assert.True(t, engine.Unsubscribe(id))
	assert.False(t, engine.Unsubscribe(id))
	assert.False(t, engine.Unsubscribe("unknown"))

	engine.Publish("kit", measurement(1, 1, 3))

	assert.Empty(t, leaving.values())
	assert.Equal(t, []float64{3}, kept.values())
}

func TestEngineFanOutCompleteness(t *testing.T) {
	engine, notifier := newTestEngine(t)

	const sinks = 25
	failing := SinkFunc(func(context.Context, Notification) error { return ErrSinkClosed })
	for index := 0; index < sinks; index++ {
		engine.Subscribe("kit", failing)
	}
	require.Zero(t, notifier.attempts.Load())

	engine.Publish("kit", measurement(1, 1, 1))

	assert.Equal(t, int64(sinks), notifier.attempts.Load())
}

func TestEngineConcurrentPublishSubscribeNeverMisses(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{Shards: 4, QueueSize: 4096})
	engine := NewEngine(dispatcher)

	const publishes = 200
	sinks := make([]*recordingSink, 10)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for value := 1; value <= publishes; value++ {
			engine.Publish("kit", measurement(1, 1, float64(value)))
		}
	}()
	for index := range sinks {
		sinks[index] = &recordingSink{}
		wg.Add(1)
		go func(sink *recordingSink) {
			defer wg.Done()
			engine.Subscribe("kit", sink)
		}(sinks[index])
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Close(ctx))

	for _, sink := range sinks {
		values := sink.values()
		require.NotEmpty(t, values)
		assert.Equal(t, float64(publishes), values[len(values)-1], "last delivered value must be the final publish")
		for index := 1; index < len(values); index++ {
			assert.LessOrEqual(t, values[index-1], values[index], "values for one subscription arrive in order")
		}
	}
}

func TestEngineSweepEvictsIdleKits(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	engine := NewEngine(&inlineNotifier{}, WithClock(clock), WithMetrics(metrics))

	engine.Publish("idle", measurement(1, 1, 1))
	engine.Publish("watched", measurement(1, 1, 1))
	engine.Subscribe("watched", &recordingSink{})

	now = now.Add(10 * time.Minute)
	engine.Publish("fresh", measurement(1, 1, 1))

	assert.Zero(t, engine.Sweep(0), "zero idle disables eviction")
	assert.Equal(t, 1, engine.Sweep(5*time.Minute))

	stats := engine.Stats()
	assert.Equal(t, 2, stats.Kits)
	assert.Equal(t, 1, stats.Subscriptions)
	assert.Empty(t, engine.Latest("idle"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.evicted))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.kits))

	engine.Publish("idle", measurement(1, 1, 2))
	assert.Len(t, engine.Latest("idle"), 1, "evicted kits are recreated lazily")
}

func TestEngineMetricsTrackSubscriptions(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	engine := NewEngine(&inlineNotifier{}, WithMetrics(metrics))

	first := engine.Subscribe("kit", &recordingSink{})
	engine.Subscribe("kit", &recordingSink{})
	engine.Unsubscribe(first)
	engine.Unsubscribe(first)
	engine.Publish("kit", measurement(1, 1, 1))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.subscriptions))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.published))
}

// goNotifier delivers each notification on its own goroutine without waiting.
type goNotifier struct{}

func (goNotifier) Notify(sink Sink, notification Notification) {
	go func() {
		_ = sink.Notify(context.Background(), notification)
	}()
}

func TestEngineSinkCanUnsubscribeOnReplay(t *testing.T) {
	engine := NewEngine(goNotifier{})
	engine.Publish("kit", measurement(1, 1, 20.5))

	removed := make(chan bool, 1)
	var once sync.Once
	engine.Subscribe("kit", SinkFunc(func(_ context.Context, notification Notification) error {
		once.Do(func() {
			removed <- engine.Unsubscribe(notification.Subscription)
		})
		return nil
	}))

	select {
	case ok := <-removed:
		assert.True(t, ok, "unsubscribe from the first notification must find the subscription")
	case <-time.After(2 * time.Second):
		t.Fatal("replay was not delivered")
	}
	assert.Equal(t, 0, engine.Stats().Subscriptions)
}
