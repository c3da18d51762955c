package pubsub

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type kitState struct {
	mu           sync.Mutex
	serial       string
	subscribers  *Registry[Sink]
	buffer       *LatestBuffer
	lastActivity time.Time
	evicted      bool
}

type Stats struct {
	Kits          int `json:"kits"`
	Subscriptions int `json:"subscriptions"`
}

type EngineOption func(*Engine)

func WithLogger(logger *zap.Logger) EngineOption {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) EngineOption {
	return func(engine *Engine) {
		engine.metrics = metrics
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(engine *Engine) {
		if now != nil {
			engine.now = now
		}
	}
}

// Engine fans measurements out to per-kit subscribers and replays the latest
// value of every channel to new subscribers.
//
// Lock order: kitsMu, then kitState.mu, then routesMu. Unsubscribe releases
// routesMu before taking a kit mutex.
type Engine struct {
	notifier Notifier
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time

	kitsMu sync.RWMutex
	kits   map[string]*kitState

	routesMu sync.Mutex
	routes   map[SubscriptionID]*kitState
}

func NewEngine(notifier Notifier, options ...EngineOption) *Engine {
	engine := &Engine{
		notifier: notifier,
		logger:   zap.NewNop(),
		now:      time.Now,
		kits:     make(map[string]*kitState),
		routes:   make(map[SubscriptionID]*kitState),
	}
	for _, option := range options {
		option(engine)
	}
	engine.logger = engine.logger.With(zap.String("component", "pubsub"))
	return engine
}

// Publish buffers the measurement and schedules one notification per current
// subscriber of the kit. It never blocks on delivery.
func (engine *Engine) Publish(kitSerial string, measurement Measurement) {
	measurement.KitSerial = kitSerial

	state := engine.lockKit(kitSerial)
	state.buffer.Upsert(measurement)
	state.lastActivity = engine.now()
	subscribers := state.subscribers.Entries()
	for _, entry := range subscribers {
		engine.notifier.Notify(entry.Sink, Notification{Subscription: entry.ID, Measurement: measurement})
	}
	state.mu.Unlock()

	engine.metrics.measurementPublished()
	engine.logger.Debug("measurement published",
		zap.String("kit", kitSerial),
		zap.Int32("peripheral", measurement.Peripheral),
		zap.Int32("quantity_type", measurement.QuantityType),
		zap.Int("subscribers", len(subscribers)),
	)
}

// Subscribe registers the sink for the kit and replays the buffered values to
// it. Registration and snapshot share the critical section used by Publish,
// so every value reaches the sink either by replay or live.
func (engine *Engine) Subscribe(kitSerial string, sink Sink) SubscriptionID {
	state := engine.lockKit(kitSerial)
	id := state.subscribers.Add(sink)

	// The route must exist before the replay can reach a sink that
	// unsubscribes from inside Notify.
	engine.routesMu.Lock()
	engine.routes[id] = state
	engine.routesMu.Unlock()
	engine.metrics.subscriptionsChanged(1)

	replay := state.buffer.Snapshot()
	for _, measurement := range replay {
		engine.notifier.Notify(sink, Notification{Subscription: id, Measurement: measurement})
	}
	state.lastActivity = engine.now()
	state.mu.Unlock()

	engine.logger.Debug("subscribed",
		zap.String("kit", kitSerial),
		zap.String("subscription", string(id)),
		zap.Int("replayed", len(replay)),
	)
	return id
}

// Unsubscribe removes the subscription. Unknown or already removed ids are
// ignored; the result reports whether anything was removed.
func (engine *Engine) Unsubscribe(id SubscriptionID) bool {
	engine.routesMu.Lock()
	state, ok := engine.routes[id]
	delete(engine.routes, id)
	engine.routesMu.Unlock()

	if !ok {
		return false
	}

	state.mu.Lock()
	_, removed := state.subscribers.Remove(id)
	state.lastActivity = engine.now()
	state.mu.Unlock()

	if removed {
		engine.metrics.subscriptionsChanged(-1)
		engine.logger.Debug("unsubscribed",
			zap.String("kit", state.serial),
			zap.String("subscription", string(id)),
		)
	}
	return removed
}

// Latest returns the buffered measurements of a kit without creating state
// for unknown kits.
func (engine *Engine) Latest(kitSerial string) []Measurement {
	engine.kitsMu.RLock()
	state, ok := engine.kits[kitSerial]
	engine.kitsMu.RUnlock()
	if !ok {
		return []Measurement{}
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.buffer.Snapshot()
}

// Sweep drops kit state that has no subscribers and saw no activity for at
// least idle. It returns the number of kits removed.
func (engine *Engine) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := engine.now().Add(-idle)

	engine.kitsMu.Lock()
	evicted := 0
	for serial, state := range engine.kits {
		state.mu.Lock()
		if state.subscribers.Len() == 0 && !state.lastActivity.After(cutoff) {
			state.evicted = true
			delete(engine.kits, serial)
			evicted++
		}
		state.mu.Unlock()
	}
	engine.kitsMu.Unlock()

	if evicted > 0 {
		engine.metrics.kitsChanged(float64(-evicted))
		engine.metrics.kitsEvicted(evicted)
		engine.logger.Info("evicted idle kits", zap.Int("count", evicted))
	}
	return evicted
}

func (engine *Engine) Stats() Stats {
	engine.kitsMu.RLock()
	states := make([]*kitState, 0, len(engine.kits))
	for _, state := range engine.kits {
		states = append(states, state)
	}
	engine.kitsMu.RUnlock()

	stats := Stats{Kits: len(states)}
	for _, state := range states {
		stats.Subscriptions += state.subscribers.Len()
	}
	return stats
}

// lockKit returns the live state for the kit with its mutex held, creating it
// on first use. A state evicted between lookup and locking is skipped.
func (engine *Engine) lockKit(kitSerial string) *kitState {
	for {
		state := engine.resolveKit(kitSerial)
		state.mu.Lock()
		if !state.evicted {
			return state
		}
		state.mu.Unlock()
	}
}

func (engine *Engine) resolveKit(kitSerial string) *kitState {
	engine.kitsMu.RLock()
	state, ok := engine.kits[kitSerial]
	engine.kitsMu.RUnlock()
	if ok {
		return state
	}

	engine.kitsMu.Lock()
	defer engine.kitsMu.Unlock()

	if state, ok = engine.kits[kitSerial]; ok {
		return state
	}
	state = &kitState{
		serial:       kitSerial,
		subscribers:  NewRegistry[Sink](),
		buffer:       NewLatestBuffer(),
		lastActivity: engine.now(),
	}
	engine.kits[kitSerial] = state
	engine.metrics.kitsChanged(1)
	return state
}
