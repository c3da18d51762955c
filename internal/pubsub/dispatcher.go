package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

type DispatcherConfig struct {
	// Shards splits the subscription mailboxes over independently locked maps.
	Shards int
	// QueueSize bounds the pending notifications of one subscription.
	QueueSize       int
	DeliveryTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Shards:          8,
		QueueSize:       256,
		DeliveryTimeout: 5 * time.Second,
	}
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if logger != nil {
			dispatcher.logger = logger
		}
	}
}

func WithDispatcherMetrics(metrics *Metrics) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.metrics = metrics
	}
}

type delivery struct {
	sink         Sink
	notification Notification
}

// mailbox is the pending FIFO of one subscription. A drain goroutine exists
// only while the mailbox is non-empty.
type mailbox struct {
	pending []delivery
}

type mailboxShard struct {
	mu    sync.Mutex
	boxes map[SubscriptionID]*mailbox
}

// Dispatcher gives every subscription its own bounded mailbox and drain
// goroutine, so a stalled sink only delays and drops its own notifications.
// Deliveries for one subscription keep their order. Failed deliveries are
// counted and dropped, never retried.
type Dispatcher struct {
	config  DispatcherConfig
	logger  *zap.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	shards  []*mailboxShard
}

func NewDispatcher(config DispatcherConfig, options ...DispatcherOption) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.Shards < 1 {
		config.Shards = defaults.Shards
	}
	if config.QueueSize < 1 {
		config.QueueSize = defaults.QueueSize
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}

	dispatcher := &Dispatcher{
		config: config,
		logger: zap.NewNop(),
		shards: make([]*mailboxShard, config.Shards),
	}
	for _, option := range options {
		option(dispatcher)
	}
	dispatcher.logger = dispatcher.logger.With(zap.String("component", "dispatcher"))
	dispatcher.ctx, dispatcher.cancel = context.WithCancel(context.Background())

	for index := range dispatcher.shards {
		dispatcher.shards[index] = &mailboxShard{boxes: make(map[SubscriptionID]*mailbox)}
	}

	return dispatcher
}

// Notify appends to the subscription's mailbox and returns immediately. When
// the mailbox is full its oldest pending notification is dropped, keeping the
// newest values. After Close every notification is dropped.
func (dispatcher *Dispatcher) Notify(sink Sink, notification Notification) {
	dispatcher.mu.RLock()
	defer dispatcher.mu.RUnlock()

	if dispatcher.stopped {
		dispatcher.metrics.notification(resultDropped)
		return
	}

	id := notification.Subscription
	shard := dispatcher.shard(id)

	shard.mu.Lock()
	box, running := shard.boxes[id]
	if !running {
		box = &mailbox{}
		shard.boxes[id] = box
	}
	if len(box.pending) >= dispatcher.config.QueueSize {
		box.pending[0] = delivery{}
		box.pending = box.pending[1:]
		dispatcher.metrics.notification(resultDropped)
		dispatcher.logger.Debug("mailbox full, oldest notification dropped",
			zap.String("subscription", string(id)),
		)
	}
	box.pending = append(box.pending, delivery{sink: sink, notification: notification})
	if !running {
		dispatcher.wg.Add(1)
	}
	shard.mu.Unlock()

	if !running {
		go dispatcher.drain(shard, id, box)
	}
}

// Close stops accepting work, lets every mailbox drain and waits for them
// until ctx expires.
func (dispatcher *Dispatcher) Close(ctx context.Context) error {
	dispatcher.mu.Lock()
	if dispatcher.stopped {
		dispatcher.mu.Unlock()
		return nil
	}
	dispatcher.stopped = true
	dispatcher.mu.Unlock()

	done := make(chan struct{})
	go func() {
		dispatcher.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		dispatcher.cancel()
		return nil
	case <-ctx.Done():
		dispatcher.cancel()
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

func (dispatcher *Dispatcher) shard(id SubscriptionID) *mailboxShard {
	return dispatcher.shards[xxhash.Sum64String(string(id))%uint64(len(dispatcher.shards))]
}

func (dispatcher *Dispatcher) drain(shard *mailboxShard, id SubscriptionID, box *mailbox) {
	defer dispatcher.wg.Done()

	for {
		shard.mu.Lock()
		if len(box.pending) == 0 {
			delete(shard.boxes, id)
			shard.mu.Unlock()
			return
		}
		job := box.pending[0]
		box.pending[0] = delivery{}
		box.pending = box.pending[1:]
		shard.mu.Unlock()

		dispatcher.deliver(job)
	}
}

func (dispatcher *Dispatcher) deliver(job delivery) {
	ctx, cancel := context.WithTimeout(dispatcher.ctx, dispatcher.config.DeliveryTimeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			dispatcher.metrics.notification(resultFailed)
			dispatcher.logger.Warn("sink panicked",
				zap.String("subscription", string(job.notification.Subscription)),
				zap.Any("panic", recovered),
			)
		}
	}()

	if err := job.sink.Notify(ctx, job.notification); err != nil {
		dispatcher.metrics.notification(resultFailed)
		dispatcher.logger.Debug("delivery failed",
			zap.String("subscription", string(job.notification.Subscription)),
			zap.Error(err),
		)
		return
	}
	dispatcher.metrics.notification(resultDelivered)
}
