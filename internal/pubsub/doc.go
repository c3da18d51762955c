// Package pubsub implements the in-memory subscription registry and the
// publish/notify engine for live kit measurements.
//
// Each kit owns a Registry of sinks and a LatestBuffer holding the most recent
// measurement per (peripheral, quantity type) channel. Publish stores the
// measurement and then schedules one notification per subscriber; Subscribe
// registers a sink and replays the buffer to it. Both run under the kit's
// mutex, so a value published before a subscription is replayed and one
// published after it is delivered live.
//
// Delivery never happens under an engine lock. The engine hands notifications
// to a Notifier, normally a Dispatcher, which queues them in a mailbox per
// subscription. Drain goroutines call Sink.Notify and swallow failures.
package pubsub
