// Package metrics provides the event bus the hot paths emit into, plus the
// Prometheus sink that owns aggregation. Emission never blocks a hot path:
// the bus is a bounded channel that drops and counts on overflow.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Stable event names. Consumers key on these strings; do not rename.
const (
	EventConcurrencyAdjusted     = "concurrency_adjusted"
	EventBatchIntervalAdjusted   = "batch_interval_adjusted"
	EventMemoryPressure          = "memory_pressure_events"
	EventStatsReset              = "stats_reset"
	EventSymbolTransformFailed   = "symbol_transformation_failed"
	EventSlowQueryDetected       = "slow_query_detected"
	EventServiceShutdown         = "service_shutdown"
	EventPipelineFallback        = "stream_pipeline_fallback"
	EventCircuitStateChange      = "circuit_breaker_state_change"
	EventCacheHit                = "cache_hit"
	EventCacheMiss               = "cache_miss"
	EventBroadcastDelivered      = "broadcast_delivered"
	EventBroadcastFailed         = "broadcast_failed"
	EventRequestProcessed        = "request_processed"
	EventSubscriptionChanged     = "subscription_changed"
	EventIdleClientReaped        = "idle_client_reaped"
	EventProviderFetch           = "provider_fetch"
	EventStorePersist            = "store_persist"
)

// Event is one structured measurement emitted by a hot path.
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	Source      string            `json:"source"`
	MetricType  string            `json:"metricType"`
	MetricName  string            `json:"metricName"`
	MetricValue float64           `json:"metricValue"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Bus accepts events from hot paths. Implementations must never block.
type Bus interface {
	Emit(ev Event)
}

// Sink consumes drained events.
type Sink interface {
	Consume(ev Event)
}

// ChannelBus is the default Bus: a bounded channel drained by one goroutine.
type ChannelBus struct {
	ch      chan Event
	sink    Sink
	dropped atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewChannelBus starts a bus draining into sink. Capacity bounds the queue;
// events beyond it are dropped, not queued.
func NewChannelBus(sink Sink, capacity int) *ChannelBus {
	if capacity <= 0 {
		capacity = 1024
	}
	b := &ChannelBus{
		ch:     make(chan Event, capacity),
		sink:   sink,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go b.drain()
	return b
}

// Emit enqueues the event, dropping it when the queue is full.
func (b *ChannelBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.ch <- ev:
	default:
		if n := b.dropped.Add(1); n%1000 == 1 {
			log.Warn().Int64("dropped", n).Str("metric", ev.MetricName).Msg("metrics bus full, dropping events")
		}
	}
}

// Dropped returns the count of events discarded due to backpressure.
func (b *ChannelBus) Dropped() int64 { return b.dropped.Load() }

// Stop drains remaining events and shuts the bus down.
func (b *ChannelBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
}

func (b *ChannelBus) drain() {
	defer close(b.doneCh)
	for {
		select {
		case ev := <-b.ch:
			b.consume(ev)
		case <-b.stopCh:
			for {
				select {
				case ev := <-b.ch:
					b.consume(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *ChannelBus) consume(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("metric", ev.MetricName).Msg("metrics sink panicked")
		}
	}()
	b.sink.Consume(ev)
}

// NopBus discards every event. Used in tests and as a safe default.
type NopBus struct{}

func (NopBus) Emit(Event) {}
