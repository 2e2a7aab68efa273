// Package pipeline implements the dynamic batching pipeline for streamed
// quote events: a single cooperative consumer accumulates events, flushes
// them on an adaptively tuned interval, transforms each (provider,
// capability) group under a circuit breaker and hands records to the
// configured callbacks. Malformed records degrade per record, never the
// batch.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"

	"github.com/quotewire/quotewire/internal/metrics"
	"github.com/quotewire/quotewire/internal/model"
	"github.com/quotewire/quotewire/internal/transform"
)

// Transformer is the slice of the transform engine the pipeline needs.
type Transformer interface {
	ApplyBatch(ctx context.Context, provider, apiType, capability string, raws []map[string]any) (*transform.BatchOutcome, error)
}

// Callbacks receive every record that clears (or degrades past) the
// transform stage. Any of them may be nil.
type Callbacks struct {
	EnsureSymbolConsistency func(rec map[string]any, symbols []string) map[string]any
	CacheData               func(ctx context.Context, provider, capability string, rec map[string]any)
	BroadcastData           func(ctx context.Context, provider, capability string, rec map[string]any, degraded bool)
	RecordMetrics           func(provider, capability string, batchSize, failed int, elapsed time.Duration)
}

// Pipeline is one single-consumer batching pipeline. Producers call AddQuote;
// everything else runs on the pipeline's own goroutine.
type Pipeline struct {
	cfg       Config
	transform Transformer
	callbacks Callbacks
	breaker   *cb.CircuitBreaker
	bus       metrics.Bus

	events  chan model.QuoteEvent
	dropped int64

	// Owned by the run goroutine.
	interval time.Duration
	samples  []int
	sampleAt int

	mu       sync.RWMutex // guards interval for Interval()
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a pipeline; Run starts its consumer.
func New(name string, cfg Config, tr Transformer, callbacks Callbacks, bus metrics.Bus) *Pipeline {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = metrics.NopBus{}
	}
	return &Pipeline{
		cfg:       cfg,
		transform: tr,
		callbacks: callbacks,
		breaker:   newTransformBreaker(name, cfg, bus),
		bus:       bus,
		events:    make(chan model.QuoteEvent, cfg.QueueCapacity),
		interval:  cfg.BaseInterval,
		samples:   make([]int, 0, cfg.SampleWindow),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// AddQuote appends an event without blocking. Events beyond the queue bound
// are dropped and counted.
func (p *Pipeline) AddQuote(ev model.QuoteEvent) {
	if ev.ArrivedAt.IsZero() {
		ev.ArrivedAt = time.Now()
	}
	select {
	case p.events <- ev:
	case <-p.stopCh:
	default:
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		if n%1000 == 1 {
			log.Warn().Int64("dropped", n).Str("provider", ev.Provider).Msg("pipeline queue full, dropping quotes")
		}
	}
}

// Interval reports the current flush interval.
func (p *Pipeline) Interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval
}

// Dropped reports events discarded due to backpressure.
func (p *Pipeline) Dropped() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropped
}

// Run consumes until Stop. It is the pipeline's only consumer.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.doneCh)

	flush := time.NewTicker(p.interval)
	defer flush.Stop()
	adjust := time.NewTicker(p.cfg.AdjustmentFreq)
	defer adjust.Stop()

	var pending []model.QuoteEvent
	for {
		select {
		case <-ctx.Done():
			p.dispatch(context.Background(), pending)
			return
		case <-p.stopCh:
			p.dispatch(ctx, p.drainInto(pending))
			return
		case ev := <-p.events:
			pending = append(pending, ev)
		case <-flush.C:
			p.dispatch(ctx, pending)
			pending = nil
		case <-adjust.C:
			if next := p.retune(); next != 0 {
				flush.Reset(next)
			}
		}
	}
}

// Stop flushes what is queued and terminates the consumer.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Pipeline) drainInto(pending []model.QuoteEvent) []model.QuoteEvent {
	for {
		select {
		case ev := <-p.events:
			pending = append(pending, ev)
		default:
			return pending
		}
	}
}

// dispatch processes one batch: group by (provider, capability) preserving
// arrival order, transform each group, fan records to callbacks.
func (p *Pipeline) dispatch(ctx context.Context, batch []model.QuoteEvent) {
	p.recordSample(len(batch))
	if len(batch) == 0 {
		return
	}

	type groupKey struct{ provider, capability string }
	order := make([]groupKey, 0, 2)
	groups := make(map[groupKey][]model.QuoteEvent, 2)
	for _, ev := range batch {
		k := groupKey{ev.Provider, ev.Capability}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ev)
	}

	for _, k := range order {
		p.processGroup(ctx, k.provider, k.capability, groups[k])
	}
}

func (p *Pipeline) processGroup(ctx context.Context, provider, capability string, events []model.QuoteEvent) {
	start := time.Now()
	raws := make([]map[string]any, len(events))
	for i, ev := range events {
		raws[i] = ev.Raw
	}

	outcome, err := p.breaker.Execute(func() (any, error) {
		return p.transform.ApplyBatch(ctx, provider, "stream", capability, raws)
	})
	if err != nil {
		// Breaker open or transform fatal: degrade every record.
		p.fallback(ctx, provider, capability, events, err)
		return
	}

	res := outcome.(*transform.BatchOutcome)
	for i, ev := range events {
		if i >= len(res.Records) {
			break
		}
		if res.Records[i] == nil {
			// Per-record fallback: pass the raw through, tagged degraded.
			p.deliver(ctx, provider, capability, ev, ev.Raw, true)
			p.bus.Emit(metrics.Event{Source: "batching_pipeline", MetricType: "counter",
				MetricName: metrics.EventPipelineFallback, MetricValue: 1,
				Tags: map[string]string{"provider": provider, "capability": capability, "reason": "record_transform"}})
			continue
		}
		p.deliver(ctx, provider, capability, ev, res.Records[i], false)
	}

	if p.callbacks.RecordMetrics != nil {
		p.callbacks.RecordMetrics(provider, capability, len(events), res.Failed, time.Since(start))
	}
}

// fallback pushes raw records through broadcast with a degraded tag so
// downstream consumers keep receiving data while the transform is down.
func (p *Pipeline) fallback(ctx context.Context, provider, capability string, events []model.QuoteEvent, cause error) {
	if cause == cb.ErrOpenState || cause == cb.ErrTooManyRequests {
		log.Debug().Str("provider", provider).Str("capability", capability).Msg("transform breaker open, degrading batch")
	} else {
		log.Warn().Err(cause).Str("provider", provider).Str("capability", capability).Msg("batch transform failed, degrading batch")
	}

	for _, ev := range events {
		p.deliver(ctx, provider, capability, ev, ev.Raw, true)
	}
	p.bus.Emit(metrics.Event{
		Source: "batching_pipeline", MetricType: "counter",
		MetricName: metrics.EventPipelineFallback, MetricValue: float64(len(events)),
		Tags: map[string]string{"provider": provider, "capability": capability},
	})
	if p.callbacks.RecordMetrics != nil {
		p.callbacks.RecordMetrics(provider, capability, len(events), len(events), 0)
	}
}

// deliver runs the per-record callbacks inside a guard so one bad record
// never takes down the consumer.
func (p *Pipeline) deliver(ctx context.Context, provider, capability string, ev model.QuoteEvent, rec map[string]any, degraded bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("provider", provider).Msg("record callback panicked")
			p.bus.Emit(metrics.Event{Source: "batching_pipeline", MetricType: "counter",
				MetricName: metrics.EventPipelineFallback, MetricValue: 1,
				Tags: map[string]string{"provider": provider, "reason": "callback_panic"}})
		}
	}()

	if p.callbacks.EnsureSymbolConsistency != nil {
		rec = p.callbacks.EnsureSymbolConsistency(rec, ev.Symbols)
	}
	if !degraded && p.callbacks.CacheData != nil {
		p.callbacks.CacheData(ctx, provider, capability, rec)
	}
	if p.callbacks.BroadcastData != nil {
		p.callbacks.BroadcastData(ctx, provider, capability, rec, degraded)
	}
}

// recordSample feeds the moving window behind adaptive tuning.
func (p *Pipeline) recordSample(size int) {
	if len(p.samples) < p.cfg.SampleWindow {
		p.samples = append(p.samples, size)
		return
	}
	p.samples[p.sampleAt] = size
	p.sampleAt = (p.sampleAt + 1) % p.cfg.SampleWindow
}

// retune reconsiders the flush interval against the sample mean and returns
// the new interval when it changed.
func (p *Pipeline) retune() time.Duration {
	if len(p.samples) == 0 {
		return 0
	}
	sum := 0
	for _, s := range p.samples {
		sum += s
	}
	mean := float64(sum) / float64(len(p.samples))

	old := p.interval
	next := old
	level := "normal"
	switch {
	case mean >= p.cfg.HighLoadThreshold:
		next = p.cfg.HighLoadInterval
		level = "high"
	case mean <= p.cfg.LowLoadThreshold:
		next = p.cfg.LowLoadInterval
		level = "low"
	default:
		// Nudge towards base by one step.
		if old > p.cfg.BaseInterval {
			next = old - p.cfg.AdjustmentStep
			if next < p.cfg.BaseInterval {
				next = p.cfg.BaseInterval
			}
		} else if old < p.cfg.BaseInterval {
			next = old + p.cfg.AdjustmentStep
			if next > p.cfg.BaseInterval {
				next = p.cfg.BaseInterval
			}
		}
	}

	if next < p.cfg.MinInterval {
		next = p.cfg.MinInterval
	}
	if next > p.cfg.MaxInterval {
		next = p.cfg.MaxInterval
	}
	if next == old {
		return 0
	}

	p.mu.Lock()
	p.interval = next
	p.mu.Unlock()

	dir := "down"
	if next > old {
		dir = "up"
	}
	log.Info().Dur("old", old).Dur("new", next).Str("load", level).Msg("batch interval adjusted")
	p.bus.Emit(metrics.Event{
		Source: "batching_pipeline", MetricType: "gauge",
		MetricName: metrics.EventBatchIntervalAdjusted, MetricValue: float64(next.Milliseconds()),
		Tags: map[string]string{
			"old": old.String(), "new": next.String(),
			"loadLevel": level, "direction": dir,
		},
	})
	return next
}
