package cache

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/quotewire/quotewire/internal/metrics"
)

// Governor tuning bounds.
const (
	governorInterval   = 30 * time.Second
	concurrencyStep    = 5
	minConcurrency     = 2
	maxConcurrency     = 32
	baseBatchSize      = 10
	minBatchSize       = 5
	maxBatchSize       = 50
	lowCPUThreshold    = 0.4
	highCPUThreshold   = 0.7
	defaultMemWarning  = 0.7
	defaultMemCritical = 0.85
	minFreeBytes       = 512 << 20
)

// GovernorConfig carries the memory thresholds driving the governor. Zero
// values fall back to the defaults.
type GovernorConfig struct {
	MemWarningThreshold  float64 // above: stop growing and shed concurrency
	MemCriticalThreshold float64 // above: declare pressure and halve
}

func (c GovernorConfig) withDefaults() GovernorConfig {
	if c.MemWarningThreshold <= 0 {
		c.MemWarningThreshold = defaultMemWarning
	}
	if c.MemCriticalThreshold <= 0 {
		c.MemCriticalThreshold = defaultMemCritical
	}
	return c
}

// LoadSample is one point-in-time reading of host pressure.
type LoadSample struct {
	CPULoad   float64 // 1-min load average / NumCPU
	MemUsed   float64 // heap used / heap total
	FreeBytes uint64
}

// Sampler supplies load samples. The default reads gopsutil and the runtime;
// tests inject fixed samples.
type Sampler interface {
	Sample() (LoadSample, error)
}

type hostSampler struct{}

func (hostSampler) Sample() (LoadSample, error) {
	sample := LoadSample{}

	if avg, err := load.Avg(); err == nil {
		sample.CPULoad = avg.Load1 / float64(runtime.NumCPU())
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys > 0 {
		sample.MemUsed = float64(ms.HeapInuse) / float64(ms.HeapSys)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.FreeBytes = vm.Available
	} else {
		sample.FreeBytes = minFreeBytes // unknown: assume enough
	}
	return sample, nil
}

// Governor adapts the orchestrator's concurrency and batch sizing to host
// pressure, halving concurrency and emitting events under memory pressure.
type Governor struct {
	cfg     GovernorConfig
	sampler Sampler
	bus     metrics.Bus

	mu             sync.RWMutex
	concurrency    int
	currentLoad    int
	underPressure  bool
	pressureEvents int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewGovernor creates a governor; Run starts its adjustment loop.
func NewGovernor(cfg GovernorConfig, bus metrics.Bus, sampler Sampler) *Governor {
	if bus == nil {
		bus = metrics.NopBus{}
	}
	if sampler == nil {
		sampler = hostSampler{}
	}
	return &Governor{
		cfg:         cfg.withDefaults(),
		sampler:     sampler,
		bus:         bus,
		concurrency: 8,
		stopCh:      make(chan struct{}),
	}
}

// Run adjusts on a timer until Stop.
func (g *Governor) Run() {
	ticker := time.NewTicker(governorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.Adjust()
		}
	}
}

// Stop terminates the adjustment loop.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// Adjust performs one governor pass against a fresh sample.
func (g *Governor) Adjust() {
	sample, err := g.sampler.Sample()
	if err != nil {
		log.Warn().Err(err).Msg("governor sample failed")
		return
	}
	g.adjustWith(sample)
}

func (g *Governor) adjustWith(sample LoadSample) {
	g.mu.Lock()
	defer g.mu.Unlock()

	old := g.concurrency
	switch {
	case sample.CPULoad < lowCPUThreshold && sample.MemUsed < g.cfg.MemWarningThreshold:
		g.concurrency = min(g.concurrency+concurrencyStep, maxConcurrency)
	case sample.CPULoad > highCPUThreshold || sample.MemUsed > g.cfg.MemWarningThreshold:
		g.concurrency = max(g.concurrency-concurrencyStep, minConcurrency)
	}

	g.underPressure = sample.MemUsed > g.cfg.MemCriticalThreshold || sample.FreeBytes < minFreeBytes
	if g.underPressure {
		g.concurrency = max(g.concurrency/2, minConcurrency)
		g.pressureEvents++
		g.bus.Emit(metrics.Event{
			Source:      "cache_governor",
			MetricType:  "counter",
			MetricName:  metrics.EventMemoryPressure,
			MetricValue: 1,
		})
		log.Warn().
			Float64("mem_used", sample.MemUsed).
			Uint64("free_bytes", sample.FreeBytes).
			Int("concurrency", g.concurrency).
			Msg("memory pressure, halving concurrency")
	}

	if g.concurrency != old {
		g.bus.Emit(metrics.Event{
			Source:      "cache_governor",
			MetricType:  "gauge",
			MetricName:  metrics.EventConcurrencyAdjusted,
			MetricValue: float64(g.concurrency),
			Tags:        map[string]string{"direction": direction(old, g.concurrency)},
		})
	}
}

// MaxConcurrency is the current worker bound for batch fan-out.
func (g *Governor) MaxConcurrency() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.concurrency
}

// BatchSize scales the base batch with concurrency, shrinking under pressure
// and when in-flight load exceeds the concurrency bound.
func (g *Governor) BatchSize() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	size := baseBatchSize * max(1, g.concurrency/8)
	if g.underPressure || g.currentLoad > g.concurrency {
		size /= 2
	}
	return clampInt(size, minBatchSize, maxBatchSize)
}

// UnderPressure reports the last pressure verdict.
func (g *Governor) UnderPressure() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.underPressure
}

// PressureEvents counts pressure declarations since start.
func (g *Governor) PressureEvents() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pressureEvents
}

// TrackLoad registers delta in-flight requests for batch sizing.
func (g *Governor) TrackLoad(delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentLoad += delta
	if g.currentLoad < 0 {
		g.currentLoad = 0
	}
}

func direction(old, new int) string {
	if new > old {
		return "up"
	}
	return "down"
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
