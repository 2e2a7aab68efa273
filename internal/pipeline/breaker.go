package pipeline

import (
	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"

	"github.com/quotewire/quotewire/internal/metrics"
)

// newTransformBreaker builds the circuit breaker guarding the transform
// stage. It trips on a consecutive-failure run or on the failure ratio once
// the counting window has filled, holds OPEN for the reset timeout, and a
// single HALF_OPEN success closes it again.
func newTransformBreaker(name string, cfg Config, bus metrics.Bus) *cb.CircuitBreaker {
	settings := cb.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.AdjustmentFreq * 4, // counting window reset cadence
		Timeout:     cfg.BreakerResetTimeout,
	}
	settings.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= cfg.BreakerConsecutive {
			return true
		}
		if counts.Requests < cfg.BreakerWindow {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRate
	}
	settings.OnStateChange = func(name string, from, to cb.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
			Msg("transform breaker state change")
		bus.Emit(metrics.Event{
			Source:     "batching_pipeline",
			MetricType: "counter",
			MetricName: metrics.EventCircuitStateChange,
			Tags:       map[string]string{"breaker": name, "from": from.String(), "to": to.String()},
		})
	}
	return cb.NewCircuitBreaker(settings)
}
