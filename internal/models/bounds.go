package models

import "math"

// LatencyFloorMs is the smallest latency any sample may report.
const LatencyFloorMs = 1.0

// PhysicalBounds returns the plausible closed interval for metric m.
func PhysicalBounds(m Metric) (float64, float64) {
	switch m {
	case MetricErrorRate:
		return 0, 1
	case MetricLatency:
		return LatencyFloorMs, 120000
	case MetricCPU, MetricMemory:
		return 0, 100
	default:
		return 0, math.MaxFloat64
	}
}

// ClampMetric forces v into the physical bounds of m.
func ClampMetric(m Metric, v float64) float64 {
	lo, hi := PhysicalBounds(m)
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// WithinBounds reports whether every metric on s is physically plausible.
func (s MetricSample) WithinBounds() bool {
	for _, m := range AllMetrics {
		lo, hi := PhysicalBounds(m)
		v := s.Value(m)
		if v < lo || v > hi {
			return false
		}
	}
	return true
}

// Rendered rounds v to the precision metric documents carry: four places
// for error_rate, whole connections, one place for everything else.
func Rendered(m Metric, v float64) float64 {
	switch m {
	case MetricErrorRate:
		return roundTo(v, 4)
	case MetricConnections:
		return math.Round(v)
	case MetricLatency:
		return math.Max(LatencyFloorMs, roundTo(v, 1))
	default:
		return roundTo(v, 1)
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
