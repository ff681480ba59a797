package models

// Range bounds a metric's steady-state behaviour.
type Range struct {
	Min     float64 `yaml:"min"`
	Typical float64 `yaml:"typical"`
	Max     float64 `yaml:"max"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Baseline holds the operating ranges of a service.
type Baseline struct {
	ErrorRate   Range `yaml:"error_rate"`
	LatencyMs   Range `yaml:"latency_ms"`
	CPU         Range `yaml:"cpu_percent"`
	Memory      Range `yaml:"memory_percent"`
	RPS         Range `yaml:"requests_per_second"`
	Connections Range `yaml:"active_connections"`
	// LogRate is the probability of a background log event per host per step.
	LogRate float64 `yaml:"log_rate"`
}

// RangeFor returns the range configured for metric m.
func (b Baseline) RangeFor(m Metric) Range {
	switch m {
	case MetricErrorRate:
		return b.ErrorRate
	case MetricLatency:
		return b.LatencyMs
	case MetricCPU:
		return b.CPU
	case MetricMemory:
		return b.Memory
	case MetricRPS:
		return b.RPS
	case MetricConnections:
		return b.Connections
	default:
		return Range{}
	}
}

// Service describes one node of the simulated topology.
type Service struct {
	Name         string   `yaml:"name"`
	Hosts        []string `yaml:"hosts"`
	Dependencies []string `yaml:"dependencies"`
	Paths        []string `yaml:"paths"`
	Baseline     Baseline `yaml:"baseline"`
}
