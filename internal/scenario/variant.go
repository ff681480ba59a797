// Package scenario defines the closed set of fault patterns the injector can
// drive and the catalog that parameterises them.
package scenario

import (
	"sort"

	"github.com/miradorstack/resolve-sim/internal/models"
)

// Kind names a fault pattern.
type Kind string

const (
	KindPoolExhaustion Kind = "pool_exhaustion"
	KindMemoryLeak     Kind = "memory_leak"
	KindCPUSaturation  Kind = "cpu_saturation"
)

// EffectMode selects how a magnitude is applied to a baseline reading.
type EffectMode int

const (
	// Shift moves the reading towards Value, which is expressed in the
	// metric's own unit, by magnitude × (Value − typical).
	Shift EffectMode = iota
	// Scale multiplies the reading by 1 + magnitude × (Value − 1).
	Scale
)

// Effect is the peak distortion of one metric.
type Effect struct {
	Metric models.Metric
	Mode   EffectMode
	Value  float64
}

// Apply distorts base by magnitude m in [0,1]. typical is the service's
// typical value for the metric. A zero magnitude returns base unchanged.
func (e Effect) Apply(base, typical, m float64) float64 {
	if m <= 0 {
		return base
	}
	var v float64
	switch e.Mode {
	case Scale:
		v = base * (1 + m*(e.Value-1))
	default:
		shift := e.Value - typical
		if shift < 0 {
			shift = 0
		}
		v = base + m*shift
	}
	return models.ClampMetric(e.Metric, v)
}

// LogTemplate is an incident log line. Message may contain {origin},
// {service}, {host}, {version} and {previous} placeholders.
type LogTemplate struct {
	Level     models.Level
	Message   string
	ErrorCode string
	// Slow marks timeouts; the emitted response time is long.
	Slow bool
}

// Variant is one fault pattern. The set is closed: only this package can
// implement it, so adding a pattern means adding a variant here plus its
// catalog entry.
type Variant interface {
	Kind() Kind
	// DeploymentTriggered reports whether activation ships a bad release.
	DeploymentTriggered() bool
	// RollbackOnRecover reports whether remediation is a rollback release.
	RollbackOnRecover() bool
	OriginEffects() []Effect
	DependentEffects() []Effect
	OriginLogs() []LogTemplate
	DependentLogs() []LogTemplate
	RemediationLogs() []LogTemplate
	sealed()
}

var variants = map[Kind]Variant{
	KindPoolExhaustion: poolExhaustion{},
	KindMemoryLeak:     memoryLeak{},
	KindCPUSaturation:  cpuSaturation{},
}

// Lookup returns the variant for kind.
func Lookup(kind Kind) (Variant, bool) {
	v, ok := variants[kind]
	return v, ok
}

// Kinds lists every known kind, sorted.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(variants))
	for k := range variants {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// upstreamLogs are what callers of a failing service report.
var upstreamLogs = []LogTemplate{
	{Level: models.LevelError, Message: "Timeout waiting for {origin} response after 30000ms", ErrorCode: "UPSTREAM_TIMEOUT", Slow: true},
	{Level: models.LevelError, Message: "Request failed: {origin} returned 503 Service Unavailable", ErrorCode: "SERVICE_UNAVAILABLE"},
	{Level: models.LevelWarning, Message: "Retry attempt 3/3 for {origin} call failed", ErrorCode: "RETRY_EXHAUSTED"},
	{Level: models.LevelError, Message: "Circuit breaker OPEN for {origin} - consecutive failures: 15", ErrorCode: "CIRCUIT_OPEN"},
	{Level: models.LevelError, Message: "502 Bad Gateway: {origin} returned no response", ErrorCode: "BAD_GATEWAY"},
}

type poolExhaustion struct{}

func (poolExhaustion) Kind() Kind                { return KindPoolExhaustion }
func (poolExhaustion) DeploymentTriggered() bool { return true }
func (poolExhaustion) RollbackOnRecover() bool   { return true }
func (poolExhaustion) sealed()                   {}

func (poolExhaustion) OriginEffects() []Effect {
	return []Effect{
		{Metric: models.MetricErrorRate, Mode: Shift, Value: 0.45},
		{Metric: models.MetricLatency, Mode: Shift, Value: 2400},
		{Metric: models.MetricCPU, Mode: Shift, Value: 85},
		{Metric: models.MetricMemory, Mode: Shift, Value: 72},
		{Metric: models.MetricRPS, Mode: Scale, Value: 0.7},
		{Metric: models.MetricConnections, Mode: Scale, Value: 2.5},
	}
}

func (poolExhaustion) DependentEffects() []Effect {
	return []Effect{
		{Metric: models.MetricErrorRate, Mode: Shift, Value: 0.45},
		{Metric: models.MetricLatency, Mode: Shift, Value: 2400},
		{Metric: models.MetricCPU, Mode: Shift, Value: 60},
		{Metric: models.MetricRPS, Mode: Scale, Value: 0.8},
		{Metric: models.MetricConnections, Mode: Scale, Value: 1.8},
	}
}

func (poolExhaustion) OriginLogs() []LogTemplate {
	return []LogTemplate{
		{Level: models.LevelError, Message: "Connection pool exhausted: max 5 connections reached, 23 waiting", ErrorCode: "DB_POOL_EXHAUSTED"},
		{Level: models.LevelError, Message: "Failed to acquire database connection after 30000ms timeout", ErrorCode: "DB_CONN_TIMEOUT", Slow: true},
		{Level: models.LevelCritical, Message: "Database connection pool depleted - all requests failing", ErrorCode: "DB_POOL_CRITICAL"},
		{Level: models.LevelError, Message: "SQLException: Cannot acquire connection from pool - pool exhausted", ErrorCode: "DB_POOL_EXHAUSTED"},
		{Level: models.LevelError, Message: "Transaction rollback: could not persist order to database", ErrorCode: "TX_ROLLBACK"},
		{Level: models.LevelCritical, Message: "Circuit breaker OPEN for database connections - 95% failure rate", ErrorCode: "CIRCUIT_OPEN"},
		{Level: models.LevelError, Message: "Connection pool stats: active=5, idle=0, waiting=31, maxWait=30000ms", ErrorCode: "DB_POOL_EXHAUSTED"},
	}
}

func (poolExhaustion) DependentLogs() []LogTemplate { return upstreamLogs }

func (poolExhaustion) RemediationLogs() []LogTemplate {
	return []LogTemplate{
		{Level: models.LevelInfo, Message: "Service restarted with version {previous} - connection pool restored to maxSize=50"},
		{Level: models.LevelInfo, Message: "Health check passed - database connections nominal"},
	}
}

type memoryLeak struct{}

func (memoryLeak) Kind() Kind                { return KindMemoryLeak }
func (memoryLeak) DeploymentTriggered() bool { return false }
func (memoryLeak) RollbackOnRecover() bool   { return false }
func (memoryLeak) sealed()                   {}

func (memoryLeak) OriginEffects() []Effect {
	return []Effect{
		{Metric: models.MetricMemory, Mode: Shift, Value: 94},
		{Metric: models.MetricLatency, Mode: Shift, Value: 3500},
		{Metric: models.MetricErrorRate, Mode: Shift, Value: 0.25},
		{Metric: models.MetricCPU, Mode: Shift, Value: 85},
		{Metric: models.MetricRPS, Mode: Scale, Value: 0.75},
	}
}

func (memoryLeak) DependentEffects() []Effect {
	return []Effect{
		{Metric: models.MetricLatency, Mode: Shift, Value: 900},
		{Metric: models.MetricErrorRate, Mode: Shift, Value: 0.05},
	}
}

func (memoryLeak) OriginLogs() []LogTemplate {
	return []LogTemplate{
		{Level: models.LevelError, Message: "OutOfMemoryError: Java heap space during request processing", ErrorCode: "OOM_ERROR"},
		{Level: models.LevelError, Message: "GC overhead limit exceeded - spending >95% of time in garbage collection", ErrorCode: "GC_OVERHEAD"},
		{Level: models.LevelCritical, Message: "Memory at 94% - approaching OOM kill threshold", ErrorCode: "MEM_CRITICAL"},
		{Level: models.LevelError, Message: "Request timeout: GC pause blocked request for 4200ms", ErrorCode: "GC_TIMEOUT", Slow: true},
		{Level: models.LevelError, Message: "Failed to allocate session cache entry: heap exhausted", ErrorCode: "HEAP_EXHAUSTED"},
		{Level: models.LevelWarning, Message: "GC pause exceeded 200ms threshold: 340ms", ErrorCode: "GC_PAUSE"},
	}
}

func (memoryLeak) DependentLogs() []LogTemplate {
	return []LogTemplate{
		{Level: models.LevelWarning, Message: "Slow response from {origin}: P99 at 3500ms", ErrorCode: "LATENCY_DEGRADED"},
		{Level: models.LevelError, Message: "Timeout waiting for {origin} response after 5000ms", ErrorCode: "UPSTREAM_TIMEOUT", Slow: true},
	}
}

func (memoryLeak) RemediationLogs() []LogTemplate {
	return []LogTemplate{
		{Level: models.LevelInfo, Message: "Pod {host} restarted - memory reset to baseline"},
		{Level: models.LevelInfo, Message: "Health check passed - all pods healthy. GC overhead resolved."},
	}
}

type cpuSaturation struct{}

func (cpuSaturation) Kind() Kind                { return KindCPUSaturation }
func (cpuSaturation) DeploymentTriggered() bool { return true }
func (cpuSaturation) RollbackOnRecover() bool   { return true }
func (cpuSaturation) sealed()                   {}

func (cpuSaturation) OriginEffects() []Effect {
	return []Effect{
		{Metric: models.MetricCPU, Mode: Shift, Value: 97},
		{Metric: models.MetricLatency, Mode: Shift, Value: 1800},
		{Metric: models.MetricErrorRate, Mode: Shift, Value: 0.12},
		{Metric: models.MetricRPS, Mode: Scale, Value: 0.85},
	}
}

func (cpuSaturation) DependentEffects() []Effect {
	return []Effect{
		{Metric: models.MetricLatency, Mode: Shift, Value: 1200},
		{Metric: models.MetricErrorRate, Mode: Shift, Value: 0.08},
	}
}

func (cpuSaturation) OriginLogs() []LogTemplate {
	return []LogTemplate{
		{Level: models.LevelError, Message: "Request handler thread pool saturated: 200/200 busy, 57 queued", ErrorCode: "THREAD_STARVATION"},
		{Level: models.LevelError, Message: "Bulk order query exceeded 1500ms: full table scan on order_items", ErrorCode: "SLOW_QUERY", Slow: true},
		{Level: models.LevelCritical, Message: "CPU throttling detected: container at 97% of limit for 120s", ErrorCode: "CPU_THROTTLED"},
		{Level: models.LevelWarning, Message: "GC pause 410ms under CPU pressure", ErrorCode: "GC_PAUSE"},
	}
}

func (cpuSaturation) DependentLogs() []LogTemplate { return upstreamLogs[:3] }

func (cpuSaturation) RemediationLogs() []LogTemplate {
	return []LogTemplate{
		{Level: models.LevelInfo, Message: "Service restarted with version {previous} - bulk query fast path restored"},
	}
}
