package models

import "time"

// Level is the severity of a log event.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warn"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// IsIncident reports whether the level is only permitted after symptom onset.
func (l Level) IsIncident() bool {
	return l == LevelError || l == LevelCritical
}

// Severity captures alert impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Metric names a sampled signal on a service.
type Metric string

const (
	MetricErrorRate   Metric = "error_rate"
	MetricLatency     Metric = "latency_ms"
	MetricCPU         Metric = "cpu_percent"
	MetricMemory      Metric = "memory_percent"
	MetricRPS         Metric = "requests_per_second"
	MetricConnections Metric = "active_connections"
)

// AllMetrics lists every sampled metric in emission order.
var AllMetrics = []Metric{MetricErrorRate, MetricLatency, MetricCPU, MetricMemory, MetricRPS, MetricConnections}

// MetricSample is one host's reading for one time step.
type MetricSample struct {
	Service           string
	Host              string
	Timestamp         time.Time
	ErrorRate         float64
	LatencyMs         float64
	CPUPercent        float64
	MemoryPercent     float64
	RequestsPerSecond float64
	ActiveConnections int
	// CorrelationID is set when the sample carries scenario distortion.
	CorrelationID string
}

// Value returns the sample's reading for the given metric.
func (s MetricSample) Value(m Metric) float64 {
	switch m {
	case MetricErrorRate:
		return s.ErrorRate
	case MetricLatency:
		return s.LatencyMs
	case MetricCPU:
		return s.CPUPercent
	case MetricMemory:
		return s.MemoryPercent
	case MetricRPS:
		return s.RequestsPerSecond
	case MetricConnections:
		return float64(s.ActiveConnections)
	default:
		return 0
	}
}

// LogEvent is a single application log line.
type LogEvent struct {
	Service        string
	Host           string
	Timestamp      time.Time
	Level          Level
	Message        string
	ErrorCode      string
	TraceID        string
	RequestPath    string
	ResponseTimeMs int
	CorrelationID  string
}

// DeploymentStatus marks how a deployment completed.
type DeploymentStatus string

const (
	DeploymentSuccess  DeploymentStatus = "success"
	DeploymentRollback DeploymentStatus = "rollback"
)

// Deployment records a release of a service version.
type Deployment struct {
	Service       string
	Version       string
	Deployer      string
	Timestamp     time.Time
	Status        DeploymentStatus
	CommitHash    string
	Changes       string
	RollbackOf    string
	CorrelationID string
}

// AlertStatus reports whether an alert is still open.
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// Alert is a threshold breach notification.
type Alert struct {
	AlertID       string
	Service       string
	Metric        Metric
	Condition     string
	Threshold     float64
	Observed      float64
	Timestamp     time.Time
	Severity      Severity
	Status        AlertStatus
	Message       string
	CorrelationID string
}

// Runbook is a static remediation guide.
type Runbook struct {
	Title           string
	Service         string
	Symptoms        string
	ResolutionSteps string
	Tags            []string
	Content         string
}

// TimeStep groups everything generated for one logical instant.
type TimeStep struct {
	Timestamp   time.Time
	Samples     []MetricSample
	Logs        []LogEvent
	Deployments []Deployment
	Alerts      []Alert
}

// Len returns the number of generated records in the step.
func (t TimeStep) Len() int {
	return len(t.Samples) + len(t.Logs) + len(t.Deployments) + len(t.Alerts)
}
