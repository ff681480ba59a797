package emitter

// Wire shapes. Field names are stable; consumers query them directly.

type logDocument struct {
	Timestamp      string `json:"@timestamp"`
	Level          string `json:"level"`
	Service        string `json:"service"`
	Host           string `json:"host"`
	Message        string `json:"message"`
	ErrorCode      string `json:"error_code,omitempty"`
	TraceID        string `json:"trace_id"`
	RequestPath    string `json:"request_path"`
	ResponseTimeMs int    `json:"response_time_ms"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

type metricDocument struct {
	Timestamp         string  `json:"@timestamp"`
	Service           string  `json:"service"`
	Host              string  `json:"host"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	LatencyMs         float64 `json:"request_latency_ms"`
	ErrorRate         float64 `json:"error_rate"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	ActiveConnections int     `json:"active_connections"`
	CorrelationID     string  `json:"correlation_id,omitempty"`
}

type deploymentDocument struct {
	Timestamp     string `json:"@timestamp"`
	Service       string `json:"service"`
	Version       string `json:"version"`
	Deployer      string `json:"deployer"`
	Status        string `json:"status"`
	CommitHash    string `json:"commit_hash"`
	Changes       string `json:"changes"`
	RollbackOf    string `json:"rollback_of,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type alertDocument struct {
	Timestamp     string  `json:"@timestamp"`
	AlertID       string  `json:"alert_id"`
	Severity      string  `json:"severity"`
	Service       string  `json:"service"`
	Metric        string  `json:"metric,omitempty"`
	Condition     string  `json:"condition"`
	Message       string  `json:"message"`
	Status        string  `json:"status"`
	Threshold     float64 `json:"threshold_value"`
	Observed      float64 `json:"actual_value"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

type runbookDocument struct {
	Title           string   `json:"title"`
	Service         string   `json:"service"`
	Symptoms        string   `json:"symptoms"`
	ResolutionSteps string   `json:"resolution_steps"`
	Tags            []string `json:"tags"`
	Content         string   `json:"content"`
}
