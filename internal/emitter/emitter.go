// Package emitter turns simulated records into the wire documents written to
// the sink. It holds no state.
package emitter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/resolve-sim/internal/models"
)

// TimestampLayout is the wire format of @timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Category names a document family; each maps to one index.
type Category string

const (
	CategoryLogs        Category = "logs"
	CategoryMetrics     Category = "metrics"
	CategoryDeployments Category = "deployments"
	CategoryAlerts      Category = "alerts"
	CategoryRunbooks    Category = "runbooks"
)

// StepOrder is the order in which a step's categories are written.
var StepOrder = []Category{CategoryDeployments, CategoryAlerts, CategoryMetrics, CategoryLogs}

// AllCategories lists every category.
var AllCategories = []Category{CategoryLogs, CategoryMetrics, CategoryDeployments, CategoryAlerts, CategoryRunbooks}

// IndexName returns the index for c under prefix, e.g. resolve-logs.
func IndexName(prefix string, c Category) string {
	if prefix == "" {
		return string(c)
	}
	return prefix + "-" + string(c)
}

// Document is one serialised record.
type Document struct {
	Category  Category
	Timestamp time.Time
	// CorrelationID is empty for documents not tied to an activation.
	CorrelationID string
	Source        json.RawMessage
}

// Group is one category's documents in write order.
type Group struct {
	Category  Category
	Documents []Document
}

// correlationNamespace scopes activation ids.
var correlationNamespace = uuid.MustParse("6f1c3b9e-2d4a-5e8f-9a7b-1c2d3e4f5a6b")

// CorrelationID derives the activation id from the run seed, scenario kind,
// origin and activation time. Equal inputs always yield the same id.
func CorrelationID(seed int64, kind, origin string, activatedAt time.Time) string {
	name := fmt.Sprintf("%d/%s/%s/%d", seed, kind, origin, activatedAt.UTC().UnixNano())
	return uuid.NewSHA1(correlationNamespace, []byte(name)).String()
}

// FormatTimestamp renders ts in the wire layout.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

// Step maps a time step to document groups in StepOrder. Empty groups are
// omitted.
func Step(step models.TimeStep) ([]Group, error) {
	groups := make([]Group, 0, len(StepOrder))
	add := func(c Category, docs []Document, want int, err error) error {
		if err != nil {
			return err
		}
		if len(docs) != want {
			return fmt.Errorf("emit %s: produced %d documents for %d records", c, len(docs), want)
		}
		if len(docs) > 0 {
			groups = append(groups, Group{Category: c, Documents: docs})
		}
		return nil
	}

	docs, err := Deployments(step.Deployments)
	if err := add(CategoryDeployments, docs, len(step.Deployments), err); err != nil {
		return nil, err
	}
	docs, err = Alerts(step.Alerts)
	if err := add(CategoryAlerts, docs, len(step.Alerts), err); err != nil {
		return nil, err
	}
	docs, err = Metrics(step.Samples)
	if err := add(CategoryMetrics, docs, len(step.Samples), err); err != nil {
		return nil, err
	}
	docs, err = Logs(step.Logs)
	if err := add(CategoryLogs, docs, len(step.Logs), err); err != nil {
		return nil, err
	}
	return groups, nil
}

// Logs maps log events.
func Logs(events []models.LogEvent) ([]Document, error) {
	out := make([]Document, 0, len(events))
	for _, e := range events {
		doc, err := encode(CategoryLogs, e.Timestamp, e.CorrelationID, logDocument{
			Timestamp:      FormatTimestamp(e.Timestamp),
			Level:          string(e.Level),
			Service:        e.Service,
			Host:           e.Host,
			Message:        e.Message,
			ErrorCode:      e.ErrorCode,
			TraceID:        e.TraceID,
			RequestPath:    e.RequestPath,
			ResponseTimeMs: e.ResponseTimeMs,
			CorrelationID:  e.CorrelationID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Metrics maps metric samples.
func Metrics(samples []models.MetricSample) ([]Document, error) {
	out := make([]Document, 0, len(samples))
	for _, s := range samples {
		doc, err := encode(CategoryMetrics, s.Timestamp, s.CorrelationID, metricDocument{
			Timestamp:         FormatTimestamp(s.Timestamp),
			Service:           s.Service,
			Host:              s.Host,
			CPUPercent:        models.Rendered(models.MetricCPU, s.CPUPercent),
			MemoryPercent:     models.Rendered(models.MetricMemory, s.MemoryPercent),
			LatencyMs:         models.Rendered(models.MetricLatency, s.LatencyMs),
			ErrorRate:         models.Rendered(models.MetricErrorRate, s.ErrorRate),
			RequestsPerSecond: models.Rendered(models.MetricRPS, s.RequestsPerSecond),
			ActiveConnections: s.ActiveConnections,
			CorrelationID:     s.CorrelationID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Deployments maps deployment records.
func Deployments(deps []models.Deployment) ([]Document, error) {
	out := make([]Document, 0, len(deps))
	for _, d := range deps {
		doc, err := encode(CategoryDeployments, d.Timestamp, d.CorrelationID, deploymentDocument{
			Timestamp:     FormatTimestamp(d.Timestamp),
			Service:       d.Service,
			Version:       d.Version,
			Deployer:      d.Deployer,
			Status:        string(d.Status),
			CommitHash:    d.CommitHash,
			Changes:       d.Changes,
			RollbackOf:    d.RollbackOf,
			CorrelationID: d.CorrelationID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Alerts maps alerts.
func Alerts(alerts []models.Alert) ([]Document, error) {
	out := make([]Document, 0, len(alerts))
	for _, a := range alerts {
		doc, err := encode(CategoryAlerts, a.Timestamp, a.CorrelationID, alertDocument{
			Timestamp:     FormatTimestamp(a.Timestamp),
			AlertID:       a.AlertID,
			Severity:      string(a.Severity),
			Service:       a.Service,
			Metric:        string(a.Metric),
			Condition:     a.Condition,
			Message:       a.Message,
			Status:        string(a.Status),
			Threshold:     a.Threshold,
			Observed:      models.Rendered(a.Metric, a.Observed),
			CorrelationID: a.CorrelationID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Runbooks maps the runbook corpus. Runbooks carry no timestamp.
func Runbooks(books []models.Runbook) ([]Document, error) {
	out := make([]Document, 0, len(books))
	for _, b := range books {
		doc, err := encode(CategoryRunbooks, time.Time{}, "", runbookDocument{
			Title:           b.Title,
			Service:         b.Service,
			Symptoms:        b.Symptoms,
			ResolutionSteps: b.ResolutionSteps,
			Tags:            b.Tags,
			Content:         b.Content,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if len(out) != len(books) {
		return nil, fmt.Errorf("emit runbooks: produced %d documents for %d records", len(out), len(books))
	}
	return out, nil
}

func encode(c Category, ts time.Time, correlationID string, body any) (Document, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s document: %w", c, err)
	}
	return Document{Category: c, Timestamp: ts, CorrelationID: correlationID, Source: raw}, nil
}
