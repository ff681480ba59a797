// Package api exposes the live driver over gRPC and HTTP.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/miradorstack/resolve-sim/internal/emitter"
	"github.com/miradorstack/resolve-sim/internal/engine"
	"github.com/miradorstack/resolve-sim/internal/injector"
	"github.com/miradorstack/resolve-sim/internal/playback"
	"github.com/miradorstack/resolve-sim/internal/scenario"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

// Controller is the live control surface. *playback.Live implements it.
type Controller interface {
	Activate(ctx context.Context, kind scenario.Kind, origin string) (injector.State, injector.Outcome, error)
	Recover(ctx context.Context) (injector.Outcome, error)
	Stop() injector.Outcome
	Status() playback.LiveStatus
}

// ActivateRequest names the scenario to start. An empty origin selects the
// catalog default.
type ActivateRequest struct {
	Kind   string `json:"kind" binding:"required"`
	Origin string `json:"origin"`
}

// OutcomeResponse reports the result of a control call.
type OutcomeResponse struct {
	Status        string `json:"status"`
	Kind          string `json:"kind,omitempty"`
	Origin        string `json:"origin,omitempty"`
	Phase         string `json:"phase,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ActivatedAt   string `json:"activated_at,omitempty"`
}

// StatusResponse is a point-in-time view of the live run.
type StatusResponse struct {
	Running       bool    `json:"running"`
	Stopping      bool    `json:"stopping"`
	SimTime       string  `json:"sim_time,omitempty"`
	Steps         int     `json:"steps"`
	Undelivered   int     `json:"undelivered"`
	DeadLettered  int     `json:"dead_lettered"`
	Dropped       int     `json:"dropped"`
	Active        bool    `json:"active"`
	Kind          string  `json:"kind,omitempty"`
	Origin        string  `json:"origin,omitempty"`
	Phase         string  `json:"phase,omitempty"`
	Magnitude     float64 `json:"magnitude"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	AlertFired    bool    `json:"alert_fired"`
}

func outcomeResponse(outcome injector.Outcome, st injector.State) OutcomeResponse {
	resp := OutcomeResponse{Status: string(outcome)}
	if st.ActivationID == "" {
		return resp
	}
	resp.Kind = string(st.Kind)
	resp.Origin = st.Origin
	resp.Phase = string(st.Phase)
	resp.CorrelationID = st.ActivationID
	resp.ActivatedAt = formatTime(st.ActivatedAt)
	return resp
}

func statusResponse(s playback.LiveStatus) StatusResponse {
	resp := StatusResponse{
		Running:      s.Running,
		Stopping:     s.Stopping,
		SimTime:      formatTime(s.SimTime),
		Steps:        s.Steps,
		Undelivered:  s.Undelivered,
		DeadLettered: s.DeadLettered,
		Dropped:      s.Dropped,
		Active:       s.Scenario.Active,
	}
	if s.Scenario.HasState {
		st := s.Scenario.State
		resp.Kind = string(st.Kind)
		resp.Origin = st.Origin
		resp.Phase = string(st.Phase)
		resp.Magnitude = st.Magnitude
		resp.CorrelationID = st.ActivationID
		resp.AlertFired = st.AlertFired
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return emitter.FormatTimestamp(t)
}

// errorClass buckets control errors for transport status mapping.
type errorClass int

const (
	classInternal errorClass = iota
	classInvalid
	classPrecondition
)

func classify(err error) errorClass {
	var appErr *utils.AppError
	switch {
	case errors.Is(err, engine.ErrNonMonotonicStep):
		return classPrecondition
	case errors.As(err, &appErr) && appErr.Err == nil:
		return classInvalid
	default:
		return classInternal
	}
}
