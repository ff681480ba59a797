package api

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/resolve-sim/internal/scenario"
)

// FromProtoActivateRequest maps the gRPC request into an ActivateRequest.
func FromProtoActivateRequest(req *structpb.Struct) (ActivateRequest, error) {
	if req == nil {
		return ActivateRequest{}, fmt.Errorf("request is nil")
	}
	fields := req.GetFields()
	kind := fields["kind"].GetStringValue()
	if kind == "" {
		return ActivateRequest{}, fmt.Errorf("kind is required")
	}
	if _, ok := scenario.Lookup(scenario.Kind(kind)); !ok {
		return ActivateRequest{}, fmt.Errorf("unknown scenario kind %q", kind)
	}
	return ActivateRequest{Kind: kind, Origin: fields["origin"].GetStringValue()}, nil
}

// ToProtoActivateRequest builds the request message a client sends.
func ToProtoActivateRequest(req ActivateRequest) (*structpb.Struct, error) {
	fields := map[string]any{"kind": req.Kind}
	if req.Origin != "" {
		fields["origin"] = req.Origin
	}
	return structpb.NewStruct(fields)
}

// ToProtoOutcome converts an outcome response into the gRPC representation.
func ToProtoOutcome(resp OutcomeResponse) (*structpb.Struct, error) {
	fields := map[string]any{"status": resp.Status}
	setString(fields, "kind", resp.Kind)
	setString(fields, "origin", resp.Origin)
	setString(fields, "phase", resp.Phase)
	setString(fields, "correlation_id", resp.CorrelationID)
	setString(fields, "activated_at", resp.ActivatedAt)
	return structpb.NewStruct(fields)
}

// ToProtoStatus converts a status response into the gRPC representation.
func ToProtoStatus(resp StatusResponse) (*structpb.Struct, error) {
	fields := map[string]any{
		"running":       resp.Running,
		"stopping":      resp.Stopping,
		"steps":         resp.Steps,
		"undelivered":   resp.Undelivered,
		"dead_lettered": resp.DeadLettered,
		"dropped":       resp.Dropped,
		"active":        resp.Active,
		"magnitude":     resp.Magnitude,
		"alert_fired":   resp.AlertFired,
	}
	setString(fields, "sim_time", resp.SimTime)
	setString(fields, "kind", resp.Kind)
	setString(fields, "origin", resp.Origin)
	setString(fields, "phase", resp.Phase)
	setString(fields, "correlation_id", resp.CorrelationID)
	return structpb.NewStruct(fields)
}

// FromProtoOutcome decodes an outcome message on the client side.
func FromProtoOutcome(msg *structpb.Struct) OutcomeResponse {
	f := msg.GetFields()
	return OutcomeResponse{
		Status:        f["status"].GetStringValue(),
		Kind:          f["kind"].GetStringValue(),
		Origin:        f["origin"].GetStringValue(),
		Phase:         f["phase"].GetStringValue(),
		CorrelationID: f["correlation_id"].GetStringValue(),
		ActivatedAt:   f["activated_at"].GetStringValue(),
	}
}

// FromProtoStatus decodes a status message on the client side.
func FromProtoStatus(msg *structpb.Struct) StatusResponse {
	f := msg.GetFields()
	return StatusResponse{
		Running:       f["running"].GetBoolValue(),
		Stopping:      f["stopping"].GetBoolValue(),
		SimTime:       f["sim_time"].GetStringValue(),
		Steps:         int(f["steps"].GetNumberValue()),
		Undelivered:   int(f["undelivered"].GetNumberValue()),
		DeadLettered:  int(f["dead_lettered"].GetNumberValue()),
		Dropped:       int(f["dropped"].GetNumberValue()),
		Active:        f["active"].GetBoolValue(),
		Kind:          f["kind"].GetStringValue(),
		Origin:        f["origin"].GetStringValue(),
		Phase:         f["phase"].GetStringValue(),
		Magnitude:     f["magnitude"].GetNumberValue(),
		CorrelationID: f["correlation_id"].GetStringValue(),
		AlertFired:    f["alert_fired"].GetBoolValue(),
	}
}

func setString(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}
