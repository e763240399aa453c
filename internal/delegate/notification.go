package delegate

import (
	"encoding/json"
	"time"

	"github.com/dense-identity/callctl/internal/event"
)

// NotificationKind names the four notification kinds.
type NotificationKind string

const (
	KindCallState      NotificationKind = "call_state"
	KindTransferStatus NotificationKind = "transfer_status"
	KindFeature        NotificationKind = "feature_toggled"
	KindException      NotificationKind = "exception"
)

// Notification is one delegate call captured as a value, for surfaces that
// forward notifications out of process.
type Notification struct {
	Kind   NotificationKind `json:"kind"`
	CallID string           `json:"call_id"`
	At     time.Time        `json:"at"`

	State     int    `json:"state"`
	StateName string `json:"state_name,omitempty"`

	Success bool `json:"success"`

	Feature string `json:"feature,omitempty"`
	Status  bool   `json:"status"`

	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
}

// Fields returns n as a generic document.
func (n Notification) Fields() map[string]interface{} {
	m := map[string]interface{}{
		"kind":    string(n.Kind),
		"call_id": n.CallID,
		"at":      n.At.UTC().Format(time.RFC3339Nano),
	}
	switch n.Kind {
	case KindCallState:
		m["state"] = float64(n.State)
		m["state_name"] = n.StateName
	case KindTransferStatus:
		m["success"] = n.Success
	case KindFeature:
		m["feature"] = n.Feature
		m["status"] = n.Status
	case KindException:
		m["action"] = n.Action
		m["message"] = n.Message
	}
	return m
}

// MarshalJSON encodes n as Fields does, so value fields of the kind are
// present even when false or zero.
func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Fields())
}

// Sink turns delegate calls into Notifications and hands them to Emit.
type Sink struct {
	Emit func(Notification)
	Now  func() time.Time
}

func (s Sink) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Sink) OnCallStateChanged(callID string, state int, stateName string) {
	s.Emit(Notification{Kind: KindCallState, CallID: callID, At: s.now(), State: state, StateName: stateName})
}

func (s Sink) OnTransferStatusChanged(callID string, success bool) {
	s.Emit(Notification{Kind: KindTransferStatus, CallID: callID, At: s.now(), Success: success})
}

func (s Sink) OnCallFeatureToggled(callID string, feature string, status bool) {
	s.Emit(Notification{Kind: KindFeature, CallID: callID, At: s.now(), Feature: feature, Status: status})
}

func (s Sink) OnExceptionRaised(callID string, action event.Action, message string) {
	s.Emit(Notification{Kind: KindException, CallID: callID, At: s.now(), Action: action.String(), Message: message})
}
