// Package calls keeps the registry of live calls and turns engine callbacks
// into lifecycle transitions and host notifications.
package calls

import (
	"time"

	"github.com/dense-identity/callctl/internal/engine"
)

// Direction of a call relative to this process.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Call is one call known to the host under its own id.
type Call struct {
	ID        string
	Account   engine.AccountHandle
	Handle    engine.CallHandle
	Direction Direction
	RemoteURI string

	State     engine.InvState
	StateName string
	Media     []engine.Media

	Held  bool
	Muted bool

	CreatedAt time.Time
}

// NewCall creates a call in the NULL state.
func NewCall(id string, acc engine.AccountHandle, h engine.CallHandle, dir Direction, remoteURI string) *Call {
	return &Call{
		ID:        id,
		Account:   acc,
		Handle:    h,
		Direction: dir,
		RemoteURI: remoteURI,
		State:     engine.StateNull,
		StateName: engine.StateNull.String(),
		CreatedAt: time.Now(),
	}
}

// IsIncoming returns true if the call was offered to us.
func (c *Call) IsIncoming() bool {
	return c.Direction == Incoming
}

// Ringing returns true while an incoming call waits to be answered.
func (c *Call) Ringing() bool {
	return c.IsIncoming() && (c.State == engine.StateIncoming || c.State == engine.StateEarly)
}

// Summary is a read-only copy of a call for outer surfaces.
type Summary struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	RemoteURI string    `json:"remote_uri,omitempty"`
	State     int       `json:"state"`
	StateName string    `json:"state_name"`
	Held      bool      `json:"held"`
	Muted     bool      `json:"muted"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Call) summary() Summary {
	return Summary{
		ID:        c.ID,
		Direction: c.Direction,
		RemoteURI: c.RemoteURI,
		State:     int(c.State),
		StateName: c.StateName,
		Held:      c.Held,
		Muted:     c.Muted,
		CreatedAt: c.CreatedAt,
	}
}

// rank orders states along the lifecycle; INCOMING sits where CALLING does.
func rank(s engine.InvState) int {
	switch s {
	case engine.StateIncoming:
		return int(engine.StateCalling)
	default:
		return int(s)
	}
}
