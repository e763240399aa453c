package engine

import "fmt"

// InvState is the invite-session state reported by the engine. The numeric
// values are the codes hosts receive in state-change notifications.
type InvState int

const (
	StateNull InvState = iota
	StateCalling
	StateIncoming
	StateEarly
	StateConnecting
	StateConfirmed
	StateDisconnected
)

func (s InvState) String() string {
	names := []string{
		"NULL", "CALLING", "INCOMING", "EARLY", "CONNECTING", "CONFIRMED", "DISCONNECTED",
	}
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// MediaKind tags what a media stream carries.
type MediaKind int

const (
	MediaOther MediaKind = iota
	MediaAudio
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	default:
		return "other"
	}
}

// MediaStatus is the negotiation status of one stream.
type MediaStatus int

const (
	MediaNone MediaStatus = iota
	MediaActive
	MediaLocalHold
	MediaRemoteHold
	MediaError
)

func (s MediaStatus) String() string {
	switch s {
	case MediaActive:
		return "active"
	case MediaLocalHold:
		return "local-hold"
	case MediaRemoteHold:
		return "remote-hold"
	case MediaError:
		return "error"
	default:
		return "none"
	}
}

// Media summarizes one media stream of a call.
type Media struct {
	Index  int
	Kind   MediaKind
	Status MediaStatus
}

// CallInfo is a snapshot of a call as the engine sees it.
type CallInfo struct {
	// SIPCallID is the protocol Call-ID, when the engine knows it.
	SIPCallID      string
	RemoteURI      string
	State          InvState
	StateText      string
	LastStatusCode int
	LastReason     string
	Media          []Media
}

// StateName returns the engine's state text, falling back to the state name.
func (ci CallInfo) StateName() string {
	if ci.StateText != "" {
		return ci.StateText
	}
	return ci.State.String()
}
