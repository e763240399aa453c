package event

import (
	"errors"
	"fmt"
	"strings"
)

// Action identifies what a Payload asks the call manager to do.
type Action int

const (
	MakeCall Action = iota + 1
	AnswerCall
	HoldUnholdCall
	HangupCall
	MuteUnmuteCall
	SendDTMFTone
	BlindTransferCall
	SetDefaultAccount
	SetProxy
	Initialize
)

var actionNames = map[Action]string{
	MakeCall:          "MAKE_CALL",
	AnswerCall:        "ANSWER_CALL",
	HoldUnholdCall:    "HOLD_UNHOLD_CALL",
	HangupCall:        "HANGUP_CALL",
	MuteUnmuteCall:    "MUTE_UNMUTE_CALL",
	SendDTMFTone:      "SEND_DTMF_TONE",
	BlindTransferCall: "BLIND_TRANSFER_CALL",
	SetDefaultAccount: "DEFAULT",
	SetProxy:          "SET_PROXY",
	Initialize:        "INITIALIZE",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(a))
}

// Known reports whether a is one of the defined action kinds.
func (a Action) Known() bool {
	_, ok := actionNames[a]
	return ok
}

// ParseAction maps an action name (as returned by String) back to its kind.
func ParseAction(name string) (Action, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", name)
}

// Payload is one queued call-control request. It is passed by value so a
// submitted payload cannot be changed after it is enqueued.
type Payload struct {
	Action Action
	CallID string

	DestURI      string
	DTMFDigits   string
	TransferDest string

	// Headers attached when answering.
	ChannelID string
	MediaAddr string

	Username string
	Password string
	Domain   string

	Toggle            bool
	UseDefaultAccount bool
}

// ErrInvalidPayload is wrapped by every Validate failure.
var ErrInvalidPayload = errors.New("invalid payload")

// Validate checks that p carries the fields its action requires.
func (p Payload) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidPayload, p.Action, field)
	}

	switch p.Action {
	case MakeCall:
		if p.CallID == "" {
			return missing("a call id")
		}
		if p.DestURI == "" {
			return missing("a destination URI")
		}
	case AnswerCall:
		if p.CallID == "" {
			return missing("a call id")
		}
	case HoldUnholdCall, HangupCall, MuteUnmuteCall:
		if p.CallID == "" {
			return missing("a call id")
		}
	case SendDTMFTone:
		if p.CallID == "" {
			return missing("a call id")
		}
		if p.DTMFDigits == "" {
			return missing("DTMF digits")
		}
	case BlindTransferCall:
		if p.CallID == "" {
			return missing("a call id")
		}
		if p.TransferDest == "" {
			return missing("a transfer destination")
		}
	case SetDefaultAccount:
		if p.Username == "" {
			return missing("an identity")
		}
	case SetProxy, Initialize:
	}
	return nil
}

// HasCredentials reports whether p carries a full ad-hoc identity.
func (p Payload) HasCredentials() bool {
	return p.Username != "" && p.Domain != ""
}

func NewMakeCall(destURI, username, password, domain, callID string, useDefaultAccount bool) Payload {
	return Payload{
		Action:            MakeCall,
		CallID:            callID,
		DestURI:           destURI,
		Username:          username,
		Password:          password,
		Domain:            domain,
		UseDefaultAccount: useDefaultAccount,
	}
}

func NewAnswerCall(destURI, channelID, mediaAddr, callID string) Payload {
	return Payload{
		Action:    AnswerCall,
		CallID:    callID,
		DestURI:   destURI,
		ChannelID: channelID,
		MediaAddr: mediaAddr,
	}
}

func NewToggleHold(callID string, hold bool) Payload {
	return Payload{Action: HoldUnholdCall, CallID: callID, Toggle: hold}
}

func NewToggleMute(callID string, mute bool) Payload {
	return Payload{Action: MuteUnmuteCall, CallID: callID, Toggle: mute}
}

func NewSendDTMF(callID, digits string) Payload {
	return Payload{Action: SendDTMFTone, CallID: callID, DTMFDigits: digits}
}

func NewBlindTransfer(callID, destURI string) Payload {
	return Payload{Action: BlindTransferCall, CallID: callID, TransferDest: destURI}
}

func NewHangup(callID string) Payload {
	return Payload{Action: HangupCall, CallID: callID}
}

// NewSetDefaultAccount carries the identity in Username.
func NewSetDefaultAccount(identity, password string) Payload {
	return Payload{Action: SetDefaultAccount, Username: identity, Password: password}
}

// NewSetProxy carries the proxy address in DestURI.
func NewSetProxy(proxyAddr string) Payload {
	return Payload{Action: SetProxy, DestURI: proxyAddr}
}

func NewInitialize() Payload {
	return Payload{Action: Initialize}
}
