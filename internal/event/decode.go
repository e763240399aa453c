package event

import (
	"fmt"
	"math"
)

// Field names used when a Payload travels as a generic key/value document
// (gRPC struct messages, JSON).
const (
	FieldAction            = "action"
	FieldCallID            = "call_id"
	FieldDestURI           = "dest_uri"
	FieldDTMFDigits        = "dtmf"
	FieldTransferDest      = "transfer_dest"
	FieldChannelID         = "channel_id"
	FieldMediaAddr         = "media_addr"
	FieldUsername          = "username"
	FieldPassword          = "password"
	FieldDomain            = "domain"
	FieldToggle            = "toggle"
	FieldUseDefaultAccount = "use_default_account"
)

// FromMap builds and validates a Payload from a decoded document. The action
// may be given by name ("MAKE_CALL") or by numeric code.
func FromMap(m map[string]interface{}) (Payload, error) {
	var p Payload

	switch v := m[FieldAction].(type) {
	case string:
		a, err := ParseAction(v)
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p.Action = a
	case float64:
		if v != math.Trunc(v) {
			return p, fmt.Errorf("%w: %s %v is not an integer", ErrInvalidPayload, FieldAction, v)
		}
		p.Action = Action(int(v))
	case int:
		p.Action = Action(v)
	case nil:
		return p, fmt.Errorf("%w: missing %s", ErrInvalidPayload, FieldAction)
	default:
		return p, fmt.Errorf("%w: %s has type %T", ErrInvalidPayload, FieldAction, v)
	}

	str := func(key string) (string, error) {
		switch v := m[key].(type) {
		case nil:
			return "", nil
		case string:
			return v, nil
		default:
			return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidPayload, key, v)
		}
	}
	boolean := func(key string) (bool, error) {
		switch v := m[key].(type) {
		case nil:
			return false, nil
		case bool:
			return v, nil
		default:
			return false, fmt.Errorf("%w: %s must be a bool, got %T", ErrInvalidPayload, key, v)
		}
	}

	var err error
	strings := []struct {
		key string
		dst *string
	}{
		{FieldCallID, &p.CallID},
		{FieldDestURI, &p.DestURI},
		{FieldDTMFDigits, &p.DTMFDigits},
		{FieldTransferDest, &p.TransferDest},
		{FieldChannelID, &p.ChannelID},
		{FieldMediaAddr, &p.MediaAddr},
		{FieldUsername, &p.Username},
		{FieldPassword, &p.Password},
		{FieldDomain, &p.Domain},
	}
	for _, s := range strings {
		if *s.dst, err = str(s.key); err != nil {
			return p, err
		}
	}
	if p.Toggle, err = boolean(FieldToggle); err != nil {
		return p, err
	}
	if p.UseDefaultAccount, err = boolean(FieldUseDefaultAccount); err != nil {
		return p, err
	}

	if !p.Action.Known() {
		return p, fmt.Errorf("%w: unknown action %d", ErrInvalidPayload, int(p.Action))
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
