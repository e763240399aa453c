package event

import (
	"errors"
	"testing"
)

// TestActionNames tests that action names round-trip through ParseAction
func TestActionNames(t *testing.T) {
	for a := MakeCall; a <= Initialize; a++ {
		got, err := ParseAction(a.String())
		if err != nil {
			t.Fatalf("ParseAction(%s): %v", a, err)
		}
		if got != a {
			t.Errorf("ParseAction(%s) = %d, want %d", a, got, a)
		}
	}

	if SetDefaultAccount.String() != "DEFAULT" {
		t.Errorf("default account action name: got %s, want DEFAULT", SetDefaultAccount)
	}
	if Action(42).Known() {
		t.Error("action 42 should not be known")
	}
}

// TestActionCodes tests the numeric codes hosts already depend on
func TestActionCodes(t *testing.T) {
	codes := map[Action]int{
		MakeCall:          1,
		AnswerCall:        2,
		HoldUnholdCall:    3,
		HangupCall:        4,
		MuteUnmuteCall:    5,
		SendDTMFTone:      6,
		BlindTransferCall: 7,
	}
	for a, want := range codes {
		if int(a) != want {
			t.Errorf("%s: got code %d, want %d", a, int(a), want)
		}
	}
}

// TestValidate tests required-field checks per action
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Payload
		wantErr bool
	}{
		{"make call ok", NewMakeCall("sip:bob@x", "", "", "", "c1", true), false},
		{"make call without dest", NewMakeCall("", "", "", "", "c1", true), true},
		{"make call without id", NewMakeCall("sip:bob@x", "", "", "", "", true), true},
		{"answer ok", NewAnswerCall("", "ch1", "10.0.0.1", "c2"), false},
		{"hold ok", NewToggleHold("c1", true), false},
		{"hangup without id", NewHangup(""), true},
		{"dtmf without digits", NewSendDTMF("c1", ""), true},
		{"transfer without dest", NewBlindTransfer("c1", ""), true},
		{"default account without identity", NewSetDefaultAccount("", "pw"), true},
		{"initialize", NewInitialize(), false},
	}
	for _, tt := range tests {
		err := tt.p.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%s: error %v does not wrap ErrInvalidPayload", tt.name, err)
		}
	}
}

// TestFromMap tests decoding payloads from generic documents
func TestFromMap(t *testing.T) {
	p, err := FromMap(map[string]interface{}{
		"action":              "MAKE_CALL",
		"call_id":             "c1",
		"dest_uri":            "sip:bob@x",
		"use_default_account": true,
	})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if p.Action != MakeCall || p.CallID != "c1" || p.DestURI != "sip:bob@x" || !p.UseDefaultAccount {
		t.Errorf("unexpected payload: %+v", p)
	}

	p, err = FromMap(map[string]interface{}{"action": float64(3), "call_id": "c1", "toggle": true})
	if err != nil {
		t.Fatalf("FromMap numeric action: %v", err)
	}
	if p.Action != HoldUnholdCall || !p.Toggle {
		t.Errorf("unexpected payload: %+v", p)
	}

	bad := []map[string]interface{}{
		{},
		{"action": "DANCE"},
		{"action": float64(99)},
		{"action": 1.7, "call_id": "c1", "dest_uri": "sip:bob@example.com"},
		{"action": "HANGUP_CALL", "call_id": 7.0},
		{"action": "HOLD_UNHOLD_CALL", "call_id": "c1", "toggle": "yes"},
		{"action": "HANGUP_CALL"},
	}
	for i, m := range bad {
		if _, err := FromMap(m); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("case %d: got err %v, want ErrInvalidPayload", i, err)
		}
	}
}
