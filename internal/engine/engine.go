// Package engine describes the signaling stack the call manager drives.
//
// An Engine is not safe for concurrent use: callers enter it from a single
// goroutine, and implementations deliver every callback through the
// Handler so the caller can run it on that same goroutine.
package engine

// AccountHandle is the engine's identifier for an account.
type AccountHandle string

// CallHandle is the engine's identifier for a call. It is never shown to
// the host; hosts only see their own call ids.
type CallHandle string

// Credential is a digest credential attached to an account.
type Credential struct {
	Scheme   string
	Realm    string
	Username string
	Password string
}

// RegistrationPolicy controls when the engine sends REGISTER for an account.
type RegistrationPolicy struct {
	RegistrarURI     string
	TimeoutSec       int
	RegisterOnAdd    bool
	RegisterOnModify bool
}

// AccountConfig is everything needed to create or modify an account.
type AccountConfig struct {
	IDURI        string
	Proxies      []string
	Credentials  []Credential
	Registration RegistrationPolicy
}

// Header is an extra signaling header sent with a request.
type Header struct {
	Name  string
	Value string
}

// CallOptions tunes a single call operation.
type CallOptions struct {
	AudioCount int
	VideoCount int
	StatusCode int
	Headers    []Header
}

// Engine is the signaling stack.
type Engine interface {
	// Init prepares the stack (library, transports). Calling it twice is
	// allowed and has no further effect.
	Init() error
	Close() error

	// SetHandler installs the receiver of engine callbacks.
	SetHandler(h Handler)

	CreateAccount(cfg AccountConfig, makeDefault bool) (AccountHandle, error)
	ModifyAccount(acc AccountHandle, cfg AccountConfig) error
	DeleteAccount(acc AccountHandle) error

	MakeCall(acc AccountHandle, destURI string, opts CallOptions) (CallHandle, error)
	Answer(call CallHandle, opts CallOptions) error
	Hangup(call CallHandle, opts CallOptions) error
	Hold(call CallHandle) error
	Unhold(call CallHandle) error
	DialDTMF(call CallHandle, digits string) error
	Transfer(call CallHandle, destURI string, opts CallOptions) error
	CallInfo(call CallHandle) (CallInfo, error)

	// StartTransmit and StopTransmit connect or disconnect the local capture
	// device to the given media stream of a call.
	StartTransmit(call CallHandle, media int) error
	StopTransmit(call CallHandle, media int) error

	// ConnectPlayback connects the given media stream to the local playback
	// device.
	ConnectPlayback(call CallHandle, media int) error
}

// Handler receives engine callbacks.
type Handler interface {
	OnCallState(call CallHandle, info CallInfo)
	OnCallMediaState(call CallHandle, info CallInfo)
	OnCallTransferStatus(call CallHandle, status TransferStatus)
	OnIncomingCall(acc AccountHandle, call CallHandle, info CallInfo)
	OnRegState(acc AccountHandle, status RegStatus)
}

// TransferStatus reports the progress of a transfer request.
type TransferStatus struct {
	StatusCode int
	Reason     string
	Final      bool
}

// RegStatus reports a registration outcome.
type RegStatus struct {
	StatusCode int
	Reason     string
	Active     bool
}

// Status codes the call manager refers to by name.
const (
	StatusOK      = 200
	StatusDecline = 603
)
