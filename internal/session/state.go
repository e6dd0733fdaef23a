package session

import (
	"errors"

	"github.com/flemzord/smartfolders/internal/remote"
)

// Sentinel errors for session operations.
var (
	ErrUnknownUser       = errors.New("session: no session for user")
	ErrInvalidTransition = errors.New("session: invalid auth transition")
	ErrAuthInProgress    = errors.New("session: authentication already in progress")
	ErrNoPendingAuth     = errors.New("session: no authentication step pending")
	ErrNotAuthenticated  = errors.New("session: not authenticated")
)

// AuthState is the credential state of a user session.
type AuthState int

const (
	Unauthenticated AuthState = iota
	QRPending
	CodePending
	CredentialsPending
	Authenticated
	Invalidated
)

// String returns the state label used in logs, events and the API.
func (s AuthState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case QRPending:
		return "qr_pending"
	case CodePending:
		return "code_pending"
	case CredentialsPending:
		return "credentials_pending"
	case Authenticated:
		return "authenticated"
	case Invalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Pending reports whether a login is underway.
func (s AuthState) Pending() bool {
	return s == QRPending || s == CodePending || s == CredentialsPending
}

var transitions = map[AuthState][]AuthState{
	Unauthenticated:    {QRPending, CredentialsPending},
	QRPending:          {CodePending, Authenticated, Unauthenticated},
	CredentialsPending: {CodePending, Authenticated, Unauthenticated},
	CodePending:        {CodePending, Authenticated, Unauthenticated},
	Authenticated:      {Invalidated, Unauthenticated},
	Invalidated:        {Unauthenticated},
}

// CanTransition reports whether the auth state machine permits s -> to.
func (s AuthState) CanTransition(to AuthState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ConnState is the connection state of an authenticated session.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	// Waiting means a reconnect is scheduled after a backoff delay.
	Waiting
	// Suppressed means the circuit breaker is blocking reconnects.
	Suppressed
)

// String returns the state label.
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Waiting:
		return "backoff"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Status summarizes whether a connection is usable.
type Status int

const (
	StatusFailed Status = iota
	StatusPending
	StatusConnected
)

// String returns the status label.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusPending:
		return "pending"
	default:
		return "failed"
	}
}

// Connection is the result of Manager.Connection. Client is set only when
// Status is StatusConnected; Err carries the last failure otherwise.
type Connection struct {
	Status Status
	Client remote.Client
	Auth   AuthState
	State  ConnState
	Err    error
}

// AuthResult reports where a login step left the session.
type AuthResult struct {
	State AuthState

	// Step is what the transport asks for next while State is
	// CodePending.
	Step remote.AuthStep
}
