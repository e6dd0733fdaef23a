package channel

import "errors"

// Sentinel errors for control channel operations.
var (
	// ErrDenied indicates the sender is not on the allow list.
	ErrDenied = errors.New("channel: sender not allowed")

	// ErrAdminOnly indicates the command is restricted to admins.
	ErrAdminOnly = errors.New("channel: command restricted to admins")
)
