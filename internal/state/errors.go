package state

import "errors"

var (
	// ErrInsufficientFunds is returned when a conditional withdrawal would
	// drive an account balance negative. The check and the decrement are a
	// single atomic step in every backend.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrStaleTransition is returned when a conditional task transition
	// observes a current status different from the expected one, including
	// any attempt to leave a terminal status.
	ErrStaleTransition = errors.New("stale task transition")

	ErrNotFound = errors.New("not found")

	ErrDuplicateUsername = errors.New("username already taken")
)
