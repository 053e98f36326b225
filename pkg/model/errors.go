package model

import "errors"

var (
	// ErrNotFound is returned when a task or resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrGone signals that a sandbox no longer exists on the provider side.
	// It is a recreation trigger, not a failure: destroy of a gone sandbox
	// succeeds and continuation falls back to a fresh sandbox.
	ErrGone = errors.New("sandbox gone")

	// ErrTransient marks a retryable provider failure (network blip, rate
	// limit). Provider calls wrap these so the boundary can back off.
	ErrTransient = errors.New("transient provider error")

	// ErrTerminal is returned when a mutation targets a task that already
	// reached a terminal status.
	ErrTerminal = errors.New("task is terminal")

	// ErrNotValid is returned when a request or configuration is invalid.
	ErrNotValid = errors.New("not valid")
)
