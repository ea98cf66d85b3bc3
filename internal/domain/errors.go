package domain

import "errors"

var (
	// ErrConflict is returned when the expected version does not match the stored one
	ErrConflict = errors.New("version conflict")
	// ErrNotFound is returned for deleted or unknown articles
	ErrNotFound = errors.New("article not found")
	// ErrInvalidInput is returned when a command fails validation
	ErrInvalidInput = errors.New("invalid input")
	// ErrTransientDelivery marks an event log or store outage that is worth retrying
	ErrTransientDelivery = errors.New("transient delivery failure")
	// ErrProjectionFailure marks an event the projector could not apply
	ErrProjectionFailure = errors.New("projection failure")
	// ErrPoisonMessage marks a message that can never be applied
	ErrPoisonMessage = errors.New("poison message")
)
