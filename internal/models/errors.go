package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
	ErrNotFound     = errors.New("not found")

	// ErrInvalidTransition is an ErrInvalidState raised by the ride state
	// machine.
	ErrInvalidTransition = fmt.Errorf("%w: transition not allowed", ErrInvalidState)
)
