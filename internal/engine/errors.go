package engine

import "errors"

var (
	// ErrContextOverflow is returned when a token does not fit the context.
	ErrContextOverflow = errors.New("context overflow")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrEmptyContext    = errors.New("context has no tokens to sample from")
	ErrModelClosed     = errors.New("model is closed")
)
