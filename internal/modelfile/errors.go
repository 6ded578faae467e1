package modelfile

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidFormat        = errors.New("invalid model file format")
	ErrInvalidUUID          = errors.New("invalid model uuid")
	ErrUnsupportedLayout    = errors.New("unsupported weight layout")
	ErrUnsupportedTokenizer = errors.New("unsupported tokenizer")
	ErrIO                   = errors.New("model file i/o error")
)

type ErrInvalidMagic struct{ Magic [12]byte }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid gpt-oss magic: %q", e.Magic[:])
}

func (e ErrInvalidMagic) Is(target error) bool { return target == ErrInvalidFormat }

// UUIDMismatchError reports an identity UUID that differs from the one this
// build supports. It matches the sentinel for the field it was read from.
type UUIDMismatchError struct {
	Field string
	Got   uuid.UUID
	Want  uuid.UUID
	kind  error
}

func (e *UUIDMismatchError) Error() string {
	return fmt.Sprintf("%v: %s uuid %s (expected %s)", e.kind, e.Field, e.Got, e.Want)
}

func (e *UUIDMismatchError) Unwrap() error { return e.kind }

// IOError wraps a failed read, stat or map of the model file.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("model file %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }
