package fstorage

import (
	"errors"
	"fmt"

	"github.com/xiaoniaoyouhuajiang/fstorage/engine"
	"github.com/xiaoniaoyouhuajiang/fstorage/lake"
	"github.com/xiaoniaoyouhuajiang/fstorage/schema"
	"github.com/xiaoniaoyouhuajiang/fstorage/syncer"
)

var (
	// ErrNotFound is returned when a node, edge or vector is absent.
	ErrNotFound = errors.New("not found")

	// ErrLocked is returned when another process holds the base path.
	ErrLocked = errors.New("base path is locked by another process")

	// ErrAlreadyRunning is returned when a sync is attempted on a scope
	// that already has one in flight.
	ErrAlreadyRunning = errors.New("sync already running")

	// ErrClosed marks a closed storage. Methods called after Close do not
	// return it; they fail with the errors of the closed components.
	ErrClosed = errors.New("storage is closed")
)

// ConfigurationError indicates an unusable configuration: a bad base path,
// a conflicting schema, or an embedding dimension mismatch. Fatal at open.
type ConfigurationError struct {
	Reason string
	cause  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.cause }

// Exit codes for CLI frontends.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitValidation     = 2
	ExitLockContention = 3
)

// ErrorCode maps an error to a CLI exit code.
func ErrorCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var verr *syncer.ValidationError
	var serr *lake.IncompatibleSchemaError
	switch {
	case errors.Is(err, ErrLocked):
		return ExitLockContention
	case errors.As(err, &verr), errors.As(err, &serr),
		errors.Is(err, schema.ErrUnknownType), errors.Is(err, schema.ErrNoRuleConfigured):
		return ExitValidation
	default:
		return ExitFailure
	}
}

// translateError normalizes internal errors to the facade surface.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, syncer.ErrAlreadyRunning) {
		return fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
	}
	return err
}
