package model

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; every error returned by the
// engine wraps exactly one of these.
var (
	// ErrConfiguration indicates an out-of-range or invalid setting.
	ErrConfiguration = errors.New("configuration error")

	// ErrBackend indicates a failed sampling or generation call.
	ErrBackend = errors.New("backend error")

	// ErrDegenerateThreshold indicates b2t <= 0, i.e. the tolerance cannot
	// be expressed as a positive evidence requirement.
	ErrDegenerateThreshold = errors.New("degenerate threshold")

	// ErrInsufficientData indicates an empty batch for certificate construction.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrPolicy indicates the skeleton policy cannot be applied.
	ErrPolicy = errors.New("skeleton policy error")
)

// ItemError reports the failure of one item in a batch.
type ItemError struct {
	Index  int
	ID     string
	Prompt string
	Err    error
}

func (e *ItemError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("item %d (%s): %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// BackendError wraps err as an ErrBackend with the provider name.
func BackendError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackend) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrBackend, provider, err)
}

// ErrorKind names the taxonomy class of err, or "error" when none matches.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrBackend):
		return "BackendError"
	case errors.Is(err, ErrDegenerateThreshold):
		return "DegenerateThresholdError"
	case errors.Is(err, ErrInsufficientData):
		return "InsufficientDataError"
	case errors.Is(err, ErrPolicy):
		return "PolicyError"
	default:
		return "error"
	}
}
