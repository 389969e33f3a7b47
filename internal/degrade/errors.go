package degrade

import "fmt"

// OperationError rejects an operation forbidden at the current
// degradation level. Terminal and non-retryable: raised before any
// network call is attempted.
type OperationError struct {
	Operation string
	Level     Level
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s not allowed at degradation level %s", e.Operation, e.Level)
}

// FallbackExhaustedError means primary, fallback, and cache all failed
// for one call.
type FallbackExhaustedError struct {
	Operation   string
	PrimaryErr  error
	FallbackErr error
}

func (e *FallbackExhaustedError) Error() string {
	if e.FallbackErr != nil {
		return fmt.Sprintf("all fallbacks exhausted for %s: primary: %v; fallback: %v",
			e.Operation, e.PrimaryErr, e.FallbackErr)
	}
	return fmt.Sprintf("all fallbacks exhausted for %s: primary: %v", e.Operation, e.PrimaryErr)
}

func (e *FallbackExhaustedError) Unwrap() error {
	return e.PrimaryErr
}
