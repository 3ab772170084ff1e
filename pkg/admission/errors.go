package admission

import "fmt"

// Evaluation stages that can fail with a ClassificationError.
const (
	StageKeyExtraction  = "key_extraction"
	StageTypeResolution = "type_resolution"
)

// ClassificationError indicates that a request could not be classified
// for a quota check: either the key-extraction capability or the
// bucket-type resolver failed. It is an internal fault, not a rate-limit
// rejection, and it never touches the pending registry.
type ClassificationError struct {
	// Stage names the evaluation step that failed
	// (StageKeyExtraction or StageTypeResolution).
	Stage string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *ClassificationError) Error() string {
	return fmt.Sprintf("request classification failed at %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// BackendError indicates that the quota check itself failed: the backend
// was unreachable, timed out, or refused the call. By default backend
// errors fail open (the request is admitted); a rule may override that
// with its own error policy.
type BackendError struct {
	// Address is the backend the check was issued against.
	Address string

	// Err is the underlying transport or service error.
	Err error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("quota check against %s failed: %v", e.Address, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *BackendError) Unwrap() error {
	return e.Err
}
