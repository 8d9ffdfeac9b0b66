// Package errors defines typed errors shared across the server's internal
// components. They carry enough type information for the web layer to map
// them onto ACME problem documents without string matching.
package errors

import "fmt"

// ErrorType provides a coarse category for PumiceErrors.
// Objects implementing the error interface should export a Type() method
// returning an ErrorType.
type ErrorType int

const (
	// InternalServer is deprecated. Instead, pass a plain Go error.
	InternalServer ErrorType = iota
	// NotFound is for requests for objects that do not exist.
	NotFound
	// Malformed is for requests that fail syntactic or semantic validation.
	Malformed
	// Unauthorized is for requests authenticated with a key that is not
	// permitted to act on the requested resource.
	Unauthorized
	// BadNonce is for signed requests carrying a missing, unknown, or
	// already-consumed anti-replay nonce.
	BadNonce
)

func (ErrorType) Error() string {
	return "pumice error"
}

// PumiceError represents internal server errors. The Type field can be used
// to create corresponding problem documents at the web layer.
type PumiceError struct {
	Type   ErrorType
	Detail string
}

func (be *PumiceError) Error() string {
	return be.Detail
}

// Unwrap returns the ErrorType of the PumiceError so that
// errors.Is(err, errors.NotFound) style comparisons work.
func (be *PumiceError) Unwrap() error {
	return be.Type
}

// New is a convenience function for creating a new PumiceError.
func New(errType ErrorType, msg string, args ...interface{}) error {
	return &PumiceError{Type: errType, Detail: fmt.Sprintf(msg, args...)}
}

func InternalServerError(msg string, args ...interface{}) error {
	return New(InternalServer, msg, args...)
}

func NotFoundError(msg string, args ...interface{}) error {
	return New(NotFound, msg, args...)
}

func MalformedError(msg string, args ...interface{}) error {
	return New(Malformed, msg, args...)
}

func UnauthorizedError(msg string, args ...interface{}) error {
	return New(Unauthorized, msg, args...)
}

func BadNonceError(msg string, args ...interface{}) error {
	return New(BadNonce, msg, args...)
}
