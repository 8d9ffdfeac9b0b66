package probs

import (
	"fmt"
	"net/http"
)

// ErrorNS is the namespace prepended to problem types on the wire.
const ErrorNS = "urn:ietf:params:acme:error:"

// ProblemType defines the error types in the ACME protocol.
type ProblemType string

const (
	MalformedProblem      = ProblemType("malformed")
	UnauthorizedProblem   = ProblemType("unauthorized")
	BadNonceProblem       = ProblemType("bad-nonce")
	ServerInternalProblem = ProblemType("serverInternal")
)

// ProblemDetails objects represent problem documents
// https://tools.ietf.org/html/draft-ietf-appsawg-http-problem-00
type ProblemDetails struct {
	Type        ProblemType `json:"type"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	// HTTPStatus is the HTTP status code the problem is served with. It is
	// not part of the problem document.
	HTTPStatus int `json:"-"`
}

func (pd *ProblemDetails) Error() string {
	return fmt.Sprintf("%s :: %s", pd.Type, pd.Description)
}

// Malformed returns a ProblemDetails with a MalformedProblem and a 400 Bad
// Request status code.
func Malformed(detail string, a ...interface{}) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:        ErrorNS + MalformedProblem,
		Title:       "Malformed request",
		Description: detail,
		HTTPStatus:  http.StatusBadRequest,
	}
}

// Unauthorized returns a ProblemDetails with an UnauthorizedProblem and a 401
// Unauthorized status code.
func Unauthorized(detail string, a ...interface{}) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:        ErrorNS + UnauthorizedProblem,
		Title:       "Unauthorized",
		Description: detail,
		HTTPStatus:  http.StatusUnauthorized,
	}
}

// BadNonce returns a ProblemDetails with a BadNonceProblem and a 400 Bad
// Request status code.
func BadNonce(detail string, a ...interface{}) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:        ErrorNS + BadNonceProblem,
		Title:       "Bad nonce",
		Description: detail,
		HTTPStatus:  http.StatusBadRequest,
	}
}

// NotFound returns a ProblemDetails with a MalformedProblem and a 404 Not
// Found status code.
func NotFound(detail string, a ...interface{}) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:        ErrorNS + MalformedProblem,
		Title:       "Not found",
		Description: detail,
		HTTPStatus:  http.StatusNotFound,
	}
}

// Conflict returns a ProblemDetails with a MalformedProblem and a 409
// Conflict status code.
func Conflict(detail string, a ...interface{}) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:        ErrorNS + MalformedProblem,
		Title:       "Conflict",
		Description: detail,
		HTTPStatus:  http.StatusConflict,
	}
}

// MethodNotAllowed returns a ProblemDetails representing a disallowed HTTP
// method error.
func MethodNotAllowed() *ProblemDetails {
	return &ProblemDetails{
		Type:        ErrorNS + MalformedProblem,
		Title:       "Method not allowed",
		Description: "Method not allowed",
		HTTPStatus:  http.StatusMethodNotAllowed,
	}
}

// ServerInternal returns a ProblemDetails with a ServerInternalProblem and a
// 500 Internal Server Error status code.
func ServerInternal(detail string, a ...interface{}) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:        ErrorNS + ServerInternalProblem,
		Title:       "Internal error",
		Description: detail,
		HTTPStatus:  http.StatusInternalServerError,
	}
}
