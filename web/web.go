// Package web holds helpers shared by the HTTP-facing layer: absolute URL
// construction and problem-document responses.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pumice-ca/pumice/core"
	berrors "github.com/pumice-ca/pumice/errors"
	blog "github.com/pumice-ca/pumice/log"
	"github.com/pumice-ca/pumice/probs"
)

// URLBuilder renders absolute URLs for stored objects and endpoints. Every
// URL the server hands out is rooted at the configured host, port, and base
// path so that clients can follow them back.
type URLBuilder struct {
	base string
}

// NewURLBuilder constructs a URLBuilder. The scheme is inferred from the
// port: 443 means https, anything else http, and the default ports are left
// out of the authority.
func NewURLBuilder(host string, port int, basePath string) *URLBuilder {
	var authority string
	switch port {
	case 80:
		authority = fmt.Sprintf("http://%s", host)
	case 443:
		authority = fmt.Sprintf("https://%s", host)
	default:
		authority = fmt.Sprintf("http://%s:%d", host, port)
	}
	return &URLBuilder{base: authority + strings.TrimSuffix(basePath, "/")}
}

// Base returns the absolute URL prefix, without a trailing slash.
func (u *URLBuilder) Base() string {
	return u.base
}

// Endpoint returns the absolute URL for a path like "/new-acct".
func (u *URLBuilder) Endpoint(path string) string {
	return u.base + path
}

// ObjectURL returns the canonical URL of a stored object.
func (u *URLBuilder) ObjectURL(typ core.ObjectType, id string) string {
	return fmt.Sprintf("%s/%s/%s", u.base, typ, id)
}

// SendError writes a problem document response. The problem's HTTP status
// becomes the response status.
func SendError(logger blog.Logger, w http.ResponseWriter, prob *probs.ProblemDetails) {
	body, err := json.MarshalIndent(prob, "", "  ")
	if err != nil {
		logger.Errf("failed to marshal problem document: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(prob.HTTPStatus)
	_, _ = w.Write(body)
	logger.Infof("problem response: status=[%d] type=[%s] detail=[%s]", prob.HTTPStatus, prob.Type, prob.Description)
}

// ProblemDetailsForError turns an internal error into a problem document,
// mapping the error taxonomy onto problem types. Errors that carry no
// taxonomy become a server-internal problem with the given fallback message
// so that internal detail never leaks to clients.
func ProblemDetailsForError(err error, fallbackMsg string) *probs.ProblemDetails {
	var prob *probs.ProblemDetails
	switch {
	case errors.Is(err, berrors.NotFound):
		prob = probs.NotFound("%s", err)
	case errors.Is(err, berrors.Malformed):
		prob = probs.Malformed("%s", err)
	case errors.Is(err, berrors.Unauthorized):
		prob = probs.Unauthorized("%s", err)
	case errors.Is(err, berrors.BadNonce):
		prob = probs.BadNonce("%s", err)
	default:
		prob = probs.ServerInternal("%s", fallbackMsg)
	}
	return prob
}
