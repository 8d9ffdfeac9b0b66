package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pumice-ca/pumice/core"
	berrors "github.com/pumice-ca/pumice/errors"
	blog "github.com/pumice-ca/pumice/log"
	"github.com/pumice-ca/pumice/probs"
	"github.com/pumice-ca/pumice/test"
)

func TestURLBuilder(t *testing.T) {
	u := NewURLBuilder("ca.example", 80, "")
	test.AssertEquals(t, u.Base(), "http://ca.example")
	test.AssertEquals(t, u.Endpoint("/new-acct"), "http://ca.example/new-acct")
	test.AssertEquals(t, u.ObjectURL(core.ObjectTypeRegistration, "abcd"), "http://ca.example/reg/abcd")

	u = NewURLBuilder("ca.example", 443, "")
	test.AssertEquals(t, u.Base(), "https://ca.example")

	u = NewURLBuilder("ca.example", 4001, "/acme/")
	test.AssertEquals(t, u.Base(), "http://ca.example:4001/acme")
	test.AssertEquals(t, u.ObjectURL(core.ObjectTypeOrder, "x"), "http://ca.example:4001/acme/app/x")
}

func TestProblemDetailsForError(t *testing.T) {
	prob := ProblemDetailsForError(berrors.NotFoundError("no such thing"), "fallback")
	test.AssertEquals(t, prob.HTTPStatus, http.StatusNotFound)
	test.AssertContains(t, prob.Description, "no such thing")

	prob = ProblemDetailsForError(berrors.MalformedError("bad req"), "fallback")
	test.AssertEquals(t, prob.HTTPStatus, http.StatusBadRequest)
	test.AssertEquals(t, prob.Type, probs.ErrorNS+probs.MalformedProblem)

	prob = ProblemDetailsForError(berrors.UnauthorizedError("who are you"), "fallback")
	test.AssertEquals(t, prob.HTTPStatus, http.StatusUnauthorized)

	prob = ProblemDetailsForError(berrors.BadNonceError("stale"), "fallback")
	test.AssertEquals(t, prob.Type, probs.ErrorNS+probs.BadNonceProblem)

	// Untyped errors must not leak their message.
	prob = ProblemDetailsForError(errors.New("sql: connection refused"), "Problem getting thing")
	test.AssertEquals(t, prob.HTTPStatus, http.StatusInternalServerError)
	test.AssertEquals(t, prob.Description, "Problem getting thing")
	test.AssertNotContains(t, prob.Description, "sql")
}

func TestSendError(t *testing.T) {
	rw := httptest.NewRecorder()
	SendError(blog.NewMock(), rw, probs.Malformed("out of order"))

	test.AssertEquals(t, rw.Code, http.StatusBadRequest)
	test.AssertEquals(t, rw.Header().Get("Content-Type"), "application/problem+json")

	var body map[string]interface{}
	err := json.Unmarshal(rw.Body.Bytes(), &body)
	test.AssertNotError(t, err, "unmarshaling problem document")
	test.AssertEquals(t, body["type"].(string), "urn:ietf:params:acme:error:malformed")
	test.AssertEquals(t, body["description"].(string), "out of order")
}
