// Package wfe implements the web front end: the HTTP surface of the ACME
// server. It owns transport verification and response shaping, and delegates
// protocol semantics to the registration authority.
package wfe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pumice-ca/pumice/core"
	"github.com/pumice-ca/pumice/goodkey"
	blog "github.com/pumice-ca/pumice/log"
	"github.com/pumice-ca/pumice/nonce"
	"github.com/pumice-ca/pumice/probs"
	"github.com/pumice-ca/pumice/ra"
	"github.com/pumice-ca/pumice/sa"
	"github.com/pumice-ca/pumice/web"
)

const (
	directoryPath = "/directory"
	newNoncePath  = "/new-nonce"
	newAcctPath   = "/new-acct"
	newRegPath    = "/new-reg"
	newOrderPath  = "/new-app"
	newAuthzPath  = "/new-authz"
	regPath       = "/reg/"
	orderPath     = "/app/"
	authzPath     = "/authz/"
	certPath      = "/cert/"
)

// Dialect captures the behavioral differences between the two supported
// protocol variants as feature flags rather than parallel code paths.
type Dialect struct {
	// EnforceJWSURL requires and checks the protected "url" header.
	EnforceJWSURL bool

	// DuplicateRegStatus is the status for new-acct with an already
	// registered key: 200 under the draft, 409 under the legacy dialect.
	DuplicateRegStatus int

	// AllowECDSA admits ECDSA account keys. The legacy dialect is RSA-only.
	AllowECDSA bool
}

// DialectFor maps an acmeVersion config value to its feature flags.
func DialectFor(version string) (Dialect, error) {
	switch version {
	case "ietf-draft":
		return Dialect{
			EnforceJWSURL:      true,
			DuplicateRegStatus: http.StatusOK,
			AllowECDSA:         true,
		}, nil
	case "le":
		return Dialect{
			EnforceJWSURL:      false,
			DuplicateRegStatus: http.StatusConflict,
			AllowECDSA:         false,
		}, nil
	default:
		return Dialect{}, fmt.Errorf("unknown acmeVersion %q", version)
	}
}

// KeyPolicy returns the account key policy matching the dialect.
func (d Dialect) KeyPolicy() goodkey.KeyPolicy {
	if d.AllowECDSA {
		return goodkey.NewKeyPolicy("")
	}
	return goodkey.NewKeyPolicy("legacy")
}

// WebFrontEndImpl provides all the logic for the server's public-facing HTTP
// API.
type WebFrontEndImpl struct {
	log blog.Logger
	clk clock.Clock

	sa           *sa.StorageAuthority
	ra           *ra.RegistrationAuthorityImpl
	nonceService *nonce.NonceService
	keyPolicy    goodkey.KeyPolicy

	urls     *web.URLBuilder
	basePath string
	dialect  Dialect

	// terms is the subscriber agreement URL surfaced in the directory and
	// new-acct Link header. Empty disables both.
	terms string

	joseErrorCount *prometheus.CounterVec
	httpErrorCount *prometheus.CounterVec
}

// New constructs a WebFrontEndImpl.
func New(dialect Dialect, ssa *sa.StorageAuthority, rra *ra.RegistrationAuthorityImpl, ns *nonce.NonceService, urls *web.URLBuilder, basePath, terms string, clk clock.Clock, stats prometheus.Registerer, logger blog.Logger) *WebFrontEndImpl {
	joseErrorCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jose_errors",
		Help: "A counter of JWS transport errors labelled by cause",
	}, []string{"type"})
	stats.MustRegister(joseErrorCount)
	httpErrorCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_errors",
		Help: "A counter of problem responses labelled by problem type",
	}, []string{"type"})
	stats.MustRegister(httpErrorCount)

	return &WebFrontEndImpl{
		log:            logger,
		clk:            clk,
		sa:             ssa,
		ra:             rra,
		nonceService:   ns,
		keyPolicy:      dialect.KeyPolicy(),
		urls:           urls,
		basePath:       strings.TrimSuffix(basePath, "/"),
		dialect:        dialect,
		terms:          terms,
		joseErrorCount: joseErrorCount,
		httpErrorCount: httpErrorCount,
	}
}

type wfeHandlerFunc func(http.ResponseWriter, *http.Request)

// handleFunc registers a handler under the base path with a fresh
// Replay-Nonce on every response and method filtering in front of it.
func (wfe *WebFrontEndImpl) handleFunc(mux *http.ServeMux, pattern string, handler wfeHandlerFunc, methods ...string) {
	methodsMap := make(map[string]bool)
	for _, m := range methods {
		methodsMap[m] = true
	}
	if methodsMap[http.MethodGet] {
		methodsMap[http.MethodHead] = true
	}
	methodsStr := strings.Join(methods, ", ")

	mux.HandleFunc(wfe.basePath+pattern, func(response http.ResponseWriter, request *http.Request) {
		wfe.setNonce(response)
		if !methodsMap[request.Method] {
			response.Header().Set("Allow", methodsStr)
			wfe.sendError(response, probs.MethodNotAllowed())
			return
		}
		wfe.log.Infof("request: method=[%s] path=[%s]", request.Method, request.URL.Path)
		handler(response, request)
	})
}

// Handler returns the mux for the ACME API.
func (wfe *WebFrontEndImpl) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	wfe.handleFunc(mux, directoryPath, wfe.Directory, http.MethodGet)
	wfe.handleFunc(mux, newNoncePath, wfe.Nonce, http.MethodGet, http.MethodHead)
	wfe.handleFunc(mux, newAcctPath, wfe.NewAccount, http.MethodPost)
	wfe.handleFunc(mux, newRegPath, wfe.NewAccount, http.MethodPost)
	wfe.handleFunc(mux, newOrderPath, wfe.NewOrder, http.MethodPost)
	wfe.handleFunc(mux, newAuthzPath, wfe.NewAuthorization, http.MethodPost)
	wfe.handleFunc(mux, regPath, wfe.Registration, http.MethodGet, http.MethodPost)
	wfe.handleFunc(mux, orderPath, wfe.Order, http.MethodGet, http.MethodPost)
	wfe.handleFunc(mux, authzPath, wfe.Authorization, http.MethodGet, http.MethodPost)
	wfe.handleFunc(mux, certPath, wfe.Certificate, http.MethodGet, http.MethodPost)
	return mux
}

func (wfe *WebFrontEndImpl) setNonce(response http.ResponseWriter) {
	n, err := wfe.nonceService.Nonce()
	if err != nil {
		wfe.log.Errf("unable to make nonce: %s", err)
		return
	}
	response.Header().Set("Replay-Nonce", n)
}

func (wfe *WebFrontEndImpl) sendError(response http.ResponseWriter, prob *probs.ProblemDetails) {
	wfe.httpErrorCount.WithLabelValues(string(prob.Type)).Inc()
	web.SendError(wfe.log, response, prob)
}

func (wfe *WebFrontEndImpl) writeJSON(response http.ResponseWriter, status int, v interface{}) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		wfe.sendError(response, probs.ServerInternal("failed to marshal response"))
		return
	}
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	_, _ = response.Write(body)
}

// remainder strips a subtree prefix from the request path: for
// /authz/{id}/{idx} under prefix "/authz/" it returns "{id}/{idx}".
func (wfe *WebFrontEndImpl) remainder(request *http.Request, prefix string) string {
	return strings.TrimPrefix(request.URL.Path, wfe.basePath+prefix)
}

// Directory serves the endpoint map.
func (wfe *WebFrontEndImpl) Directory(response http.ResponseWriter, request *http.Request) {
	directory := map[string]interface{}{
		"newAccount": wfe.urls.Endpoint(newAcctPath),
		"newOrder":   wfe.urls.Endpoint(newOrderPath),
		"newAuthz":   wfe.urls.Endpoint(newAuthzPath),
		"newNonce":   wfe.urls.Endpoint(newNoncePath),
	}
	if wfe.terms != "" {
		directory["meta"] = map[string]string{
			"terms-of-service": wfe.terms,
		}
	}
	wfe.writeJSON(response, http.StatusOK, directory)
}

// Nonce serves fresh nonces beyond the one every response already carries.
// HEAD gets a 200 for clients that refuse bodyless 204s.
func (wfe *WebFrontEndImpl) Nonce(response http.ResponseWriter, request *http.Request) {
	response.Header().Set("Cache-Control", "no-store")
	if request.Method == http.MethodHead {
		response.WriteHeader(http.StatusOK)
		return
	}
	response.WriteHeader(http.StatusNoContent)
}

// NewAccount creates a registration for the signing key, or points at the
// existing one.
func (wfe *WebFrontEndImpl) NewAccount(response http.ResponseWriter, request *http.Request) {
	post, prob := wfe.verifyPOST(request)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}

	var payload struct {
		Contact []string `json:"contact"`
	}
	err := json.Unmarshal(post.payload, &payload)
	if err != nil {
		wfe.sendError(response, probs.Malformed("Error unmarshaling registration payload"))
		return
	}

	regURL := wfe.urls.ObjectURL(core.ObjectTypeRegistration, post.thumbprint)
	if _, err := wfe.sa.GetRegistration(post.thumbprint); err == nil {
		response.Header().Set("Location", regURL)
		if wfe.dialect.DuplicateRegStatus == http.StatusConflict {
			wfe.sendError(response, probs.Conflict("Registration key is already in use"))
			return
		}
		response.WriteHeader(wfe.dialect.DuplicateRegStatus)
		return
	}

	reg, _, err := wfe.ra.NewRegistration(post.key, payload.Contact)
	if err != nil {
		wfe.sendError(response, web.ProblemDetailsForError(err, "Error creating new registration"))
		return
	}

	response.Header().Set("Location", regURL)
	if wfe.terms != "" {
		response.Header().Set("Link", fmt.Sprintf("<%s>;rel=\"terms-of-service\"", wfe.terms))
	}
	wfe.writeJSON(response, http.StatusCreated, reg)
}

// Registration handles /reg/{id}: updates via POST, and a hard 401 for GET.
// Registrations are the one object kind that is never fetchable.
func (wfe *WebFrontEndImpl) Registration(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		wfe.sendError(response, probs.Unauthorized("Registrations are not fetchable"))
		return
	}

	post, prob := wfe.verifyPOST(request)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}

	reg, err := wfe.sa.GetRegistration(post.thumbprint)
	if err != nil {
		wfe.sendError(response, probs.Unauthorized("No registration exists matching provided key"))
		return
	}

	id := wfe.remainder(request, regPath)
	if id != post.thumbprint {
		wfe.sendError(response, probs.Unauthorized("Request signing key does not match registration key"))
		return
	}

	var update ra.RegistrationUpdate
	err = json.Unmarshal(post.payload, &update)
	if err != nil {
		wfe.sendError(response, probs.Malformed("Error unmarshaling registration payload"))
		return
	}

	err = wfe.ra.UpdateRegistration(reg, update)
	if err != nil {
		wfe.sendError(response, web.ProblemDetailsForError(err, "Error updating registration"))
		return
	}
	wfe.writeJSON(response, http.StatusOK, reg)
}

// knownAccount resolves the POST's account, which several endpoints require.
func (wfe *WebFrontEndImpl) knownAccount(post *authenticatedPOST) (*core.Registration, *probs.ProblemDetails) {
	if post.registration != nil {
		return post.registration, nil
	}
	reg, err := wfe.sa.GetRegistration(post.thumbprint)
	if err != nil {
		return nil, probs.Unauthorized("No registration exists matching provided key")
	}
	return reg, nil
}

// NewOrder creates an order for a set of DNS identifiers.
func (wfe *WebFrontEndImpl) NewOrder(response http.ResponseWriter, request *http.Request) {
	post, prob := wfe.verifyPOST(request)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}
	reg, prob := wfe.knownAccount(post)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}

	var orderReq ra.OrderRequest
	err := json.Unmarshal(post.payload, &orderReq)
	if err != nil {
		wfe.sendError(response, probs.Malformed("Error unmarshaling order payload"))
		return
	}

	order, err := wfe.ra.NewOrder(reg, orderReq)
	if err != nil {
		wfe.sendError(response, web.ProblemDetailsForError(err, "Error creating new order"))
		return
	}

	response.Header().Set("Location", order.URL)
	wfe.writeJSON(response, http.StatusCreated, order)
}

// NewAuthorization creates a standalone pending authorization outside any
// order.
func (wfe *WebFrontEndImpl) NewAuthorization(response http.ResponseWriter, request *http.Request) {
	post, prob := wfe.verifyPOST(request)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}
	reg, prob := wfe.knownAccount(post)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}

	var payload struct {
		Identifier struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"identifier"`
	}
	err := json.Unmarshal(post.payload, &payload)
	if err != nil || payload.Identifier.Value == "" {
		wfe.sendError(response, probs.Malformed("Error unmarshaling authorization payload"))
		return
	}

	authz := wfe.ra.NewAuthorization(reg.ID, payload.Identifier.Value, "")
	response.Header().Set("Location", authz.URL)
	wfe.writeJSON(response, http.StatusCreated, authz)
}

// Order handles /app/{id} and /app/{id}/finalize.
func (wfe *WebFrontEndImpl) Order(response http.ResponseWriter, request *http.Request) {
	rest := wfe.remainder(request, orderPath)
	id, tail, hasTail := strings.Cut(rest, "/")

	if hasTail {
		if tail != "finalize" || request.Method != http.MethodPost {
			wfe.sendError(response, probs.NotFound("No such resource"))
			return
		}
		wfe.finalizeOrder(response, request, id)
		return
	}

	if request.Method == http.MethodPost {
		_, prob := wfe.verifyPOST(request)
		if prob != nil {
			wfe.sendError(response, prob)
			return
		}
	}

	order, err := wfe.sa.GetOrder(id)
	if err != nil {
		wfe.sendError(response, probs.NotFound("No such order"))
		return
	}
	wfe.writeJSON(response, http.StatusOK, order)
}

func (wfe *WebFrontEndImpl) finalizeOrder(response http.ResponseWriter, request *http.Request, id string) {
	post, prob := wfe.verifyPOST(request)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}
	reg, prob := wfe.knownAccount(post)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}

	order, err := wfe.sa.GetOrder(id)
	if err != nil {
		wfe.sendError(response, probs.NotFound("No such order"))
		return
	}
	if order.Thumbprint != reg.ID {
		wfe.sendError(response, probs.Unauthorized("Account key is not authorized for this order"))
		return
	}

	var payload struct {
		CSR string `json:"csr"`
	}
	err = json.Unmarshal(post.payload, &payload)
	if err != nil {
		wfe.sendError(response, probs.Malformed("Error unmarshaling finalize payload"))
		return
	}

	finalized, err := wfe.ra.FinalizeOrder(request.Context(), order, reg, payload.CSR)
	if err != nil {
		wfe.sendError(response, web.ProblemDetailsForError(err, "Error finalizing order"))
		return
	}

	response.Header().Set("Location", finalized.URL)
	wfe.writeJSON(response, http.StatusCreated, finalized)
}

// Authorization handles /authz/{id} and /authz/{id}/{idx}.
func (wfe *WebFrontEndImpl) Authorization(response http.ResponseWriter, request *http.Request) {
	rest := wfe.remainder(request, authzPath)
	id, idxStr, hasIdx := strings.Cut(rest, "/")

	if hasIdx {
		wfe.challenge(response, request, id, idxStr)
		return
	}

	if request.Method == http.MethodPost {
		wfe.getAuthorization(response, request, id)
		return
	}

	authz, err := wfe.sa.GetAuthorization(id)
	if err != nil {
		wfe.sendError(response, probs.NotFound("No such authorization"))
		return
	}
	authz.UpdateStatus(wfe.clk.Now())
	wfe.sa.Put(authz)
	wfe.writeJSON(response, http.StatusOK, authz)
}

// getAuthorization is the POST shape of authorization fetch: it responds
// with the canonical challenge-0 view.
func (wfe *WebFrontEndImpl) getAuthorization(response http.ResponseWriter, request *http.Request, id string) {
	post, prob := wfe.verifyPOST(request)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}
	_, prob = wfe.knownAccount(post)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}

	authz, err := wfe.sa.GetAuthorization(id)
	if err != nil {
		wfe.sendError(response, probs.NotFound("No such authorization"))
		return
	}
	authz.UpdateStatus(wfe.clk.Now())
	wfe.sa.Put(authz)

	chall, err := authz.FindChallenge(0)
	if err != nil {
		wfe.sendError(response, probs.ServerInternal("authorization has no challenges"))
		return
	}

	wfe.writeJSON(response, http.StatusCreated, map[string]interface{}{
		"status":     authz.Status,
		"identifier": authz.Identifier,
		"challenges": []map[string]interface{}{
			{
				"type":  core.ChallengeTypeHTTP01,
				"token": chall.Token,
				"url":   authz.URL + "/0",
			},
		},
	})
}

// challenge handles /authz/{id}/{idx}: GET returns the challenge with a
// freshly recomputed authorization status, POST runs it.
func (wfe *WebFrontEndImpl) challenge(response http.ResponseWriter, request *http.Request, id, idxStr string) {
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 {
		wfe.sendError(response, probs.NotFound("No such challenge"))
		return
	}

	if request.Method != http.MethodPost {
		authz, err := wfe.sa.GetAuthorization(id)
		if err != nil {
			wfe.sendError(response, probs.NotFound("No such authorization"))
			return
		}
		authz.UpdateStatus(wfe.clk.Now())
		wfe.sa.Put(authz)
		chall, err := authz.FindChallenge(idx)
		if err != nil {
			wfe.sendError(response, probs.NotFound("No such challenge"))
			return
		}
		wfe.writeJSON(response, http.StatusOK, chall)
		return
	}

	post, prob := wfe.verifyPOST(request)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}
	_, prob = wfe.knownAccount(post)
	if prob != nil {
		wfe.sendError(response, prob)
		return
	}

	chall, err := wfe.ra.UpdateAuthorization(request.Context(), id, idx, post.thumbprint, post.payload)
	if err != nil {
		wfe.sendError(response, web.ProblemDetailsForError(err, "Error updating challenge"))
		return
	}
	wfe.writeJSON(response, http.StatusOK, chall)
}

// Certificate serves issued certificates as raw DER.
func (wfe *WebFrontEndImpl) Certificate(response http.ResponseWriter, request *http.Request) {
	if request.Method == http.MethodPost {
		post, prob := wfe.verifyPOST(request)
		if prob != nil {
			wfe.sendError(response, prob)
			return
		}
		_, prob = wfe.knownAccount(post)
		if prob != nil {
			wfe.sendError(response, prob)
			return
		}
	}

	id := wfe.remainder(request, certPath)
	cert, err := wfe.sa.GetCertificate(id)
	if err != nil {
		wfe.sendError(response, probs.NotFound("No such certificate"))
		return
	}

	response.Header().Set("Content-Type", "application/pkix-cert")
	response.WriteHeader(http.StatusOK)
	_, _ = response.Write(cert.DER)
}
