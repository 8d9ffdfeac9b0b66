// Package ra implements the registration authority, the engine behind the
// protocol surface: account creation and update, order and authorization
// construction, challenge updates, and finalization into a certificate.
package ra

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/pumice-ca/pumice/ca"
	"github.com/pumice-ca/pumice/core"
	berrors "github.com/pumice-ca/pumice/errors"
	"github.com/pumice-ca/pumice/identifier"
	blog "github.com/pumice-ca/pumice/log"
	"github.com/pumice-ca/pumice/policy"
	"github.com/pumice-ca/pumice/sa"
	"github.com/pumice-ca/pumice/va"
	"github.com/pumice-ca/pumice/web"
)

// Config carries the policy knobs of the engine.
type Config struct {
	// AuthzExpiry is how long a new authorization stays usable.
	AuthzExpiry time.Duration

	// CertLifetime is the default certificate validity applied when an order
	// carries no notAfter. One year when zero.
	CertLifetime time.Duration

	// Challenges lists the challenge types attached to new authorizations,
	// in index order.
	Challenges []core.AcmeChallenge

	// ScopedAuthorizations limits each new authorization to the order that
	// created it.
	ScopedAuthorizations bool

	// RequireOOB requires accounts to have accepted the subscriber agreement
	// before ordering.
	RequireOOB bool

	// Terms is the subscriber agreement URL, empty when none is configured.
	Terms string
}

// RegistrationAuthorityImpl ties the storage, validation, policy, and CA
// components together.
type RegistrationAuthorityImpl struct {
	sa   *sa.StorageAuthority
	va   *va.ValidationAuthorityImpl
	ca   *ca.CertificateAuthorityImpl
	pa   *policy.AuthorityImpl
	urls *web.URLBuilder
	clk  clock.Clock
	log  blog.Logger
	cfg  Config
}

// New constructs a RegistrationAuthorityImpl.
func New(cfg Config, ssa *sa.StorageAuthority, vva *va.ValidationAuthorityImpl, cca *ca.CertificateAuthorityImpl, ppa *policy.AuthorityImpl, urls *web.URLBuilder, clk clock.Clock, logger blog.Logger) *RegistrationAuthorityImpl {
	if cfg.AuthzExpiry == 0 {
		cfg.AuthzExpiry = 24 * time.Hour
	}
	if cfg.CertLifetime == 0 {
		cfg.CertLifetime = 365 * 24 * time.Hour
	}
	if len(cfg.Challenges) == 0 {
		cfg.Challenges = []core.AcmeChallenge{core.ChallengeTypeHTTP01}
	}
	return &RegistrationAuthorityImpl{
		sa:   ssa,
		va:   vva,
		ca:   cca,
		pa:   ppa,
		urls: urls,
		clk:  clk,
		log:  logger,
		cfg:  cfg,
	}
}

// NewRegistration creates a registration for the key, or returns the
// existing one: registration ids are the key thumbprint, so the same key
// always lands on the same account. The second return value reports whether
// a registration was created.
func (ra *RegistrationAuthorityImpl) NewRegistration(key *jose.JSONWebKey, contact []string) (*core.Registration, bool, error) {
	thumbprint, err := core.Thumbprint(key)
	if err != nil {
		return nil, false, berrors.MalformedError("computing key thumbprint: %s", err)
	}

	existing, err := ra.sa.GetRegistration(thumbprint)
	if err == nil {
		return existing, false, nil
	}

	reg := &core.Registration{
		ID:      thumbprint,
		Key:     key,
		Contact: contact,
		Status:  core.StatusGood,
	}
	ra.sa.Put(reg)
	ra.log.AuditInfof("New registration: id=[%s]", reg.ID)
	return reg, true, nil
}

// RegistrationUpdate is the client-writable part of a registration.
type RegistrationUpdate struct {
	Contact   *[]string `json:"contact"`
	Agreement string    `json:"agreement"`
}

// UpdateRegistration applies an update to a registration. Contact replaces
// wholesale when present; agreement is only accepted when it byte-equals the
// configured terms URL.
func (ra *RegistrationAuthorityImpl) UpdateRegistration(reg *core.Registration, update RegistrationUpdate) error {
	if update.Agreement != "" && update.Agreement != ra.cfg.Terms {
		return berrors.MalformedError("provided agreement URL %q does not match the required agreement URL %q", update.Agreement, ra.cfg.Terms)
	}
	if update.Contact != nil {
		reg.Contact = *update.Contact
	}
	if update.Agreement != "" {
		reg.Agreement = update.Agreement
	}
	ra.sa.Put(reg)
	return nil
}

// NewAuthorization creates and stores a pending authorization for the name,
// owned by the account with the given thumbprint. orderURL scopes the
// authorization when scoped authorizations are enabled.
func (ra *RegistrationAuthorityImpl) NewAuthorization(thumbprint, name, orderURL string) *core.Authorization {
	authz := &core.Authorization{
		ID:         core.NewID(),
		Thumbprint: thumbprint,
		Identifier: identifier.NewDNS(name),
		Status:     core.StatusPending,
		Expires:    ra.clk.Now().Add(ra.cfg.AuthzExpiry),
	}
	authz.URL = ra.urls.ObjectURL(core.ObjectTypeAuthorization, authz.ID)
	if ra.cfg.ScopedAuthorizations {
		authz.Scope = orderURL
	}
	for i, challType := range ra.cfg.Challenges {
		authz.Challenges = append(authz.Challenges, &core.Challenge{
			Type:   challType,
			Status: core.StatusPending,
			Token:  core.NewToken(),
			URL:    challengeURL(authz.URL, i),
		})
	}
	ra.sa.Put(authz)
	return authz
}

func challengeURL(authzURL string, index int) string {
	return authzURL + "/" + strconv.Itoa(index)
}

// OrderRequest is the payload of a new-order request.
type OrderRequest struct {
	Identifiers []identifier.ACMEIdentifier `json:"identifiers"`
	NotBefore   string                      `json:"notBefore"`
	NotAfter    string                      `json:"notAfter"`
}

// NewOrder creates an order for the account, reusing live authorizations for
// any of the requested names and creating the rest.
func (ra *RegistrationAuthorityImpl) NewOrder(reg *core.Registration, req OrderRequest) (*core.Order, error) {
	err := ra.checkOOB(reg)
	if err != nil {
		return nil, err
	}
	if len(req.Identifiers) == 0 {
		return nil, berrors.MalformedError("order names no identifiers")
	}
	err = checkValidityHint(req.NotBefore)
	if err != nil {
		return nil, err
	}
	err = checkValidityHint(req.NotAfter)
	if err != nil {
		return nil, err
	}

	order := &core.Order{
		ID:         core.NewID(),
		Thumbprint: reg.ID,
		Status:     core.StatusPending,
		NotBefore:  req.NotBefore,
		NotAfter:   req.NotAfter,
	}
	order.URL = ra.urls.ObjectURL(core.ObjectTypeOrder, order.ID)
	order.Finalize = order.URL + "/finalize"

	for _, ident := range req.Identifiers {
		authz := ra.sa.AuthzFor(reg.ID, ident.Value)
		if authz == nil {
			authz = ra.NewAuthorization(reg.ID, ident.Value, order.URL)
		}
		order.Requirements = append(order.Requirements, authz.AsRequirement())
	}

	order.MarkReady()
	ra.sa.Put(order)
	ra.log.AuditInfof("New order: id=[%s] account=[%s] names=[%d]", order.ID, reg.ID, len(req.Identifiers))
	return order, nil
}

func checkValidityHint(value string) error {
	if value == "" {
		return nil
	}
	_, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return berrors.MalformedError("invalid RFC 3339 timestamp %q", value)
	}
	return nil
}

func (ra *RegistrationAuthorityImpl) checkOOB(reg *core.Registration) error {
	if ra.cfg.RequireOOB && reg.Agreement == "" {
		return berrors.UnauthorizedError("account has not accepted the subscriber agreement")
	}
	return nil
}

// UpdateAuthorization runs the challenge at the given index and propagates
// the result: the authorization status is recomputed and every order
// referencing it is rewritten before this returns.
func (ra *RegistrationAuthorityImpl) UpdateAuthorization(ctx context.Context, authzID string, index int, thumbprint string, payload []byte) (*core.Challenge, error) {
	authz, err := ra.sa.GetAuthorization(authzID)
	if err != nil {
		return nil, err
	}
	chall, err := authz.FindChallenge(index)
	if err != nil {
		return nil, berrors.NotFoundError("%s", err)
	}
	if authz.Thumbprint != thumbprint {
		return nil, berrors.UnauthorizedError("account key is not authorized for authorization %q", authzID)
	}

	err = ra.va.UpdateChallenge(ctx, authz, chall, payload)
	if err != nil {
		return nil, err
	}

	authz.UpdateStatus(ra.clk.Now())
	ra.sa.Put(authz)
	ra.sa.UpdateOrdersFor(authz)
	return chall, nil
}

// FinalizeOrder validates the CSR and issues. The order sits at processing
// for the duration and lands on valid with its certificate URL set, or back
// on ready when the CSR is rejected.
func (ra *RegistrationAuthorityImpl) FinalizeOrder(ctx context.Context, order *core.Order, reg *core.Registration, csrB64 string) (*core.Order, error) {
	err := ra.checkOOB(reg)
	if err != nil {
		return nil, err
	}

	order.Status = core.StatusProcessing
	ra.sa.Put(order)

	finalized, err := ra.finalize(ctx, order, reg, csrB64)
	if err != nil {
		order.Status = core.StatusReady
		ra.sa.Put(order)
		return nil, err
	}
	return finalized, nil
}

func (ra *RegistrationAuthorityImpl) finalize(ctx context.Context, order *core.Order, reg *core.Registration, csrB64 string) (*core.Order, error) {
	names, err := ra.pa.CheckCSR(csrB64)
	if err != nil {
		return nil, err
	}

	der, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(csrB64, "="))
	if err != nil {
		return nil, berrors.MalformedError("CSR is not valid base64: %s", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, berrors.MalformedError("CSR is not parseable: %s", err)
	}
	err = csr.CheckSignature()
	if err != nil {
		return nil, berrors.MalformedError("CSR signature check failed: %s", err)
	}

	notBefore := ra.clk.Now()
	if order.NotBefore != "" {
		notBefore, _ = time.Parse(time.RFC3339, order.NotBefore)
	}
	notAfter := notBefore.Add(ra.cfg.CertLifetime)
	if order.NotAfter != "" {
		notAfter, _ = time.Parse(time.RFC3339, order.NotAfter)
	}

	// CSR names never authorized under this account get a fresh pending
	// authorization.
	for _, name := range names {
		if ra.sa.AuthzFor(reg.ID, name) == nil {
			ra.NewAuthorization(reg.ID, name, order.URL)
		}
	}

	certDER, err := ra.ca.IssueCertificate(csr, notBefore, notAfter)
	if err != nil {
		return nil, err
	}

	cert := &core.Certificate{
		ID:         core.NewID(),
		Thumbprint: reg.ID,
		DER:        certDER,
	}
	cert.URL = ra.urls.ObjectURL(core.ObjectTypeCertificate, cert.ID)
	ra.sa.Put(cert)

	order.Certificate = cert.URL
	order.Status = core.StatusValid
	ra.sa.Put(order)
	ra.log.AuditInfof("Finalized order: id=[%s] certificate=[%s]", order.ID, cert.ID)
	return order, nil
}
