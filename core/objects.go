package core

import (
	"fmt"
	"time"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/pumice-ca/pumice/identifier"
	"github.com/pumice-ca/pumice/probs"
)

// AcmeStatus defines the state of a given authorization, order, or challenge.
type AcmeStatus string

// These statuses are the states of authorizations, orders, and challenges.
const (
	StatusUnknown    = AcmeStatus("unknown")    // Unknown status; the default
	StatusPending    = AcmeStatus("pending")    // In process; client has next action
	StatusProcessing = AcmeStatus("processing") // In process; server has next action
	StatusReady      = AcmeStatus("ready")      // Order is ready for finalization
	StatusValid      = AcmeStatus("valid")      // Validation succeeded
	StatusInvalid    = AcmeStatus("invalid")    // Validation failed
	StatusGood       = AcmeStatus("good")       // Registration is in good standing
)

// ObjectType tags the different kinds of objects held by the storage
// authority. The tag doubles as the URL path segment for the object kind.
type ObjectType string

const (
	ObjectTypeRegistration  = ObjectType("reg")
	ObjectTypeOrder         = ObjectType("app")
	ObjectTypeAuthorization = ObjectType("authz")
	ObjectTypeCertificate   = ObjectType("cert")
)

// AcmeChallenge values identify different types of ACME challenges.
type AcmeChallenge string

// These types are the available challenges.
const (
	ChallengeTypeHTTP01 = AcmeChallenge("http-01")
	ChallengeTypeDNS01  = AcmeChallenge("dns-01")
	ChallengeTypeTLSSNI = AcmeChallenge("tls-sni-01")
	// ChallengeTypeAuto validates unconditionally. It exists for tests and
	// must never be enabled on a network-facing deployment.
	ChallengeTypeAuto = AcmeChallenge("auto")
)

// Object is the capability shared by every entity the storage authority
// holds: a type tag and an identifier unique within that type. The public
// JSON view of each object comes from its ordinary JSON marshalling.
type Object interface {
	TypeTag() ObjectType
	ObjectID() string
}

// Registration objects represent accounts. The ID is the hex-encoded SHA-256
// thumbprint of the account key, so it is stable and derived: the same key
// always maps to the same registration.
type Registration struct {
	ID string `json:"id"`

	// Key is the account public key to which the details are attached.
	Key *jose.JSONWebKey `json:"key"`

	// Contact is an ordered list of contact URIs (e.g. mailto addresses).
	Contact []string `json:"contact,omitempty"`

	// Agreement is the URI of the subscriber agreement the account accepted,
	// if any.
	Agreement string `json:"agreement,omitempty"`

	Status AcmeStatus `json:"status"`
}

func (r *Registration) TypeTag() ObjectType { return ObjectTypeRegistration }

func (r *Registration) ObjectID() string { return r.ID }

// Requirement is one prerequisite of an order: an authorization the account
// must complete, referenced by URL. The order carries a copy of the
// authorization's status, rewritten whenever the authorization changes.
type Requirement struct {
	Type   string     `json:"type"` // always "authorization"
	Status AcmeStatus `json:"status"`
	URL    string     `json:"url"`
}

// Order objects (resource type "app", from the pre-RFC "application" name)
// represent a request for a certificate covering a set of names.
type Order struct {
	ID string `json:"-"`

	// Thumbprint of the account that created the order. A back reference,
	// not ownership: the store owns all objects.
	Thumbprint string `json:"-"`

	Status AcmeStatus `json:"status"`

	// NotBefore and NotAfter are optional RFC 3339 validity hints carried
	// verbatim from the order request into issuance.
	NotBefore string `json:"notBefore,omitempty"`
	NotAfter  string `json:"notAfter,omitempty"`

	Requirements []Requirement `json:"requirements"`

	// Certificate is the URL of the issued certificate, set once the order
	// reaches StatusValid.
	Certificate string `json:"certificate,omitempty"`

	Finalize string `json:"finalize"`

	URL string `json:"-"`
}

func (o *Order) TypeTag() ObjectType { return ObjectTypeOrder }

func (o *Order) ObjectID() string { return o.ID }

// MarkReady moves a pending order to ready once every requirement is valid.
// It is a no-op in any other state: order status is monotonic except for the
// explicit processing->ready revert on finalization failure.
func (o *Order) MarkReady() {
	if o.Status != StatusPending {
		return
	}
	for _, req := range o.Requirements {
		if req.Status != StatusValid {
			return
		}
	}
	o.Status = StatusReady
}

// Challenge is one proof-of-control attempt under an authorization. Its URL
// is the parent authorization's URL with the challenge's index appended.
type Challenge struct {
	Type   AcmeChallenge `json:"type"`
	Status AcmeStatus    `json:"status"`
	Token  string        `json:"token,omitempty"`
	URL    string        `json:"url"`

	// Error holds the problem produced by a failed validation attempt.
	Error *probs.ProblemDetails `json:"error,omitempty"`
}

// Authorization represents the authorization of an account key holder to act
// on behalf of one identifier.
type Authorization struct {
	ID string `json:"-"`

	// Thumbprint of the owning account.
	Thumbprint string `json:"-"`

	Identifier identifier.ACMEIdentifier `json:"identifier"`

	Status AcmeStatus `json:"status"`

	// Scope is the order URL this authorization is limited to, when scoped
	// authorizations are enabled by policy. Empty means account-wide.
	Scope string `json:"scope,omitempty"`

	// Expires is the instant after which the authorization is invalid.
	Expires time.Time `json:"expires"`

	Challenges []*Challenge `json:"challenges"`

	URL string `json:"-"`
}

func (authz *Authorization) TypeTag() ObjectType { return ObjectTypeAuthorization }

func (authz *Authorization) ObjectID() string { return authz.ID }

// UpdateStatus recomputes the authorization's derived status at the given
// instant and caches it: expiry forces invalid, otherwise any valid challenge
// makes the authorization valid. Expiry wins over challenge results so that
// an authorization never comes back from the dead.
func (authz *Authorization) UpdateStatus(now time.Time) {
	if !now.Before(authz.Expires) {
		authz.Status = StatusInvalid
		return
	}
	for _, chall := range authz.Challenges {
		if chall.Status == StatusValid {
			authz.Status = StatusValid
			return
		}
	}
}

// AsRequirement renders the authorization as an order requirement carrying
// its current status.
func (authz *Authorization) AsRequirement() Requirement {
	return Requirement{
		Type:   "authorization",
		Status: authz.Status,
		URL:    authz.URL,
	}
}

// FindChallenge returns the challenge at the given index, or an error if the
// index is out of range.
func (authz *Authorization) FindChallenge(index int) (*Challenge, error) {
	if index < 0 || index >= len(authz.Challenges) {
		return nil, fmt.Errorf("no challenge with index %d in authorization %q", index, authz.ID)
	}
	return authz.Challenges[index], nil
}

// Certificate objects hold an issued DER-encoded certificate. The only thing
// exposed on the wire is the DER itself; certificates are immutable once
// issued.
type Certificate struct {
	ID string

	// Thumbprint of the account the certificate was issued to.
	Thumbprint string

	// DER is the certificate body.
	DER []byte

	URL string
}

func (cert *Certificate) TypeTag() ObjectType { return ObjectTypeCertificate }

func (cert *Certificate) ObjectID() string { return cert.ID }
