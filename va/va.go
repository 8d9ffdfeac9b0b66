// Package va implements challenge validation: given an authorization and one
// of its challenges, attempt the proof of control and record the outcome on
// the challenge itself.
package va

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pumice-ca/pumice/core"
	berrors "github.com/pumice-ca/pumice/errors"
	blog "github.com/pumice-ca/pumice/log"
	"github.com/pumice-ca/pumice/probs"
)

// DNSPrefix is the label prepended to a domain for dns-01 TXT lookups.
const DNSPrefix = "_acme-challenge"

// maxResponseSize is how much of an http-01 response body we read.
const maxResponseSize = 128

// Config carries the knobs validation needs to reach the outside world.
type Config struct {
	// HTTPPort is the port http-01 fetches target. 80 in production;
	// overridable for tests.
	HTTPPort int

	// TLSPort is the port tls-sni-01 connections target. 443 in production.
	TLSPort int

	// DNSResolver is the address (host:port) dns-01 TXT queries are sent to.
	DNSResolver string

	// Timeout bounds each individual validation attempt.
	Timeout time.Duration
}

// ValidationAuthorityImpl performs challenge validation.
type ValidationAuthorityImpl struct {
	log blog.Logger
	clk clock.Clock

	httpPort    int
	tlsPort     int
	dnsResolver string
	timeout     time.Duration

	dnsClient  *dns.Client
	httpClient *http.Client

	validations *prometheus.CounterVec
}

// New constructs a ValidationAuthorityImpl.
func New(cfg Config, clk clock.Clock, stats prometheus.Registerer, logger blog.Logger) *ValidationAuthorityImpl {
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 80
	}
	if cfg.TLSPort == 0 {
		cfg.TLSPort = 443
	}
	if cfg.DNSResolver == "" {
		cfg.DNSResolver = "127.0.0.1:53"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	validations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "validations",
		Help: "A counter of challenge validations labelled by type and result",
	}, []string{"type", "result"})
	stats.MustRegister(validations)

	return &ValidationAuthorityImpl{
		log:         logger,
		clk:         clk,
		httpPort:    cfg.HTTPPort,
		tlsPort:     cfg.TLSPort,
		dnsResolver: cfg.DNSResolver,
		timeout:     cfg.Timeout,
		dnsClient:   new(dns.Client),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			// Redirects would let the target bounce the validation
			// somewhere the key authorization was never provisioned.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return errors.New("redirects are not followed during validation")
			},
		},
		validations: validations,
	}
}

func keyAuthorization(token, thumbprint string) string {
	return token + "." + thumbprint
}

func keyAuthorizationDigest(keyAuth string) string {
	h := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// UpdateChallenge attempts the challenge and mutates it in place: valid on
// success, invalid with a problem attached on failure. A failed validation
// is not an error to the caller; errors are reserved for requests the
// validation machinery could not attempt at all.
func (va *ValidationAuthorityImpl) UpdateChallenge(ctx context.Context, authz *core.Authorization, chall *core.Challenge, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, va.timeout)
	defer cancel()

	var err error
	switch chall.Type {
	case core.ChallengeTypeAuto:
		err = nil
	case core.ChallengeTypeHTTP01:
		err = va.validateHTTP01(ctx, authz.Identifier.Value, chall.Token, authz.Thumbprint)
	case core.ChallengeTypeDNS01:
		err = va.validateDNS01(ctx, authz.Identifier.Value, chall.Token, authz.Thumbprint)
	case core.ChallengeTypeTLSSNI:
		err = va.validateTLSSNI01(ctx, authz.Identifier.Value, chall.Token, authz.Thumbprint)
	default:
		err = berrors.MalformedError("unsupported challenge type %q", chall.Type)
	}

	if err != nil {
		chall.Status = core.StatusInvalid
		chall.Error = problemFromValidationError(err)
		va.validations.WithLabelValues(string(chall.Type), "invalid").Inc()
		va.log.Infof("Validation failed: identifier=[%s] challenge=[%s] err=[%s]", authz.Identifier.Value, chall.Type, err)
		return nil
	}

	chall.Status = core.StatusValid
	chall.Error = nil
	va.validations.WithLabelValues(string(chall.Type), "valid").Inc()
	va.log.Infof("Validation succeeded: identifier=[%s] challenge=[%s]", authz.Identifier.Value, chall.Type)
	return nil
}

func problemFromValidationError(err error) *probs.ProblemDetails {
	if errors.Is(err, berrors.Malformed) {
		return probs.Malformed("%s", err)
	}
	return probs.Unauthorized("%s", err)
}

func (va *ValidationAuthorityImpl) validateHTTP01(ctx context.Context, host, token, thumbprint string) error {
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s",
		net.JoinHostPort(host, strconv.Itoa(va.httpPort)), token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return berrors.MalformedError("constructing validation request: %s", err)
	}

	resp, err := va.httpClient.Do(req)
	if err != nil {
		return berrors.UnauthorizedError("Fetching %s: %s", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return berrors.UnauthorizedError("Invalid response from %s: %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return berrors.UnauthorizedError("Reading response from %s: %s", url, err)
	}

	expected := keyAuthorization(token, thumbprint)
	got := strings.TrimRight(string(body), "\n\r")
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return berrors.UnauthorizedError("The key authorization file from the server did not match this challenge %q != %q", expected, got)
	}
	return nil
}

func (va *ValidationAuthorityImpl) validateDNS01(ctx context.Context, name, token, thumbprint string) error {
	authorizedKeysDigest := keyAuthorizationDigest(keyAuthorization(token, thumbprint))

	challengeSubdomain := fmt.Sprintf("%s.%s", DNSPrefix, name)
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(challengeSubdomain), dns.TypeTXT)
	in, _, err := va.dnsClient.ExchangeContext(ctx, m, va.dnsResolver)
	if err != nil {
		return berrors.UnauthorizedError("DNS query for %s failed: %s", challengeSubdomain, err)
	}

	var txts []string
	for _, ans := range in.Answer {
		if txt, ok := ans.(*dns.TXT); ok {
			txts = append(txts, strings.Join(txt.Txt, ""))
		}
	}

	if len(txts) == 0 {
		return berrors.UnauthorizedError("No TXT record found at %s", challengeSubdomain)
	}

	for _, element := range txts {
		if subtle.ConstantTimeCompare([]byte(element), []byte(authorizedKeysDigest)) == 1 {
			return nil
		}
	}

	invalidRecord := txts[0]
	if len(invalidRecord) > 100 {
		invalidRecord = invalidRecord[0:100] + "..."
	}
	var andMore string
	if len(txts) > 1 {
		andMore = fmt.Sprintf(" (and %d more)", len(txts)-1)
	}
	return berrors.UnauthorizedError("Incorrect TXT record %q%s found at %s",
		invalidRecord, andMore, challengeSubdomain)
}

func (va *ValidationAuthorityImpl) validateTLSSNI01(ctx context.Context, host, token, thumbprint string) error {
	h := sha256.Sum256([]byte(keyAuthorization(token, thumbprint)))
	z := hex.EncodeToString(h[:])
	zName := fmt.Sprintf("%s.%s.acme.invalid", z[:32], z[32:])

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: va.timeout},
		Config: &tls.Config{
			ServerName: zName,
			// The subscriber presents a self-signed certificate; what is
			// being checked is SAN possession, not chain validity.
			InsecureSkipVerify: true,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(va.tlsPort)))
	if err != nil {
		return berrors.UnauthorizedError("Failed to connect to %s for tls-sni-01: %s", host, err)
	}
	defer func() { _ = conn.Close() }()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return berrors.UnauthorizedError("No certificates presented for tls-sni-01 by %s", host)
	}
	for _, san := range certs[0].DNSNames {
		if strings.EqualFold(san, zName) {
			return nil
		}
	}
	return berrors.UnauthorizedError("Correct zName not found for tls-sni-01: expected %q", zName)
}
