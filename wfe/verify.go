package wfe

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/pumice-ca/pumice/core"
	"github.com/pumice-ca/pumice/probs"
)

// maxRequestSize is the largest request body we are willing to parse.
const maxRequestSize = 50000

// authenticatedPOST is the result of JWS transport verification, attached to
// the request for handlers.
type authenticatedPOST struct {
	// payload is the verified request body. A zero-length JWS payload is
	// normalized to an empty JSON object.
	payload []byte

	// key is the account key the JWS verified against.
	key *jose.JSONWebKey

	// thumbprint is the hex SHA-256 thumbprint of key.
	thumbprint string

	// registration is the account resolved during verification. It is nil
	// when the JWS embedded its key inline; handlers that need an account
	// resolve the thumbprint themselves.
	registration *core.Registration
}

var supportedAlgs = map[string]bool{
	string(jose.RS256): true,
	string(jose.ES256): true,
	string(jose.ES384): true,
	string(jose.ES512): true,
}

// sigAlgorithmForKey returns the only JWS signature algorithm acceptable for
// the given account key.
func sigAlgorithmForKey(key *jose.JSONWebKey) (jose.SignatureAlgorithm, error) {
	switch k := key.Key.(type) {
	case *rsa.PublicKey:
		return jose.RS256, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
	}
	return "", fmt.Errorf("JWK contains unsupported key type")
}

// parseJWSRequest extracts a flattened-serialization JWS from the request
// body. Bodies carrying an unprotected header or the full "signatures" array
// serialization are rejected.
func (wfe *WebFrontEndImpl) parseJWSRequest(request *http.Request) (*jose.JSONWebSignature, *probs.ProblemDetails) {
	if request.Body == nil {
		wfe.joseErrorCount.WithLabelValues("NoPOSTBody").Inc()
		return nil, probs.Malformed("No body on POST")
	}
	bodyBytes, err := io.ReadAll(http.MaxBytesReader(nil, request.Body, maxRequestSize))
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("UnableToReadReqBody").Inc()
		return nil, probs.ServerInternal("unable to read request body")
	}

	var unprotected struct {
		Header     map[string]string
		Signatures []interface{}
	}
	err = json.Unmarshal(bodyBytes, &unprotected)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSUnmarshalFailed").Inc()
		return nil, probs.Malformed("Parse error reading JWS")
	}
	if unprotected.Header != nil {
		wfe.joseErrorCount.WithLabelValues("JWSUnprotectedHeader").Inc()
		return nil, probs.Malformed("JWS \"header\" field not allowed. All headers must be in \"protected\" field")
	}
	if len(unprotected.Signatures) > 0 {
		wfe.joseErrorCount.WithLabelValues("JWSMultiSig").Inc()
		return nil, probs.Malformed("JWS \"signatures\" field not allowed. Only the \"signature\" field should contain a signature")
	}

	parsedJWS, err := jose.ParseSigned(string(bodyBytes))
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSParseError").Inc()
		return nil, probs.Malformed("Parse error reading JWS")
	}
	if len(parsedJWS.Signatures) > 1 {
		wfe.joseErrorCount.WithLabelValues("JWSTooManySignatures").Inc()
		return nil, probs.Malformed("Too many signatures in POST body")
	}
	if len(parsedJWS.Signatures) == 0 {
		wfe.joseErrorCount.WithLabelValues("JWSNoSignatures").Inc()
		return nil, probs.Malformed("POST JWS not signed")
	}
	if len(parsedJWS.Signatures[0].Signature) == 0 {
		wfe.joseErrorCount.WithLabelValues("JWSEmptySignature").Inc()
		return nil, probs.Malformed("POST JWS not signed")
	}
	return parsedJWS, nil
}

// checkAlgorithm ensures the JWS header names a supported algorithm and that
// it is the right one for the resolved key.
func (wfe *WebFrontEndImpl) checkAlgorithm(key *jose.JSONWebKey, jws *jose.JSONWebSignature) *probs.ProblemDetails {
	alg := jws.Signatures[0].Header.Algorithm
	if alg == "" {
		wfe.joseErrorCount.WithLabelValues("JWSNoAlgorithm").Inc()
		return probs.Malformed("JWS header must contain \"alg\"")
	}
	if !supportedAlgs[alg] {
		wfe.joseErrorCount.WithLabelValues("JWSAlgorithmCheckFailed").Inc()
		return probs.Malformed("JWS signature header contains unsupported algorithm %q", alg)
	}
	expected, err := sigAlgorithmForKey(key)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSAlgorithmCheckFailed").Inc()
		return probs.Malformed("%s", err)
	}
	if alg != string(expected) {
		wfe.joseErrorCount.WithLabelValues("JWSAlgorithmCheckFailed").Inc()
		return probs.Malformed("JWS signature header algorithm %q does not match key type", alg)
	}
	return nil
}

// validNonce consumes the JWS anti-replay nonce. Absent, foreign, and
// replayed nonces all fail the same way.
func (wfe *WebFrontEndImpl) validNonce(jws *jose.JSONWebSignature) *probs.ProblemDetails {
	header := jws.Signatures[0].Header
	if header.Nonce == "" {
		wfe.joseErrorCount.WithLabelValues("JWSMissingNonce").Inc()
		return probs.BadNonce("JWS has no anti-replay nonce")
	}
	if !wfe.nonceService.Valid(header.Nonce) {
		wfe.joseErrorCount.WithLabelValues("JWSInvalidNonce").Inc()
		return probs.BadNonce("JWS has an invalid anti-replay nonce: %q", header.Nonce)
	}
	return nil
}

// validPOSTURL enforces the draft-mode url header: it must byte-equal the
// URL the request actually arrived at.
func (wfe *WebFrontEndImpl) validPOSTURL(request *http.Request, jws *jose.JSONWebSignature) *probs.ProblemDetails {
	extraHeaders := jws.Signatures[0].Header.ExtraHeaders
	headerURL, ok := extraHeaders[jose.HeaderKey("url")].(string)
	if !ok || headerURL == "" {
		wfe.joseErrorCount.WithLabelValues("JWSNoExtraURL").Inc()
		return probs.Malformed("JWS header parameter \"url\" required")
	}
	expectedURL := wfe.urls.Endpoint(strings.TrimPrefix(request.URL.Path, wfe.basePath))
	if headerURL != expectedURL {
		wfe.joseErrorCount.WithLabelValues("JWSMismatchedURL").Inc()
		return probs.Malformed("JWS header parameter \"url\" incorrect. Expected %q got %q", expectedURL, headerURL)
	}
	return nil
}

// resolveKey applies the exactly-one-of-jwk-and-kid rule and produces the
// verification key, plus the registration when the JWS referenced one.
func (wfe *WebFrontEndImpl) resolveKey(jws *jose.JSONWebSignature) (*jose.JSONWebKey, *core.Registration, *probs.ProblemDetails) {
	header := jws.Signatures[0].Header
	embeddedJWK := header.JSONWebKey
	keyID := header.KeyID

	if embeddedJWK != nil && keyID != "" {
		wfe.joseErrorCount.WithLabelValues("JWSAuthTypeInvalid").Inc()
		return nil, nil, probs.Malformed("jwk and kid header fields are mutually exclusive")
	}
	if embeddedJWK == nil && keyID == "" {
		wfe.joseErrorCount.WithLabelValues("JWSAuthTypeInvalid").Inc()
		return nil, nil, probs.Malformed("JWS header must contain either jwk or kid")
	}

	if embeddedJWK != nil {
		if !embeddedJWK.Valid() {
			wfe.joseErrorCount.WithLabelValues("JWKInvalid").Inc()
			return nil, nil, probs.Malformed("Invalid JWK in JWS header")
		}
		return embeddedJWK, nil, nil
	}

	regPrefix := wfe.urls.ObjectURL(core.ObjectTypeRegistration, "")
	if !strings.HasPrefix(keyID, regPrefix) {
		wfe.joseErrorCount.WithLabelValues("JWSInvalidKeyID").Inc()
		return nil, nil, probs.Malformed("JWS header kid %q does not name an account on this server", keyID)
	}
	regID := strings.TrimPrefix(keyID, regPrefix)
	reg, err := wfe.sa.GetRegistration(regID)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("KeyIDNotFound").Inc()
		return nil, nil, probs.Unauthorized("No registration found for kid %q", keyID)
	}
	return reg.Key, reg, nil
}

// verifyPOST runs the whole transport check sequence on a POST body and
// returns the verified payload and key identity. Header validation (alg,
// auth type, nonce, url binding) runs before any signature math.
func (wfe *WebFrontEndImpl) verifyPOST(request *http.Request) (*authenticatedPOST, *probs.ProblemDetails) {
	jws, prob := wfe.parseJWSRequest(request)
	if prob != nil {
		return nil, prob
	}

	key, reg, prob := wfe.resolveKey(jws)
	if prob != nil {
		return nil, prob
	}

	prob = wfe.checkAlgorithm(key, jws)
	if prob != nil {
		return nil, prob
	}

	prob = wfe.validNonce(jws)
	if prob != nil {
		return nil, prob
	}

	if wfe.dialect.EnforceJWSURL {
		prob = wfe.validPOSTURL(request, jws)
		if prob != nil {
			return nil, prob
		}
	}

	err := wfe.keyPolicy.GoodKey(key.Key)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWKRejectedByGoodKey").Inc()
		return nil, probs.Malformed("%s", err)
	}

	payload, err := jws.Verify(key)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSVerifyFailed").Inc()
		return nil, probs.Malformed("JWS verification error")
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	thumbprint, err := core.Thumbprint(key)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("ThumbprintFailed").Inc()
		return nil, probs.Malformed("computing key thumbprint: %s", err)
	}

	return &authenticatedPOST{
		payload:      payload,
		key:          key,
		thumbprint:   thumbprint,
		registration: reg,
	}, nil
}
