// Package policy validates certificate signing requests against issuance
// policy before they reach the CA.
package policy

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/weppos/publicsuffix-go/publicsuffix"

	berrors "github.com/pumice-ca/pumice/errors"
	blog "github.com/pumice-ca/pumice/log"
)

var (
	oidCommonName       = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidExtensionRequest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 14}
	oidSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}
)

// dnsLabelRegexp matches the DNS names we are willing to issue for: at least
// two lowercase labels, no leading hyphens, 63-octet label limit.
var dnsLabelRegexp = regexp.MustCompile(`^([a-z0-9][a-z0-9-]{1,62}\.)+[a-z][a-z0-9-]{0,62}$`)

// AuthorityImpl enforces CA policy decisions on CSRs.
type AuthorityImpl struct {
	log blog.Logger

	// checkSuffix requires every name to sit below a real ICANN suffix.
	checkSuffix bool

	// allowedExtensions holds dotted OIDs of extensionRequest extensions
	// tolerated alongside subjectAltName.
	allowedExtensions map[string]bool
}

// New constructs an AuthorityImpl. extraExtensions lists dotted extension
// OIDs (e.g. "1.3.6.1.5.5.7.1.24") allowed in CSRs beyond subjectAltName.
func New(logger blog.Logger, checkSuffix bool, extraExtensions []string) *AuthorityImpl {
	allowed := make(map[string]bool, len(extraExtensions))
	for _, oid := range extraExtensions {
		allowed[oid] = true
	}
	return &AuthorityImpl{
		log:               logger,
		checkSuffix:       checkSuffix,
		allowedExtensions: allowed,
	}
}

// The raw shape of a PKCS#10 request, kept as RawValues so that attribute and
// extension multiplicity can be checked before any lossy parsing.
type certificationRequest struct {
	Raw                asn1.RawContent
	Info               certificationRequestInfo
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

type certificationRequestInfo struct {
	Raw           asn1.RawContent
	Version       int
	Subject       asn1.RawValue
	PublicKey     asn1.RawValue
	RawAttributes []asn1.RawValue `asn1:"tag:0"`
}

type pkcs10Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type pkcs10Extension struct {
	ID       asn1.ObjectIdentifier
	Critical bool `asn1:"optional"`
	Value    []byte
}

// CheckCSR decodes a base64url CSR and enforces subject, attribute, and SAN
// policy. On success it returns the set of DNS names the CSR asks for, in
// order of first appearance (CN first).
func (pa *AuthorityImpl) CheckCSR(csrB64 string) ([]string, error) {
	der, err := decodeBase64URL(csrB64)
	if err != nil {
		return nil, berrors.MalformedError("CSR is not valid base64: %s", err)
	}

	var csr certificationRequest
	rest, err := asn1.Unmarshal(der, &csr)
	if err != nil {
		return nil, berrors.MalformedError("CSR is not valid DER: %s", err)
	}
	if len(rest) != 0 {
		return nil, berrors.MalformedError("CSR has trailing bytes")
	}

	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	cn, err := pa.checkSubject(csr.Info.Subject)
	if err != nil {
		return nil, err
	}
	if cn != "" {
		add(cn)
	}

	sans, err := pa.checkAttributes(csr.Info.RawAttributes)
	if err != nil {
		return nil, err
	}
	for _, san := range sans {
		add(san)
	}

	if len(names) == 0 {
		return nil, berrors.MalformedError("CSR names no identifiers")
	}

	if pa.checkSuffix {
		for _, name := range names {
			err := checkICANNSuffix(name)
			if err != nil {
				return nil, err
			}
		}
	}

	return names, nil
}

// checkSubject enforces rule: zero or one subject attributes, and when
// present the attribute must be a commonName holding a plausible DNS name.
func (pa *AuthorityImpl) checkSubject(subject asn1.RawValue) (string, error) {
	var rdns pkix.RDNSequence
	_, err := asn1.Unmarshal(subject.FullBytes, &rdns)
	if err != nil {
		return "", berrors.MalformedError("CSR subject is not valid DER: %s", err)
	}

	var attrs []pkix.AttributeTypeAndValue
	for _, rdn := range rdns {
		attrs = append(attrs, rdn...)
	}
	if len(attrs) == 0 {
		return "", nil
	}
	if len(attrs) > 1 {
		return "", berrors.MalformedError("CSR contains more than one subject attribute")
	}
	if !attrs[0].Type.Equal(oidCommonName) {
		return "", berrors.MalformedError("CSR subject attribute must be a commonName")
	}
	cn, ok := attrs[0].Value.(string)
	if !ok {
		return "", berrors.MalformedError("CSR commonName is not a string")
	}
	cn = strings.ToLower(cn)
	if !dnsLabelRegexp.MatchString(cn) {
		return "", berrors.MalformedError("CSR commonName %q is not a valid DNS name", cn)
	}
	return cn, nil
}

// checkAttributes enforces rules on the PKCS#10 attribute set: zero or one
// attribute, which must be an extensionRequest; within it at most one
// extension beyond the configured allowances, which must be a
// subjectAltName; and every SAN entry must be a dNSName.
func (pa *AuthorityImpl) checkAttributes(rawAttrs []asn1.RawValue) ([]string, error) {
	if len(rawAttrs) == 0 {
		return nil, nil
	}
	if len(rawAttrs) > 1 {
		return nil, berrors.MalformedError("CSR contains more than one attribute")
	}

	var attr pkcs10Attribute
	_, err := asn1.Unmarshal(rawAttrs[0].FullBytes, &attr)
	if err != nil {
		return nil, berrors.MalformedError("CSR attribute is not valid DER: %s", err)
	}
	if !attr.Type.Equal(oidExtensionRequest) {
		return nil, berrors.MalformedError("CSR attribute must be an extensionRequest")
	}
	if len(attr.Values) != 1 {
		return nil, berrors.MalformedError("extensionRequest must hold exactly one extension list")
	}

	var exts []pkcs10Extension
	_, err = asn1.Unmarshal(attr.Values[0].FullBytes, &exts)
	if err != nil {
		return nil, berrors.MalformedError("extensionRequest is not valid DER: %s", err)
	}

	var sans []string
	sawPolicyExt := false
	for _, ext := range exts {
		if pa.allowedExtensions[ext.ID.String()] {
			continue
		}
		if sawPolicyExt {
			return nil, berrors.MalformedError("extensionRequest contains more than one extension")
		}
		sawPolicyExt = true
		if !ext.ID.Equal(oidSubjectAltName) {
			return nil, berrors.MalformedError("extensionRequest extension must be a subjectAltName")
		}
		sans, err = pa.checkSubjectAltName(ext.Value)
		if err != nil {
			return nil, err
		}
	}
	return sans, nil
}

// checkSubjectAltName walks the GeneralNames sequence by hand so entries keep
// their wire order and non-dNSName entries are caught whatever their type.
func (pa *AuthorityImpl) checkSubjectAltName(value []byte) ([]string, error) {
	var seq asn1.RawValue
	rest, err := asn1.Unmarshal(value, &seq)
	if err != nil {
		return nil, berrors.MalformedError("subjectAltName is not valid DER: %s", err)
	}
	if len(rest) != 0 || seq.Class != asn1.ClassUniversal || seq.Tag != asn1.TagSequence || !seq.IsCompound {
		return nil, berrors.MalformedError("subjectAltName is not a GeneralNames sequence")
	}

	var names []string
	data := seq.Bytes
	for len(data) > 0 {
		var entry asn1.RawValue
		data, err = asn1.Unmarshal(data, &entry)
		if err != nil {
			return nil, berrors.MalformedError("subjectAltName entry is not valid DER: %s", err)
		}
		// GeneralName dNSName is [2] IA5String.
		if entry.Class != asn1.ClassContextSpecific || entry.Tag != 2 {
			return nil, berrors.MalformedError("subjectAltName entry must be a dNSName")
		}
		name := strings.ToLower(string(entry.Bytes))
		if !dnsLabelRegexp.MatchString(name) {
			return nil, berrors.MalformedError("subjectAltName %q is not a valid DNS name", name)
		}
		names = append(names, name)
	}
	return names, nil
}

// checkICANNSuffix rejects names that are not beneath a real ICANN suffix,
// and names that are themselves a bare suffix.
func checkICANNSuffix(name string) error {
	rule := publicsuffix.DefaultList.Find(name, &publicsuffix.FindOptions{
		IgnorePrivate: true,
		DefaultRule:   nil,
	})
	if rule == nil {
		return berrors.MalformedError("name %q does not end in an ICANN suffix", name)
	}
	suffix := rule.Decompose(name)[1]
	if suffix == "" || suffix == name {
		return berrors.MalformedError("name %q is an ICANN suffix", name)
	}
	return nil
}

func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}
