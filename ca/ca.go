// Package ca signs certificates against the operator's CA key.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	berrors "github.com/pumice-ca/pumice/errors"
	blog "github.com/pumice-ca/pumice/log"
)

var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// CertificateAuthorityImpl issues certificates from CSRs that have already
// passed policy checks.
type CertificateAuthorityImpl struct {
	mu     sync.Mutex
	serial int64

	key  crypto.Signer
	cert *x509.Certificate

	clk         clock.Clock
	maxValidity time.Duration
	lintCerts   bool
	log         blog.Logger
}

// New constructs a CertificateAuthorityImpl signing with key under the
// issuer certificate cert. When lintCerts is set, every certificate is run
// through zlint before being returned and issuance fails on lint errors.
func New(key crypto.Signer, cert *x509.Certificate, clk clock.Clock, maxValidity time.Duration, lintCerts bool, logger blog.Logger) *CertificateAuthorityImpl {
	return &CertificateAuthorityImpl{
		key:         key,
		cert:        cert,
		clk:         clk,
		maxValidity: maxValidity,
		lintCerts:   lintCerts,
		log:         logger,
	}
}

func (ca *CertificateAuthorityImpl) nextSerial() *big.Int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.serial++
	return big.NewInt(ca.serial)
}

func sigAlgForKey(key crypto.Signer) (x509.SignatureAlgorithm, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA, nil
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256, nil
	default:
		return 0, berrors.InternalServerError("unsupported CA key type %T", key.Public())
	}
}

// IssueCertificate signs a certificate carrying the CSR's subject, public
// key, and requested extensions, valid from notBefore to notAfter. notAfter
// is clamped to the configured maximum validity. The returned bytes are DER.
func (ca *CertificateAuthorityImpl) IssueCertificate(csr *x509.CertificateRequest, notBefore, notAfter time.Time) ([]byte, error) {
	sigAlg, err := sigAlgForKey(ca.key)
	if err != nil {
		return nil, err
	}

	if maxExpiry := notBefore.Add(ca.maxValidity); notAfter.After(maxExpiry) {
		notAfter = maxExpiry
	}
	if !notBefore.Before(notAfter) {
		return nil, berrors.MalformedError("certificate would expire before it becomes valid")
	}

	// The SAN extension is carried via DNSNames below; copying it through
	// ExtraExtensions as well would duplicate it.
	var extraExts []pkix.Extension
	for _, ext := range csr.Extensions {
		if ext.Id.Equal(oidSubjectAltName) {
			continue
		}
		extraExts = append(extraExts, ext)
	}

	serial := ca.nextSerial()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		DNSNames:              csr.DNSNames,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		SignatureAlgorithm:    sigAlg,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		ExtraExtensions:       extraExts,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, csr.PublicKey, ca.key)
	if err != nil {
		return nil, berrors.InternalServerError("signing certificate: %s", err)
	}

	if ca.lintCerts {
		err = lintCertificate(der)
		if err != nil {
			return nil, err
		}
	}

	ca.log.AuditInfof("Signing success: serial=[%x] names=%v", serial, csr.DNSNames)
	return der, nil
}
