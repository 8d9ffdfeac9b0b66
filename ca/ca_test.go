package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	blog "github.com/pumice-ca/pumice/log"
	"github.com/pumice-ca/pumice/test"
)

func testIssuer(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating issuer key")
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "testing issuer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	test.AssertNotError(t, err, "creating issuer certificate")
	cert, err := x509.ParseCertificate(der)
	test.AssertNotError(t, err, "parsing issuer certificate")
	return key, cert
}

func testCSR(t *testing.T, template *x509.CertificateRequest) *x509.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating subscriber key")
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	test.AssertNotError(t, err, "creating CSR")
	csr, err := x509.ParseCertificateRequest(der)
	test.AssertNotError(t, err, "parsing CSR")
	return csr
}

func testCA(t *testing.T) (*CertificateAuthorityImpl, clock.FakeClock) {
	t.Helper()
	key, cert := testIssuer(t)
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	return New(key, cert, clk, 90*24*time.Hour, false, blog.NewMock()), clk
}

func TestIssueCertificate(t *testing.T) {
	ca, clk := testCA(t)
	csr := testCSR(t, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "example.com"},
		DNSNames: []string{"example.com", "www.example.com"},
	})

	notBefore := clk.Now()
	notAfter := notBefore.Add(30 * 24 * time.Hour)
	der, err := ca.IssueCertificate(csr, notBefore, notAfter)
	test.AssertNotError(t, err, "issuing certificate")
	test.AssertEquals(t, der[0], byte(0x30))

	cert, err := x509.ParseCertificate(der)
	test.AssertNotError(t, err, "parsing issued certificate")
	test.AssertEquals(t, cert.Subject.CommonName, "example.com")
	test.AssertDeepEquals(t, cert.DNSNames, []string{"example.com", "www.example.com"})
	test.AssertEquals(t, cert.NotAfter.Equal(notAfter), true)
	test.AssertEquals(t, cert.Issuer.CommonName, "testing issuer")
}

func TestSerialMonotonic(t *testing.T) {
	ca, clk := testCA(t)
	csr := testCSR(t, &x509.CertificateRequest{DNSNames: []string{"example.com"}})

	var last *big.Int
	for i := 0; i < 3; i++ {
		der, err := ca.IssueCertificate(csr, clk.Now(), clk.Now().Add(time.Hour))
		test.AssertNotError(t, err, "issuing certificate")
		cert, err := x509.ParseCertificate(der)
		test.AssertNotError(t, err, "parsing issued certificate")
		if last != nil && cert.SerialNumber.Cmp(last) <= 0 {
			t.Fatalf("serial %v not greater than predecessor %v", cert.SerialNumber, last)
		}
		last = cert.SerialNumber
	}
}

func TestValidityClamp(t *testing.T) {
	ca, clk := testCA(t)
	csr := testCSR(t, &x509.CertificateRequest{DNSNames: []string{"example.com"}})

	notBefore := clk.Now()
	der, err := ca.IssueCertificate(csr, notBefore, notBefore.Add(10*365*24*time.Hour))
	test.AssertNotError(t, err, "issuing certificate")
	cert, err := x509.ParseCertificate(der)
	test.AssertNotError(t, err, "parsing issued certificate")
	test.AssertEquals(t, cert.NotAfter.Equal(notBefore.Add(90*24*time.Hour)), true)
}

func TestInvertedValidity(t *testing.T) {
	ca, clk := testCA(t)
	csr := testCSR(t, &x509.CertificateRequest{DNSNames: []string{"example.com"}})

	_, err := ca.IssueCertificate(csr, clk.Now(), clk.Now().Add(-time.Hour))
	test.AssertError(t, err, "issued a certificate that expires before it begins")
}

func TestExtensionPassThrough(t *testing.T) {
	ca, clk := testCA(t)
	mustStaple := asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24}
	csr := testCSR(t, &x509.CertificateRequest{
		DNSNames: []string{"example.com"},
		ExtraExtensions: []pkix.Extension{
			{Id: mustStaple, Value: []byte{0x30, 0x03, 0x02, 0x01, 0x05}},
		},
	})

	der, err := ca.IssueCertificate(csr, clk.Now(), clk.Now().Add(time.Hour))
	test.AssertNotError(t, err, "issuing certificate")
	cert, err := x509.ParseCertificate(der)
	test.AssertNotError(t, err, "parsing issued certificate")

	found := false
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(mustStaple) {
			found = true
		}
	}
	test.AssertEquals(t, found, true)
}
