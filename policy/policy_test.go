package policy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"net"
	"testing"

	blog "github.com/pumice-ca/pumice/log"
	"github.com/pumice-ca/pumice/test"
)

var testKey, _ = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

func makeCSR(t *testing.T, template *x509.CertificateRequest) string {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, template, testKey)
	test.AssertNotError(t, err, "creating test CSR")
	return base64.RawURLEncoding.EncodeToString(der)
}

func testAuthority() *AuthorityImpl {
	return New(blog.NewMock(), false, nil)
}

func TestCheckCSRHappyPath(t *testing.T) {
	pa := testAuthority()
	csr := makeCSR(t, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "example.com"},
		DNSNames: []string{"example.com", "www.example.com"},
	})
	names, err := pa.CheckCSR(csr)
	test.AssertNotError(t, err, "rejected a policy-compliant CSR")
	test.AssertDeepEquals(t, names, []string{"example.com", "www.example.com"})
}

func TestCheckCSRUppercaseCN(t *testing.T) {
	pa := testAuthority()
	csr := makeCSR(t, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "EXAMPLE.Com"},
	})
	names, err := pa.CheckCSR(csr)
	test.AssertNotError(t, err, "rejected an uppercase commonName")
	test.AssertDeepEquals(t, names, []string{"example.com"})
}

func TestCheckCSRNoNames(t *testing.T) {
	pa := testAuthority()
	csr := makeCSR(t, &x509.CertificateRequest{})
	_, err := pa.CheckCSR(csr)
	test.AssertError(t, err, "accepted a CSR naming nothing")
	test.AssertContains(t, err.Error(), "no identifiers")
}

func TestCheckCSRBadEncoding(t *testing.T) {
	pa := testAuthority()
	_, err := pa.CheckCSR("@@@not-base64@@@")
	test.AssertError(t, err, "accepted garbage base64")

	_, err = pa.CheckCSR(base64.RawURLEncoding.EncodeToString([]byte("not DER")))
	test.AssertError(t, err, "accepted garbage DER")
}

func TestCheckCSRExtraSubjectAttribute(t *testing.T) {
	pa := testAuthority()
	csr := makeCSR(t, &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   "example.com",
			Organization: []string{"Example Org"},
		},
	})
	_, err := pa.CheckCSR(csr)
	test.AssertError(t, err, "accepted a CSR with a subject beyond CN")
	test.AssertContains(t, err.Error(), "more than one subject attribute")
}

func TestCheckCSRNonCNSubject(t *testing.T) {
	pa := testAuthority()
	csr := makeCSR(t, &x509.CertificateRequest{
		Subject: pkix.Name{Organization: []string{"Example Org"}},
	})
	_, err := pa.CheckCSR(csr)
	test.AssertError(t, err, "accepted a CSR whose only subject attribute is not CN")
	test.AssertContains(t, err.Error(), "must be a commonName")
}

func TestCheckCSRBadCN(t *testing.T) {
	pa := testAuthority()
	csr := makeCSR(t, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "singlelabel"},
	})
	_, err := pa.CheckCSR(csr)
	test.AssertError(t, err, "accepted a single-label commonName")
	test.AssertContains(t, err.Error(), "not a valid DNS name")
}

func TestCheckCSRIPSAN(t *testing.T) {
	pa := testAuthority()
	csr := makeCSR(t, &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: "example.com"},
		DNSNames:    []string{"example.com"},
		IPAddresses: []net.IP{net.ParseIP("10.0.0.1")},
	})
	_, err := pa.CheckCSR(csr)
	test.AssertError(t, err, "accepted a CSR with an IP SAN")
	test.AssertContains(t, err.Error(), "must be a dNSName")
}

func TestCheckCSRBadSANName(t *testing.T) {
	pa := testAuthority()
	csr := makeCSR(t, &x509.CertificateRequest{
		DNSNames: []string{"bad_name.example.com"},
	})
	_, err := pa.CheckCSR(csr)
	test.AssertError(t, err, "accepted an underscore SAN")
}

func TestCheckCSRAllowedExtensions(t *testing.T) {
	mustStaple := asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24}
	template := &x509.CertificateRequest{
		DNSNames: []string{"example.com"},
		ExtraExtensions: []pkix.Extension{
			{Id: mustStaple, Value: []byte{0x30, 0x03, 0x02, 0x01, 0x05}},
		},
	}

	pa := testAuthority()
	_, err := pa.CheckCSR(makeCSR(t, template))
	test.AssertError(t, err, "accepted an unlisted extra extension")

	pa = New(blog.NewMock(), false, []string{mustStaple.String()})
	names, err := pa.CheckCSR(makeCSR(t, template))
	test.AssertNotError(t, err, "rejected an allowed extra extension")
	test.AssertDeepEquals(t, names, []string{"example.com"})
}

func TestCheckCSRSuffixPolicy(t *testing.T) {
	pa := New(blog.NewMock(), true, nil)

	csr := makeCSR(t, &x509.CertificateRequest{DNSNames: []string{"example.com"}})
	_, err := pa.CheckCSR(csr)
	test.AssertNotError(t, err, "rejected a name under a real suffix")

	csr = makeCSR(t, &x509.CertificateRequest{DNSNames: []string{"co.uk"}})
	_, err = pa.CheckCSR(csr)
	test.AssertError(t, err, "accepted a bare public suffix")
}

func TestCheckCSRIdempotent(t *testing.T) {
	pa := testAuthority()
	csr := makeCSR(t, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "example.com"},
		DNSNames: []string{"a.example.com", "example.com"},
	})
	first, err := pa.CheckCSR(csr)
	test.AssertNotError(t, err, "first check failed")
	second, err := pa.CheckCSR(csr)
	test.AssertNotError(t, err, "second check failed")
	test.AssertDeepEquals(t, first, second)
}
