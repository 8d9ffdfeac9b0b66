package ca

import (
	"strings"

	zlintx509 "github.com/zmap/zcrypto/x509"
	"github.com/zmap/zlint/v3"
	"github.com/zmap/zlint/v3/lint"

	berrors "github.com/pumice-ca/pumice/errors"
)

// lintCertificate runs the DER through zlint and fails on any result at
// error severity or above.
func lintCertificate(der []byte) error {
	cert, err := zlintx509.ParseCertificate(der)
	if err != nil {
		return berrors.InternalServerError("parsing certificate for linting: %s", err)
	}
	results := zlint.LintCertificate(cert)
	if results.ErrorsPresent || results.FatalsPresent {
		var failed []string
		for name, res := range results.Results {
			if res.Status == lint.Error || res.Status == lint.Fatal {
				failed = append(failed, name)
			}
		}
		return berrors.InternalServerError("certificate failed lints: %s", strings.Join(failed, ", "))
	}
	return nil
}
