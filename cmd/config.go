// Package cmd provides the configuration and process plumbing shared by the
// server binary.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	validator "github.com/letsencrypt/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration.
type Config struct {
	// Host and Port form the public address the server hands out in every
	// URL it mints.
	Host string `yaml:"host" json:"host" validate:"required"`
	Port int    `yaml:"port" json:"port" validate:"required,min=1,max=65535"`

	// BasePath is an optional URL path prefix for the whole API.
	BasePath string `yaml:"basePath" json:"basePath" validate:"omitempty,startswith=/"`

	// ACMEVersion selects the protocol dialect.
	ACMEVersion string `yaml:"acmeVersion" json:"acmeVersion" validate:"required,oneof=ietf-draft le"`

	// AuthzExpirySeconds is the usable lifetime of new authorizations.
	AuthzExpirySeconds int `yaml:"authzExpirySeconds" json:"authzExpirySeconds" validate:"omitempty,min=1"`

	// MaxValiditySeconds caps issued certificate validity.
	MaxValiditySeconds int `yaml:"maxValiditySeconds" json:"maxValiditySeconds" validate:"omitempty,min=1"`

	// AllowedExtensions lists dotted OIDs of CSR extensions accepted beyond
	// subjectAltName.
	AllowedExtensions []string `yaml:"allowedExtensions" json:"allowedExtensions"`

	ScopedAuthorizations bool `yaml:"scopedAuthorizations" json:"scopedAuthorizations"`
	RequireOOB           bool `yaml:"requireOOB" json:"requireOOB"`

	// Challenge type toggles. Challenge indices follow the field order
	// here: http-01, dns-01, tls-sni-01, auto.
	HTTPChallenge   bool `yaml:"httpChallenge" json:"httpChallenge"`
	DNSChallenge    bool `yaml:"dnsChallenge" json:"dnsChallenge"`
	TLSSNIChallenge bool `yaml:"tlssniChallenge" json:"tlssniChallenge"`
	AutoChallenge   bool `yaml:"autoChallenge" json:"autoChallenge"`

	// CAKey and CACert are paths to the PEM-encoded signing key and issuer
	// certificate.
	CAKey  string `yaml:"caKey" json:"caKey" validate:"required"`
	CACert string `yaml:"caCert" json:"caCert" validate:"required"`

	// Terms is the subscriber agreement URL.
	Terms string `yaml:"terms" json:"terms" validate:"omitempty,url"`

	// LintCerts runs every issued certificate through zlint.
	LintCerts bool `yaml:"lintCerts" json:"lintCerts"`

	// CheckPublicSuffix refuses issuance for names that are not beneath a
	// real ICANN suffix.
	CheckPublicSuffix bool `yaml:"checkPublicSuffix" json:"checkPublicSuffix"`

	// DebugAddr serves metrics and pprof when set, e.g. ":8003".
	DebugAddr string `yaml:"debugAddr" json:"debugAddr" validate:"omitempty,hostname_port"`

	VA VAConfig `yaml:"va" json:"va"`

	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry" json:"opentelemetry"`
}

// VAConfig carries validation reachability knobs.
type VAConfig struct {
	HTTPPort       int    `yaml:"httpPort" json:"httpPort" validate:"omitempty,min=1,max=65535"`
	TLSPort        int    `yaml:"tlsPort" json:"tlsPort" validate:"omitempty,min=1,max=65535"`
	DNSResolver    string `yaml:"dnsResolver" json:"dnsResolver" validate:"omitempty,hostname_port"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" json:"timeoutSeconds" validate:"omitempty,min=1"`
}

// OpenTelemetryConfig configures tracing.
type OpenTelemetryConfig struct {
	// Endpoint is an OTLP gRPC collector address. Tracing is disabled when
	// empty.
	Endpoint string `yaml:"endpoint" json:"endpoint" validate:"omitempty,hostname_port"`

	// SampleRatio is the fraction of new traces to sample, propagated
	// parent decisions permitting.
	SampleRatio float64 `yaml:"sampleratio" json:"sampleratio" validate:"min=0,max=1"`
}

// AuthzExpiry returns the authorization lifetime with its default applied.
func (c Config) AuthzExpiry() time.Duration {
	if c.AuthzExpirySeconds == 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.AuthzExpirySeconds) * time.Second
}

// MaxValidity returns the certificate validity cap with its default applied.
func (c Config) MaxValidity() time.Duration {
	if c.MaxValiditySeconds == 0 {
		return 90 * 24 * time.Hour
	}
	return time.Duration(c.MaxValiditySeconds) * time.Second
}

// ReadConfigFile loads and validates a YAML or JSON config file into out.
func ReadConfigFile(filename string, out interface{}) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", filename, err)
	}

	switch filepath.Ext(filename) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(configData, out)
	default:
		err = json.Unmarshal(configData, out)
	}
	if err != nil {
		return fmt.Errorf("parsing config file %q: %w", filename, err)
	}

	err = validator.New().Struct(out)
	if err != nil {
		return fmt.Errorf("validating config file %q: %w", filename, err)
	}
	return nil
}

// FailOnError exits the process when err is non-nil. It is meant for startup
// errors with no recovery path.
func FailOnError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}
