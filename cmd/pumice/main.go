// The pumice binary runs the ACME server: one process carrying the web front
// end, registration authority, validation authority, CA, and in-memory
// store.
package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pumice-ca/pumice/ca"
	"github.com/pumice-ca/pumice/cmd"
	"github.com/pumice-ca/pumice/core"
	blog "github.com/pumice-ca/pumice/log"
	"github.com/pumice-ca/pumice/metrics/measured_http"
	"github.com/pumice-ca/pumice/nonce"
	"github.com/pumice-ca/pumice/policy"
	"github.com/pumice-ca/pumice/ra"
	"github.com/pumice-ca/pumice/sa"
	"github.com/pumice-ca/pumice/va"
	"github.com/pumice-ca/pumice/web"
	"github.com/pumice-ca/pumice/wfe"
)

func loadSigner(path string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %q", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key in %q does not implement crypto.Signer", path)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unable to parse private key in %q", path)
}

func loadCertificate(path string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %q", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

func challengeTypes(c cmd.Config) []core.AcmeChallenge {
	var challenges []core.AcmeChallenge
	if c.HTTPChallenge {
		challenges = append(challenges, core.ChallengeTypeHTTP01)
	}
	if c.DNSChallenge {
		challenges = append(challenges, core.ChallengeTypeDNS01)
	}
	if c.TLSSNIChallenge {
		challenges = append(challenges, core.ChallengeTypeTLSSNI)
	}
	if c.AutoChallenge {
		challenges = append(challenges, core.ChallengeTypeAuto)
	}
	return challenges
}

func debugServer(addr string, stats *prometheus.Registry, logger blog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(stats, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	logger.Infof("debug server listening on %s", addr)
	err := http.ListenAndServe(addr, mux)
	logger.Errf("debug server exited: %s", err)
}

func main() {
	configFile := flag.String("config", "", "Path to the configuration file")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var c cmd.Config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "Reading configuration")

	logger := blog.NewStdoutLogger()
	clk := clock.New()
	stats := prometheus.NewRegistry()

	shutdownTracing := cmd.NewOpenTelemetry(c.OpenTelemetry, logger)
	defer shutdownTracing(context.Background())

	if c.DebugAddr != "" {
		go debugServer(c.DebugAddr, stats, logger)
	}

	caKey, err := loadSigner(c.CAKey)
	cmd.FailOnError(err, "Loading CA key")
	caCert, err := loadCertificate(c.CACert)
	cmd.FailOnError(err, "Loading CA certificate")

	dialect, err := wfe.DialectFor(c.ACMEVersion)
	cmd.FailOnError(err, "Resolving protocol dialect")

	urls := web.NewURLBuilder(c.Host, c.Port, c.BasePath)
	ssa := sa.New(clk)
	ppa := policy.New(logger, c.CheckPublicSuffix, c.AllowedExtensions)
	cca := ca.New(caKey, caCert, clk, c.MaxValidity(), c.LintCerts, logger)
	vva := va.New(va.Config{
		HTTPPort:    c.VA.HTTPPort,
		TLSPort:     c.VA.TLSPort,
		DNSResolver: c.VA.DNSResolver,
		Timeout:     time.Duration(c.VA.TimeoutSeconds) * time.Second,
	}, clk, stats, logger)
	rra := ra.New(ra.Config{
		AuthzExpiry:          c.AuthzExpiry(),
		Challenges:           challengeTypes(c),
		ScopedAuthorizations: c.ScopedAuthorizations,
		RequireOOB:           c.RequireOOB,
		Terms:                c.Terms,
	}, ssa, vva, cca, ppa, urls, clk, logger)

	ns, err := nonce.NewNonceService(stats)
	cmd.FailOnError(err, "Creating nonce service")

	front := wfe.New(dialect, ssa, rra, ns, urls, c.BasePath, c.Terms, clk, stats, logger)
	handler := otelhttp.NewHandler(measured_http.New(front.Handler(), clk, stats), "server")

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", c.Port),
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Infof("ACME server (%s dialect) listening on %s", c.ACMEVersion, srv.Addr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cmd.FailOnError(err, "Running HTTP server")
		}
	}()

	<-done
	logger.Infof("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = srv.Shutdown(ctx)
	if err != nil {
		logger.Errf("graceful shutdown failed: %s", err)
	}
}
