package nonce

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pumice-ca/pumice/test"
)

func TestValidNonce(t *testing.T) {
	ns, err := NewNonceService(prometheus.NewRegistry())
	test.AssertNotError(t, err, "Could not create nonce service")
	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	if !ns.Valid(n) {
		t.Errorf("Did not recognize fresh nonce %s", n)
	}
}

func TestAlreadyUsed(t *testing.T) {
	ns, err := NewNonceService(prometheus.NewRegistry())
	test.AssertNotError(t, err, "Could not create nonce service")
	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	if !ns.Valid(n) {
		t.Errorf("Did not recognize fresh nonce")
	}
	if ns.Valid(n) {
		t.Errorf("Accepted the same nonce twice")
	}
}

func TestRejectMalformed(t *testing.T) {
	ns, err := NewNonceService(prometheus.NewRegistry())
	test.AssertNotError(t, err, "Could not create nonce service")
	if ns.Valid("") {
		t.Errorf("Accepted empty nonce")
	}
	if ns.Valid("asdf") {
		t.Errorf("Accepted an invalid nonce")
	}
	if ns.Valid("aGkK") {
		t.Errorf("Accepted a too-short nonce")
	}
}

func TestRejectUnknown(t *testing.T) {
	ns1, err := NewNonceService(prometheus.NewRegistry())
	test.AssertNotError(t, err, "Could not create nonce service")
	ns2, err := NewNonceService(prometheus.NewRegistry())
	test.AssertNotError(t, err, "Could not create nonce service")

	n, err := ns1.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	if ns2.Valid(n) {
		t.Errorf("Accepted a foreign nonce")
	}
}

func TestRejectTooEarly(t *testing.T) {
	ns, err := NewNonceService(prometheus.NewRegistry())
	test.AssertNotError(t, err, "Could not create nonce service")
	ns.maxUsed = 2

	n0, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")

	var nonces []string
	for i := 0; i < ns.maxUsed+1; i++ {
		n, err := ns.Nonce()
		test.AssertNotError(t, err, "Could not create nonce")
		nonces = append(nonces, n)
	}
	for _, n := range nonces {
		if !ns.Valid(n) {
			t.Errorf("Rejected a valid nonce")
		}
	}

	// n0 fell behind the earliest edge when the window advanced.
	if ns.Valid(n0) {
		t.Errorf("Accepted a nonce that should have expired out of the window")
	}
}

func TestRedeemMetrics(t *testing.T) {
	ns, err := NewNonceService(prometheus.NewRegistry())
	test.AssertNotError(t, err, "Could not create nonce service")

	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	ns.Valid(n)
	ns.Valid(n)
	ns.Valid("garbage")

	test.AssertMetricWithLabelsEquals(t, ns.nonceRedeems, prometheus.Labels{"result": "valid"}, 1)
	test.AssertMetricWithLabelsEquals(t, ns.nonceRedeems, prometheus.Labels{"result": "invalid"}, 2)
}
