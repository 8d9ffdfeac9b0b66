package sa

import (
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/pumice-ca/pumice/core"
	berrors "github.com/pumice-ca/pumice/errors"
	"github.com/pumice-ca/pumice/identifier"
	"github.com/pumice-ca/pumice/test"
)

func newFixture() (*StorageAuthority, clock.FakeClock) {
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	return New(clk), clk
}

func pendingAuthz(clk clock.Clock, thumbprint, name, url string) *core.Authorization {
	return &core.Authorization{
		ID:         core.NewID(),
		Thumbprint: thumbprint,
		Identifier: identifier.NewDNS(name),
		Status:     core.StatusPending,
		Expires:    clk.Now().Add(24 * time.Hour),
		URL:        url,
		Challenges: []*core.Challenge{
			{Type: core.ChallengeTypeAuto, Status: core.StatusPending, URL: url + "/0"},
		},
	}
}

func TestPutGet(t *testing.T) {
	sa, _ := newFixture()
	reg := &core.Registration{ID: "abcd", Status: core.StatusGood}
	sa.Put(reg)

	got, err := sa.GetRegistration("abcd")
	test.AssertNotError(t, err, "fetching stored registration")
	test.AssertEquals(t, got, reg)

	_, err = sa.GetRegistration("missing")
	test.AssertErrorIs(t, err, berrors.NotFound)
}

func TestGetWrongType(t *testing.T) {
	sa, _ := newFixture()
	sa.Put(&core.Registration{ID: "abcd"})
	_, err := sa.Get(core.ObjectTypeOrder, "abcd")
	test.AssertErrorIs(t, err, berrors.NotFound)
}

func TestAuthzFor(t *testing.T) {
	sa, clk := newFixture()
	authz := pendingAuthz(clk, "thumb", "example.com", "http://ca.example/authz/1")
	sa.Put(authz)

	test.AssertEquals(t, sa.AuthzFor("thumb", "example.com"), authz)
	if sa.AuthzFor("thumb", "other.example.com") != nil {
		t.Error("matched an authorization for the wrong name")
	}
	if sa.AuthzFor("other-thumb", "example.com") != nil {
		t.Error("matched an authorization for the wrong account")
	}
}

func TestAuthzForSkipsExpired(t *testing.T) {
	sa, clk := newFixture()
	authz := pendingAuthz(clk, "thumb", "example.com", "http://ca.example/authz/1")
	sa.Put(authz)

	clk.Add(48 * time.Hour)
	if sa.AuthzFor("thumb", "example.com") != nil {
		t.Error("matched an expired authorization")
	}
	// The scan caches the recomputed status.
	test.AssertEquals(t, authz.Status, core.StatusInvalid)
}

func TestUpdateOrdersFor(t *testing.T) {
	sa, clk := newFixture()
	authz := pendingAuthz(clk, "thumb", "example.com", "http://ca.example/authz/1")
	sa.Put(authz)

	order := &core.Order{
		ID:           "order-1",
		Thumbprint:   "thumb",
		Status:       core.StatusPending,
		Requirements: []core.Requirement{authz.AsRequirement()},
		URL:          "http://ca.example/app/order-1",
	}
	sa.Put(order)

	otherOrder := &core.Order{
		ID:         "order-2",
		Thumbprint: "other-thumb",
		Status:     core.StatusPending,
		Requirements: []core.Requirement{
			{Type: "authorization", Status: core.StatusPending, URL: authz.URL},
		},
	}
	sa.Put(otherOrder)

	authz.Challenges[0].Status = core.StatusValid
	authz.UpdateStatus(clk.Now())
	sa.Put(authz)
	sa.UpdateOrdersFor(authz)

	test.AssertEquals(t, order.Requirements[0].Status, core.StatusValid)
	test.AssertEquals(t, order.Status, core.StatusReady)

	// Orders under other accounts are untouched even when the URL matches.
	test.AssertEquals(t, otherOrder.Requirements[0].Status, core.StatusPending)
	test.AssertEquals(t, otherOrder.Status, core.StatusPending)
}

func TestUpdateOrdersForPartial(t *testing.T) {
	sa, clk := newFixture()
	authzA := pendingAuthz(clk, "thumb", "a.example.com", "http://ca.example/authz/a")
	authzB := pendingAuthz(clk, "thumb", "b.example.com", "http://ca.example/authz/b")
	sa.Put(authzA)
	sa.Put(authzB)

	order := &core.Order{
		ID:           "order-1",
		Thumbprint:   "thumb",
		Status:       core.StatusPending,
		Requirements: []core.Requirement{authzA.AsRequirement(), authzB.AsRequirement()},
	}
	sa.Put(order)

	authzA.Challenges[0].Status = core.StatusValid
	authzA.UpdateStatus(clk.Now())
	sa.UpdateOrdersFor(authzA)

	test.AssertEquals(t, order.Requirements[0].Status, core.StatusValid)
	test.AssertEquals(t, order.Status, core.StatusPending)
}
