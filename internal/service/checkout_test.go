package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/service"
)

func TestCheckoutCreate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "user_1")

	cs, err := e.checkout.Create(ctx, "user_1", domain.PlanPro)
	if err != nil {
		t.Fatal(err)
	}
	if cs.Status != domain.CheckoutPending || len(cs.CallbackToken) != 36 {
		t.Errorf("session = %+v", cs)
	}
	if want := e.clock.Now().Add(service.DefaultCheckoutTTL); !cs.ExpiresAt.Equal(want) {
		t.Errorf("expires at %s, want %s", cs.ExpiresAt, want)
	}
	again, err := e.checkout.Create(ctx, "user_1", domain.PlanPro)
	if err != nil || again.CallbackToken == cs.CallbackToken {
		t.Errorf("second token = %v, %v; want a fresh token", again, err)
	}

	if _, err := e.checkout.Create(ctx, "user_1", domain.PlanFree); !errors.Is(err, domain.ErrInvalidPlan) {
		t.Errorf("free plan err = %v", err)
	}
	if _, err := e.checkout.Create(ctx, "ghost", domain.PlanPro); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("unknown account err = %v", err)
	}
}

func TestCheckoutURL(t *testing.T) {
	e := newEnv(t)
	c := service.NewCheckoutService(e.store, service.CheckoutConfig{
		URLTemplate: "https://pay.example.com/buy/{plan}?ref={token}&uid={account}",
	}, service.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	got := c.CheckoutURL(&domain.CheckoutSession{CallbackToken: "tok", Plan: domain.PlanAgency, AccountID: "user_1"})
	if want := "https://pay.example.com/buy/agency?ref=tok&uid=user_1"; got != want {
		t.Errorf("CheckoutURL = %q, want %q", got, want)
	}
	if got := e.checkout.CheckoutURL(&domain.CheckoutSession{CallbackToken: "tok"}); got != "" {
		t.Errorf("CheckoutURL without template = %q", got)
	}
}

func TestPollExpiresLazily(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "user_1")
	cs, err := e.checkout.Create(ctx, "user_1", domain.PlanPro)
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.checkout.Poll(ctx, cs.CallbackToken, "user_1")
	if err != nil || res.Session.Status != domain.CheckoutPending {
		t.Fatalf("poll = %+v, %v", res, err)
	}

	e.clock.Advance(service.DefaultCheckoutTTL)
	res, err = e.checkout.Poll(ctx, cs.CallbackToken, "user_1")
	if err != nil || res.Session.Status != domain.CheckoutExpired {
		t.Fatalf("poll at deadline = %+v, %v", res, err)
	}
	stored, _ := e.store.GetCheckoutSession(ctx, cs.CallbackToken)
	if stored.Status != domain.CheckoutExpired {
		t.Errorf("stored status = %s, want expired", stored.Status)
	}

	// A confirmation arriving after expiry does not revive the session.
	if ok, err := e.checkout.CompleteForAccount(ctx, "user_1", cs.CallbackToken); err != nil || ok {
		t.Errorf("complete expired = %v, %v", ok, err)
	}

	if _, err := e.checkout.Poll(ctx, "no-such-token", ""); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("unknown token err = %v", err)
	}
}

func TestPollCompletedSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "user_1")
	e.account(t, "user_2")
	cs, err := e.checkout.Create(ctx, "user_1", domain.PlanPro)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := e.checkout.CompleteForAccount(ctx, "user_1", cs.CallbackToken); err != nil || !ok {
		t.Fatalf("complete = %v, %v", ok, err)
	}
	e.clock.Advance(time.Hour)

	for _, caller := range []string{"", "user_2"} {
		res, err := e.checkout.Poll(ctx, cs.CallbackToken, caller)
		if err != nil {
			t.Fatal(err)
		}
		if !res.RequiresLogin || res.Onboarded || res.Email != "" {
			t.Errorf("caller %q: result = %+v, want requires login", caller, res)
		}
	}
	if a := e.get(t, "user_1"); a.OnboardedAt != nil {
		t.Fatalf("onboarding finished by someone else: %+v", a)
	}

	res, err := e.checkout.Poll(ctx, cs.CallbackToken, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Session.Status != domain.CheckoutCompleted || !res.Onboarded || res.Email != "user_1@example.com" {
		t.Errorf("owner poll = %+v", res)
	}
	res, err = e.checkout.Poll(ctx, cs.CallbackToken, "user_1")
	if err != nil || res.Onboarded {
		t.Errorf("second owner poll = %+v, %v; want no second onboarding", res, err)
	}
}

func TestCompleteForAccountIgnoresForeignToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "user_1")
	e.account(t, "user_2")
	mine, err := e.checkout.Create(ctx, "user_1", domain.PlanPro)
	if err != nil {
		t.Fatal(err)
	}
	theirs, err := e.checkout.Create(ctx, "user_2", domain.PlanPro)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := e.checkout.CompleteForAccount(ctx, "user_1", theirs.CallbackToken)
	if err != nil || !ok {
		t.Fatalf("complete = %v, %v", ok, err)
	}
	for token, want := range map[string]domain.CheckoutStatus{
		mine.CallbackToken:   domain.CheckoutCompleted,
		theirs.CallbackToken: domain.CheckoutPending,
	} {
		cs, _ := e.store.GetCheckoutSession(ctx, token)
		if cs.Status != want {
			t.Errorf("session of %s = %s, want %s", cs.AccountID, cs.Status, want)
		}
	}

	if ok, err := e.checkout.FailForAccount(ctx, "user_2", ""); err != nil || ok {
		t.Errorf("fail without token = %v, %v", ok, err)
	}
}
