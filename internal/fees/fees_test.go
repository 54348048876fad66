package fees

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/logging"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestResolvePercentAndFlat(t *testing.T) {
	repo := NewMemoryRepository(
		Rule{AppliesTo: ContextMatatuFare, FeeType: Percent, FeeValue: d("0.02"), BeneficiaryWalletID: "platform", Active: true, Label: "platform fee", Priority: 1},
		Rule{AppliesTo: ContextMatatuFare, FeeType: Flat, FeeValue: d("1.50"), BeneficiaryWalletID: "sacco", Active: true, Priority: 2},
		Rule{AppliesTo: ContextTaxiFare, FeeType: Flat, FeeValue: d("5"), BeneficiaryWalletID: "platform", Active: true},
	)
	r := NewResolver(repo, logging.Discard())

	got, err := r.Resolve(context.Background(), ContextMatatuFare, d("100"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 fees, got %d", len(got))
	}
	if got[0].BeneficiaryWalletID != "platform" || !got[0].Amount.Equal(d("2")) || got[0].Label != "platform fee" {
		t.Fatalf("unexpected percent fee: %+v", got[0])
	}
	if got[1].BeneficiaryWalletID != "sacco" || !got[1].Amount.Equal(d("1.5")) {
		t.Fatalf("unexpected flat fee: %+v", got[1])
	}
	if got[1].Label != "KES 1.50 fee" {
		t.Fatalf("unexpected default label %q", got[1].Label)
	}
	if total := Total(got); !total.Equal(d("3.5")) {
		t.Fatalf("expected total 3.5, got %s", total)
	}
}

func TestResolveSkipsNonPositiveAndUnassigned(t *testing.T) {
	repo := NewMemoryRepository(
		Rule{AppliesTo: ContextBodaFare, FeeType: Percent, FeeValue: d("0.001"), BeneficiaryWalletID: "platform", Active: true},
		Rule{AppliesTo: ContextBodaFare, FeeType: Flat, FeeValue: d("0"), BeneficiaryWalletID: "platform", Active: true},
		Rule{AppliesTo: ContextBodaFare, FeeType: Flat, FeeValue: d("2"), Active: true},
		Rule{AppliesTo: ContextBodaFare, FeeType: Flat, FeeValue: d("3"), BeneficiaryWalletID: "platform", Active: false},
	)
	r := NewResolver(repo, logging.Discard())

	got, err := r.Resolve(context.Background(), ContextBodaFare, d("4"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no fees, got %+v", got)
	}
}

func TestResolveRoundsHalfUp(t *testing.T) {
	repo := NewMemoryRepository(Rule{AppliesTo: ContextMatatuFare, FeeType: Percent, FeeValue: d("0.025"), BeneficiaryWalletID: "platform", Active: true})
	r := NewResolver(repo, logging.Discard())

	got, _ := r.Resolve(context.Background(), ContextMatatuFare, d("33"))
	if len(got) != 1 || !got[0].Amount.Equal(d("0.83")) {
		t.Fatalf("expected 0.83 (0.825 rounded), got %+v", got)
	}
}

func TestContextFor(t *testing.T) {
	cases := map[ledger.EntityType]string{
		ledger.EntityMatatu: ContextMatatuFare,
		ledger.EntityTaxi:   ContextTaxiFare,
		ledger.EntityBoda:   ContextBodaFare,
		ledger.EntitySacco:  ContextSaccoPayment,
		ledger.EntityMSISDN: "",
		ledger.EntitySystem: "",
	}
	for entity, want := range cases {
		if got := ContextFor(entity); got != want {
			t.Fatalf("%s: expected %q got %q", entity, want, got)
		}
	}
}

type countingRepo struct {
	inner Repository
	calls int
}

func (c *countingRepo) ActiveRules(ctx context.Context, appliesTo string) ([]Rule, error) {
	c.calls++
	return c.inner.ActiveRules(ctx, appliesTo)
}

func TestCachedRepository(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	inner := &countingRepo{inner: NewMemoryRepository(
		Rule{AppliesTo: ContextMatatuFare, FeeType: Percent, FeeValue: d("0.02"), BeneficiaryWalletID: "platform", Active: true},
	)}
	repo := NewCachedRepository(inner, cache, time.Minute, logging.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rules, err := repo.ActiveRules(ctx, ContextMatatuFare)
		if err != nil {
			t.Fatalf("active rules: %v", err)
		}
		if len(rules) != 1 || !rules[0].FeeValue.Equal(d("0.02")) {
			t.Fatalf("unexpected rules %+v", rules)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one inner lookup, got %d", inner.calls)
	}

	if err := repo.Invalidate(ctx, ContextMatatuFare); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := repo.ActiveRules(ctx, ContextMatatuFare); err != nil {
		t.Fatalf("active rules after invalidate: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected reload after invalidate, got %d calls", inner.calls)
	}

	mr.FastForward(2 * time.Minute)
	if mr.Exists(cachePrefix + ContextMatatuFare) {
		t.Fatalf("expected cache entry to expire")
	}
}
