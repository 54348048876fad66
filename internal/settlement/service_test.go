package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/fees"
	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/logging"
	"github.com/twende-pay/twende_pay/internal/metrics"
)

type fixture struct {
	store    ledger.Store
	rules    *fees.MemoryRepository
	svc      *Service
	platform ledger.Wallet
	sacco    ledger.Wallet
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewInMemory()
	platform, err := store.CreateWallet(ctx, ledger.NewWallet{EntityType: ledger.EntitySystem, VirtualAccountCode: "PLATFORM"})
	if err != nil {
		t.Fatalf("create platform wallet: %v", err)
	}
	sacco, err := store.CreateWallet(ctx, ledger.NewWallet{EntityType: ledger.EntitySacco, VirtualAccountCode: "SACCO01"})
	if err != nil {
		t.Fatalf("create sacco wallet: %v", err)
	}
	if _, err := store.CreateWallet(ctx, ledger.NewWallet{EntityType: ledger.EntityMatatu, VirtualAccountCode: "00011"}); err != nil {
		t.Fatalf("create vehicle wallet: %v", err)
	}
	rules := fees.NewMemoryRepository()
	svc := NewService(store, fees.NewResolver(rules, logging.Discard()), nil, logging.Discard())
	return fixture{store: store, rules: rules, svc: svc, platform: platform, sacco: sacco}
}

func (f fixture) balance(t *testing.T, ref ledger.Ref) decimal.Decimal {
	t.Helper()
	w, err := f.store.Wallet(context.Background(), ref)
	if err != nil {
		t.Fatalf("wallet %s: %v", ref, err)
	}
	return w.Balance
}

func TestSettleFareSplitsFees(t *testing.T) {
	f := newFixture(t)
	f.rules.Add(fees.Rule{AppliesTo: fees.ContextMatatuFare, FeeType: fees.Percent, FeeValue: decimal.RequireFromString("0.02"), BeneficiaryWalletID: f.platform.ID, Active: true, Label: "platform"})
	f.rules.Add(fees.Rule{AppliesTo: fees.ContextMatatuFare, FeeType: fees.Flat, FeeValue: decimal.NewFromInt(1), BeneficiaryWalletID: f.sacco.ID, Active: true, Label: "sacco levy"})

	ctx := context.Background()
	res, err := f.svc.SettleFare(ctx, Request{
		VirtualAccountCode: "00011",
		Gross:              decimal.NewFromInt(100),
		Source:             ledger.SourceC2B,
		SourceRef:          "QKX1",
		Description:        "fare",
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Net.Equal(decimal.NewFromInt(97)) || !res.TotalFees.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected split net=%s fees=%s", res.Net, res.TotalFees)
	}
	if res.FeeContext != fees.ContextMatatuFare {
		t.Fatalf("unexpected context %s", res.FeeContext)
	}
	if got := f.balance(t, ledger.ByCode("00011")); !got.Equal(decimal.NewFromInt(97)) {
		t.Fatalf("vehicle balance %s", got)
	}
	if got := f.balance(t, ledger.ByID(f.platform.ID)); !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("platform balance %s", got)
	}
	if got := f.balance(t, ledger.ByID(f.sacco.ID)); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("sacco balance %s", got)
	}

	feeRows, _ := f.store.History(ctx, ledger.ByID(f.platform.ID), 10)
	if len(feeRows) != 1 || feeRows[0].Source != "FEE_MATATU_FARE" || feeRows[0].SourceRef != "QKX1" {
		t.Fatalf("unexpected fee posting %+v", feeRows)
	}
	destRows, _ := f.store.History(ctx, ledger.ByCode("00011"), 10)
	if len(destRows) != 1 || destRows[0].Source != ledger.SourceC2B || destRows[0].SourceRef != "QKX1" {
		t.Fatalf("unexpected destination posting %+v", destRows)
	}
}

func TestSettleFareMissingDestination(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SettleFare(context.Background(), Request{VirtualAccountCode: "99999", Gross: decimal.NewFromInt(50), Source: ledger.SourceC2B})
	if !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("expected wallet not found, got %v", err)
	}
}

func TestSettleFareFeesExceedGross(t *testing.T) {
	f := newFixture(t)
	f.rules.Add(fees.Rule{AppliesTo: fees.ContextMatatuFare, FeeType: fees.Flat, FeeValue: decimal.NewFromInt(30), BeneficiaryWalletID: f.platform.ID, Active: true})
	f.rules.Add(fees.Rule{AppliesTo: fees.ContextMatatuFare, FeeType: fees.Flat, FeeValue: decimal.NewFromInt(30), BeneficiaryWalletID: f.sacco.ID, Active: true})

	_, err := f.svc.SettleFare(context.Background(), Request{VirtualAccountCode: "00011", Gross: decimal.NewFromInt(50), Source: ledger.SourceC2B})
	if !errors.Is(err, ErrFeeConfiguration) {
		t.Fatalf("expected fee configuration error, got %v", err)
	}
	if got := f.balance(t, ledger.ByCode("00011")); !got.IsZero() {
		t.Fatalf("destination credited despite failure: %s", got)
	}
}

func TestSettleFareUnknownBeneficiaryRollsBack(t *testing.T) {
	f := newFixture(t)
	f.rules.Add(fees.Rule{AppliesTo: fees.ContextMatatuFare, FeeType: fees.Flat, FeeValue: decimal.NewFromInt(2), BeneficiaryWalletID: "00000000-0000-0000-0000-000000000000", Active: true})

	_, err := f.svc.SettleFare(context.Background(), Request{VirtualAccountCode: "00011", Gross: decimal.NewFromInt(50), Source: ledger.SourceC2B})
	if !errors.Is(err, ErrFeeConfiguration) || !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("expected wrapped fee configuration error, got %v", err)
	}
	if got := f.balance(t, ledger.ByCode("00011")); !got.IsZero() {
		t.Fatalf("destination credit not rolled back: %s", got)
	}
}

func TestSettleFareFeesEqualGross(t *testing.T) {
	f := newFixture(t)
	f.rules.Add(fees.Rule{AppliesTo: fees.ContextMatatuFare, FeeType: fees.Flat, FeeValue: decimal.NewFromInt(10), BeneficiaryWalletID: f.platform.ID, Active: true})

	res, err := f.svc.SettleFare(context.Background(), Request{VirtualAccountCode: "00011", Gross: decimal.NewFromInt(10), Source: ledger.SourceC2B, SourceRef: "QKZ"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Net.IsZero() {
		t.Fatalf("expected zero net, got %s", res.Net)
	}
	rows, _ := f.store.History(context.Background(), ledger.ByCode("00011"), 10)
	if len(rows) != 0 {
		t.Fatalf("zero net must not post to destination, got %d rows", len(rows))
	}
}

func TestSettleFareIsFeeConservative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		f := newFixture(t)
		gross := decimal.New(int64(1000+rng.Intn(99_000)), -2) // 10.00 .. 999.99
		remaining := gross

		n := rng.Intn(4)
		for j := 0; j < n; j++ {
			beneficiary := f.platform.ID
			if rng.Intn(2) == 0 {
				beneficiary = f.sacco.ID
			}
			rule := fees.Rule{AppliesTo: fees.ContextMatatuFare, BeneficiaryWalletID: beneficiary, Active: true, Label: fmt.Sprintf("rule-%d", j)}
			if rng.Intn(2) == 0 {
				rule.FeeType = fees.Percent
				rule.FeeValue = decimal.New(int64(rng.Intn(1000)), -4) // 0 .. 9.99%
			} else {
				rule.FeeType = fees.Flat
				rule.FeeValue = decimal.New(int64(rng.Intn(500)), -2) // 0 .. 4.99
			}
			fee := rule.FeeValue
			if rule.FeeType == fees.Percent {
				fee = gross.Mul(rule.FeeValue).Round(2)
			}
			if fee.GreaterThan(remaining) {
				continue
			}
			remaining = remaining.Sub(fee)
			f.rules.Add(rule)
		}

		res, err := f.svc.SettleFare(context.Background(), Request{VirtualAccountCode: "00011", Gross: gross, Source: ledger.SourceC2B, SourceRef: fmt.Sprintf("R%d", i)})
		if err != nil {
			t.Fatalf("iteration %d: settle: %v", i, err)
		}
		if !res.Net.Add(res.TotalFees).Equal(gross) {
			t.Fatalf("iteration %d: net %s + fees %s != gross %s", i, res.Net, res.TotalFees, gross)
		}
		credited := f.balance(t, ledger.ByCode("00011")).
			Add(f.balance(t, ledger.ByID(f.platform.ID))).
			Add(f.balance(t, ledger.ByID(f.sacco.ID)))
		if !credited.Equal(gross) {
			t.Fatalf("iteration %d: credited %s, gross %s", i, credited, gross)
		}
	}
}

func TestSettleFareRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	f.svc.metrics = metrics.New(reg)

	if _, err := f.svc.SettleFare(context.Background(), Request{VirtualAccountCode: "00011", Gross: decimal.NewFromInt(20), Source: ledger.SourceC2B}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := testutil.CollectAndCount(reg, "twende_fare_settlements_total"); got != 1 {
		t.Fatalf("expected one settlement series, got %d", got)
	}
}
