package ussd

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/twende-pay/twende_pay/internal/fareintent"
	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/logging"
	"github.com/twende-pay/twende_pay/internal/mpesa"
	"github.com/twende-pay/twende_pay/internal/pin"
	"github.com/twende-pay/twende_pay/internal/withdrawal"
)

const (
	caller      = "+254712345678"
	callerMSISD = "254712345678"
	serviceCode = "*384#"
)

type countingPusher struct {
	calls int
	err   error
}

func (p *countingPusher) STKPush(_ context.Context, req mpesa.STKPushRequest) (mpesa.STKPushResponse, error) {
	p.calls++
	if p.err != nil {
		return mpesa.STKPushResponse{}, p.err
	}
	return mpesa.STKPushResponse{CheckoutRequestID: "ws_CO_" + req.AccountReference, ResponseCode: "0"}, nil
}

type fixture struct {
	machine *Machine
	store   ledger.Store
	pins    *pin.Service
	pusher  *countingPusher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()
	store := ledger.NewInMemory()
	if _, err := store.CreateWallet(ctx, ledger.NewWallet{EntityType: ledger.EntityMatatu, VirtualAccountCode: "00011"}); err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
	if _, err := store.CreateWallet(ctx, ledger.NewWallet{EntityType: ledger.EntitySacco, VirtualAccountCode: "SACCO1"}); err != nil {
		t.Fatalf("create sacco: %v", err)
	}
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})
	pins := pin.NewService(pin.NewMemoryRepository(), pin.NewRedisLimiter(cache, 3, time.Minute), logger).WithCost(bcrypt.MinCost)
	pusher := &countingPusher{}
	fares := fareintent.NewService(fareintent.NewMemoryRepository(), pusher, time.Second, logger)
	withdrawals := withdrawal.NewService(withdrawal.NewMemoryRepository(store), store, nil,
		withdrawal.Limits{Min: decimal.NewFromInt(10), Max: decimal.NewFromInt(70000)}, nil, logger)
	limits := Limits{
		FareMin:     decimal.NewFromInt(10),
		FareMax:     decimal.NewFromInt(1000),
		WithdrawMin: decimal.NewFromInt(10),
		WithdrawMax: decimal.NewFromInt(70000),
	}
	return &fixture{
		machine: NewMachine(store, pins, fares, withdrawals, limits, nil, logger),
		store:   store,
		pins:    pins,
		pusher:  pusher,
	}
}

func (f *fixture) dial(code, text string) string {
	return f.machine.Handle(context.Background(), Request{SessionID: "s-1", ServiceCode: code, PhoneNumber: caller, Text: text})
}

// withWallet gives the caller a wallet with balance and PIN 1234.
func (f *fixture) withWallet(t *testing.T, balance int64) ledger.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := ledger.SeedWallet(ctx, f.store, ledger.NewWallet{EntityType: ledger.EntityMSISDN, EntityID: callerMSISD, VirtualAccountCode: callerMSISD}, decimal.NewFromInt(balance))
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if err := f.pins.Set(ctx, w.ID, "1234"); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	return w
}

var refPattern = regexp.MustCompile(`TT\d{4}`)

func expectPrefix(t *testing.T, screen, prefix string) {
	t.Helper()
	if !strings.HasPrefix(screen, prefix+" ") {
		t.Fatalf("expected %s screen, got %q", prefix, screen)
	}
	if len(screen) > MaxScreen {
		t.Fatalf("screen longer than %d chars: %q", MaxScreen, screen)
	}
}

func TestQuickPay(t *testing.T) {
	f := newFixture(t)

	screen := f.dial("*384*00011#", "")
	expectPrefix(t, screen, "CON")
	if !strings.Contains(screen, "00011") || !strings.Contains(screen, "amount") {
		t.Fatalf("unexpected prompt %q", screen)
	}

	screen = f.dial("*384*00011#", "50")
	expectPrefix(t, screen, "END")
	if !refPattern.MatchString(screen) {
		t.Fatalf("expected a TT#### reference, got %q", screen)
	}
	if f.pusher.calls != 1 {
		t.Fatalf("expected one STK push, got %d", f.pusher.calls)
	}
}

func TestQuickPayUnknownVehicle(t *testing.T) {
	f := newFixture(t)
	expectPrefix(t, f.dial("*384*99999#", ""), "END")
	// A sacco code is not a vehicle.
	expectPrefix(t, f.dial("*384*SACCO1#", ""), "END")
}

func TestQuickPayAmountOutsideBandReprompts(t *testing.T) {
	f := newFixture(t)
	for _, text := range []string{"5", "1001", "abc", "50.5", "-20"} {
		screen := f.dial("*384*00011#", text)
		expectPrefix(t, screen, "CON")
		if !strings.Contains(screen, "Invalid amount") {
			t.Fatalf("%q: expected re-prompt, got %q", text, screen)
		}
	}
	// The gateway keeps appending after a re-prompt.
	screen := f.dial("*384*00011#", "5*100")
	expectPrefix(t, screen, "END")
	if !refPattern.MatchString(screen) {
		t.Fatalf("expected a reference, got %q", screen)
	}
	if f.pusher.calls != 1 {
		t.Fatalf("expected one STK push, got %d", f.pusher.calls)
	}
}

func TestMenuFarePayment(t *testing.T) {
	f := newFixture(t)
	steps := []struct {
		text   string
		prefix string
		want   string
	}{
		{"", "CON", "1. Pay Fare"},
		{"1", "CON", "vehicle code"},
		{"1*00011", "CON", "Pay 00011"},
		{"1*00011*50", "END", "Ref TT"},
	}
	for _, s := range steps {
		screen := f.dial(serviceCode, s.text)
		expectPrefix(t, screen, s.prefix)
		if !strings.Contains(screen, s.want) {
			t.Fatalf("text %q: expected %q in %q", s.text, s.want, screen)
		}
	}
	expectPrefix(t, f.dial(serviceCode, "1*00099"), "END")
}

func TestFarePushFailureIsGeneric(t *testing.T) {
	f := newFixture(t)
	f.pusher.err = &mpesa.ProviderError{Operation: "stkpush", StatusCode: 500, Message: "upstream exploded"}
	screen := f.dial(serviceCode, "1*00011*50")
	expectPrefix(t, screen, "END")
	if strings.Contains(screen, "exploded") || strings.Contains(screen, "500") {
		t.Fatalf("provider detail leaked: %q", screen)
	}
}

func TestPinSetup(t *testing.T) {
	f := newFixture(t)

	expectPrefix(t, f.dial(serviceCode, "2"), "CON")
	screen := f.dial(serviceCode, "2*12a4")
	expectPrefix(t, screen, "CON")
	if !strings.Contains(screen, "4 digits") {
		t.Fatalf("expected format re-prompt, got %q", screen)
	}
	expectPrefix(t, f.dial(serviceCode, "2*1234"), "CON")

	screen = f.dial(serviceCode, "2*1234*4321")
	expectPrefix(t, screen, "END")
	if !strings.Contains(screen, "do not match") {
		t.Fatalf("expected mismatch screen, got %q", screen)
	}
	w, err := f.store.Wallet(context.Background(), ledger.ByCode(callerMSISD))
	if err != nil {
		t.Fatalf("msisdn wallet should exist: %v", err)
	}
	if ok, _ := f.pins.Exists(context.Background(), w.ID); ok {
		t.Fatalf("mismatched confirmation must not store a pin")
	}

	screen = f.dial(serviceCode, "2*1234*1234")
	expectPrefix(t, screen, "END")
	if !strings.Contains(screen, "PIN set") {
		t.Fatalf("expected success screen, got %q", screen)
	}
	if err := f.pins.Verify(context.Background(), w.ID, "1234"); err != nil {
		t.Fatalf("stored pin should verify: %v", err)
	}

	// Next session asks for the PIN instead of setting one.
	screen = f.dial(serviceCode, "2")
	if !strings.Contains(screen, "Enter wallet PIN") {
		t.Fatalf("expected pin prompt, got %q", screen)
	}
}

func TestWalletMenu(t *testing.T) {
	f := newFixture(t)
	f.withWallet(t, 500)

	screen := f.dial(serviceCode, "2*1234")
	expectPrefix(t, screen, "CON")
	if !strings.Contains(screen, "500.00") {
		t.Fatalf("expected balance in menu, got %q", screen)
	}
	screen = f.dial(serviceCode, "2*0000")
	expectPrefix(t, screen, "END")
	if !strings.Contains(screen, "Wrong PIN") {
		t.Fatalf("expected wrong pin, got %q", screen)
	}

	screen = f.dial(serviceCode, "2*1234*2")
	expectPrefix(t, screen, "END")
	if !strings.Contains(screen, "+500.00 Opening balance") {
		t.Fatalf("expected opening balance in history, got %q", screen)
	}
}

func TestWithdrawFromWallet(t *testing.T) {
	f := newFixture(t)
	w := f.withWallet(t, 500)
	ctx := context.Background()

	expectPrefix(t, f.dial(serviceCode, "2*1234*1"), "CON")

	screen := f.dial(serviceCode, "2*1234*1*600")
	expectPrefix(t, screen, "CON")
	if !strings.Contains(screen, "Insufficient") {
		t.Fatalf("expected balance re-prompt, got %q", screen)
	}

	screen = f.dial(serviceCode, "2*1234*1*200")
	expectPrefix(t, screen, "END")
	if !strings.Contains(screen, "being processed") {
		t.Fatalf("expected acceptance, got %q", screen)
	}
	got, _ := f.store.Wallet(ctx, ledger.ByID(w.ID))
	if !got.Balance.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected balance 300, got %s", got.Balance)
	}

	// Replaying the same session text after END does not withdraw again.
	expectPrefix(t, f.dial(serviceCode, "2*1234*1*200*1"), "END")
	got, _ = f.store.Wallet(ctx, ledger.ByID(w.ID))
	if !got.Balance.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("balance changed after session end: %s", got.Balance)
	}
}

func TestWrongPinLocksWallet(t *testing.T) {
	f := newFixture(t)
	f.withWallet(t, 100)
	for i := 0; i < 3; i++ {
		if screen := f.dial(serviceCode, "2*0000"); !strings.Contains(screen, "Wrong PIN") {
			t.Fatalf("attempt %d: expected wrong pin, got %q", i, screen)
		}
	}
	screen := f.dial(serviceCode, "2*1234")
	expectPrefix(t, screen, "END")
	if !strings.Contains(screen, "locked") {
		t.Fatalf("expected lockout, got %q", screen)
	}
}

func TestReplayedPinDoesNotCountAsAttempt(t *testing.T) {
	f := newFixture(t)
	w := f.withWallet(t, 100)
	for i := 0; i < 5; i++ {
		// The PIN is replayed on every later hop of the session.
		expectPrefix(t, f.dial(serviceCode, "2*1234*1"), "CON")
	}
	_ = f.dial(serviceCode, "2*0000")
	_ = f.dial(serviceCode, "2*0000")
	if err := f.pins.Verify(context.Background(), w.ID, "1234"); err != nil {
		t.Fatalf("two failures must not lock the wallet: %v", err)
	}
}

func TestLockedWalletRejectsReplayedPin(t *testing.T) {
	f := newFixture(t)
	w := f.withWallet(t, 500)
	for i := 0; i < 3; i++ {
		_ = f.dial(serviceCode, "2*0000")
	}
	for _, text := range []string{"2*1234*2", "2*1234*1", "2*1234*1*100"} {
		screen := f.dial(serviceCode, text)
		expectPrefix(t, screen, "END")
		if !strings.Contains(screen, "locked") {
			t.Fatalf("%q: expected lockout, got %q", text, screen)
		}
	}
	got, _ := f.store.Wallet(context.Background(), ledger.ByID(w.ID))
	if !got.Balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("locked wallet was debited, balance %s", got.Balance)
	}
}

func TestWrongReplayedPinCountsAsAttempt(t *testing.T) {
	f := newFixture(t)
	f.withWallet(t, 100)
	for i := 0; i < 3; i++ {
		screen := f.dial(serviceCode, "2*0000*2")
		expectPrefix(t, screen, "END")
		if !strings.Contains(screen, "Wrong PIN") {
			t.Fatalf("attempt %d: expected wrong pin, got %q", i, screen)
		}
	}
	screen := f.dial(serviceCode, "2*1234")
	if !strings.Contains(screen, "locked") {
		t.Fatalf("expected lockout after chained guesses, got %q", screen)
	}
}

func TestHistoryLabels(t *testing.T) {
	cases := map[string]string{
		ledger.SourceC2B:                  "M-Pesa in",
		ledger.SourceSTK:                  "M-Pesa in",
		ledger.SourceWithdrawal:           "Withdrawal",
		ledger.SourceWithdrawalReversal:   "Reversal",
		ledger.SourceOpeningBalance:       "Opening balance",
		ledger.FeeSourcePrefix + "MATATU": "Fee",
		"MANUAL_FIX":                      "Adjustment",
	}
	for source, want := range cases {
		if got := shortSource(source); got != want {
			t.Fatalf("shortSource(%q) = %q, want %q", source, got, want)
		}
	}
}

func TestClipKeepsRunesWhole(t *testing.T) {
	if got := clip("END ok", MaxScreen); got != "END ok" {
		t.Fatalf("short screen changed: %q", got)
	}
	long := "CON x" + strings.Repeat("é", 200)
	got := clip(long, MaxScreen)
	if len(got) > MaxScreen || !utf8.ValidString(got) {
		t.Fatalf("clip produced %d bytes, valid=%v", len(got), utf8.ValidString(got))
	}
	if len(got) != MaxScreen-1 {
		t.Fatalf("expected cut before the split rune at %d bytes, got %d", MaxScreen-1, len(got))
	}
}

func TestInputAfterEndIsRejected(t *testing.T) {
	f := newFixture(t)
	screen := f.dial(serviceCode, "3*1")
	expectPrefix(t, screen, "END")
	if !strings.Contains(screen, "Session ended") {
		t.Fatalf("unexpected screen %q", screen)
	}
}

func TestInvalidRootChoiceReprompts(t *testing.T) {
	f := newFixture(t)
	screen := f.dial(serviceCode, "9")
	expectPrefix(t, screen, "CON")
	if !strings.Contains(screen, "Invalid choice") {
		t.Fatalf("unexpected screen %q", screen)
	}
	expectPrefix(t, f.dial(serviceCode, "9*3"), "END")
}

func TestInvalidPhone(t *testing.T) {
	f := newFixture(t)
	screen := f.machine.Handle(context.Background(), Request{ServiceCode: serviceCode, PhoneNumber: "12"})
	expectPrefix(t, screen, "END")
}

func TestQuickPayCode(t *testing.T) {
	cases := map[string]string{
		"*384#":        "",
		"*384*00011#":  "00011",
		"*384*ab12#":   "AB12",
		" *384*00011#": "00011",
	}
	for in, want := range cases {
		if got := QuickPayCode(in); got != want {
			t.Fatalf("QuickPayCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandlerServesPlainText(t *testing.T) {
	f := newFixture(t)
	app := fiber.New()
	app.Post("/ussd", NewHandler(f.machine, logging.Discard()).Serve)

	form := url.Values{
		"sessionId":   {"ATUid_1"},
		"serviceCode": {"*384*00011#"},
		"phoneNumber": {caller},
		"text":        {""},
	}
	req := httptest.NewRequest(http.MethodPost, "/ussd", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if !strings.HasPrefix(string(body), "CON ") {
		t.Fatalf("unexpected body %q", body)
	}

	req = httptest.NewRequest(http.MethodPost, "/ussd", strings.NewReader(url.Values{"text": {"1"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", resp.StatusCode)
	}
}
