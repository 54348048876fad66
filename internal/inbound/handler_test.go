package inbound

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/fareintent"
	"github.com/twende-pay/twende_pay/internal/fees"
	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/logging"
	"github.com/twende-pay/twende_pay/internal/mpesa"
	"github.com/twende-pay/twende_pay/internal/notification"
	"github.com/twende-pay/twende_pay/internal/settlement"
)

type stubPusher struct{ checkoutID string }

func (p stubPusher) STKPush(context.Context, mpesa.STKPushRequest) (mpesa.STKPushResponse, error) {
	return mpesa.STKPushResponse{CheckoutRequestID: p.checkoutID, ResponseCode: "0"}, nil
}

type slowSettler struct {
	inner Settler
	delay time.Duration
}

func (s slowSettler) SettleFare(ctx context.Context, req settlement.Request) (settlement.Result, error) {
	time.Sleep(s.delay)
	return s.inner.SettleFare(ctx, req)
}

type fixture struct {
	store    ledger.Store
	repo     Repository
	settler  Settler
	intents  *fareintent.Service
	handler  *Handler
	notifier *notification.Recorder
	platform ledger.Wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()
	store := ledger.NewInMemory()
	platform, err := store.CreateWallet(ctx, ledger.NewWallet{EntityType: ledger.EntitySystem, VirtualAccountCode: "PLATFORM"})
	if err != nil {
		t.Fatalf("create platform wallet: %v", err)
	}
	if _, err := store.CreateWallet(ctx, ledger.NewWallet{EntityType: ledger.EntityMatatu, VirtualAccountCode: "00011"}); err != nil {
		t.Fatalf("create vehicle wallet: %v", err)
	}
	rules := fees.NewMemoryRepository(fees.Rule{
		AppliesTo:           fees.ContextMatatuFare,
		FeeType:             fees.Percent,
		FeeValue:            decimal.RequireFromString("0.02"),
		BeneficiaryWalletID: platform.ID,
		Active:              true,
		Label:               "platform",
	})
	settler := settlement.NewService(store, fees.NewResolver(rules, logger), nil, logger)
	repo := NewMemoryRepository()
	intents := fareintent.NewService(fareintent.NewMemoryRepository(), stubPusher{checkoutID: "ws_CO_1"}, time.Second, logger)
	notifier := &notification.Recorder{}
	return &fixture{
		store:    store,
		repo:     repo,
		settler:  settler,
		intents:  intents,
		handler:  NewHandler(repo, settler, intents, store, nil, notifier, logger),
		notifier: notifier,
		platform: platform,
	}
}

func (f *fixture) balance(t *testing.T, code string) decimal.Decimal {
	t.Helper()
	w, err := f.store.Wallet(context.Background(), ledger.ByCode(code))
	if err != nil {
		t.Fatalf("wallet %s: %v", code, err)
	}
	return w.Balance
}

func (f *fixture) unprocessed(t *testing.T) []RawPayment {
	t.Helper()
	rows, err := f.repo.Unprocessed(context.Background(), time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("unprocessed: %v", err)
	}
	return rows
}

func c2b(receipt, account, amount string) []byte {
	return []byte(fmt.Sprintf(`{"TransactionType":"Pay Bill","TransID":%q,"TransTime":"20240501101530","TransAmount":%q,
		"BusinessShortCode":"600638","BillRefNumber":%q,"MSISDN":"254712345678"}`, receipt, amount, account))
}

func TestIngestSettlesC2B(t *testing.T) {
	f := newFixture(t)
	if out := f.handler.Ingest(context.Background(), c2b("RKTQDM7W6S", "00011", "50.00")); out != OutcomeSettled {
		t.Fatalf("expected settled, got %s", out)
	}
	if got := f.balance(t, "00011"); !got.Equal(decimal.NewFromInt(49)) {
		t.Fatalf("expected vehicle balance 49, got %s", got)
	}
	if got := f.balance(t, "PLATFORM"); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected platform fee 1, got %s", got)
	}
	if rows := f.unprocessed(t); len(rows) != 0 {
		t.Fatalf("expected row marked processed, got %+v", rows)
	}
	msgs := f.notifier.Messages()
	if len(msgs) != 1 || msgs[0].Kind != notification.KindFareReceived {
		t.Fatalf("unexpected notifications %+v", msgs)
	}
}

func TestDuplicateCallbackCreditsOnce(t *testing.T) {
	f := newFixture(t)
	payload := c2b("RKTQDM7W6S", "00011", "100")
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := f.handler.Ingest(ctx, payload)
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[OutcomeSettled] != 1 || outcomes[OutcomeDuplicate] != 9 {
		t.Fatalf("unexpected outcomes %v", outcomes)
	}
	history, err := f.store.History(ctx, ledger.ByCode("00011"), 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly one vehicle transaction, got %d", len(history))
	}
	if got := f.balance(t, "00011"); !got.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("expected balance 98, got %s", got)
	}
}

func TestUnsettledRowIsReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if out := f.handler.Ingest(ctx, c2b("RKT0000001", "00099", "200")); out != OutcomeUnsettled {
		t.Fatalf("expected unsettled, got %s", out)
	}
	rows := f.unprocessed(t)
	if len(rows) != 1 || rows[0].ProcessingError == "" || rows[0].AccountReference != "00099" {
		t.Fatalf("expected one failed row, got %+v", rows)
	}

	// A retry of the same notification stays a duplicate.
	if out := f.handler.Ingest(ctx, c2b("RKT0000001", "00099", "200")); out != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", out)
	}

	if _, err := f.store.CreateWallet(ctx, ledger.NewWallet{EntityType: ledger.EntityTaxi, VirtualAccountCode: "00099"}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	n, err := f.handler.Reconcile(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("reconcile: %d %v", n, err)
	}
	if got := f.balance(t, "00099"); !got.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected taxi balance 200, got %s", got)
	}
	if n, _ := f.handler.Reconcile(ctx, time.Now().Add(time.Minute), 10); n != 0 {
		t.Fatalf("second reconcile should find nothing, got %d", n)
	}
}

func TestReconcileSkipsRowsAlreadyInLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw, err := f.repo.Insert(ctx, RawPayment{Receipt: "RKT0000002", Kind: mpesa.KindC2B, Amount: decimal.NewFromInt(30), AccountReference: "00011"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := f.store.Credit(ctx, ledger.ByCode("00011"), ledger.Posting{Amount: decimal.NewFromInt(30), Source: ledger.SourceC2B, SourceRef: raw.Receipt}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	n, err := f.handler.Reconcile(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("reconcile: %d %v", n, err)
	}
	if got := f.balance(t, "00011"); !got.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("reconcile must not credit twice, balance %s", got)
	}
	if rows := f.unprocessed(t); len(rows) != 0 {
		t.Fatalf("expected row marked processed")
	}
}

func TestConcurrentReconcilersSettleOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.repo.Insert(ctx, RawPayment{Receipt: "RKT0000003", Kind: mpesa.KindC2B, Amount: decimal.NewFromInt(100), AccountReference: "00011"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	slow := slowSettler{inner: f.settler, delay: 50 * time.Millisecond}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 2; i++ {
		h := NewHandler(f.repo, slow, f.intents, f.store, nil, nil, logging.Discard())
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := h.Reconcile(ctx, time.Now().Add(time.Minute), 10)
			if err != nil {
				t.Errorf("reconcile: %v", err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Fatalf("expected one settlement across reconcilers, got %d", total)
	}
	history, err := f.store.History(ctx, ledger.ByCode("00011"), 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one credit for the receipt, got %d", len(history))
	}
	if got := f.balance(t, "00011"); !got.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("expected balance 98, got %s", got)
	}
}

func TestLeasedRowIsSkippedUntilExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw, err := f.repo.Insert(ctx, RawPayment{Receipt: "RKT0000004", Kind: mpesa.KindC2B, Amount: decimal.NewFromInt(40), AccountReference: "00011"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	now := time.Now()
	if _, ok, err := f.repo.Claim(ctx, raw.ID, now, time.Minute); err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	if _, ok, _ := f.repo.Claim(ctx, raw.ID, now.Add(30*time.Second), time.Minute); ok {
		t.Fatalf("second claim must wait for the lease")
	}

	if n, _ := f.handler.Reconcile(ctx, now.Add(time.Minute), 10); n != 0 {
		t.Fatalf("leased row must not settle, got %d", n)
	}
	f.handler.now = func() time.Time { return now.Add(2 * time.Minute) }
	if n, err := f.handler.Reconcile(ctx, now.Add(time.Minute), 10); err != nil || n != 1 {
		t.Fatalf("reconcile after lease expiry: %d %v", n, err)
	}
	if got := f.balance(t, "00011"); !got.Equal(decimal.RequireFromString("39.2")) {
		t.Fatalf("expected balance 39.20, got %s", got)
	}
}

const stkPaid = `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,
  "ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[
  {"Name":"Amount","Value":50},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
  {"Name":"TransactionDate","Value":20240501101530},{"Name":"PhoneNumber","Value":254712345678}]}}}}`

const stkCancelled = `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":1032,
  "ResultDesc":"Request cancelled by user"}}}`

func TestIngestSTKResolvesFareIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.intents.Initiate(ctx, "00011", "0712345678", decimal.NewFromInt(50))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if out := f.handler.Ingest(ctx, []byte(stkPaid)); out != OutcomeSettled {
		t.Fatalf("expected settled, got %s", out)
	}
	if got := f.balance(t, "00011"); !got.Equal(decimal.NewFromInt(49)) {
		t.Fatalf("expected vehicle balance 49, got %s", got)
	}
	paid, err := f.intents.ByCheckoutID(ctx, intent.CheckoutRequestID)
	if err != nil || paid.Status != fareintent.StatusPaid || paid.Receipt != "NLJ7RT61SV" {
		t.Fatalf("expected intent PAID, got %+v (%v)", paid, err)
	}
	posted, _ := f.store.HasPosting(ctx, ledger.SourceSTK, "NLJ7RT61SV")
	if !posted {
		t.Fatalf("expected an MPESA_STK posting")
	}
}

func TestIngestSTKCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.intents.Initiate(ctx, "00011", "0712345678", decimal.NewFromInt(50)); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out := f.handler.Ingest(ctx, []byte(stkCancelled)); out != OutcomeNotPaid {
		t.Fatalf("expected not paid, got %s", out)
	}
	intent, _ := f.intents.ByCheckoutID(ctx, "ws_CO_1")
	if intent.Status != fareintent.StatusFailed {
		t.Fatalf("expected intent FAILED, got %s", intent.Status)
	}
	if rows := f.unprocessed(t); len(rows) != 0 {
		t.Fatalf("cancelled STK must not store a raw payment")
	}
	if got := f.balance(t, "00011"); !got.IsZero() {
		t.Fatalf("balance changed to %s", got)
	}
}

func TestIngestSTKWithoutIntentIsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No fare intent was initiated for ws_CO_1.
	if out := f.handler.Ingest(ctx, []byte(stkPaid)); out != OutcomeNoIntent {
		t.Fatalf("expected no intent, got %s", out)
	}
	if rows := f.unprocessed(t); len(rows) != 0 {
		t.Fatalf("orphan STK payment must not wait for reconciliation, got %+v", rows)
	}
	if n, err := f.handler.Reconcile(ctx, time.Now().Add(time.Minute), 10); err != nil || n != 0 {
		t.Fatalf("reconcile: %d %v", n, err)
	}
	if got := f.balance(t, "00011"); !got.IsZero() {
		t.Fatalf("balance changed to %s", got)
	}
	// The receipt is still recorded, so a redelivery stays a duplicate.
	if out := f.handler.Ingest(ctx, []byte(stkPaid)); out != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", out)
	}
}

func TestReconcileClosesSTKRowWithoutIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.repo.Insert(ctx, RawPayment{Receipt: "NLJ7RT61SW", Kind: mpesa.KindSTK, Amount: decimal.NewFromInt(50), CheckoutRequestID: "ws_CO_missing"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n, err := f.handler.Reconcile(ctx, time.Now().Add(time.Minute), 10); err != nil || n != 0 {
		t.Fatalf("reconcile: %d %v", n, err)
	}
	if rows := f.unprocessed(t); len(rows) != 0 {
		t.Fatalf("expected the row closed, got %+v", rows)
	}
}

func TestIngestRejectsUnknownPayload(t *testing.T) {
	f := newFixture(t)
	if out := f.handler.Ingest(context.Background(), []byte(`{"hello":"world"}`)); out != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", out)
	}
}
