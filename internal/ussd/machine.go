package ussd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/fareintent"
	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/metrics"
	"github.com/twende-pay/twende_pay/internal/msisdn"
	"github.com/twende-pay/twende_pay/internal/pin"
	"github.com/twende-pay/twende_pay/internal/withdrawal"
)

// MaxScreen is the longest response the gateway displays.
const MaxScreen = 182

var eat = time.FixedZone("EAT", 3*60*60)

const (
	wrongPin  = "Wrong PIN."
	lockedPin = "Wallet locked after too many attempts. Try again later."
)

// State is a node of the session state machine.
type State string

const (
	StateRoot           State = "ROOT"
	StateVehicle        State = "VEHICLE"
	StateFareAmount     State = "FARE_AMOUNT"
	StateSetPin         State = "SET_PIN"
	StateConfirmPin     State = "CONFIRM_PIN"
	StateEnterPin       State = "ENTER_PIN"
	StateWalletMenu     State = "WALLET_MENU"
	StateWithdrawAmount State = "WITHDRAW_AMOUNT"
	StateDone           State = "DONE"
)

// Request is one gateway hop. Text accumulates every input of the session
// separated by '*'.
type Request struct {
	SessionID   string
	ServiceCode string
	PhoneNumber string
	Text        string
}

// Wallets is the ledger surface the menus read.
type Wallets interface {
	Wallet(ctx context.Context, ref ledger.Ref) (ledger.Wallet, error)
	EnsureWallet(ctx context.Context, w ledger.NewWallet) (ledger.Wallet, error)
	History(ctx context.Context, ref ledger.Ref, limit int) ([]ledger.Transaction, error)
}

// Pins checks and stores wallet PINs.
type Pins interface {
	Exists(ctx context.Context, walletID string) (bool, error)
	Set(ctx context.Context, walletID, pin string) error
	Verify(ctx context.Context, walletID, pin string) error
	Recheck(ctx context.Context, walletID, pin string) error
}

// Fares opens fare intents and triggers the STK push.
type Fares interface {
	Initiate(ctx context.Context, vehicleCode, phone string, amount decimal.Decimal) (fareintent.Intent, error)
}

// Withdrawals opens withdrawals from the caller's wallet.
type Withdrawals interface {
	Request(ctx context.Context, req withdrawal.Request) (withdrawal.Withdrawal, error)
}

// Limits holds the accepted amount bands.
type Limits struct {
	FareMin     decimal.Decimal
	FareMax     decimal.Decimal
	WithdrawMin decimal.Decimal
	WithdrawMax decimal.Decimal
}

// Machine renders USSD screens. It keeps no state between requests: every
// hop replays the accumulated input from the start.
type Machine struct {
	wallets     Wallets
	pins        Pins
	fares       Fares
	withdrawals Withdrawals
	limits      Limits
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewMachine wires the USSD state machine.
func NewMachine(wallets Wallets, pins Pins, fares Fares, withdrawals Withdrawals, limits Limits, m *metrics.Metrics, logger *slog.Logger) *Machine {
	return &Machine{
		wallets:     wallets,
		pins:        pins,
		fares:       fares,
		withdrawals: withdrawals,
		limits:      limits,
		metrics:     m,
		logger:      logger,
	}
}

// session is what replaying the inputs has established so far.
type session struct {
	phone   string
	vehicle string
	wallet  ledger.Wallet
	newPin  string
}

// effect performs the mutation of a final step and returns its screen.
type effect func(ctx context.Context) string

type step struct {
	next   State
	screen string
	effect effect
}

// Handle returns the screen for a gateway hop. Mutations run only when their
// step consumes the last input segment.
func (m *Machine) Handle(ctx context.Context, req Request) string {
	screen := clip(m.handle(ctx, req), MaxScreen)
	if strings.HasPrefix(screen, "CON ") {
		m.metrics.USSDResponse("CON")
	} else {
		m.metrics.USSDResponse("END")
	}
	return screen
}

func (m *Machine) handle(ctx context.Context, req Request) string {
	phone, err := msisdn.Normalize(req.PhoneNumber)
	if err != nil {
		return end("Invalid phone number.")
	}
	s := &session{phone: phone}

	var st step
	if code := QuickPayCode(req.ServiceCode); code != "" {
		st = m.enterFare(ctx, s, code)
	} else {
		st = step{next: StateRoot, screen: rootMenu()}
	}

	inputs := Segments(req.Text)
	for i, input := range inputs {
		if st.next == StateDone {
			return end("Session ended. Please dial again.")
		}
		st = m.transition(ctx, s, st.next, input, i == len(inputs)-1)
		if st.effect != nil && i == len(inputs)-1 {
			return st.effect(ctx)
		}
	}
	return st.screen
}

func (m *Machine) transition(ctx context.Context, s *session, state State, input string, final bool) step {
	switch state {
	case StateRoot:
		switch input {
		case "1":
			return step{next: StateVehicle, screen: con("Enter vehicle code")}
		case "2":
			return m.enterWallet(ctx, s)
		case "3":
			return step{next: StateDone, screen: end("Pay fare: dial, choose 1 and enter the vehicle code. Wallet: choose 2. Help: 0800 720 000")}
		}
		return step{next: StateRoot, screen: con("Invalid choice.\n" + strings.TrimPrefix(rootMenu(), "CON "))}

	case StateVehicle:
		return m.enterFare(ctx, s, strings.ToUpper(strings.TrimSpace(input)))

	case StateFareAmount:
		amount, ok := parseAmount(input, m.limits.FareMin, m.limits.FareMax)
		if !ok {
			return step{next: StateFareAmount, screen: con("Invalid amount. " + m.farePrompt())}
		}
		return step{next: StateDone, screen: end(""), effect: m.payFare(s, amount)}

	case StateSetPin:
		if !pin.Valid(input) {
			return step{next: StateSetPin, screen: con("PIN must be 4 digits.\nSet a 4-digit wallet PIN")}
		}
		s.newPin = input
		return step{next: StateConfirmPin, screen: con("Confirm your PIN")}

	case StateConfirmPin:
		if input != s.newPin {
			return step{next: StateDone, screen: end("PINs do not match. No PIN was saved.")}
		}
		return step{next: StateDone, screen: end(""), effect: m.setPin(s)}

	case StateEnterPin:
		if final {
			return step{next: StateWalletMenu, screen: end(""), effect: m.verifyPin(s, input)}
		}
		// Later hops replay the PIN. Only a correct one gets past this step.
		err := m.pins.Recheck(ctx, s.wallet.ID, input)
		switch {
		case err == nil:
			return step{next: StateWalletMenu, screen: walletMenu(s.wallet)}
		case errors.Is(err, pin.ErrMismatch):
			return step{next: StateDone, screen: end(wrongPin)}
		case errors.Is(err, pin.ErrLocked):
			return step{next: StateDone, screen: end(lockedPin)}
		}
		return m.failed("recheck pin", err)

	case StateWalletMenu:
		switch input {
		case "1":
			return step{next: StateWithdrawAmount, screen: con(m.withdrawPrompt(s.wallet))}
		case "2":
			return step{next: StateDone, screen: end(""), effect: m.history(s)}
		}
		return step{next: StateWalletMenu, screen: con("Invalid choice.\n" + strings.TrimPrefix(walletMenu(s.wallet), "CON "))}

	case StateWithdrawAmount:
		amount, ok := parseAmount(input, m.limits.WithdrawMin, m.limits.WithdrawMax)
		if !ok {
			return step{next: StateWithdrawAmount, screen: con("Invalid amount. " + m.withdrawPrompt(s.wallet))}
		}
		if amount.GreaterThan(s.wallet.Balance) {
			return step{next: StateWithdrawAmount, screen: con(fmt.Sprintf("Insufficient balance (KES %s). Enter a smaller amount", s.wallet.Balance.StringFixed(2)))}
		}
		return step{next: StateDone, screen: end(""), effect: m.withdraw(s, amount)}
	}
	return step{next: StateDone, screen: end("Session ended. Please dial again.")}
}

func (m *Machine) enterFare(ctx context.Context, s *session, code string) step {
	if code == "" {
		return step{next: StateVehicle, screen: con("Enter vehicle code")}
	}
	w, err := m.wallets.Wallet(ctx, ledger.ByCode(code))
	if errors.Is(err, ledger.ErrWalletNotFound) || (err == nil && !w.EntityType.Vehicle()) {
		return step{next: StateDone, screen: end(fmt.Sprintf("Vehicle %s not found.", code))}
	}
	if err != nil {
		return m.failed("resolve vehicle", err)
	}
	s.vehicle = w.VirtualAccountCode
	return step{next: StateFareAmount, screen: con(fmt.Sprintf("Pay %s\n%s", s.vehicle, m.farePrompt()))}
}

func (m *Machine) enterWallet(ctx context.Context, s *session) step {
	w, err := m.wallets.EnsureWallet(ctx, ledger.NewWallet{
		EntityType:         ledger.EntityMSISDN,
		EntityID:           s.phone,
		VirtualAccountCode: s.phone,
	})
	if err != nil {
		return m.failed("open msisdn wallet", err)
	}
	s.wallet = w
	exists, err := m.pins.Exists(ctx, w.ID)
	if err != nil {
		return m.failed("check pin", err)
	}
	if !exists {
		return step{next: StateSetPin, screen: con("Set a 4-digit wallet PIN")}
	}
	return step{next: StateEnterPin, screen: con("Enter wallet PIN")}
}

func (m *Machine) payFare(s *session, amount decimal.Decimal) effect {
	return func(ctx context.Context) string {
		intent, err := m.fares.Initiate(ctx, s.vehicle, s.phone, amount)
		if err != nil {
			m.logger.Error("ussd fare payment", slog.String("vehicle", s.vehicle), slog.String("phone", msisdn.Mask(s.phone)), slog.Any("error", err))
			return end("Payment request failed. Please try again later.")
		}
		return end(fmt.Sprintf("Confirm KES %s to %s on your phone. Ref %s", amount.StringFixed(0), s.vehicle, intent.Reference))
	}
}

func (m *Machine) setPin(s *session) effect {
	return func(ctx context.Context) string {
		if err := m.pins.Set(ctx, s.wallet.ID, s.newPin); err != nil {
			if errors.Is(err, pin.ErrAlreadySet) {
				return end("A PIN is already set. Dial again to open your wallet.")
			}
			m.logger.Error("ussd set pin", slog.String("wallet_id", s.wallet.ID), slog.Any("error", err))
			return end("Could not save PIN. Please try again later.")
		}
		return end("PIN set successfully. Dial again to open your wallet.")
	}
}

func (m *Machine) verifyPin(s *session, input string) effect {
	return func(ctx context.Context) string {
		err := m.pins.Verify(ctx, s.wallet.ID, input)
		switch {
		case err == nil:
			return walletMenu(s.wallet)
		case errors.Is(err, pin.ErrMismatch):
			return end(wrongPin)
		case errors.Is(err, pin.ErrLocked):
			return end(lockedPin)
		}
		m.logger.Error("ussd verify pin", slog.String("wallet_id", s.wallet.ID), slog.Any("error", err))
		return end("Service unavailable. Please try again later.")
	}
}

func (m *Machine) history(s *session) effect {
	return func(ctx context.Context) string {
		txs, err := m.wallets.History(ctx, ledger.ByID(s.wallet.ID), 3)
		if err != nil {
			m.logger.Error("ussd history", slog.String("wallet_id", s.wallet.ID), slog.Any("error", err))
			return end("Service unavailable. Please try again later.")
		}
		if len(txs) == 0 {
			return end("No transactions yet.")
		}
		var b strings.Builder
		b.WriteString("Last transactions:")
		for _, tx := range txs {
			sign := "+"
			if tx.TxType == ledger.TxDebit {
				sign = "-"
			}
			fmt.Fprintf(&b, "\n%s %s%s %s", tx.CreatedAt.In(eat).Format("02/01"), sign, tx.Amount.StringFixed(2), shortSource(tx.Source))
		}
		return end(b.String())
	}
}

func (m *Machine) withdraw(s *session, amount decimal.Decimal) effect {
	return func(ctx context.Context) string {
		w, err := m.withdrawals.Request(ctx, withdrawal.Request{
			Wallet:      ledger.ByID(s.wallet.ID),
			Amount:      amount,
			Destination: withdrawal.Destination{Mode: withdrawal.ModeMobile, Phone: s.phone},
			RequestedBy: "ussd:" + s.phone,
		})
		switch {
		case err == nil:
			return end(fmt.Sprintf("Withdrawal of KES %s to %s is being processed.", w.Amount.StringFixed(0), msisdn.Mask(s.phone)))
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return end("Insufficient balance.")
		case errors.Is(err, withdrawal.ErrValidation):
			return end("Invalid withdrawal amount.")
		}
		m.logger.Error("ussd withdrawal", slog.String("wallet_id", s.wallet.ID), slog.Any("error", err))
		return end("Withdrawal failed. Please try again later.")
	}
}

// failed ends the session without exposing err to the caller.
func (m *Machine) failed(op string, err error) step {
	m.logger.Error("ussd "+op, slog.Any("error", err))
	return step{next: StateDone, screen: end("Service unavailable. Please try again later.")}
}

func (m *Machine) farePrompt() string {
	return fmt.Sprintf("Enter amount (KES %s-%s)", m.limits.FareMin.String(), m.limits.FareMax.String())
}

func (m *Machine) withdrawPrompt(w ledger.Wallet) string {
	return fmt.Sprintf("Enter amount to withdraw (balance KES %s)", w.Balance.StringFixed(2))
}

func rootMenu() string {
	return con("Twende Pay\n1. Pay Fare\n2. My Wallet\n3. Help")
}

func walletMenu(w ledger.Wallet) string {
	return con(fmt.Sprintf("Balance: KES %s\n1. Withdraw to M-Pesa\n2. Last 3 transactions", w.Balance.StringFixed(2)))
}

func con(s string) string { return "CON " + s }

// clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func end(s string) string { return "END " + s }

func shortSource(source string) string {
	switch {
	case source == ledger.SourceC2B || source == ledger.SourceSTK:
		return "M-Pesa in"
	case source == ledger.SourceWithdrawal:
		return "Withdrawal"
	case source == ledger.SourceWithdrawalReversal:
		return "Reversal"
	case source == ledger.SourceOpeningBalance:
		return "Opening balance"
	case strings.HasPrefix(source, ledger.FeeSourcePrefix):
		return "Fee"
	}
	return "Adjustment"
}
