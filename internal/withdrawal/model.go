package withdrawal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation wraps bad input such as a non-positive amount.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown withdrawals.
	ErrNotFound = errors.New("withdrawal not found")
	// ErrInvalidTransition rejects status changes outside the state machine.
	ErrInvalidTransition = errors.New("invalid withdrawal status transition")
	// ErrAlreadyRecredited is returned when a failed withdrawal was already reversed.
	ErrAlreadyRecredited = errors.New("withdrawal already recredited")

	ErrInvalidAmount      = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidDestination = fmt.Errorf("%w: invalid destination", ErrValidation)
)

// Status is the withdrawal lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusSuccess, StatusFailed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Mode selects the payout channel.
type Mode string

const (
	// ModeMobile pays an M-Pesa wallet through B2C.
	ModeMobile Mode = "MOBILE"
	// ModeBank pays a bank account through its paybill using B2B.
	ModeBank Mode = "BANK"
)

// Withdrawal tracks money debited from a wallet until the payout resolves.
type Withdrawal struct {
	ID                       string          `json:"id"`
	WalletID                 string          `json:"wallet_id"`
	Amount                   decimal.Decimal `json:"amount"`
	Mode                     Mode            `json:"mode"`
	PhoneNumber              string          `json:"phone_number,omitempty"`
	BankPaybill              string          `json:"bank_paybill,omitempty"`
	BankAccount              string          `json:"bank_account,omitempty"`
	Status                   Status          `json:"status"`
	OriginatorConversationID string          `json:"originator_conversation_id"`
	ConversationID           string          `json:"mpesa_conversation_id,omitempty"`
	TransactionID            string          `json:"mpesa_transaction_id,omitempty"`
	ProviderResponse         json.RawMessage `json:"mpesa_response,omitempty"`
	FailureReason            string          `json:"failure_reason,omitempty"`
	Attempts                 int             `json:"attempts"`
	NextAttemptAt            time.Time       `json:"next_attempt_at"`
	RequestedBy              string          `json:"requested_by,omitempty"`
	RecreditedAt             *time.Time      `json:"recredited_at,omitempty"`
	RecreditedBy             string          `json:"recredited_by,omitempty"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// Destination is where the payout goes.
type Destination struct {
	Mode    Mode
	Phone   string
	Paybill string
	Account string
}

// Update carries provider detail recorded alongside a transition.
type Update struct {
	ConversationID string
	TransactionID  string
	FailureReason  string
	Response       []byte
}
