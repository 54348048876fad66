package wallet

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/ledger"
)

// CreateInput captures data required to open a wallet.
type CreateInput struct {
	EntityType         ledger.EntityType
	EntityID           string
	VirtualAccountCode string
}

// Balance is a point-in-time view of a wallet's funds.
type Balance struct {
	WalletID           string          `json:"wallet_id"`
	VirtualAccountCode string          `json:"virtual_account_code"`
	Amount             decimal.Decimal `json:"balance"`
	Currency           string          `json:"currency"`
	AsOf               time.Time       `json:"as_of"`
}

// Statement is a wallet with its most recent transactions, newest first.
type Statement struct {
	Wallet       ledger.Wallet        `json:"wallet"`
	Transactions []ledger.Transaction `json:"transactions"`
}
