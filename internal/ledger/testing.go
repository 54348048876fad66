package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// SeedWallet is a test helper that creates a wallet and credits an opening
// balance through the normal posting path, so history still reconstructs
// the balance.
func SeedWallet(ctx context.Context, s Store, w NewWallet, amount decimal.Decimal) (Wallet, error) {
	wallet, err := s.EnsureWallet(ctx, w)
	if err != nil {
		return Wallet{}, err
	}
	if !amount.IsPositive() {
		return wallet, nil
	}
	m, err := s.Credit(ctx, ByID(wallet.ID), Posting{Amount: amount, Source: SourceOpeningBalance, Description: "opening balance"})
	if err != nil {
		return Wallet{}, err
	}
	wallet.Balance = m.BalanceAfter
	return wallet, nil
}
