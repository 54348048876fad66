package fees

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/ledger"
)

// FeeType selects how a rule derives its amount from the gross payment.
type FeeType string

const (
	// Percent rules hold a fraction, 0.02 meaning two percent of gross.
	Percent FeeType = "PERCENT"
	// Flat rules charge FeeValue regardless of gross.
	Flat FeeType = "FLAT"
)

// Fee contexts used by fare settlement.
const (
	ContextMatatuFare   = "MATATU_FARE"
	ContextTaxiFare     = "TAXI_FARE"
	ContextBodaFare     = "BODA_FARE"
	ContextSaccoPayment = "SACCO_PAYMENT"
)

// Rule is a configured fee applying to a payment context.
type Rule struct {
	ID                  string          `json:"id"`
	AppliesTo           string          `json:"applies_to"`
	FeeType             FeeType         `json:"fee_type"`
	FeeValue            decimal.Decimal `json:"fee_value"`
	BeneficiaryWalletID string          `json:"beneficiary_wallet_id,omitempty"`
	Active              bool            `json:"active"`
	Label               string          `json:"label,omitempty"`
	Priority            int             `json:"priority"`
}

// Fee is a resolved amount owed to a beneficiary wallet.
type Fee struct {
	RuleID              string          `json:"rule_id"`
	BeneficiaryWalletID string          `json:"beneficiary_wallet_id"`
	Amount              decimal.Decimal `json:"amount"`
	Label               string          `json:"label"`
}

// Repository returns active rules for a context ordered by priority.
type Repository interface {
	ActiveRules(ctx context.Context, appliesTo string) ([]Rule, error)
}

// Resolver turns fee rules into concrete fee amounts.
type Resolver struct {
	repo   Repository
	logger *slog.Logger
}

// NewResolver builds a fee resolver over the rule repository.
func NewResolver(repo Repository, logger *slog.Logger) *Resolver {
	return &Resolver{repo: repo, logger: logger}
}

// Resolve computes the fees due on gross for the context. Rules producing a
// non-positive amount are skipped. Rules without a beneficiary wallet are
// skipped with a warning. Amounts are rounded half up to cents.
func (r *Resolver) Resolve(ctx context.Context, feeContext string, gross decimal.Decimal) ([]Fee, error) {
	if feeContext == "" {
		return nil, nil
	}
	rules, err := r.repo.ActiveRules(ctx, feeContext)
	if err != nil {
		return nil, fmt.Errorf("load fee rules for %s: %w", feeContext, err)
	}

	out := make([]Fee, 0, len(rules))
	for _, rule := range rules {
		if !rule.Active || rule.AppliesTo != feeContext {
			continue
		}
		var amount decimal.Decimal
		switch rule.FeeType {
		case Percent:
			amount = gross.Mul(rule.FeeValue)
		case Flat:
			amount = rule.FeeValue
		default:
			r.logger.Warn("fee rule has unknown type", slog.String("rule_id", rule.ID), slog.String("fee_type", string(rule.FeeType)))
			continue
		}
		amount = amount.Round(2)
		if !amount.IsPositive() {
			continue
		}
		if rule.BeneficiaryWalletID == "" {
			r.logger.Warn("fee rule has no beneficiary wallet, skipping",
				slog.String("rule_id", rule.ID), slog.String("context", feeContext))
			continue
		}
		out = append(out, Fee{
			RuleID:              rule.ID,
			BeneficiaryWalletID: rule.BeneficiaryWalletID,
			Amount:              amount,
			Label:               label(rule),
		})
	}
	return out, nil
}

// Total sums the fee amounts.
func Total(fees []Fee) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fees {
		total = total.Add(f.Amount)
	}
	return total
}

// ContextFor maps a destination wallet type to its fee context. Wallet types
// without fees map to the empty string.
func ContextFor(t ledger.EntityType) string {
	switch t {
	case ledger.EntityMatatu:
		return ContextMatatuFare
	case ledger.EntityTaxi:
		return ContextTaxiFare
	case ledger.EntityBoda:
		return ContextBodaFare
	case ledger.EntitySacco:
		return ContextSaccoPayment
	}
	return ""
}

func label(rule Rule) string {
	if rule.Label != "" {
		return rule.Label
	}
	if rule.FeeType == Percent {
		return fmt.Sprintf("%s%% fee", rule.FeeValue.Mul(decimal.NewFromInt(100)).String())
	}
	return fmt.Sprintf("KES %s fee", rule.FeeValue.StringFixed(2))
}
