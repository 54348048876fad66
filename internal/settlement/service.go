package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/fees"
	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/metrics"
)

// ErrFeeConfiguration is returned when configured fees cannot be applied,
// for example when they add up to more than the gross payment.
var ErrFeeConfiguration = errors.New("fee configuration error")

// FeeResolver computes the fees due on a payment.
type FeeResolver interface {
	Resolve(ctx context.Context, feeContext string, gross decimal.Decimal) ([]fees.Fee, error)
}

// Request describes an inbound payment to settle.
type Request struct {
	VirtualAccountCode string
	Gross              decimal.Decimal
	Source             string
	SourceRef          string
	Description        string
	// FeeContext overrides the context derived from the destination wallet.
	FeeContext string
}

// Result is the split applied to a payment.
type Result struct {
	WalletID   string
	FeeContext string
	Net        decimal.Decimal
	TotalFees  decimal.Decimal
	Fees       []fees.Fee
}

// Service splits inbound payments into a net credit and fee credits.
type Service struct {
	store    ledger.Store
	resolver FeeResolver
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService builds a fare settlement service.
func NewService(store ledger.Store, resolver FeeResolver, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{store: store, resolver: resolver, metrics: m, logger: logger}
}

// SettleFare credits the net amount to the destination wallet and each fee
// to its beneficiary in one ledger batch. The destination is locked first,
// beneficiaries follow in wallet id order. Calling it twice for the same
// payment credits twice; callers deduplicate.
func (s *Service) SettleFare(ctx context.Context, req Request) (Result, error) {
	if !req.Gross.IsPositive() || !req.Gross.Equal(req.Gross.Round(2)) {
		return Result{}, ledger.ErrInvalidAmount
	}
	if req.Source == "" {
		return Result{}, fmt.Errorf("settlement source is required")
	}

	dest, err := s.store.Wallet(ctx, ledger.ByCode(req.VirtualAccountCode))
	if err != nil {
		return Result{}, err
	}
	feeContext := req.FeeContext
	if feeContext == "" {
		feeContext = fees.ContextFor(dest.EntityType)
	}

	due, err := s.resolver.Resolve(ctx, feeContext, req.Gross)
	if err != nil {
		s.metrics.Settlement(feeContext, "error")
		return Result{}, err
	}
	total := fees.Total(due)
	if total.GreaterThan(req.Gross) {
		s.metrics.Settlement(feeContext, "fee_config")
		return Result{}, fmt.Errorf("%w: fees %s exceed gross %s for %s", ErrFeeConfiguration, total, req.Gross, feeContext)
	}
	net := req.Gross.Sub(total)

	ordered := make([]fees.Fee, len(due))
	copy(ordered, due)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].BeneficiaryWalletID != ordered[j].BeneficiaryWalletID {
			return ordered[i].BeneficiaryWalletID < ordered[j].BeneficiaryWalletID
		}
		return ordered[i].Label < ordered[j].Label
	})

	err = s.store.Batch(ctx, func(tx ledger.Tx) error {
		destRef := ledger.ByID(dest.ID)
		if net.IsPositive() {
			if _, err := tx.Credit(ctx, destRef, ledger.Posting{
				Amount:      net,
				Source:      req.Source,
				SourceRef:   req.SourceRef,
				Description: req.Description,
			}); err != nil {
				return err
			}
		} else if _, err := tx.Lock(ctx, destRef); err != nil {
			return err
		}

		feeSource := ledger.FeeSourcePrefix + feeContext
		for _, fee := range ordered {
			_, err := tx.Credit(ctx, ledger.ByID(fee.BeneficiaryWalletID), ledger.Posting{
				Amount:      fee.Amount,
				Source:      feeSource,
				SourceRef:   req.SourceRef,
				Description: fee.Label,
			})
			if errors.Is(err, ledger.ErrWalletNotFound) {
				return fmt.Errorf("%w: beneficiary wallet %s for rule %s: %w", ErrFeeConfiguration, fee.BeneficiaryWalletID, fee.RuleID, err)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.Settlement(feeContext, "error")
		return Result{}, err
	}

	s.metrics.Settlement(feeContext, "settled")
	if total.IsPositive() {
		s.metrics.FeeCollected(feeContext, total)
	}
	s.logger.Info("fare settled",
		slog.String("wallet_code", req.VirtualAccountCode),
		slog.String("source", req.Source),
		slog.String("source_ref", req.SourceRef),
		slog.String("gross", req.Gross.StringFixed(2)),
		slog.String("net", net.StringFixed(2)),
		slog.String("fees", total.StringFixed(2)),
	)

	return Result{WalletID: dest.ID, FeeContext: feeContext, Net: net, TotalFees: total, Fees: due}, nil
}
