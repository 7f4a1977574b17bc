package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dvmesh/backend/internal/metrics"
)

// SecretOpener decrypts stored wallet-connect URIs; satisfied by
// signer.Keystore.
type SecretOpener interface {
	DecryptSecret(ciphertextB64, ivB64 string) (string, error)
}

// Settler drives one or two outbound payments from a customer wallet.
type Settler struct {
	keys            SecretOpener
	feePercent      float64
	platformAddress string
	logger          *slog.Logger
}

// NewSettler wires the settler with the platform fee configuration.
func NewSettler(keys SecretOpener, feePercent float64, platformAddress string) *Settler {
	return &Settler{
		keys:            keys,
		feePercent:      feePercent,
		platformAddress: platformAddress,
		logger:          slog.Default().With("component", "settler"),
	}
}

// Receipt describes a finished (or partially finished) settlement.
type Receipt struct {
	Preimage  string
	PaidMsats int64
	FeeMsats  int64
	// FeePaid is true once the platform fee leg succeeded; a later provider
	// failure leaves the customer charged the fee with the job unsettled.
	FeePaid bool
}

// FeeMsats is the platform cut of a payable amount; zero when no fee is
// configured.
func (s *Settler) FeeMsats(payableMsats int64) int64 {
	if s.feePercent <= 0 || s.platformAddress == "" {
		return 0
	}
	return int64(float64(payableMsats) * s.feePercent / 100)
}

// Settle pays payableMsats out of the customer's wallet. The fee leg runs
// first and a fee failure aborts the whole settlement; the provider leg pays
// a supplied invoice directly or resolves the provider's payment address for
// the remainder.
func (s *Settler) Settle(ctx context.Context, encWalletURI, walletURIIV string,
	payableMsats int64, providerBolt11, providerAddress string) (*Receipt, error) {

	if payableMsats <= 0 {
		return nil, fmt.Errorf("nothing payable")
	}

	uri, err := s.keys.DecryptSecret(encWalletURI, walletURIIV)
	if err != nil {
		return nil, fmt.Errorf("open wallet credentials: %w", err)
	}
	wallet, err := ParseWalletURI(uri)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{}

	feeMsats := s.FeeMsats(payableMsats)
	if feeMsats > 0 {
		feeInvoice, err := ResolveAddress(ctx, s.platformAddress, feeMsats)
		if err != nil {
			return receipt, fmt.Errorf("platform fee: %w", err)
		}
		if _, err := wallet.PayInvoice(ctx, feeInvoice); err != nil {
			return receipt, fmt.Errorf("platform fee: %w", err)
		}
		receipt.FeeMsats = feeMsats
		receipt.FeePaid = true
	}

	providerMsats := payableMsats - feeMsats
	invoice := providerBolt11
	if invoice == "" {
		if providerAddress == "" {
			return receipt, fmt.Errorf("provider has no invoice and no payment address")
		}
		invoice, err = ResolveAddress(ctx, providerAddress, providerMsats)
		if err != nil {
			return receipt, err
		}
	}
	preimage, err := wallet.PayInvoice(ctx, invoice)
	if err != nil {
		if receipt.FeePaid {
			s.logger.Error("provider leg failed after fee paid",
				"fee_msats", feeMsats, "error", err)
		}
		return receipt, err
	}

	receipt.Preimage = preimage
	receipt.PaidMsats = providerMsats
	metrics.PaymentsSettled.Inc()
	return receipt, nil
}
