package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ferdiboxman/402claw-sub000/pkg/auth"
	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

// LocalVerifier is the no-facilitator fallback for test and development
// postures. It performs a self-contained signature-shape check (65-byte
// secp256k1 signature, well-formed payer address) and synthesizes simulated
// receipts. It must be explicitly enabled by configuration; production
// deployments run the facilitator chain.
type LocalVerifier struct {
	logger *logrus.Logger
}

// NewLocalVerifier creates the local test verifier
func NewLocalVerifier(logger *logrus.Logger) *LocalVerifier {
	return &LocalVerifier{logger: logger}
}

func (l *LocalVerifier) Name() string { return "local" }

func (l *LocalVerifier) Verify(ctx context.Context, payment *models.PaymentPayload, req *models.PaymentRequirement) *VerifyResult {
	if err := checkPaymentShape(payment); err != nil {
		return &VerifyResult{Valid: false, Reason: err.Error()}
	}
	return &VerifyResult{Valid: true}
}

func (l *LocalVerifier) Settle(ctx context.Context, payment *models.PaymentPayload) *SettleResult {
	if err := checkPaymentShape(payment); err != nil {
		return &SettleResult{Settled: false, Reason: err.Error()}
	}
	receipt := &models.SettlementReceipt{
		SettlementID: uuid.New().String(),
		Mode:         "local_simulated",
		SettledAt:    time.Now().UnixMilli(),
	}
	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"payment_id":    payment.PaymentID,
			"settlement_id": receipt.SettlementID,
		}).Debug("payment settled locally")
	}
	return &SettleResult{Settled: true, Receipt: receipt}
}

// checkPaymentShape validates what can be checked without a chain: the payer
// must be a plausible address and the signature must decode to the standard
// 65-byte R|S|V layout.
func checkPaymentShape(payment *models.PaymentPayload) error {
	if payment.PaymentID == "" {
		return fmt.Errorf("missing paymentId")
	}
	if _, err := auth.NormalizeEthAddress(payment.Payer); err != nil {
		return fmt.Errorf("invalid payer address: %w", err)
	}
	if err := auth.ValidateSignatureShape(payment.Signature); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	return nil
}
