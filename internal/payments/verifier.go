package payments

import (
	"context"

	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

// Attempt records one facilitator call for diagnostics
type Attempt struct {
	Facilitator string `json:"facilitator"`
	OK          bool   `json:"ok"`
	Reason      string `json:"reason,omitempty"`
}

// VerifyResult is the outcome of payment verification
type VerifyResult struct {
	Valid    bool
	Reason   string
	Attempts []Attempt
}

// SettleResult is the outcome of settlement
type SettleResult struct {
	Settled  bool
	Receipt  *models.SettlementReceipt
	Reason   string
	Attempts []Attempt
}

// PaymentVerifier abstracts who vouches for a payment. The facilitator
// chain is the production implementation; the local verifier is a test and
// development posture selected by configuration.
type PaymentVerifier interface {
	Verify(ctx context.Context, payment *models.PaymentPayload, req *models.PaymentRequirement) *VerifyResult
	Settle(ctx context.Context, payment *models.PaymentPayload) *SettleResult
	Name() string
}
