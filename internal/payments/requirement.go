// Package payments implements the x402 pay-per-call protocol: requirement
// construction, payment header codec, structural validation, and the
// verify/settle flow against external facilitators (or a local test
// verifier when none is configured).
package payments

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ferdiboxman/402claw-sub000/pkg/models"
	"github.com/ferdiboxman/402claw-sub000/pkg/money"
)

const (
	// X402Version is the protocol version advertised in challenge bodies
	X402Version = 2

	// SchemeExact is the only payment scheme the gateway accepts
	SchemeExact = "exact"

	// DefaultNetwork is used when the tenant does not pin a network
	DefaultNetwork = "base"

	// DefaultAsset is the priced asset for requirements
	DefaultAsset = "USDC"

	// PaymentHeader carries the caller's base64-encoded payment payload
	PaymentHeader = "X-Payment"

	// RequiredHeader carries the structured requirement on 402 responses
	RequiredHeader = "Payment-Required"

	// ResponseHeader carries the settlement receipt on settled responses
	ResponseHeader = "Payment-Response"
)

// ChallengeBody is the 402 response body
type ChallengeBody struct {
	X402Version int                         `json:"x402Version"`
	Error       string                      `json:"error"`
	Accepts     []models.PaymentRequirement `json:"accepts"`
}

// BuildRequirement derives the per-request payment requirement from the
// tenant's price and the resolved resource path. Amounts are integer
// micro-units (1 USD = 1,000,000).
func BuildRequirement(tenant *models.TenantRecord, resource string) models.PaymentRequirement {
	network := tenant.PaymentNetwork
	if network == "" {
		network = DefaultNetwork
	}
	return models.PaymentRequirement{
		Scheme:            SchemeExact,
		Network:           network,
		Resource:          resource,
		MaxAmountRequired: money.USDToMicroUnits(tenant.PriceUSD),
		PayTo:             tenant.PayToAddress,
		Asset:             DefaultAsset,
		MaxTimeoutSeconds: 60,
		Description:       fmt.Sprintf("Payment for %s", tenant.Slug),
	}
}

// BuildChallenge assembles the 402 body for a requirement
func BuildChallenge(reason string, req models.PaymentRequirement) ChallengeBody {
	return ChallengeBody{
		X402Version: X402Version,
		Error:       reason,
		Accepts:     []models.PaymentRequirement{req},
	}
}

// EncodeRequirementHeader serializes a requirement for the Payment-Required header
func EncodeRequirementHeader(req models.PaymentRequirement) string {
	data, _ := json.Marshal(req)
	return base64.StdEncoding.EncodeToString(data)
}

// EncodeReceiptHeader serializes a settlement receipt for the Payment-Response header
func EncodeReceiptHeader(receipt *models.SettlementReceipt) string {
	data, _ := json.Marshal(receipt)
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePaymentHeader parses a base64-encoded payment payload from the
// X-Payment header value
func DecodePaymentHeader(value string) (*models.PaymentPayload, error) {
	if value == "" {
		return nil, fmt.Errorf("empty payment header")
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("payment header is not valid base64: %w", err)
	}
	var payload models.PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payment header is not valid JSON: %w", err)
	}
	return &payload, nil
}

// EncodePaymentHeader is the inverse of DecodePaymentHeader, used by tests
// and client tooling
func EncodePaymentHeader(payload *models.PaymentPayload) string {
	data, _ := json.Marshal(payload)
	return base64.StdEncoding.EncodeToString(data)
}

// ValidateAgainstRequirement performs the structural check before any
// facilitator call: amount, payTo, and resource must match the requirement
// exactly, and the scheme must be supported.
func ValidateAgainstRequirement(payload *models.PaymentPayload, req *models.PaymentRequirement) error {
	if payload.Scheme != SchemeExact {
		return fmt.Errorf("unsupported payment scheme %q", payload.Scheme)
	}
	if payload.Amount != req.MaxAmountRequired {
		return fmt.Errorf("payment amount %d does not match required %d", payload.Amount, req.MaxAmountRequired)
	}
	if payload.PayTo != req.PayTo {
		return fmt.Errorf("payment payTo does not match requirement")
	}
	if payload.Resource != req.Resource {
		return fmt.Errorf("payment resource does not match requirement")
	}
	return nil
}
