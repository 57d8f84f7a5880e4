// Package models defines the shared marketplace domain types: tenant records
// and their policies, payment protocol wire types, usage events, and the
// billing ledger entities. These types cross package boundaries; behavior
// lives with the services that own it.
package models

import "time"

// Plan determines a tenant's default resource budget
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanBusiness   Plan = "business"
	PlanEnterprise Plan = "enterprise"
	PlanQuarantine Plan = "quarantine"
)

// ResourceType identifies what kind of upstream a tenant exposes
type ResourceType string

const (
	ResourceDataset  ResourceType = "dataset"
	ResourceFunction ResourceType = "function"
	ResourceProxy    ResourceType = "proxy"
)

// Bucket defines a fixed-size counting window
type Bucket struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"windowSeconds"`
}

// RateLimitPolicy holds the per-caller and global buckets for a tenant
type RateLimitPolicy struct {
	PerCaller *Bucket `json:"perCaller,omitempty"`
	Global    *Bucket `json:"global,omitempty"`
	Burst     int     `json:"burst,omitempty"`
}

// UsageLimitPolicy holds calendar-window request quotas
type UsageLimitPolicy struct {
	DailyRequests   int `json:"dailyRequests,omitempty"`
	MonthlyRequests int `json:"monthlyRequests,omitempty"`
}

// ResourceBudget bounds what a single invocation of the tenant handler may consume
type ResourceBudget struct {
	CPUMs       int `json:"cpuMs"`
	SubRequests int `json:"subRequests"`
}

// DefaultResourceBudget returns the budget implied by a plan
func DefaultResourceBudget(plan Plan) ResourceBudget {
	switch plan {
	case PlanPro:
		return ResourceBudget{CPUMs: 50, SubRequests: 10}
	case PlanBusiness:
		return ResourceBudget{CPUMs: 200, SubRequests: 25}
	case PlanEnterprise:
		return ResourceBudget{CPUMs: 500, SubRequests: 50}
	case PlanQuarantine:
		return ResourceBudget{CPUMs: 5, SubRequests: 0}
	default:
		return ResourceBudget{CPUMs: 10, SubRequests: 5}
	}
}

// TenantRecord is the identity and policy for one published resource.
// It is read-only to the dispatcher and immutable during a request.
type TenantRecord struct {
	TenantID       string            `json:"tenantId"`
	Slug           string            `json:"slug"`
	OwnerID        string            `json:"ownerId"`
	Plan           Plan              `json:"plan"`
	ResourceType   ResourceType      `json:"resourceType"`
	PriceUSD       float64           `json:"priceUsd"`
	PaymentEnabled bool              `json:"paymentEnabled"`
	PayToAddress   string            `json:"payToAddress,omitempty"`
	PaymentNetwork string            `json:"paymentNetwork,omitempty"`
	RateLimit      *RateLimitPolicy  `json:"rateLimit,omitempty"`
	UsageLimit     *UsageLimitPolicy `json:"usageLimit,omitempty"`
	ResourceBudget ResourceBudget    `json:"resourceBudget"`
	Hosts          []string          `json:"hosts,omitempty"`
	RouteBase      string            `json:"routeBase,omitempty"`
	Directory      string            `json:"directory,omitempty"`
	UpstreamURL    string            `json:"upstreamUrl,omitempty"`
}

// PaymentRequired reports whether requests to this tenant must carry a
// settled payment. PriceUSD must be positive for the payment flag to bind.
func (t *TenantRecord) PaymentRequired() bool {
	return t.PaymentEnabled && t.PriceUSD > 0
}

// RouteMode says how a request resolved to its tenant
type RouteMode string

const (
	RouteModeHost RouteMode = "host"
	RouteModePath RouteMode = "path"
)

// PaymentRequirement is derived per-request from the tenant's price and the
// resolved path. Amounts are integer micro-units of the priced asset
// (1 USD = 1,000,000). Never persisted.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Resource          string `json:"resource"`
	MaxAmountRequired int64  `json:"maxAmountRequired"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Description       string `json:"description,omitempty"`
}

// PaymentPayload is the caller-submitted payment claim
type PaymentPayload struct {
	PaymentID string `json:"paymentId"`
	Scheme    string `json:"scheme"`
	Network   string `json:"network"`
	Resource  string `json:"resource"`
	PayTo     string `json:"payTo"`
	Amount    int64  `json:"amount"`
	Payer     string `json:"payer"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// SettlementReceipt is returned by the facilitator or synthesized locally
type SettlementReceipt struct {
	SettlementID string `json:"settlementId"`
	TxHash       string `json:"txHash,omitempty"`
	Mode         string `json:"mode,omitempty"`
	SettledAt    int64  `json:"settledAt"`
}

// Lifecycle classifies the dispatch outcome recorded on a usage event
type Lifecycle string

const (
	LifecycleServed           Lifecycle = "served"
	LifecycleSettled          Lifecycle = "settled"
	LifecycleChallenged       Lifecycle = "payment_challenged"
	LifecyclePaymentFailed    Lifecycle = "payment_failed"
	LifecycleSettlementFailed Lifecycle = "settlement_failed"
	LifecycleRateLimited      Lifecycle = "rate_limited"
	LifecycleQuotaExceeded    Lifecycle = "quota_exceeded"
	LifecycleWorkerFailure    Lifecycle = "worker_failure"
)

// UsageEvent is the canonical, append-only request outcome fact.
// Countable=false events (payment challenges) never influence analytics;
// Billable=true only when settlement succeeded or the tenant is free.
type UsageEvent struct {
	TimestampMs int64     `json:"timestampMs"`
	RequestID   string    `json:"requestId"`
	TenantID    string    `json:"tenantId"`
	APIID       string    `json:"apiId"`
	Endpoint    string    `json:"endpoint"`
	Owner       string    `json:"owner"`
	Directory   string    `json:"directory"`
	CallerID    string    `json:"callerId"`
	Status      int       `json:"status"`
	LatencyMs   int64     `json:"latencyMs"`
	PriceUSD    float64   `json:"priceUsd"`
	BilledUSD   float64   `json:"billedUsd"`
	IsError     bool      `json:"isError"`
	Billable    bool      `json:"billable"`
	Countable   bool      `json:"countable"`
	Lifecycle   Lifecycle `json:"lifecycle"`
}

// LedgerEntryType distinguishes credits from withdrawals
type LedgerEntryType string

const (
	LedgerCredit     LedgerEntryType = "credit"
	LedgerWithdrawal LedgerEntryType = "withdrawal"
)

// LedgerEntry is an immutable bookkeeping record. Balance is always the fold
// of all entries for a tenant, never a stored counter.
type LedgerEntry struct {
	EntryID     string          `json:"entryId"`
	Type        LedgerEntryType `json:"type"`
	TenantSlug  string          `json:"tenantSlug"`
	OwnerUserID string          `json:"ownerUserId"`
	CreatedAt   time.Time       `json:"createdAt"`

	// Credit fields
	GrossUSD   float64 `json:"grossUsd,omitempty"`
	Source     string  `json:"source,omitempty"`
	ExternalID string  `json:"externalId,omitempty"`

	// Withdrawal fields
	RequestedUSD    float64 `json:"requestedUsd,omitempty"`
	PlatformFeeUSD  float64 `json:"platformFeeUsd,omitempty"`
	NetPayoutUSD    float64 `json:"netPayoutUsd,omitempty"`
	Destination     string  `json:"destination,omitempty"`
	PayoutReference string  `json:"payoutReference,omitempty"`
}

// WithdrawalStatus tracks a withdrawal request's lifecycle
type WithdrawalStatus string

const (
	WithdrawalPending            WithdrawalStatus = "pending"
	WithdrawalCompletedSimulated WithdrawalStatus = "completed_simulated"
	WithdrawalFailedInsufficient WithdrawalStatus = "failed_insufficient_balance"
)

// Withdrawal is a mutable payout request. While pending its RequestedUSD is
// reserved against available balance so concurrent requests cannot
// double-spend the same funds.
type Withdrawal struct {
	WithdrawalID   string           `json:"withdrawalId"`
	TenantSlug     string           `json:"tenantSlug"`
	OwnerUserID    string           `json:"ownerUserId"`
	RequestedUSD   float64          `json:"requestedUsd"`
	PlatformFeeUSD float64          `json:"platformFeeUsd"`
	NetPayoutUSD   float64          `json:"netPayoutUsd"`
	Destination    string           `json:"destination"`
	Status         WithdrawalStatus `json:"status"`
	RequestedAt    time.Time        `json:"requestedAt"`
	SettledAt      *time.Time       `json:"settledAt,omitempty"`
	PayoutRef      string           `json:"payoutRef,omitempty"`
	FailureReason  string           `json:"failureReason,omitempty"`
}

// User is a marketplace account that owns tenants
type User struct {
	UserID        string    `json:"userId"`
	Email         string    `json:"email"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// APIKey is a scope-tagged, hashed-at-rest credential
type APIKey struct {
	KeyID     string     `json:"keyId"`
	UserID    string     `json:"userId"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"keyHash"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Revoked reports whether the key has been revoked
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// HasScope checks whether the key carries a scope
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuditEvent is an append-only operator-facing record of a sensitive mutation
type AuditEvent struct {
	EventID   string            `json:"eventId"`
	UserID    string            `json:"userId,omitempty"`
	Action    string            `json:"action"`
	Subject   string            `json:"subject,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// WalletChallenge is a nonce-bound, time-boxed message the user must sign
// before an address is recorded on their account
type WalletChallenge struct {
	ChallengeID string     `json:"challengeId"`
	UserID      string     `json:"userId"`
	Address     string     `json:"address"`
	Nonce       string     `json:"nonce"`
	Message     string     `json:"message"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	UsedAt      *time.Time `json:"usedAt,omitempty"`
}
