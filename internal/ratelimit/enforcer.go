package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

// RejectionKind distinguishes rate rejections from quota rejections
type RejectionKind string

const (
	RejectRate  RejectionKind = "rate_limited"
	RejectQuota RejectionKind = "usage_quota_exceeded"

	globalScope = "global"
)

// Rejection describes why a request was refused and when to retry
type Rejection struct {
	Kind       RejectionKind
	Scope      string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int
}

// Enforcer evaluates a tenant's rate-limit and quota policies against the
// counter store. Rate limits check the per-caller bucket first, then the
// global bucket; whichever rejects short-circuits.
type Enforcer struct {
	store  CounterStore
	logger *logrus.Logger
	now    func() time.Time
}

// NewEnforcer creates an enforcer over the given counter store
func NewEnforcer(store CounterStore, logger *logrus.Logger) *Enforcer {
	return &Enforcer{store: store, logger: logger, now: time.Now}
}

// HashCaller derives the stable caller identity recorded on counters and
// usage events. Raw caller identifiers never leave this function.
func HashCaller(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

// CheckRateLimit evaluates the tenant's rate-limit buckets for one request.
// A nil rejection means the request may proceed. Store errors fail open:
// a broken counter backend must not take down the data path.
func (e *Enforcer) CheckRateLimit(ctx context.Context, tenant *models.TenantRecord, callerHash string) (*Rejection, error) {
	if tenant.RateLimit == nil {
		return nil, nil
	}

	if b := tenant.RateLimit.PerCaller; b != nil {
		rej, err := e.checkBucket(ctx, tenant.TenantID, callerHash, b, tenant.RateLimit.Burst)
		if err != nil || rej != nil {
			return rej, err
		}
	}
	if b := tenant.RateLimit.Global; b != nil {
		rej, err := e.checkBucket(ctx, tenant.TenantID, globalScope, b, tenant.RateLimit.Burst)
		if err != nil || rej != nil {
			return rej, err
		}
	}
	return nil, nil
}

func (e *Enforcer) checkBucket(ctx context.Context, tenantID, scope string, bucket *models.Bucket, burst int) (*Rejection, error) {
	if bucket.Requests <= 0 || bucket.WindowSeconds <= 0 {
		return nil, nil
	}

	now := e.now()
	windowID := now.Unix() / int64(bucket.WindowSeconds)
	resetAt := time.Unix((windowID+1)*int64(bucket.WindowSeconds), 0)
	key := fmt.Sprintf("%s:%s:%d", tenantID, scope, windowID)

	limit := bucket.Requests + burst
	dec, err := e.store.CheckAndIncrement(ctx, key, limit, resetAt)
	if err != nil {
		if e.logger != nil {
			e.logger.WithFields(logrus.Fields{
				"tenant_id": tenantID,
				"scope":     scope,
				"error":     err.Error(),
			}).Error("counter store unavailable, failing open")
		}
		return nil, err
	}

	if !dec.Allowed {
		return &Rejection{
			Kind:       RejectRate,
			Scope:      scope,
			Limit:      dec.Limit,
			Remaining:  dec.Remaining,
			ResetAt:    dec.ResetAt,
			RetryAfter: dec.RetryAfter(now),
		}, nil
	}
	return nil, nil
}

// CheckQuota evaluates the tenant's calendar-window usage quotas. Callers
// invoke it only after the payment gate has passed, so challenge responses
// never consume quota.
func (e *Enforcer) CheckQuota(ctx context.Context, tenant *models.TenantRecord) (*Rejection, error) {
	if tenant.UsageLimit == nil {
		return nil, nil
	}

	now := e.now().UTC()

	if limit := tenant.UsageLimit.DailyRequests; limit > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		resetAt := dayStart.AddDate(0, 0, 1)
		key := fmt.Sprintf("%s:quota:day:%s", tenant.TenantID, dayStart.Format("2006-01-02"))
		if rej, err := e.checkQuotaKey(ctx, tenant.TenantID, key, "daily", limit, resetAt, now); err != nil || rej != nil {
			return rej, err
		}
	}

	if limit := tenant.UsageLimit.MonthlyRequests; limit > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		resetAt := monthStart.AddDate(0, 1, 0)
		key := fmt.Sprintf("%s:quota:month:%s", tenant.TenantID, monthStart.Format("2006-01"))
		if rej, err := e.checkQuotaKey(ctx, tenant.TenantID, key, "monthly", limit, resetAt, now); err != nil || rej != nil {
			return rej, err
		}
	}

	return nil, nil
}

func (e *Enforcer) checkQuotaKey(ctx context.Context, tenantID, key, scope string, limit int, resetAt, now time.Time) (*Rejection, error) {
	dec, err := e.store.CheckAndIncrement(ctx, key, limit, resetAt)
	if err != nil {
		if e.logger != nil {
			e.logger.WithFields(logrus.Fields{
				"tenant_id": tenantID,
				"scope":     scope,
				"error":     err.Error(),
			}).Error("counter store unavailable, failing open")
		}
		return nil, err
	}
	if !dec.Allowed {
		return &Rejection{
			Kind:       RejectQuota,
			Scope:      scope,
			Limit:      dec.Limit,
			Remaining:  dec.Remaining,
			ResetAt:    dec.ResetAt,
			RetryAfter: dec.RetryAfter(now),
		}, nil
	}
	return nil, nil
}
