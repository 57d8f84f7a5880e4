// Package dispatcher orchestrates the gateway data path: resolve tenant,
// enforce rate limits, enforce payment, enforce quota, forward to the tenant
// handler, settle, and record exactly one usage event per outcome.
package dispatcher

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ferdiboxman/402claw-sub000/internal/directory"
	"github.com/ferdiboxman/402claw-sub000/internal/ledger"
	"github.com/ferdiboxman/402claw-sub000/internal/payments"
	"github.com/ferdiboxman/402claw-sub000/internal/ratelimit"
	"github.com/ferdiboxman/402claw-sub000/internal/usage"
	"github.com/ferdiboxman/402claw-sub000/pkg/models"
	"github.com/ferdiboxman/402claw-sub000/pkg/money"
)

// KeyVerifier resolves a plaintext platform API key to its record and
// owning user. Implemented by the accounts service.
type KeyVerifier interface {
	VerifyAPIKey(ctx context.Context, plaintext string) (*models.APIKey, *models.User, error)
}

// Dispatcher wires the gateway components into one request handler
type Dispatcher struct {
	directory *directory.Directory
	enforcer  *ratelimit.Enforcer
	verifier  payments.PaymentVerifier
	keys      KeyVerifier
	pipeline  *usage.Pipeline
	ledger    *ledger.Ledger
	forwarder Forwarder
	metrics   *Metrics
	logger    *logrus.Logger
	now       func() time.Time
}

// Config assembles a dispatcher. Verifier may be nil, in which case every
// payment-gated request is challenged with payment_not_configured. Keys may
// be nil, in which case API keys are treated as opaque caller identifiers.
type Config struct {
	Directory *directory.Directory
	Enforcer  *ratelimit.Enforcer
	Verifier  payments.PaymentVerifier
	Keys      KeyVerifier
	Pipeline  *usage.Pipeline
	Ledger    *ledger.Ledger
	Forwarder Forwarder
	Metrics   *Metrics
	Logger    *logrus.Logger
}

// New creates the dispatcher
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		directory: cfg.Directory,
		enforcer:  cfg.Enforcer,
		verifier:  cfg.Verifier,
		keys:      cfg.Keys,
		pipeline:  cfg.Pipeline,
		ledger:    cfg.Ledger,
		forwarder: cfg.Forwarder,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// HandleRequest is the catch-all gin handler for tenant traffic
func (d *Dispatcher) HandleRequest(c *gin.Context) {
	requestID := c.GetString("request_id")
	start := d.now()

	res, err := d.directory.Resolve(c.Request.Host, c.Request.URL.Path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"ok":        false,
			"error":     "tenant_not_found",
			"requestId": requestID,
		})
		return
	}
	tenant := res.Tenant
	c.Set("tenant_id", tenant.TenantID)
	c.Header("X-Tenant-Id", tenant.TenantID)

	callerID := d.callerID(c)

	// Rate limits gate everything, including challenges
	if rej, _ := d.enforcer.CheckRateLimit(c.Request.Context(), tenant, callerID); rej != nil {
		d.rejectWithPolicy(c, tenant, res, callerID, requestID, start, rej)
		return
	}

	var payment *models.PaymentPayload
	var requirement models.PaymentRequirement

	if tenant.PaymentRequired() {
		requirement = payments.BuildRequirement(tenant, res.ForwardPath)

		header := c.GetHeader(payments.PaymentHeader)
		if header == "" {
			d.challenge(c, tenant, res, callerID, requestID, start, requirement, "payment_required", models.LifecycleChallenged)
			return
		}

		payment, err = payments.DecodePaymentHeader(header)
		if err != nil {
			d.challenge(c, tenant, res, callerID, requestID, start, requirement, "payment_malformed", models.LifecyclePaymentFailed)
			return
		}
		if err := payments.ValidateAgainstRequirement(payment, &requirement); err != nil {
			d.challenge(c, tenant, res, callerID, requestID, start, requirement, "payment_invalid", models.LifecyclePaymentFailed)
			return
		}
		if d.verifier == nil {
			d.challenge(c, tenant, res, callerID, requestID, start, requirement, "payment_not_configured", models.LifecyclePaymentFailed)
			return
		}

		verify := d.verifier.Verify(c.Request.Context(), payment, &requirement)
		if !verify.Valid {
			d.metrics.recordPayment("verify_failed")
			if d.logger != nil {
				d.logger.WithFields(logrus.Fields{
					"request_id": requestID,
					"tenant_id":  tenant.TenantID,
					"reason":     verify.Reason,
					"attempts":   len(verify.Attempts),
				}).Warn("payment verification failed")
			}
			d.challenge(c, tenant, res, callerID, requestID, start, requirement, "payment_invalid", models.LifecyclePaymentFailed)
			return
		}
		d.metrics.recordPayment("verified")
	}

	// Quota runs after the payment gate so challenges never consume it
	if rej, _ := d.enforcer.CheckQuota(c.Request.Context(), tenant); rej != nil {
		d.rejectWithPolicy(c, tenant, res, callerID, requestID, start, rej)
		return
	}

	upstreamStart := d.now()
	resp, err := d.forwarder.Forward(c.Request.Context(), tenant, c.Request, res.ForwardPath)
	d.metrics.observeUpstream(tenant.Slug, d.now().Sub(upstreamStart).Seconds())
	if err != nil {
		if d.logger != nil {
			d.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"tenant_id":  tenant.TenantID,
				"error":      err.Error(),
			}).Error("tenant handler failed")
		}
		d.record(tenant, res, callerID, requestID, start, http.StatusBadGateway, 0, true, false, true, models.LifecycleWorkerFailure)
		c.JSON(http.StatusBadGateway, gin.H{
			"ok":        false,
			"error":     "tenant_worker_failure",
			"requestId": requestID,
		})
		return
	}

	if payment != nil {
		if resp.IsError() {
			// Handler failed: the caller is not charged
			d.record(tenant, res, callerID, requestID, start, resp.Status, 0, true, false, true, models.LifecycleWorkerFailure)
			writeForwardResponse(c, resp)
			return
		}

		settle := d.verifier.Settle(c.Request.Context(), payment)
		if !settle.Settled {
			d.metrics.recordPayment("settle_failed")
			if d.logger != nil {
				d.logger.WithFields(logrus.Fields{
					"request_id": requestID,
					"tenant_id":  tenant.TenantID,
					"reason":     settle.Reason,
				}).Error("payment settlement failed, response discarded")
			}
			d.record(tenant, res, callerID, requestID, start, http.StatusPaymentRequired, 0, true, false, true, models.LifecycleSettlementFailed)
			body := payments.BuildChallenge("payment_settlement_failed", requirement)
			c.Header(payments.RequiredHeader, payments.EncodeRequirementHeader(requirement))
			c.JSON(http.StatusPaymentRequired, gin.H{
				"ok":          false,
				"error":       "payment_settlement_failed",
				"requestId":   requestID,
				"x402Version": body.X402Version,
				"accepts":     body.Accepts,
			})
			return
		}

		d.metrics.recordPayment("settled")
		d.metrics.recordSettledUSD(tenant.Slug, tenant.PriceUSD)
		d.creditSettlement(c, tenant, settle.Receipt)

		c.Header(payments.ResponseHeader, payments.EncodeReceiptHeader(settle.Receipt))
		d.record(tenant, res, callerID, requestID, start, resp.Status, money.Round2(tenant.PriceUSD), resp.IsError(), true, true, models.LifecycleSettled)
		writeForwardResponse(c, resp)
		return
	}

	// Free path: billable with zero billed amount
	d.record(tenant, res, callerID, requestID, start, resp.Status, 0, resp.IsError(), true, true, models.LifecycleServed)
	writeForwardResponse(c, resp)
}

// creditSettlement books settled revenue into the ledger, deduplicated by
// the settlement id so a replayed receipt cannot double-credit.
func (d *Dispatcher) creditSettlement(c *gin.Context, tenant *models.TenantRecord, receipt *models.SettlementReceipt) {
	if d.ledger == nil || receipt == nil {
		return
	}
	externalID := receipt.SettlementID
	if _, err := d.ledger.Credit(c.Request.Context(), tenant.Slug, tenant.OwnerID, tenant.PriceUSD, "settlement", externalID); err != nil {
		if err == ledger.ErrDuplicateCredit {
			return
		}
		if d.logger != nil {
			d.logger.WithFields(logrus.Fields{
				"tenant_slug":   tenant.Slug,
				"settlement_id": externalID,
				"error":         err.Error(),
			}).Error("failed to credit settlement")
		}
	}
}

// challenge sends a 402 with the requirement in both header and body.
// Challenge events are recorded countable=false so they never influence
// analytics or quotas.
func (d *Dispatcher) challenge(c *gin.Context, tenant *models.TenantRecord, res *directory.Resolution, callerID, requestID string, start time.Time, requirement models.PaymentRequirement, reason string, lifecycle models.Lifecycle) {
	d.metrics.recordPayment("challenged")
	d.record(tenant, res, callerID, requestID, start, http.StatusPaymentRequired, 0, false, false, false, lifecycle)

	body := payments.BuildChallenge(reason, requirement)
	c.Header(payments.RequiredHeader, payments.EncodeRequirementHeader(requirement))
	c.JSON(http.StatusPaymentRequired, gin.H{
		"ok":          false,
		"error":       reason,
		"requestId":   requestID,
		"x402Version": body.X402Version,
		"accepts":     body.Accepts,
	})
}

// rejectWithPolicy sends a 429 for rate and quota rejections with retry hints
func (d *Dispatcher) rejectWithPolicy(c *gin.Context, tenant *models.TenantRecord, res *directory.Resolution, callerID, requestID string, start time.Time, rej *ratelimit.Rejection) {
	d.metrics.recordRejection(string(rej.Kind))

	lifecycle := models.LifecycleRateLimited
	if rej.Kind == ratelimit.RejectQuota {
		lifecycle = models.LifecycleQuotaExceeded
	}
	d.record(tenant, res, callerID, requestID, start, http.StatusTooManyRequests, 0, false, false, true, lifecycle)

	c.Header("Retry-After", itoa(rej.RetryAfter))
	c.Header("X-RateLimit-Limit", itoa(rej.Limit))
	c.Header("X-RateLimit-Remaining", itoa(rej.Remaining))
	c.Header("X-RateLimit-Reset", itoa(int(rej.ResetAt.Unix())))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"ok":         false,
		"error":      string(rej.Kind),
		"requestId":  requestID,
		"scope":      rej.Scope,
		"retryAfter": rej.RetryAfter,
	})
}

// record appends the single usage event for this dispatch outcome
func (d *Dispatcher) record(tenant *models.TenantRecord, res *directory.Resolution, callerID, requestID string, start time.Time, status int, billedUSD float64, isError, billable, countable bool, lifecycle models.Lifecycle) {
	d.metrics.recordLifecycle(string(lifecycle))

	event := models.UsageEvent{
		TimestampMs: start.UnixMilli(),
		RequestID:   requestID,
		TenantID:    tenant.TenantID,
		APIID:       tenant.TenantID,
		Endpoint:    tenant.Slug,
		Owner:       tenant.OwnerID,
		Directory:   tenant.Directory,
		CallerID:    callerID,
		Status:      status,
		LatencyMs:   d.now().Sub(start).Milliseconds(),
		PriceUSD:    tenant.PriceUSD,
		BilledUSD:   billedUSD,
		IsError:     isError,
		Billable:    billable,
		Countable:   countable,
		Lifecycle:   lifecycle,
	}
	// Background context: the event outlives the request, and sinks must
	// not be cancelled by the caller hanging up.
	d.pipeline.Append(context.Background(), event)
}

// callerID prefers the API key identity over the client address. A key that
// verifies against the accounts registry identifies the owning user, so all
// of a user's keys share one rate-limit bucket and rotation does not reset
// it; anything else is an opaque hashed identifier.
func (d *Dispatcher) callerID(c *gin.Context) string {
	key := c.GetHeader("X-Api-Key")
	if key == "" {
		return ratelimit.HashCaller(c.ClientIP())
	}
	if d.keys != nil {
		if _, user, err := d.keys.VerifyAPIKey(c.Request.Context(), key); err == nil {
			return ratelimit.HashCaller("user:" + user.UserID)
		}
	}
	return ratelimit.HashCaller(key)
}

func itoa(n int) string { return strconv.Itoa(n) }

func writeForwardResponse(c *gin.Context, resp *ForwardResponse) {
	for name, values := range resp.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length":
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(resp.Status, contentType, resp.Body)
}
