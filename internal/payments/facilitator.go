package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/sirupsen/logrus"

	"github.com/ferdiboxman/402claw-sub000/pkg/clients"
	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

// FacilitatorConfig configures the remote verify/settle chain
type FacilitatorConfig struct {
	// URLs is the ordered facilitator list; first success wins
	URLs []string
	// APIKey is sent as a bearer token when set
	APIKey string
	// AttemptTimeout bounds each individual facilitator call
	AttemptTimeout time.Duration
	// HTTPClient overrides the default client, used by tests
	HTTPClient *http.Client
}

// FacilitatorChain verifies and settles payments against an ordered list of
// facilitator endpoints. Failover is try-in-order, first-success: each
// facilitator gets exactly one bounded attempt per request, and a
// facilitator that never responds cannot stall the request past its
// attempt timeout.
type FacilitatorChain struct {
	urls     []string
	apiKey   string
	client   *http.Client
	executor failsafe.Executor[*http.Response]
	logger   *logrus.Logger
}

type verifyRequest struct {
	Payment     *models.PaymentPayload     `json:"payment"`
	Requirement *models.PaymentRequirement `json:"requirement"`
}

type verifyResponse struct {
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason,omitempty"`
}

type settleRequest struct {
	Payment *models.PaymentPayload `json:"payment"`
}

type settleResponse struct {
	Settled bool                      `json:"settled"`
	Receipt *models.SettlementReceipt `json:"receipt,omitempty"`
	Reason  string                    `json:"reason,omitempty"`
}

// NewFacilitatorChain creates the remote payment verifier
func NewFacilitatorChain(cfg FacilitatorConfig, logger *logrus.Logger) (*FacilitatorChain, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("at least one facilitator URL is required")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}

	urls := make([]string, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no usable facilitator URLs")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.AttemptTimeout + time.Second}
	}

	return &FacilitatorChain{
		urls:   urls,
		apiKey: cfg.APIKey,
		client: httpClient,
		executor: clients.NewBoundedHTTPExecutor(clients.BoundedHTTPConfig{
			AttemptTimeout: cfg.AttemptTimeout,
		}),
		logger: logger,
	}, nil
}

func (f *FacilitatorChain) Name() string { return "facilitator_chain" }

// Verify calls each facilitator's /verify in order, stopping at the first
// that answers isValid. A facilitator rejecting the payment outright also
// stops the chain: the payment is invalid, not the facilitator.
func (f *FacilitatorChain) Verify(ctx context.Context, payment *models.PaymentPayload, req *models.PaymentRequirement) *VerifyResult {
	result := &VerifyResult{}
	body := verifyRequest{Payment: payment, Requirement: req}

	for _, url := range f.urls {
		var resp verifyResponse
		err := f.post(ctx, url+"/verify", body, &resp)
		if err != nil {
			result.Attempts = append(result.Attempts, Attempt{Facilitator: url, Reason: err.Error()})
			f.logAttemptFailure("verify", url, err)
			continue
		}
		result.Attempts = append(result.Attempts, Attempt{Facilitator: url, OK: resp.IsValid, Reason: resp.Reason})
		result.Valid = resp.IsValid
		result.Reason = resp.Reason
		if !resp.IsValid && result.Reason == "" {
			result.Reason = "payment rejected by facilitator"
		}
		return result
	}

	result.Reason = "all facilitators unreachable"
	return result
}

// Settle calls each facilitator's /settle in order with the same failover
// policy as Verify. Settlement is fire-and-confirm: no retries within a
// single facilitator.
func (f *FacilitatorChain) Settle(ctx context.Context, payment *models.PaymentPayload) *SettleResult {
	result := &SettleResult{}
	body := settleRequest{Payment: payment}

	for _, url := range f.urls {
		var resp settleResponse
		err := f.post(ctx, url+"/settle", body, &resp)
		if err != nil {
			result.Attempts = append(result.Attempts, Attempt{Facilitator: url, Reason: err.Error()})
			f.logAttemptFailure("settle", url, err)
			continue
		}
		result.Attempts = append(result.Attempts, Attempt{Facilitator: url, OK: resp.Settled, Reason: resp.Reason})
		result.Settled = resp.Settled
		result.Receipt = resp.Receipt
		result.Reason = resp.Reason
		if !resp.Settled && result.Reason == "" {
			result.Reason = "settlement rejected by facilitator"
		}
		return result
	}

	result.Reason = "all facilitators unreachable"
	return result
}

// post performs one bounded facilitator call. Non-2xx status or malformed
// JSON counts as a failed attempt, not an exception.
func (f *FacilitatorChain) post(ctx context.Context, url string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := clients.ExecuteHTTP(ctx, f.executor, func() (*http.Response, error) {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if reqErr != nil {
			return nil, reqErr
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if f.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)
		}
		return f.client.Do(httpReq)
	})
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(respBody); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}

func (f *FacilitatorChain) logAttemptFailure(op, url string, err error) {
	if f.logger == nil {
		return
	}
	f.logger.WithFields(logrus.Fields{
		"operation":   op,
		"facilitator": url,
		"error":       err.Error(),
	}).Warn("facilitator attempt failed")
}
