package dispatcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

// Budget headers presented to the tenant handler; the hosting platform
// enforces them.
const (
	BudgetCPUHeader         = "X-Budget-Cpu-Ms"
	BudgetSubRequestsHeader = "X-Budget-Sub-Requests"
)

// ForwardResponse is the tenant handler's buffered response. Buffering is
// required because a settlement failure discards the response after the
// handler already ran.
type ForwardResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// IsError reports whether the handler response blocks settlement
func (r *ForwardResponse) IsError() bool {
	return r.Status >= 500
}

// Forwarder invokes the tenant's isolated handler
type Forwarder interface {
	Forward(ctx context.Context, tenant *models.TenantRecord, req *http.Request, path string) (*ForwardResponse, error)
}

// HTTPForwarder forwards to the tenant's upstream URL over HTTP. Each call
// carries a hard timeout; an unreachable or throwing handler maps to a
// tenant_worker_failure at the dispatch layer, never a retry (the handler
// may not be idempotent).
type HTTPForwarder struct {
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64
}

// NewHTTPForwarder creates the forwarder. timeout<=0 defaults to 30s.
func NewHTTPForwarder(timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPForwarder{
		client:       &http.Client{Timeout: timeout},
		timeout:      timeout,
		maxBodyBytes: 10 << 20,
	}
}

func (f *HTTPForwarder) Forward(ctx context.Context, tenant *models.TenantRecord, req *http.Request, path string) (*ForwardResponse, error) {
	if tenant.UpstreamURL == "" {
		return nil, fmt.Errorf("tenant %s has no upstream configured", tenant.Slug)
	}

	target := strings.TrimRight(tenant.UpstreamURL, "/") + path
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	forwardCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	upstream, err := http.NewRequestWithContext(forwardCtx, req.Method, target, req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	copyForwardHeaders(upstream.Header, req.Header)
	upstream.Header.Set(BudgetCPUHeader, strconv.Itoa(tenant.ResourceBudget.CPUMs))
	upstream.Header.Set(BudgetSubRequestsHeader, strconv.Itoa(tenant.ResourceBudget.SubRequests))

	resp, err := f.client.Do(upstream)
	if err != nil {
		return nil, fmt.Errorf("tenant handler call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant handler response: %w", err)
	}

	return &ForwardResponse{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// copyForwardHeaders copies request headers, dropping hop-by-hop headers and
// the payment header (the handler never sees payment material).
func copyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "X-Payment", "Authorization":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
