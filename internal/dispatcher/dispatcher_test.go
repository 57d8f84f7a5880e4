package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ferdiboxman/402claw-sub000/internal/analytics"
	"github.com/ferdiboxman/402claw-sub000/internal/directory"
	"github.com/ferdiboxman/402claw-sub000/internal/ledger"
	"github.com/ferdiboxman/402claw-sub000/internal/payments"
	"github.com/ferdiboxman/402claw-sub000/internal/ratelimit"
	"github.com/ferdiboxman/402claw-sub000/internal/usage"
	"github.com/ferdiboxman/402claw-sub000/pkg/auth"
	"github.com/ferdiboxman/402claw-sub000/pkg/middleware"
	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

type stubVerifier struct {
	verifyValid  bool
	settleOK     bool
	verifyCalls  int
	settleCalls  int
	settlementID string
}

func (s *stubVerifier) Name() string { return "stub" }

func (s *stubVerifier) Verify(ctx context.Context, payment *models.PaymentPayload, req *models.PaymentRequirement) *payments.VerifyResult {
	s.verifyCalls++
	return &payments.VerifyResult{Valid: s.verifyValid, Reason: "stubbed"}
}

func (s *stubVerifier) Settle(ctx context.Context, payment *models.PaymentPayload) *payments.SettleResult {
	s.settleCalls++
	if !s.settleOK {
		return &payments.SettleResult{Settled: false, Reason: "stubbed failure"}
	}
	id := s.settlementID
	if id == "" {
		id = "s-1"
	}
	return &payments.SettleResult{
		Settled: true,
		Receipt: &models.SettlementReceipt{SettlementID: id, Mode: "test", SettledAt: 1},
	}
}

type stubForwarder struct {
	status int
	body   string
	calls  int
	fail   bool
	paths  []string
}

func (s *stubForwarder) Forward(ctx context.Context, tenant *models.TenantRecord, req *http.Request, path string) (*ForwardResponse, error) {
	s.calls++
	s.paths = append(s.paths, path)
	if s.fail {
		return nil, context.DeadlineExceeded
	}
	status := s.status
	if status == 0 {
		status = 200
	}
	return &ForwardResponse{
		Status: status,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(s.body),
	}, nil
}

type stubKeys struct {
	// plaintext key -> owning user id
	users map[string]string
}

func (s *stubKeys) VerifyAPIKey(ctx context.Context, plaintext string) (*models.APIKey, *models.User, error) {
	if userID, ok := s.users[plaintext]; ok {
		return &models.APIKey{KeyID: "k-" + plaintext, UserID: userID}, &models.User{UserID: userID}, nil
	}
	return nil, nil, errors.New("invalid_api_key")
}

type harness struct {
	router    *gin.Engine
	verifier  *stubVerifier
	forwarder *stubForwarder
	keys      *stubKeys
	pipeline  *usage.Pipeline
	ledger    *ledger.Ledger
	tenant    models.TenantRecord
}

func newHarness(t *testing.T, tenant models.TenantRecord) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := directory.New("api", nil)
	if err := dir.Load(directory.Document{Version: 1, Tenants: []models.TenantRecord{tenant}}); err != nil {
		t.Fatalf("directory load failed: %v", err)
	}

	verifier := &stubVerifier{verifyValid: true, settleOK: true}
	forwarder := &stubForwarder{body: `{"data":"ok"}`}
	keys := &stubKeys{users: map[string]string{}}
	pipeline := usage.NewPipeline(0, nil)
	led := ledger.New(nil, nil)

	d := New(Config{
		Directory: dir,
		Enforcer:  ratelimit.NewEnforcer(ratelimit.NewMemoryStore(), nil),
		Verifier:  verifier,
		Keys:      keys,
		Pipeline:  pipeline,
		Ledger:    led,
		Forwarder: forwarder,
	})

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	RegisterRoutes(router, d, analytics.NewEngine(pipeline), pipeline, PlatformConfig{
		ServiceName: "clawd",
		Token:       "platform-secret",
		JWTSecret:   []byte("jwt-secret"),
	})

	return &harness{
		router:    router,
		verifier:  verifier,
		forwarder: forwarder,
		keys:      keys,
		pipeline:  pipeline,
		ledger:    led,
		tenant:    tenant,
	}
}

func freeTenant() models.TenantRecord {
	return models.TenantRecord{
		TenantID:    "t-free",
		Slug:        "weather",
		OwnerID:     "u1",
		Plan:        models.PlanFree,
		Directory:   "data",
		UpstreamURL: "http://upstream.invalid",
	}
}

func paidTenant() models.TenantRecord {
	t := freeTenant()
	t.TenantID = "t-paid"
	t.Slug = "geocode"
	t.PriceUSD = 0.10
	t.PaymentEnabled = true
	t.PayToAddress = "0x1111111111111111111111111111111111111111"
	return t
}

func (h *harness) do(method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Host = "gateway.local"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func paymentHeaderFor(tenant models.TenantRecord, resource string) string {
	req := payments.BuildRequirement(&tenant, resource)
	return payments.EncodePaymentHeader(&models.PaymentPayload{
		PaymentID: "pay-1",
		Scheme:    payments.SchemeExact,
		Network:   req.Network,
		Resource:  req.Resource,
		PayTo:     req.PayTo,
		Amount:    req.MaxAmountRequired,
		Payer:     "0x2222222222222222222222222222222222222222",
		Signature: "0x" + strings.Repeat("ab", 65),
	})
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, freeTenant())
	w := h.do("GET", "/health", nil)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["ok"] != true || body["service"] != "clawd" || body["requestId"] == "" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestFreeTenantServed(t *testing.T) {
	h := newHarness(t, freeTenant())
	w := h.do("GET", "/api/weather/v1/now", nil)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Tenant-Id"); got != "t-free" {
		t.Fatalf("expected tenant header, got %q", got)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing request id header")
	}
	if h.forwarder.paths[0] != "/v1/now" {
		t.Fatalf("expected prefix-stripped path, got %s", h.forwarder.paths[0])
	}

	events := h.pipeline.Events(0)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Lifecycle != models.LifecycleServed || !e.Billable || !e.Countable || e.BilledUSD != 0 {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestUnknownTenant404(t *testing.T) {
	h := newHarness(t, freeTenant())
	w := h.do("GET", "/api/nope/x", nil)
	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if h.pipeline.Len() != 0 {
		t.Fatal("unresolved requests must not produce events")
	}
}

func TestPaymentChallenge(t *testing.T) {
	h := newHarness(t, paidTenant())
	w := h.do("GET", "/api/geocode/lookup", nil)
	if w.Code != 402 {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if w.Header().Get("Payment-Required") == "" {
		t.Fatal("challenge must carry the requirement header")
	}

	var body struct {
		X402Version int                         `json:"x402Version"`
		Error       string                      `json:"error"`
		Accepts     []models.PaymentRequirement `json:"accepts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.X402Version != 2 || len(body.Accepts) != 1 {
		t.Fatalf("unexpected challenge body: %+v", body)
	}
	if body.Accepts[0].MaxAmountRequired != 100000 {
		t.Fatalf("expected 100000 micro-units, got %d", body.Accepts[0].MaxAmountRequired)
	}

	events := h.pipeline.Events(0)
	if len(events) != 1 || events[0].Countable {
		t.Fatalf("challenge event must be non-countable: %+v", events)
	}
	if h.forwarder.calls != 0 {
		t.Fatal("challenged request must not reach the handler")
	}
}

func TestPaidFlowSettlesAndCredits(t *testing.T) {
	tenant := paidTenant()
	h := newHarness(t, tenant)

	w := h.do("GET", "/api/geocode/lookup", map[string]string{
		"X-Payment": paymentHeaderFor(tenant, "/lookup"),
	})
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Payment-Response") == "" {
		t.Fatal("settled response must carry the receipt header")
	}
	if h.verifier.verifyCalls != 1 || h.verifier.settleCalls != 1 {
		t.Fatalf("expected one verify and one settle, got %d/%d", h.verifier.verifyCalls, h.verifier.settleCalls)
	}

	events := h.pipeline.Events(0)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Lifecycle != models.LifecycleSettled || !e.Billable || e.BilledUSD != 0.10 {
		t.Fatalf("unexpected event %+v", e)
	}

	if got := h.ledger.Balance(tenant.Slug); got != 0.10 {
		t.Fatalf("expected credited balance 0.10, got %.2f", got)
	}
}

func TestSettlementFailureDiscardsResponse(t *testing.T) {
	tenant := paidTenant()
	h := newHarness(t, tenant)
	h.verifier.settleOK = false

	w := h.do("GET", "/api/geocode/lookup", map[string]string{
		"X-Payment": paymentHeaderFor(tenant, "/lookup"),
	})
	if w.Code != 402 {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "data") {
		t.Fatal("handler response must be discarded on settlement failure")
	}
	if !strings.Contains(w.Body.String(), "payment_settlement_failed") {
		t.Fatalf("expected settlement failure reason, got %s", w.Body.String())
	}
	if h.forwarder.calls != 1 {
		t.Fatal("handler should have been invoked before settlement")
	}

	events := h.pipeline.Events(0)
	if len(events) != 1 || events[0].Billable || events[0].Lifecycle != models.LifecycleSettlementFailed {
		t.Fatalf("unexpected event %+v", events)
	}
	if got := h.ledger.Balance(tenant.Slug); got != 0 {
		t.Fatalf("failed settlement must not credit, got %.2f", got)
	}
}

func TestHandlerErrorSkipsSettlement(t *testing.T) {
	tenant := paidTenant()
	h := newHarness(t, tenant)
	h.forwarder.status = 503

	w := h.do("GET", "/api/geocode/lookup", map[string]string{
		"X-Payment": paymentHeaderFor(tenant, "/lookup"),
	})
	if w.Code != 503 {
		t.Fatalf("expected passthrough 503, got %d", w.Code)
	}
	if h.verifier.settleCalls != 0 {
		t.Fatal("settlement must not run for an error response")
	}
	events := h.pipeline.Events(0)
	if len(events) != 1 || events[0].Billable {
		t.Fatalf("caller must not be billed for handler errors: %+v", events)
	}
}

func TestInvalidPaymentRejected(t *testing.T) {
	tenant := paidTenant()
	h := newHarness(t, tenant)

	// Wrong amount fails the structural check before any facilitator call
	req := payments.BuildRequirement(&tenant, "/lookup")
	header := payments.EncodePaymentHeader(&models.PaymentPayload{
		PaymentID: "pay-1",
		Scheme:    payments.SchemeExact,
		Resource:  req.Resource,
		PayTo:     req.PayTo,
		Amount:    req.MaxAmountRequired - 1,
		Payer:     "0x2222222222222222222222222222222222222222",
		Signature: "0x" + strings.Repeat("ab", 65),
	})

	w := h.do("GET", "/api/geocode/lookup", map[string]string{"X-Payment": header})
	if w.Code != 402 {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if h.verifier.verifyCalls != 0 {
		t.Fatal("structural failure must not reach the verifier")
	}

	// Verifier rejection also yields 402
	h2 := newHarness(t, tenant)
	h2.verifier.verifyValid = false
	w = h2.do("GET", "/api/geocode/lookup", map[string]string{
		"X-Payment": paymentHeaderFor(tenant, "/lookup"),
	})
	if w.Code != 402 {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if h2.forwarder.calls != 0 {
		t.Fatal("invalid payment must not reach the handler")
	}
}

func TestQuotaIsolationFromChallenges(t *testing.T) {
	tenant := paidTenant()
	tenant.UsageLimit = &models.UsageLimitPolicy{DailyRequests: 1}
	h := newHarness(t, tenant)

	// Two unpaid requests: both challenged, quota untouched
	for i := 0; i < 2; i++ {
		if w := h.do("GET", "/api/geocode/lookup", nil); w.Code != 402 {
			t.Fatalf("expected 402 challenge, got %d", w.Code)
		}
	}

	// First paid request consumes the quota
	headers := map[string]string{"X-Payment": paymentHeaderFor(tenant, "/lookup")}
	if w := h.do("GET", "/api/geocode/lookup", headers); w.Code != 200 {
		t.Fatalf("first paid request should succeed, got %d", w.Code)
	}

	// Second paid request with a fresh valid payment hits the quota
	w := h.do("GET", "/api/geocode/lookup", headers)
	if w.Code != 429 {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "usage_quota_exceeded") {
		t.Fatalf("expected quota rejection, got %s", w.Body.String())
	}
}

func TestRateLimitHeaders(t *testing.T) {
	tenant := freeTenant()
	tenant.RateLimit = &models.RateLimitPolicy{
		PerCaller: &models.Bucket{Requests: 1, WindowSeconds: 60},
	}
	h := newHarness(t, tenant)

	if w := h.do("GET", "/api/weather/now", nil); w.Code != 200 {
		t.Fatalf("first request should pass, got %d", w.Code)
	}
	w := h.do("GET", "/api/weather/now", nil)
	if w.Code != 429 {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining=0, got %q", w.Header().Get("X-RateLimit-Remaining"))
	}

	events := h.pipeline.Events(0)
	last := events[len(events)-1]
	if last.Lifecycle != models.LifecycleRateLimited || !last.Countable {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestVerifiedKeysShareCallerBucket(t *testing.T) {
	tenant := freeTenant()
	tenant.RateLimit = &models.RateLimitPolicy{
		PerCaller: &models.Bucket{Requests: 1, WindowSeconds: 60},
	}
	h := newHarness(t, tenant)

	// Two keys for the same user, as after a rotation
	h.keys.users["claw_live_one"] = "u9"
	h.keys.users["claw_live_two"] = "u9"

	if w := h.do("GET", "/api/weather/now", map[string]string{"X-Api-Key": "claw_live_one"}); w.Code != 200 {
		t.Fatalf("first request should pass, got %d", w.Code)
	}
	// The second key resolves to the same user and the same bucket
	if w := h.do("GET", "/api/weather/now", map[string]string{"X-Api-Key": "claw_live_two"}); w.Code != 429 {
		t.Fatalf("rotated key must share the user's bucket, got %d", w.Code)
	}

	// An unverifiable key falls back to an opaque per-key bucket
	if w := h.do("GET", "/api/weather/now", map[string]string{"X-Api-Key": "claw_live_unknown"}); w.Code != 200 {
		t.Fatalf("unknown key should get its own bucket, got %d", w.Code)
	}
	if w := h.do("GET", "/api/weather/now", map[string]string{"X-Api-Key": "claw_live_unknown"}); w.Code != 429 {
		t.Fatalf("expected 429 on the opaque bucket, got %d", w.Code)
	}
}

func TestWorkerFailureMapsTo502(t *testing.T) {
	h := newHarness(t, freeTenant())
	h.forwarder.fail = true

	w := h.do("GET", "/api/weather/now", nil)
	if w.Code != 502 {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tenant_worker_failure") {
		t.Fatalf("expected worker failure reason, got %s", w.Body.String())
	}
	events := h.pipeline.Events(0)
	if len(events) != 1 || events[0].Lifecycle != models.LifecycleWorkerFailure {
		t.Fatalf("unexpected event %+v", events)
	}
}

func TestPlatformEventsRequiresToken(t *testing.T) {
	h := newHarness(t, freeTenant())
	h.do("GET", "/api/weather/now", nil)

	if w := h.do("GET", "/__platform/events", nil); w.Code != 401 {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	for _, headers := range []map[string]string{
		{"X-Platform-Token": "platform-secret"},
		{"Authorization": "Bearer platform-secret"},
	} {
		w := h.do("GET", "/__platform/events?limit=10", headers)
		if w.Code != 200 {
			t.Fatalf("expected 200 with token, got %d", w.Code)
		}
		var body struct {
			Events []models.UsageEvent `json:"events"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		if len(body.Events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(body.Events))
		}
	}

	if w := h.do("GET", "/__platform/events?token=platform-secret", nil); w.Code != 200 {
		t.Fatalf("expected 200 with query token, got %d", w.Code)
	}
	if w := h.do("GET", "/__platform/events", map[string]string{"X-Platform-Token": "wrong"}); w.Code != 401 {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestPlatformEventsAcceptsJWT(t *testing.T) {
	h := newHarness(t, freeTenant())
	h.do("GET", "/api/weather/now", nil)

	token, err := auth.GeneratePlatformJWT("op-1", "platform:read", time.Hour, []byte("jwt-secret"))
	if err != nil {
		t.Fatalf("jwt generation failed: %v", err)
	}
	if w := h.do("GET", "/__platform/events", map[string]string{"Authorization": "Bearer " + token}); w.Code != 200 {
		t.Fatalf("expected 200 with platform JWT, got %d", w.Code)
	}

	// Right secret, wrong scope
	narrow, err := auth.GeneratePlatformJWT("op-1", "tenant:read", time.Hour, []byte("jwt-secret"))
	if err != nil {
		t.Fatalf("jwt generation failed: %v", err)
	}
	if w := h.do("GET", "/__platform/events", map[string]string{"Authorization": "Bearer " + narrow}); w.Code != 401 {
		t.Fatalf("expected 401 with wrong scope, got %d", w.Code)
	}

	forged, err := auth.GeneratePlatformJWT("op-1", "platform:read", time.Hour, []byte("other-secret"))
	if err != nil {
		t.Fatalf("jwt generation failed: %v", err)
	}
	if w := h.do("GET", "/__platform/events", map[string]string{"Authorization": "Bearer " + forged}); w.Code != 401 {
		t.Fatalf("expected 401 with forged JWT, got %d", w.Code)
	}
}

func TestPlatformAnalytics(t *testing.T) {
	h := newHarness(t, freeTenant())
	h.do("GET", "/api/weather/now", nil)

	w := h.do("GET", "/__platform/analytics?window=today", nil)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		OK       bool                     `json:"ok"`
		Window   string                   `json:"window"`
		Snapshot analytics.WindowSnapshot `json:"snapshot"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !body.OK || body.Window != "today" || body.Snapshot.Hero.TotalCalls != 1 {
		t.Fatalf("unexpected body %+v", body)
	}

	if w := h.do("GET", "/__platform/analytics?window=fortnight", nil); w.Code != 400 {
		t.Fatalf("unsupported window should 400, got %d", w.Code)
	}

	// Omitting window returns all three
	w = h.do("GET", "/__platform/analytics", nil)
	var multi struct {
		Snapshots map[string]analytics.WindowSnapshot `json:"snapshots"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &multi); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(multi.Snapshots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(multi.Snapshots))
	}
}

func TestHostRouting(t *testing.T) {
	tenant := freeTenant()
	tenant.Hosts = []string{"weather.example.com"}
	h := newHarness(t, tenant)

	req := httptest.NewRequest("GET", "/v1/now", nil)
	req.Host = "weather.example.com"
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if h.forwarder.paths[0] != "/v1/now" {
		t.Fatalf("host routing must preserve the path, got %s", h.forwarder.paths[0])
	}
}
