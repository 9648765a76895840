package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/keyshield/internal/config"
	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/signer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                        "0",
		Env:                         "development",
		LogLevel:                    "error",
		LogFormat:                   "json",
		DefaultDaysUntilAutoConfirm: 9,
		RateLimitRPS:                1000,
	}
}

// newTestServer creates a server backed by memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	if w := serve(s, "GET", "/health/live", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	if w := serve(s, "GET", "/health/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.health.SetReady(true)
	if w := serve(s, "GET", "/health/ready", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200 once ready, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "keyshield_") {
		t.Error("Expected keyshield collectors in /metrics output")
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/shields/validate",
		"POST:/v1/shields/validate-addition",
		"POST:/v1/shields",
		"GET:/v1/shields",
		"GET:/v1/shields/:id",
		"PATCH:/v1/shields/:id",
		"DELETE:/v1/shields/:id",
		"POST:/v1/entities",
		"GET:/v1/entities",
		"GET:/v1/entities/:address",
		"PUT:/v1/entities/:address/control",
		"POST:/v1/factor-sources",
		"GET:/v1/factor-sources",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health/live", "")
	if id := w.Header().Get("X-Request-ID"); len(id) != 36 {
		t.Errorf("Expected generated UUID request ID, got %q", id)
	}

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-1234")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "lb-1234" {
		t.Errorf("Expected upstream request ID to be kept, got %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/v1/shields", "")
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("Expected nosniff, got %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Expected no-store, got %q", got)
	}
}

func TestRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	defer s.rateLimiter.Stop()

	// Burst is twice the rate.
	for i := 0; i < 2; i++ {
		if w := serve(s, "GET", "/health/live", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := serve(s, "GET", "/health/live", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestMalformedAddressRejected(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/v1/entities/"+strings.Repeat("a", 300), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end: shield → securified entity
// ---------------------------------------------------------------------------

func TestShieldAndEntityFlow(t *testing.T) {
	s := newTestServer(t)

	device := mustFactor(t, factors.KindDevice, 1)
	ledger := mustFactor(t, factors.KindLedgerHQHardwareWallet, 2)
	arculus := mustFactor(t, factors.KindArculusCard, 3)

	ops := []map[string]any{
		{"op": "add_threshold", "role": "primary", "factor": device.ID()},
		{"op": "add_override", "role": "recovery", "factor": ledger.ID()},
		{"op": "add_override", "role": "confirmation", "factor": arculus.ID()},
		{"op": "set_auth_factor", "factor": device.ID()},
	}
	w := serve(s, "POST", "/v1/shields", mustJSON(t, map[string]any{"name": "Main", "operations": ops}))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Shield struct {
			ID                   string `json:"id"`
			DaysUntilAutoConfirm uint16 `json:"daysUntilAutoConfirm"`
		} `json:"shield"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if created.Shield.DaysUntilAutoConfirm != 9 {
		t.Errorf("Expected configured default of 9 days, got %d", created.Shield.DaysUntilAutoConfirm)
	}

	plain := mustInstance(t, device)
	w = serve(s, "POST", "/v1/entities", mustJSON(t, map[string]any{
		"address": "Account_Main",
		"kind":    "account",
		"control": map[string]any{"unsecured": map[string]any{"instance": plain}},
	}))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	control := map[string]any{
		"shieldId":         created.Shield.ID,
		"accessController": "accesscontroller_main",
		"matrix": map[string]any{
			"primary":      roleJSON(t, []factors.FactorInstance{plain}, nil),
			"recovery":     roleJSON(t, nil, []factors.FactorInstance{mustInstance(t, ledger)}),
			"confirmation": roleJSON(t, nil, []factors.FactorInstance{mustInstance(t, arculus)}),
		},
	}
	w = serve(s, "PUT", "/v1/entities/account_main/control", mustJSON(t, control))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), created.Shield.ID) {
		t.Error("Expected securified entity to reference the shield")
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	if w := serve(s, "GET", "/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// --- helpers ---

func mustFactor(t *testing.T, kind factors.Kind, seed byte) *signer.SoftwareFactor {
	t.Helper()
	f, err := signer.NewFromSeed(kind, bytes.Repeat([]byte{seed}, 32), string(kind))
	if err != nil {
		t.Fatalf("factor: %v", err)
	}
	return f
}

func mustInstance(t *testing.T, f *signer.SoftwareFactor) factors.FactorInstance {
	t.Helper()
	inst, err := f.Instance("m/0")
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	return inst
}

func roleJSON(t *testing.T, threshold, override []factors.FactorInstance) map[string]any {
	t.Helper()
	if threshold == nil {
		threshold = []factors.FactorInstance{}
	}
	if override == nil {
		override = []factors.FactorInstance{}
	}
	return map[string]any{
		"threshold":        map[string]any{"kind": "all"},
		"thresholdFactors": threshold,
		"overrideFactors":  override,
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}
