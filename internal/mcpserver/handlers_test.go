package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/shield"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(NewClient(Config{APIURL: ts.URL}))
	return h, ts.Close
}

// shieldAPI serves the real shield endpoints over an in-memory store.
func shieldAPI() http.Handler {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	shield.NewHandler(shield.NewMemoryStore(), 14).RegisterRoutes(r.Group("/v1"))
	return r
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func fid(kind factors.Kind, b byte) *factors.FactorSourceID {
	id := factors.FactorSourceID{Kind: kind}
	for i := range id.Body {
		id.Body[i] = b
	}
	return &id
}

var (
	device   = fid(factors.KindDevice, 1)
	device2  = fid(factors.KindDevice, 2)
	ledger   = fid(factors.KindLedgerHQHardwareWallet, 3)
	arculus  = fid(factors.KindArculusCard, 4)
	password = fid(factors.KindPassword, 5)
)

// toArgs converts operations to the decoded-JSON form tool arguments
// arrive in.
func toArgs(t *testing.T, ops ...shield.Operation) []any {
	t.Helper()
	data, err := json.Marshal(ops)
	require.NoError(t, err)
	var out []any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func buildableOps() []shield.Operation {
	return []shield.Operation{
		{Op: shield.OpAddThreshold, Role: shield.RolePrimary, Factor: device},
		{Op: shield.OpAddOverride, Role: shield.RoleRecovery, Factor: ledger},
		{Op: shield.OpAddOverride, Role: shield.RoleConfirmation, Factor: arculus},
		{Op: shield.OpSetAuthFactor, Factor: device},
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "not_found", "message": "shield not found"})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetShield(context.Background(), "shd_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "shield not found")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ListShields(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"shields":[]}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(Config{APIURL: ts.URL}).ListShields(ctx)
	require.Error(t, err)
}

// ============================================================
// validate_shield / explain_violation
// ============================================================

func TestHandleValidateShield_Buildable(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))

	result, err := h.HandleValidateShield(context.Background(), makeRequest(map[string]any{
		"operations": toArgs(t, buildableOps()...),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "4 accepted, 0 rejected")
	assert.Contains(t, text, "buildable")
}

func TestHandleValidateShield_ReportsRejectionsAndViolations(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))

	result, err := h.HandleValidateShield(context.Background(), makeRequest(map[string]any{
		"operations": toArgs(t,
			shield.Operation{Op: shield.OpAddOverride, Role: shield.RolePrimary, Factor: device},
			shield.Operation{Op: shield.OpAddOverride, Role: shield.RolePrimary, Factor: device2},
			shield.Operation{Op: shield.OpAddOverride, Role: shield.RolePrimary, Factor: password},
		),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "1 accepted, 2 rejected")
	assert.Contains(t, text, string(shield.PrimaryCannotHaveMultipleDevices))
	assert.Contains(t, text, string(shield.PrimaryCannotHavePasswordInOverrideList))
	assert.Contains(t, text, "not buildable")
	assert.Contains(t, text, string(shield.MissingAuthSigningFactor))
}

func TestHandleValidateShield_BadInput(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing", nil, "operations is required"},
		{"not a list", map[string]any{"operations": "add everything"}, "invalid operations"},
		{"bad factor", map[string]any{"operations": []any{map[string]any{"op": "add_override", "role": "primary", "factor": "device:zz"}}}, "invalid operations"},
		{"too many", map[string]any{"operations": make([]any, maxOperations+1)}, "too many operations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleValidateShield(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleExplainViolation(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))

	t.Run("forever invalid", func(t *testing.T) {
		result, err := h.HandleExplainViolation(context.Background(), makeRequest(map[string]any{
			"code": "recoveryandconfirmationfactorsoverlap",
		}))
		require.NoError(t, err)
		text := resultText(t, result)
		assert.Contains(t, text, string(shield.RecoveryAndConfirmationFactorsOverlap))
		assert.Contains(t, text, "forever_invalid")
	})

	t.Run("not yet valid", func(t *testing.T) {
		result, err := h.HandleExplainViolation(context.Background(), makeRequest(map[string]any{
			"code": string(shield.MissingAuthSigningFactor),
		}))
		require.NoError(t, err)
		assert.Contains(t, resultText(t, result), "not_yet_valid")
	})

	t.Run("list all", func(t *testing.T) {
		result, err := h.HandleExplainViolation(context.Background(), makeRequest(nil))
		require.NoError(t, err)
		text := resultText(t, result)
		for _, c := range shield.Codes() {
			assert.Contains(t, text, string(c))
		}
	})

	t.Run("unknown", func(t *testing.T) {
		result, err := h.HandleExplainViolation(context.Background(), makeRequest(map[string]any{"code": "Bogus"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

// ============================================================
// Server-backed tools
// ============================================================

func TestCreateListGetShield(t *testing.T) {
	h, cleanup := newTestSetup(shieldAPI())
	defer cleanup()
	ctx := context.Background()

	result, err := h.HandleCreateShield(ctx, makeRequest(map[string]any{
		"name":       "Daily",
		"operations": toArgs(t, buildableOps()...),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), `Shield "Daily"`)

	result, err = h.HandleListShields(ctx, makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "1 shield(s)")
	assert.Contains(t, text, "3 factor source(s)")

	shields, err := h.client.ListShields(ctx)
	require.NoError(t, err)
	require.Len(t, shields, 1)

	result, err = h.HandleGetShield(ctx, makeRequest(map[string]any{"shield_id": shields[0].ID}))
	require.NoError(t, err)
	text = resultText(t, result)
	assert.Contains(t, text, "recovery: threshold all of []; override ["+ledger.Short()+"]")
	assert.Contains(t, text, "auto-confirm after 14 day(s)")
}

func TestHandleCreateShield_NotBuildable(t *testing.T) {
	h, cleanup := newTestSetup(shieldAPI())
	defer cleanup()

	result, err := h.HandleCreateShield(context.Background(), makeRequest(map[string]any{
		"operations": toArgs(t, buildableOps()[:2]...),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "422")
	assert.Contains(t, text, string(shield.RoleMustHaveAtLeastOneFactor))
}

func TestHandleGetShield_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(shieldAPI())
	defer cleanup()

	result, err := h.HandleGetShield(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "shield_id is required")
}

func TestHandleListShields_Empty(t *testing.T) {
	h, cleanup := newTestSetup(shieldAPI())
	defer cleanup()

	result, err := h.HandleListShields(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No shields stored.", resultText(t, result))
}

func TestHandleListEntities(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/entities", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entities": []map[string]any{
				{"address": "account_a", "kind": "account", "name": "Savings",
					"control": map[string]any{"securified": map[string]any{"shieldId": "shd_1"}}},
				{"address": "identity_b", "kind": "persona",
					"control": map[string]any{"unsecured": map[string]any{}}},
			},
			"count": 2,
		})
	}))
	defer cleanup()

	result, err := h.HandleListEntities(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Savings (account_a) [account]: securified by shd_1")
	assert.Contains(t, text, "identity_b [persona]: unsecured")
}

// ============================================================
// Server wiring test
// ============================================================

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// Failures are encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))
	ops := toArgs(t, buildableOps()...)

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"CreateShield", func() (*mcp.CallToolResult, error) {
			return h.HandleCreateShield(context.Background(), makeRequest(map[string]any{"operations": ops}))
		}},
		{"ListShields", func() (*mcp.CallToolResult, error) {
			return h.HandleListShields(context.Background(), makeRequest(nil))
		}},
		{"GetShield", func() (*mcp.CallToolResult, error) {
			return h.HandleGetShield(context.Background(), makeRequest(map[string]any{"shield_id": "shd_1"}))
		}},
		{"ListEntities", func() (*mcp.CallToolResult, error) {
			return h.HandleListEntities(context.Background(), makeRequest(nil))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			require.NotNil(t, result)
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}
