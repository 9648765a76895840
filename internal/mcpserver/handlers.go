package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/shield"
)

// maxOperations bounds the edit scripts accepted from tools.
const maxOperations = 256

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleValidateShield replays an edit script against a fresh builder.
// It never talks to the server.
func (h *Handlers) HandleValidateShield(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ops, err := parseOperations(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report := shield.Run(shield.NewBuilder(), ops)
	return mcp.NewToolResultText(formatReport(report)), nil
}

// HandleExplainViolation describes one violation code, or all of them.
func (h *Handlers) HandleExplainViolation(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code := strings.TrimSpace(req.GetString("code", ""))
	if code == "" {
		var sb strings.Builder
		sb.WriteString("Shield violation codes:\n\n")
		for _, c := range shield.Codes() {
			fmt.Fprintf(&sb, "- %s [%s]: %s\n", c, c.Kind(), c.Message())
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
	for _, c := range shield.Codes() {
		if strings.EqualFold(string(c), code) {
			return mcp.NewToolResultText(explain(c)), nil
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("Unknown violation code %q. Call explain_violation without a code to list them.", code)), nil
}

// HandleCreateShield builds and stores a shield on the server.
func (h *Handlers) HandleCreateShield(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ops, err := parseOperations(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s, report, err := h.client.CreateShield(ctx, req.GetString("name", ""), ops)
	if err != nil {
		msg := fmt.Sprintf("Failed to create shield: %v", err)
		if report != nil {
			msg += "\n\n" + formatReport(*report)
		}
		return mcp.NewToolResultError(msg), nil
	}
	return mcp.NewToolResultText("Shield created.\n\n" + formatShield(s)), nil
}

// HandleListShields lists stored shields.
func (h *Handlers) HandleListShields(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	shields, err := h.client.ListShields(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list shields: %v", err)), nil
	}
	if len(shields) == 0 {
		return mcp.NewToolResultText("No shields stored."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d shield(s):\n\n", len(shields))
	for _, s := range shields {
		fmt.Fprintf(&sb, "- %s (%s): %d factor source(s), auto-confirm after %d day(s)\n",
			s.Name, s.ID, len(s.Matrix.AllFactorSourceIDs()), s.DaysUntilAutoConfirm)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetShield shows one shield.
func (h *Handlers) HandleGetShield(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("shield_id", "")
	if id == "" {
		return mcp.NewToolResultError("shield_id is required"), nil
	}
	s, err := h.client.GetShield(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get shield: %v", err)), nil
	}
	return mcp.NewToolResultText(formatShield(s)), nil
}

// HandleListEntities lists accounts and personas.
func (h *Handlers) HandleListEntities(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListEntities(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list entities: %v", err)), nil
	}
	var resp struct {
		Entities []struct {
			Address string `json:"address"`
			Kind    string `json:"kind"`
			Name    string `json:"name"`
			Control struct {
				Securified *struct {
					ShieldID string `json:"shieldId"`
				} `json:"securified"`
			} `json:"control"`
		} `json:"entities"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse entities: %v", err)), nil
	}
	if len(resp.Entities) == 0 {
		return mcp.NewToolResultText("No entities stored."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d entit(ies):\n\n", len(resp.Entities))
	for _, e := range resp.Entities {
		status := "unsecured"
		if sec := e.Control.Securified; sec != nil {
			status = "securified"
			if sec.ShieldID != "" {
				status += " by " + sec.ShieldID
			}
		}
		label := e.Address
		if e.Name != "" {
			label = e.Name + " (" + e.Address + ")"
		}
		fmt.Fprintf(&sb, "- %s [%s]: %s\n", label, e.Kind, status)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- helpers ---

func parseOperations(req mcp.CallToolRequest) ([]shield.Operation, error) {
	raw, ok := req.GetArguments()["operations"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("operations is required")
	}
	// Arguments arrive as decoded JSON; a second pass gives typed values.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid operations: %v", err)
	}
	var ops []shield.Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("invalid operations: %v", err)
	}
	if len(ops) > maxOperations {
		return nil, fmt.Errorf("too many operations (max %d)", maxOperations)
	}
	return ops, nil
}

func explain(c shield.ViolationCode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n%s.\n\n", c, capitalize(c.Message()))
	if c.Kind() == shield.ForeverInvalid {
		sb.WriteString("Kind: forever_invalid. The builder refuses the edit that would cause it and stays unchanged.")
	} else {
		sb.WriteString("Kind: not_yet_valid. The builder accepts the edit, but the shield cannot be built until further edits resolve it.")
	}
	return sb.String()
}

func formatReport(r shield.Report) string {
	var sb strings.Builder
	accepted := 0
	for _, res := range r.Results {
		if res.Accepted {
			accepted++
		}
	}
	fmt.Fprintf(&sb, "Operations: %d accepted, %d rejected\n", accepted, len(r.Results)-accepted)
	for _, res := range r.Results {
		if res.Accepted {
			continue
		}
		reason := res.Error
		if res.Violation != nil {
			reason = res.Violation.Error()
		}
		fmt.Fprintf(&sb, "  #%d %s rejected: %s\n", res.Index, res.Op, reason)
	}
	if r.Buildable {
		sb.WriteString("\nThe shield is buildable.")
		return sb.String()
	}
	sb.WriteString("\nThe shield is not buildable yet:\n")
	for _, v := range r.Violations {
		fmt.Fprintf(&sb, "  - %s: %s\n", v.Error(), v.Code.Message())
	}
	return sb.String()
}

func formatShield(s *shield.SecurityShield) string {
	if s == nil {
		return "(no shield)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Shield %q (%s)\n", s.Name, s.ID)
	for _, role := range shield.Roles {
		spec := s.Matrix.Role(role)
		fmt.Fprintf(&sb, "  %s: threshold %s of %s; override %s\n",
			role, spec.Threshold, joinIDs(spec.ThresholdFactors), joinIDs(spec.OverrideFactors))
	}
	fmt.Fprintf(&sb, "  authentication signing: %s\n", s.AuthenticationSigningFactor.Short())
	fmt.Fprintf(&sb, "  auto-confirm after %d day(s)", s.DaysUntilAutoConfirm)
	return sb.String()
}

func joinIDs(ids []factors.FactorSourceID) string {
	if len(ids) == 0 {
		return "[]"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.Short()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
