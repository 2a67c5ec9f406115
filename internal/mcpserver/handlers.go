package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/smartescrow/internal/apiclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *apiclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *apiclient.Client) *Handlers {
	return &Handlers{client: client}
}

// adminPaths maps tool action names to admin route suffixes.
var adminPaths = map[string]string{
	"freeze":         "freeze",
	"unfreeze":       "unfreeze",
	"force_complete": "force-complete",
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListEscrows(ctx, req.GetString("status", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAdminAction freezes, unfreezes or force-completes one escrow.
func (h *Handlers) HandleAdminAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	action := req.GetString("action", "")
	path, ok := adminPaths[action]
	if !ok {
		return mcp.NewToolResultError("action must be one of freeze, unfreeze, force_complete"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" && action != "unfreeze" {
		return mcp.NewToolResultError("reason is required for " + action), nil
	}

	raw, err := h.client.Admin(ctx, id, path, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
	}
	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s applied.\n\n%s", action, text)), nil
}

// HandleBulkAction applies one admin action to many escrows.
func (h *Handlers) HandleBulkAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := req.GetString("action", "")
	if _, ok := adminPaths[action]; !ok {
		return mcp.NewToolResultError("action must be one of freeze, unfreeze, force_complete"), nil
	}
	ids := stringSlice(req.GetArguments()["escrow_ids"])
	if len(ids) == 0 {
		return mcp.NewToolResultError("escrow_ids must list at least one escrow"), nil
	}

	raw, err := h.client.Bulk(ctx, action, ids, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Bulk %s failed: %v", action, err)), nil
	}
	text, err := formatBulkResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse bulk result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRunAutomation runs a sweep, or one escrow's rules.
func (h *Handlers) HandleRunAutomation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		raw json.RawMessage
		err error
	)
	if id := req.GetString("escrow_id", ""); id != "" {
		raw, err = h.client.ProcessEscrow(ctx, id)
	} else {
		raw, err = h.client.Sweep(ctx)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Automation run failed: %v", err)), nil
	}
	text, err := formatReport(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSetAutomation flips the global kill switch.
func (h *Handlers) HandleSetAutomation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, ok := req.GetArguments()["enabled"].(bool)
	if !ok {
		return mcp.NewToolResultError("enabled must be true or false"), nil
	}
	if _, err := h.client.SetAutomation(ctx, enabled); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update automation: %v", err)), nil
	}
	if enabled {
		return mcp.NewToolResultText("Automation enabled."), nil
	}
	return mcp.NewToolResultText("Automation disabled. No rule will fire until it is enabled again."), nil
}

// HandleListRules lists automation rules.
func (h *Handlers) HandleListRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	activeOnly, _ := req.GetArguments()["active_only"].(bool)
	raw, err := h.client.ListRules(ctx, activeOnly)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list rules: %v", err)), nil
	}
	text, err := formatRuleList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rules: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleToggleRule activates or deactivates one rule.
func (h *Handlers) HandleToggleRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("rule_id", "")
	if id == "" {
		return mcp.NewToolResultError("rule_id is required"), nil
	}
	active, ok := req.GetArguments()["active"].(bool)
	if !ok {
		return mcp.NewToolResultError("active must be true or false"), nil
	}
	if _, err := h.client.SetRuleActive(ctx, id, active); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to toggle rule: %v", err)), nil
	}
	state := "deactivated"
	if active {
		state = "activated"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Rule %s %s.", id, state)), nil
}

// HandleListEvents lists automation events.
func (h *Handlers) HandleListEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Events(ctx, req.GetString("escrow_id", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}
	text, err := formatEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- formatting ---

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrow map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Escrow == nil {
		return "", fmt.Errorf("no escrow in response")
	}
	e := resp.Escrow

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s: %s\n", getString(e, "id"), getString(e, "title"))
	fmt.Fprintf(&sb, "  Status:   %s\n", getString(e, "status"))
	fmt.Fprintf(&sb, "  Total:    %s %s\n", getString(e, "totalAmount"), getString(e, "currency"))
	fmt.Fprintf(&sb, "  Released: %s (refunded %s)\n", getString(e, "releasedAmount"), getString(e, "refundedAmount"))
	fmt.Fprintf(&sb, "  Parties:  client %s, freelancer %s\n", getString(e, "clientId"), getString(e, "freelancerId"))
	if v := getString(e, "holdReason"); v != "" {
		fmt.Fprintf(&sb, "  Hold:     %s (by %s)\n", v, getString(e, "heldBy"))
	}
	if ms, ok := e["milestones"].([]any); ok && len(ms) > 0 {
		sb.WriteString("  Milestones:\n")
		for _, item := range ms {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "    - %s %s [%s] %s\n", getString(m, "id"), getString(m, "title"), getString(m, "status"), getString(m, "amount"))
		}
	}
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows []map[string]any `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return "No escrows found.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s %s [%s] %s %s\n", i+1,
			getString(e, "id"), getString(e, "title"), getString(e, "status"),
			getString(e, "totalAmount"), getString(e, "currency"))
	}
	return sb.String(), nil
}

func formatBulkResult(raw json.RawMessage) (string, error) {
	var resp struct {
		Result struct {
			Action    string `json:"action"`
			Succeeded int    `json:"succeeded"`
			Failed    int    `json:"failed"`
			Results   []struct {
				EscrowID string `json:"escrowId"`
				OK       bool   `json:"ok"`
				Status   string `json:"status"`
				Code     string `json:"code"`
				Error    string `json:"error"`
			} `json:"results"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	r := resp.Result
	var sb strings.Builder
	fmt.Fprintf(&sb, "Bulk %s: %d succeeded, %d failed\n\n", r.Action, r.Succeeded, r.Failed)
	for _, item := range r.Results {
		if item.OK {
			fmt.Fprintf(&sb, "  ok    %s -> %s\n", item.EscrowID, item.Status)
		} else {
			fmt.Fprintf(&sb, "  fail  %s: %s (%s)\n", item.EscrowID, item.Error, item.Code)
		}
	}
	return sb.String(), nil
}

func formatReport(raw json.RawMessage) (string, error) {
	var resp struct {
		Report map[string]any `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	r := resp.Report
	if r == nil {
		return "", fmt.Errorf("no report in response")
	}
	if disabled, _ := r["disabled"].(bool); disabled {
		return "Automation is disabled; nothing ran.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Automation pass (%s):\n", getString(r, "trigger"))
	for _, k := range []string{"escrows", "succeeded", "failed", "skipped", "deduped", "abandoned"} {
		if v, ok := getFloat(r, k); ok {
			fmt.Fprintf(&sb, "  %-10s %.0f\n", k+":", v)
		}
	}
	if timedOut, _ := r["timedOut"].(bool); timedOut {
		sb.WriteString("  The pass hit its time budget; remaining escrows were left for the next sweep.\n")
	}
	return sb.String(), nil
}

func formatRuleList(raw json.RawMessage) (string, error) {
	var resp struct {
		Rules []map[string]any `json:"rules"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Rules) == 0 {
		return "No automation rules.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d rule(s):\n\n", len(resp.Rules))
	for i, r := range resp.Rules {
		state := "inactive"
		if active, _ := r["active"].(bool); active {
			state = "active"
		}
		fmt.Fprintf(&sb, "%d. %s %s (%s, %s, priority %s)\n", i+1,
			getString(r, "id"), getString(r, "name"), getString(r, "type"), state, getString(r, "priority"))
		if v, ok := getFloat(r, "triggerCount"); ok && v > 0 {
			fmt.Fprintf(&sb, "   triggered %.0f times, last at %s\n", v, getString(r, "lastTriggeredAt"))
		}
	}
	return sb.String(), nil
}

func formatEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return "No automation events.", nil
	}
	var sb strings.Builder
	for _, ev := range resp.Events {
		outcome := "ok"
		if success, _ := ev["success"].(bool); !success {
			outcome = "failed: " + getString(ev, "error")
		}
		fmt.Fprintf(&sb, "%s rule %s on %s %s %s\n",
			getString(ev, "createdAt"), getString(ev, "ruleId"),
			getString(ev, "targetKind"), getString(ev, "targetId"), outcome)
	}
	return sb.String(), nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
