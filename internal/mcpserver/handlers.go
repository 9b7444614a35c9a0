package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/creditscore/internal/client"
	"github.com/mbd888/creditscore/internal/profile"
	"github.com/mbd888/creditscore/internal/scoring"
	"github.com/mbd888/creditscore/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *client.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(c *client.Client) *Handlers {
	return &Handlers{client: c}
}

// HandleGetCreditScore returns an account's score.
func (h *Handlers) HandleGetCreditScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	score, err := h.client.GetCreditScore(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get credit score: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Credit score for %s: %d (range %d-%d)",
		address, score, scoring.MinScore, scoring.MaxScore)), nil
}

// HandleGetCreditProfile returns an account's metrics and score breakdown.
func (h *Handlers) HandleGetCreditProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	resp, err := h.client.GetProfile(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get credit profile: %v", err)), nil
	}
	return mcp.NewToolResultText(formatProfile(resp)), nil
}

// HandleGetScoreHistory lists recent score changes.
func (h *Handlers) HandleGetScoreHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	limit := req.GetInt("limit", 10)
	cursor := req.GetString("cursor", "")

	page, err := h.client.GetHistory(ctx, address, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get score history: %v", err)), nil
	}
	return mcp.NewToolResultText(formatHistory(address, page)), nil
}

// HandleIntegrateExternalData overwrites an account's metrics as the owner.
func (h *Handlers) HandleIntegrateExternalData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	var data profile.ExternalData
	for _, f := range []struct {
		arg string
		dst *uint64
	}{
		{"volume", &data.Volume},
		{"balance", &data.Balance},
		{"frequency", &data.Frequency},
		{"mix", &data.Mix},
		{"new_tx", &data.NewTx},
	} {
		v, verr := validation.ParseUint(f.arg, argString(req, f.arg))
		if verr != nil {
			return mcp.NewToolResultError(verr.Error()), nil
		}
		*f.dst = v
	}

	resp, err := h.client.Integrate(ctx, address, data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Integration failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Credit score updated for user %s\n\n", address)
	sb.WriteString(formatProfile(resp))
	return mcp.NewToolResultText(sb.String()), nil
}

// argString reads a tool argument that clients may send as a string or a
// JSON number.
func argString(req mcp.CallToolRequest, key string) string {
	switch v := req.GetArguments()[key].(type) {
	case string:
		return v
	case float64:
		if v >= 0 && v == float64(uint64(v)) {
			return fmt.Sprintf("%d", uint64(v))
		}
		return fmt.Sprint(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// --- Formatting helpers ---

func formatProfile(resp *client.ProfileResponse) string {
	p, b := resp.Profile, resp.Breakdown

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account: %s\n", profile.Key(p.Account))
	fmt.Fprintf(&sb, "Credit score: %d\n", p.CreditScore)
	if !p.Exists() {
		sb.WriteString("No data recorded yet; showing the default profile.\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "Updates: %d | Last updated: %s\n\n", p.Version, p.UpdatedAt.Format("2006-01-02 15:04:05 UTC"))

	sb.WriteString("Metric                 Raw value   Contribution\n")
	for _, row := range []struct {
		name string
		raw  uint64
		c    scoring.Component
	}{
		{"Transaction volume", p.TransactionVolume, b.TransactionVolume},
		{"Wallet balance", p.WalletBalance, b.WalletBalance},
		{"Transaction frequency", p.TransactionFrequency, b.TransactionFrequency},
		{"Transaction mix", p.TransactionMix, b.TransactionMix},
		{"New transactions", p.NewTransactions, b.NewTransactions},
	} {
		fmt.Fprintf(&sb, "%-22s %10d   %s pts\n", row.name, row.raw, hundredths(row.c.Contribution))
	}
	fmt.Fprintf(&sb, "\nWeighted sum: %s pts", hundredths(b.WeightedSum))
	if b.Capped {
		fmt.Fprintf(&sb, " (capped at %s)", hundredths(b.CappedSum))
	}
	sb.WriteString("\n")
	return sb.String()
}

func formatHistory(address string, page *profile.HistoryPage) string {
	if len(page.Events) == 0 {
		return fmt.Sprintf("No score history for %s.", address)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Score history for %s (%d entries):\n\n", address, len(page.Events))
	for i, ev := range page.Events {
		fields := make([]string, len(ev.Fields))
		for j, f := range ev.Fields {
			fields[j] = string(f)
		}
		fmt.Fprintf(&sb, "%d. v%d %s: %d -> %d\n", i+1, ev.Version, ev.Kind, ev.PreviousScore, ev.CreditScore)
		fmt.Fprintf(&sb, "   Fields: %s | By: %s | At: %s\n",
			strings.Join(fields, ", "), profile.Key(ev.Caller), ev.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore entries available. Use cursor %q to continue.", page.NextCursor)
	}
	return sb.String()
}

// hundredths renders a value in hundredths of a point as a decimal.
func hundredths(v uint64) string {
	return fmt.Sprintf("%d.%02d", v/100, v%100)
}
