package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/inciq/internal/inci"
	"github.com/kalambet/inciq/internal/storage"
)

// IngredientLookup reads the ingredient catalog.
type IngredientLookup interface {
	GetIngredientByName(normalized string) (storage.Ingredient, error)
	CountProductsWithIngredient(ingredientID string) (int, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Runner      PipelineRunner
	Ingredients IngredientLookup
}

// NewMCPServer creates an MCP server exposing pipeline operator tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"inciq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("inciq: cosmetics catalog ingestion pipeline. Inspect backlogs, trigger phases and look up ingredients."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("pipeline_status",
			mcp.WithDescription("Report staged rows by status, catalog counts, the link backlog and recent pipeline runs."),
			mcp.WithNumber("runs", mcp.Description("Number of recent runs to include (default 10)")),
		),
		mcpPipelineStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("run_extract",
			mcp.WithDescription("Extract one batch of pending staged listings into canonical products."),
			mcp.WithNumber("batch_size", mcp.Description("Rows to claim, 1-200 (default from configuration)")),
			mcp.WithBoolean("reprocess", mcp.Description("Retry transient failures instead of pending rows")),
		),
		mcpRunExtract(deps),
	)

	s.AddTool(
		mcp.NewTool("run_link",
			mcp.WithDescription("Link ingredient declarations of one batch of products to ingredient entities."),
			mcp.WithNumber("batch_size", mcp.Description("Products to link, 1-200 (default from configuration)")),
		),
		mcpRunLink(deps),
	)

	s.AddTool(
		mcp.NewTool("lookup_ingredient",
			mcp.WithDescription("Find an ingredient by INCI name and report how many products declare it."),
			mcp.WithString("name", mcp.Description("Ingredient name, any case"), mcp.Required()),
		),
		mcpLookupIngredient(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pipeline://status",
			"Pipeline Status",
			mcp.WithResourceDescription("Backlog counts and the last 10 pipeline runs as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpPipelineStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runs := min(max(req.GetInt("runs", 10), 0), maxRunsShown)
		st, err := deps.Runner.Status(runs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read status: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpRunExtract(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		size := clampBatch(req.GetInt("batch_size", 0))
		run := deps.Runner.RunExtract
		if req.GetBool("reprocess", false) {
			run = deps.Runner.RunReprocess
		}
		res, err := run(ctx, size)
		if err != nil {
			return mcpError(fmt.Sprintf("extraction failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpRunLink(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Runner.RunLink(ctx, clampBatch(req.GetInt("batch_size", 0)))
		if err != nil {
			return mcpError(fmt.Sprintf("linking failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpLookupIngredient(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil || inci.Normalize(name) == "" {
			return mcpError("name is required"), nil
		}
		key := inci.Normalize(name)

		ing, err := deps.Ingredients.GetIngredientByName(key)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no ingredient named %q", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		products, err := deps.Ingredients.CountProductsWithIngredient(ing.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("counting products: %v", err)), nil
		}

		var functions []string
		json.Unmarshal([]byte(ing.Functions), &functions)

		return mcpJSON(struct {
			ID          string   `json:"id"`
			Name        string   `json:"normalized_name"`
			INCIName    string   `json:"inci_name"`
			CommonName  string   `json:"common_name,omitempty"`
			Functions   []string `json:"functions,omitempty"`
			SafetyLevel string   `json:"safety_level,omitempty"`
			SafetyNotes string   `json:"safety_notes,omitempty"`
			Enriched    bool     `json:"enriched"`
			Products    int      `json:"products"`
		}{
			ID: ing.ID, Name: ing.NormalizedName, INCIName: ing.INCIName, CommonName: ing.CommonName,
			Functions: functions, SafetyLevel: ing.SafetyLevel, SafetyNotes: ing.SafetyNotes,
			Enriched: ing.Enriched, Products: products,
		})
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Runner.Status(10)
		if err != nil {
			return nil, fmt.Errorf("failed to read status: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// clampBatch bounds a batch size; zero keeps the configured default.
func clampBatch(n int) int {
	if n <= 0 {
		return 0
	}
	return min(n, maxBatchSize)
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
