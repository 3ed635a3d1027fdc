package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avoronov/skillpath/internal/recommend"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store       AnswersWriter
	Recommender *recommend.Service
}

// AnswersWriter abstracts the answer-saving side of the store for the MCP
// layer. Implemented by storage.Store.
type AnswersWriter interface {
	PutAnswers(id string, answers map[string]any) (time.Time, error)
}

// NewMCPServer creates an MCP server exposing the recommendation tools over
// stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"skillpath",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("skillpath — versioned AI skill recommendations keyed to a career questionnaire."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_recommendations",
			mcp.WithDescription("Fetch the stored skill recommendations for a user without triggering generation."),
			mcp.WithString("user", mcp.Description("User id or email"), mcp.Required()),
			mcp.WithBoolean("include_tags", mcp.Description("Top up missing skill tags on a fresh artifact")),
		),
		mcpGetRecommendations(deps),
	)

	s.AddTool(
		mcp.NewTool("refresh_recommendations",
			mcp.WithDescription("Return cached recommendations when still valid for the current questionnaire, generating new ones otherwise."),
			mcp.WithString("user", mcp.Description("User id or email"), mcp.Required()),
			mcp.WithBoolean("force", mcp.Description("Regenerate even when the cached artifact is still valid")),
			mcp.WithBoolean("include_tags", mcp.Description("Also generate skill tags")),
		),
		mcpRefreshRecommendations(deps),
	)

	s.AddTool(
		mcp.NewTool("update_answers",
			mcp.WithDescription("Replace the questionnaire answers for a user, advancing the questionnaire version."),
			mcp.WithString("user", mcp.Description("User id or email"), mcp.Required()),
			mcp.WithString("answers", mcp.Description("JSON object of questionnaire answers"), mcp.Required()),
		),
		mcpUpdateAnswers(deps),
	)

	return s
}

func mcpGetRecommendations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, err := req.RequireString("user")
		if err != nil {
			return mcpError("user is required"), nil
		}
		includeTags := req.GetBool("include_tags", false)

		art, err := deps.Recommender.Fetch(ctx, recommend.IdentityFromKey(user), includeTags)
		if err != nil {
			return mcpError(fmt.Sprintf("fetch failed: %v", err)), nil
		}
		return mcpJSON(art)
	}
}

func mcpRefreshRecommendations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, err := req.RequireString("user")
		if err != nil {
			return mcpError("user is required"), nil
		}

		art, err := deps.Recommender.Recommend(ctx, recommend.IdentityFromKey(user), recommend.Options{
			Force:       req.GetBool("force", false),
			IncludeTags: req.GetBool("include_tags", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("recommendation failed: %v", err)), nil
		}
		return mcpJSON(art)
	}
}

func mcpUpdateAnswers(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user, err := req.RequireString("user")
		if err != nil {
			return mcpError("user is required"), nil
		}
		raw, err := req.RequireString("answers")
		if err != nil {
			return mcpError("answers is required"), nil
		}

		var answers map[string]any
		if err := json.Unmarshal([]byte(raw), &answers); err != nil {
			return mcpError(fmt.Sprintf("invalid answers JSON: %v", err)), nil
		}
		if len(answers) == 0 {
			return mcpError("answers must not be empty"), nil
		}

		updatedAt, err := deps.Store.PutAnswers(user, answers)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save answers: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Answers updated for %s at %s", user, updatedAt.Format(time.RFC3339Nano))), nil
	}
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
