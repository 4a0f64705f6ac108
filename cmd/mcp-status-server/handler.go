package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	gh "github.com/stellarlink/pilot-swe/internal/github"
	"github.com/stellarlink/pilot-swe/internal/task"
)

// UpdateStatusParams is the tool's input.
type UpdateStatusParams struct {
	Body string `json:"body" jsonschema:"The updated comment content"`
}

// updateComment is stubbed in tests.
var updateComment = gh.UpdateIssueComment

// HandleUpdateStatus handles the update_pilot_comment tool call.
func HandleUpdateStatus(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params UpdateStatusParams,
) (*mcp.CallToolResult, any, error) {
	repo := os.Getenv("PILOT_REPO")
	commentIDStr := os.Getenv("PILOT_COMMENT_ID")
	token := os.Getenv("GITHUB_TOKEN")

	if params.Body == "" {
		return nil, nil, fmt.Errorf("body parameter is required")
	}

	commentID, err := strconv.ParseInt(commentIDStr, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid PILOT_COMMENT_ID: %w", err)
	}

	// Model output goes through the same sanitizer as inbound task text:
	// no hidden directives or leaked tokens in the coordination comment.
	body := task.Sanitize(params.Body)

	if err := updateComment(ctx, token, repo, commentID, body); err != nil {
		log.Printf("[MCP Status Server] Failed to update comment: %v", err)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)},
			},
			IsError: true,
		}, nil, nil
	}

	log.Printf("[MCP Status Server] Updated comment #%d (%d characters)", commentID, len(body))
	result := fmt.Sprintf(`{"success": true, "repo": %q, "comment_id": %d, "body_length": %d}`, repo, commentID, len(body))
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: result},
		},
	}, nil, nil
}
