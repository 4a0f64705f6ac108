package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// The status server runs as an MCP sidecar for the completion CLI: it
// exposes one tool that lets the model update the coordination comment on
// the issue or change request being worked on, instead of spamming new
// comments per progress step.
func main() {
	requiredEnv := []string{"GITHUB_TOKEN", "PILOT_REPO", "PILOT_COMMENT_ID"}
	for _, env := range requiredEnv {
		if os.Getenv(env) == "" {
			log.Fatalf("[MCP Status Server] Missing required environment variable: %s", env)
		}
	}

	log.Println("[MCP Status Server] Starting pilot status MCP server")
	log.Printf("[MCP Status Server] Repository: %s", os.Getenv("PILOT_REPO"))
	log.Printf("[MCP Status Server] Comment ID: %s", os.Getenv("PILOT_COMMENT_ID"))

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "pilot-status-server",
		Version: "v1.0.0",
	}, nil)

	tool := &mcp.Tool{
		Name:        "update_pilot_comment",
		Description: "Update the pilot progress comment on the issue or pull request being worked on",
	}
	mcp.AddTool(server, tool, HandleUpdateStatus)
	log.Println("[MCP Status Server] Registered tool: update_pilot_comment")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[MCP Status Server] Received shutdown signal")
		cancel()
	}()

	log.Println("[MCP Status Server] Starting on stdio transport...")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("[MCP Status Server] Server error: %v", err)
	}
	log.Println("[MCP Status Server] Server stopped gracefully")
}
