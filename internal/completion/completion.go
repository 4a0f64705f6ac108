// Package completion is the boundary to the language-model capability. The
// pipeline treats it as a single opaque request/response exchange: a system
// instruction plus a task prompt in, text out, possibly erroring or returning
// malformed content. Parsing of that untrusted content lives in parse.go.
package completion

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// Completer performs one completion exchange.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// CLICompleter shells out to a configured command, writing the prompt to
// stdin and reading the completion from stdout.
type CLICompleter struct {
	// Command is the argv of the completion CLI, e.g. ["claude", "-p"].
	Command []string
	Timeout time.Duration
}

// NewCLICompleter builds a completer from a whitespace-separated command line.
func NewCLICompleter(commandLine string, timeout time.Duration) (*CLICompleter, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("completion command is empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CLICompleter{Command: fields, Timeout: timeout}, nil
}

// Complete runs the CLI once. A timeout is a normal failure, routed through
// the same fallback paths as any other error.
func (c *CLICompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var prompt strings.Builder
	if systemPrompt != "" {
		prompt.WriteString(systemPrompt)
		prompt.WriteString("\n\n---\n\n")
	}
	prompt.WriteString(userPrompt)

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Stdin = strings.NewReader(prompt.String())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("completion timed out after %v", c.Timeout)
		}
		return "", fmt.Errorf("completion command failed: %w\nStderr: %s", err, stderr.String())
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		return "", fmt.Errorf("completion returned empty output")
	}

	log.Printf("[Completion] %s finished in %v (%d bytes)", c.Command[0], time.Since(start).Round(time.Millisecond), len(output))
	return output, nil
}
