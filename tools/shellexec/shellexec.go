// Package shellexec provides a mutating shell tool handler. It is
// registered as non-idempotent: the engine never retries it.
package shellexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	warden "github.com/opencellcw/warden"
)

const defaultTimeout = 30 * time.Second

// New returns the shell.exec tool handler.
func New() warden.ToolHandler {
	return warden.NewTool(Metadata(), run)
}

// Metadata describes the tool: category, schemas, and security posture.
func Metadata() warden.ToolMetadata {
	return warden.ToolMetadata{
		Name:        "shell.exec",
		Version:     "1.0.0",
		Category:    "shell",
		Description: "Run a command and return its exit code and output.",
		Tags:        []string{"shell", "mutation"},
		Input: warden.Object(map[string]*warden.Schema{
			"command": warden.StringSchema(),
			"args":    warden.ArraySchema(warden.StringSchema()),
		}, "command"),
		Output: warden.Object(map[string]*warden.Schema{
			"exit_code": warden.IntegerSchema(),
			"stdout":    warden.StringSchema(),
			"stderr":    warden.StringSchema(),
		}, "exit_code", "stdout", "stderr"),
		Security: warden.SecurityDescriptor{
			Idempotent:       false,
			RiskLevel:        warden.RiskHigh,
			RequiresApproval: true,
		},
	}
}

func run(ctx context.Context, input any, _ *warden.WorkflowContext) (any, error) {
	params := input.(map[string]any)
	command := params["command"].(string)

	var args []string
	if raw, ok := params["args"].([]any); ok {
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("shell.exec: non-string argument %v", a)
			}
			args = append(args, s)
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("shell.exec: %w", err)
		}
	}

	return map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}, nil
}
