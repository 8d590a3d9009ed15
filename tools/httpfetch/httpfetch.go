// Package httpfetch provides a network-retrieval tool handler: fetch a
// URL and return its body. The tool is idempotent and eligible for
// automatic retry under the engine's network policy.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	warden "github.com/opencellcw/warden"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// New returns the http.fetch tool handler.
func New() warden.ToolHandler {
	client := &http.Client{Timeout: 15 * time.Second}
	return warden.NewTool(Metadata(), func(ctx context.Context, input any, _ *warden.WorkflowContext) (any, error) {
		params := input.(map[string]any)
		rawURL := params["url"].(string)
		return fetch(ctx, client, rawURL)
	})
}

// Metadata describes the tool: category, schemas, and security posture.
func Metadata() warden.ToolMetadata {
	return warden.ToolMetadata{
		Name:        "http.fetch",
		Version:     "1.0.0",
		Category:    "network",
		Description: "Fetch a URL over HTTP(S) and return its status and body.",
		Tags:        []string{"network", "retrieval"},
		Input: warden.Object(map[string]*warden.Schema{
			"url": warden.StringSchema(),
		}, "url"),
		Output: warden.Object(map[string]*warden.Schema{
			"status": warden.IntegerSchema(),
			"body":   warden.StringSchema(),
		}, "status", "body"),
		Security: warden.SecurityDescriptor{
			Idempotent: true,
			RiskLevel:  warden.RiskLow,
		},
	}
}

func fetch(ctx context.Context, client *http.Client, rawURL string) (any, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("http.fetch: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("http.fetch: unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		// Transport failures are the retryable class here; the engine's
		// classifier also recognizes raw net errors.
		return nil, warden.ClassifyAs(warden.ClassTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, warden.ClassifyAs(warden.ClassTransient, err)
	}

	return map[string]any{
		"status": resp.StatusCode,
		"body":   strings.ToValidUTF8(string(body), ""),
	}, nil
}
