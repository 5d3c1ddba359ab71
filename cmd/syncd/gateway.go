package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// gatewayCmd manages gateways on a running syncd server. Unlike the
// teacher's store subcommands, which operate directly on an on-disk
// store root, gateways live only inside a running server process's
// in-memory pool: these subcommands are thin HTTP clients against its
// admin API rather than a local filesystem manager.
var (
	gatewayServerURL  string
	gatewayAPIKey     string
	gatewayJSONOutput bool
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Manage gateways on a running syncd server",
	Long:  "Create, list, and delete sync gateways via a running syncd server's admin API.",
}

func init() {
	gatewayCmd.PersistentFlags().StringVar(&gatewayServerURL, "server", defaultServerURL(),
		"syncd server base URL (or SYNCD_SERVER_URL)")
	gatewayCmd.PersistentFlags().StringVar(&gatewayAPIKey, "api-key", os.Getenv("SYNCD_AUTH_API_KEY"),
		"Bearer API key (or SYNCD_AUTH_API_KEY)")
	gatewayCmd.PersistentFlags().BoolVar(&gatewayJSONOutput, "json", false,
		"Output in JSON format")

	gatewayCmd.AddCommand(gatewayCreateCmd)
	gatewayCmd.AddCommand(gatewayListCmd)
	gatewayCmd.AddCommand(gatewayDeleteCmd)
}

func defaultServerURL() string {
	if v := os.Getenv("SYNCD_SERVER_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// adminClient is a minimal HTTP client for syncd's authenticated admin
// endpoints under /api/v1/gateways.
type adminClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func resolveAdminClient() *adminClient {
	return &adminClient{
		baseURL: gatewayServerURL,
		apiKey:  gatewayAPIKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *adminClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	return resp, nil
}

// problemDetail is the subset of an RFC 7807 problem+json body the CLI
// surfaces to the operator on a non-2xx response.
type problemDetail struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func errorFromResponse(resp *http.Response) error {
	defer resp.Body.Close()
	var p problemDetail
	if err := json.NewDecoder(resp.Body).Decode(&p); err == nil && p.Detail != "" {
		return fmt.Errorf("%s: %s", resp.Status, p.Detail)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
