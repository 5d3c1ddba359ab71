package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var gatewayListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all gateways loaded on the server",
	Args:  cobra.NoArgs,
	RunE:  runGatewayList,
}

type gatewaySummary struct {
	ID string `json:"id"`
}

func runGatewayList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client := resolveAdminClient()
	resp, err := client.do(ctx, http.MethodGet, "/api/v1/gateways", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	var gateways []gatewaySummary
	if err := json.NewDecoder(resp.Body).Decode(&gateways); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if gatewayJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"gateways": gateways,
			"total":    len(gateways),
		})
	}

	if len(gateways) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No gateways loaded.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID")
	for _, g := range gateways {
		fmt.Fprintf(w, "%s\n", g.ID)
	}
	w.Flush()

	return nil
}
