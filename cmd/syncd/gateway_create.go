package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var gatewayCreateIfNotExists bool

var gatewayCreateCmd = &cobra.Command{
	Use:   "create <gateway-id>",
	Short: "Create a new gateway",
	Long:  "Explicitly provision a new sync gateway with the given ID. Gateways otherwise provision lazily on first push or pull.",
	Args:  cobra.ExactArgs(1),
	RunE:  runGatewayCreate,
}

func init() {
	gatewayCreateCmd.Flags().BoolVar(&gatewayCreateIfNotExists, "if-not-exists", false,
		"Exit 0 if the gateway already exists")
}

func runGatewayCreate(cmd *cobra.Command, args []string) error {
	gatewayID := args[0]
	ctx := context.Background()

	client := resolveAdminClient()
	resp, err := client.do(ctx, http.MethodPost, "/api/v1/gateways/"+gatewayID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		if gatewayJSONOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": gatewayID, "created": true})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created gateway %q\n", gatewayID)
		return nil
	case http.StatusConflict:
		if gatewayCreateIfNotExists {
			if gatewayJSONOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": gatewayID, "already_existed": true})
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Gateway %q already exists\n", gatewayID)
			return nil
		}
		return fmt.Errorf("gateway %q already exists", gatewayID)
	default:
		return errorFromResponse(resp)
	}
}
