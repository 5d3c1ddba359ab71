package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var gatewayDeleteForce bool

var gatewayDeleteCmd = &cobra.Command{
	Use:   "delete <gateway-id>",
	Short: "Delete a gateway",
	Long:  "Transition a gateway to its terminal deleted state and evict it from the server's pool. Requires --force or interactive confirmation.",
	Args:  cobra.ExactArgs(1),
	RunE:  runGatewayDelete,
}

func init() {
	gatewayDeleteCmd.Flags().BoolVar(&gatewayDeleteForce, "force", false,
		"Skip confirmation prompt")
}

func runGatewayDelete(cmd *cobra.Command, args []string) error {
	gatewayID := args[0]
	ctx := context.Background()

	if !gatewayDeleteForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will permanently delete gateway %q.\n", gatewayID)
		fmt.Fprint(errOut, "Type the gateway ID to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != gatewayID {
			fmt.Fprintln(errOut, "Aborted. Gateway ID did not match.")
			return nil
		}
	}

	client := resolveAdminClient()
	resp, err := client.do(ctx, http.MethodDelete, "/api/v1/gateways/"+gatewayID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return errorFromResponse(resp)
	}

	if gatewayJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"id": gatewayID, "deleted": true})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted gateway %q\n", gatewayID)
	return nil
}
