package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var gatewayFlushCmd = &cobra.Command{
	Use:   "flush <gateway-id>",
	Short: "Trigger an out-of-band flush",
	Long:  "Force the gateway to flush its buffer into its backing sink immediately, ahead of the server's next scheduled sweep.",
	Args:  cobra.ExactArgs(1),
	RunE:  runGatewayFlush,
}

func init() {
	gatewayCmd.AddCommand(gatewayFlushCmd)
}

// flushResultWire mirrors flush.Result's JSON shape.
type flushResultWire struct {
	BatchesFlushed int    `json:"BatchesFlushed"`
	BytesFlushed   uint64 `json:"BytesFlushed"`
}

func runGatewayFlush(cmd *cobra.Command, args []string) error {
	gatewayID := args[0]
	ctx := context.Background()

	client := resolveAdminClient()
	resp, err := client.do(ctx, http.MethodPost, "/api/v1/gateways/"+gatewayID+"/flush", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	var result flushResultWire
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode flush result: %w", err)
	}

	if gatewayJSONOutput {
		return printJSON(cmd.OutOrStdout(), result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Flushed gateway %q: %d batches, %d bytes\n",
		gatewayID, result.BatchesFlushed, result.BytesFlushed)
	return nil
}
