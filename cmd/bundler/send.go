package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var (
	sendURL     string
	sendChainID uint64
	sendToken   string
	sendTimeout time.Duration
)

type rpcEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// sendCmd posts a user operation JSON file to a running bundler.
var sendCmd = &cobra.Command{
	Use:   "send <userop.json>",
	Short: "Submit a user operation to a running bundler",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		// Accept either a bare operation or a ready {userOperation, userOpHash} object.
		var params any = map[string]json.RawMessage{"userOperation": json.RawMessage(raw)}
		if _, ok := fields["userOperation"]; ok {
			params = json.RawMessage(raw)
		}

		client := resty.New().SetTimeout(sendTimeout).SetHeader("Content-Type", "application/json")
		if sendToken != "" {
			client.SetAuthToken(sendToken)
		}
		url := fmt.Sprintf("%s/api/v1/%d", strings.TrimRight(sendURL, "/"), sendChainID)
		resp, err := client.R().
			SetContext(cmd.Context()).
			SetBody(rpcEnvelope{JSONRPC: "2.0", ID: 1, Method: "eth_sendUserOperation", Params: params}).
			Post(url)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.String())
		if resp.IsError() {
			return fmt.Errorf("bundler returned %s", resp.Status())
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendURL, "url", "http://localhost:3000", "bundler base URL")
	sendCmd.Flags().Uint64Var(&sendChainID, "chain", 11155111, "chain id")
	sendCmd.Flags().StringVar(&sendToken, "token", "", "bearer token for the bundler API")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 3*time.Minute, "request timeout")
	rootCmd.AddCommand(sendCmd)
}
