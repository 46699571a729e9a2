package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newDAppCmd(opts *globalOptions) *cobra.Command {
	var (
		network      string
		contractName string
		contractOnly bool
		ctorArgs     []string
		detach       bool
	)
	cmd := &cobra.Command{
		Use:   "dapp [prompt]",
		Short: "Deploy a generated contract and build its frontend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			var resp struct {
				ProjectID string `json:"project_id"`
			}
			err := client.do(cmd.Context(), http.MethodPost, "/api/v1/dapps", map[string]any{
				"prompt":           strings.Join(args, " "),
				"network":          network,
				"contract_only":    contractOnly,
				"contract_name":    contractName,
				"constructor_args": ctorArgs,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started DApp project %s\n", resp.ProjectID)
			if detach {
				return nil
			}
			return follow(cmd, client, resp.ProjectID)
		},
	}
	cmd.Flags().StringVarP(&network, "network", "n", "", "deployment network (server default when empty)")
	cmd.Flags().StringVar(&contractName, "name", "", "contract name to pick from the compiled output")
	cmd.Flags().BoolVar(&contractOnly, "contract-only", false, "stop after the contract is deployed")
	cmd.Flags().StringSliceVar(&ctorArgs, "arg", nil, "constructor argument (repeatable)")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return once the project is accepted instead of following its events")
	return cmd
}

func newFrontendCmd(opts *globalOptions) *cobra.Command {
	var (
		address      string
		abiFile      string
		network      string
		contractName string
		detach       bool
	)
	cmd := &cobra.Command{
		Use:   "frontend [prompt]",
		Short: "Build a frontend for an already deployed contract",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abi, err := os.ReadFile(abiFile)
			if err != nil {
				return fmt.Errorf("read ABI: %w", err)
			}
			if !json.Valid(abi) {
				return errors.New("ABI file is not valid JSON")
			}

			client := opts.client()
			var resp struct {
				ProjectID string `json:"project_id"`
			}
			err = client.do(cmd.Context(), http.MethodPost, "/api/v1/dapps/frontend", map[string]any{
				"contract_address": address,
				"abi":              json.RawMessage(abi),
				"network":          network,
				"prompt":           strings.Join(args, " "),
				"contract_name":    contractName,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started frontend project %s for %s\n", resp.ProjectID, address)
			if detach {
				return nil
			}
			return follow(cmd, client, resp.ProjectID)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "deployed contract address (required)")
	cmd.Flags().StringVar(&abiFile, "abi-file", "", "path to the contract ABI JSON (required)")
	cmd.Flags().StringVarP(&network, "network", "n", "", "network the contract lives on")
	cmd.Flags().StringVar(&contractName, "name", "", "contract name")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return once the build is accepted instead of following its events")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("abi-file")
	return cmd
}
