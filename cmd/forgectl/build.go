package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"webforge/internal/events"
)

type startResponse struct {
	ProjectID string `json:"project_id"`
	BuildID   string `json:"build_id"`
	Status    string `json:"status"`
}

func newBuildCmd(opts *globalOptions) *cobra.Command {
	var (
		projectID string
		detach    bool
	)
	cmd := &cobra.Command{
		Use:   "build [prompt]",
		Short: "Start a build from a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			var resp startResponse
			err := client.do(cmd.Context(), http.MethodPost, "/api/v1/builds", map[string]string{
				"project_id": projectID,
				"prompt":     strings.Join(args, " "),
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started build %s for project %s\n", resp.BuildID, resp.ProjectID)
			if detach {
				return nil
			}
			return follow(cmd, client, resp.ProjectID)
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id (generated when empty)")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return once the build is accepted instead of following its events")
	return cmd
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [project-id]",
		Short: "Cancel a project's active build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := opts.client().do(cmd.Context(), http.MethodDelete, "/api/v1/projects/"+args[0]+"/build", nil, nil)
			if isNotFound(err) {
				return fmt.Errorf("project %s has no active build", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project-id]",
		Short: "Show a project's current or last build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/projects/"+args[0]+"/status", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [project-id]",
		Short: "Follow a project's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return follow(cmd, opts.client(), args[0])
		},
	}
}

func newNetworksCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List contract deployment networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Networks []struct {
					Key      string `json:"key"`
					Name     string `json:"name"`
					ChainID  int64  `json:"chain_id"`
					Explorer string `json:"explorer"`
				} `json:"networks"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/networks", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, n := range resp.Networks {
				fmt.Fprintf(out, "%-20s %-22s %8d  %s\n", n.Key, n.Name, n.ChainID, n.Explorer)
			}
			return nil
		},
	}
}

// follow prints a project's events and fails unless the stream completed.
func follow(cmd *cobra.Command, client *apiClient, projectID string) error {
	out := cmd.OutOrStdout()
	last, err := client.watch(cmd.Context(), projectID, func(ev events.Event) {
		printEvent(out, ev)
	})
	if err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("event stream for %s closed without events", projectID)
	}
	switch last.Kind {
	case events.KindCompleted:
		return nil
	case events.KindFailed, events.KindCancelled:
		return fmt.Errorf("build %s: %s", last.Kind, last.Message)
	}
	return fmt.Errorf("event stream for %s ended after %q", projectID, last.Kind)
}

func printEvent(w io.Writer, ev events.Event) {
	fmt.Fprintf(w, "[%3d] %-20s %s\n", ev.Sequence, ev.Kind, ev.Message)
	if cat, ok := ev.Payload["category"]; ok {
		fmt.Fprintf(w, "      category: %v\n", cat)
	}
	if addr, ok := ev.Payload["contract_address"]; ok {
		fmt.Fprintf(w, "      contract: %v\n", addr)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
