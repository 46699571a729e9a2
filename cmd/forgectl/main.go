// Command forgectl drives a webforge server from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	api   string
	token string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "forgectl",
		Short:         "forgectl - webforge build client",
		Long:          `forgectl starts, follows and inspects webforge builds: plain web apps and contract-backed DApps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.api, "api", envOr("FORGE_API_URL", "http://127.0.0.1:8080"), "webforge server address")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("FORGE_TOKEN"), "bearer token for the API")

	root.AddCommand(
		newBuildCmd(opts),
		newCancelCmd(opts),
		newStatusCmd(opts),
		newDAppCmd(opts),
		newFrontendCmd(opts),
		newWatchCmd(opts),
		newNetworksCmd(opts),
	)
	return root
}

func (o *globalOptions) client() *apiClient {
	return newAPIClient(o.api, o.token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
