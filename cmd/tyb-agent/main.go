package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/tynkerbase/tynkerbase-agent/bootstrap"
)

var (
	version = "dev"
	name    = "tyb-agent"
)

var rootCmd = &cobra.Command{
	Use:   "tyb-agent [--priv]",
	Short: "tyb-agent is the TynkerBase node agent. It serves the HTTPS API the control plane manages this host through.",

	Version:       version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.RunE = runAgent
	rootCmd.Flags().Bool("priv", false, "do not open a public ngrok tunnel")
}

// runAgent bootstraps the host and serves until interrupted.
func runAgent(cmd *cobra.Command, args []string) error {
	return startApplication(fx.Invoke(
		// Run telemetry systems
		runTelemetry,

		// Bootstrap the host and seal the session.
		runBootstrap,

		// Mount the API on the TLS listener.
		registerRoutes,

		// Report health to the service catalog.
		runHeartbeat,
	))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(bootstrap.ExitCode(err))
	}
}
