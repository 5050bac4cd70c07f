package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client is the BusService client, initialized in PersistentPreRunE.
	client *busClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's client-facing RPC address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for busctl.
var rootCmd = &cobra.Command{
	Use: "busctl",
	Short: "CLI client for the busd session daemon",
	Long: "busctl communicates with the busd daemon via ConnectRPC to bind ports, join sessions, and manage advertised names.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
 client = newBusClient(serverAddr)
 return nil
	},
	SilenceUsage: true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:0",
 "busd daemon client-facing address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
 "output format: table, json")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(nameCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
 fmt.Fprintln(os.Stderr, "Error:", err)
 os.Exit(1)
	}
}
