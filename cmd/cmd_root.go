package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/rustyeddy/homehub/client"
	"github.com/spf13/cobra"
)

var (
	cmdOutput io.Writer
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:           "hubctl",
	Short:         "hubctl runs and controls the home automation hub",
	Long:          `hubctl starts the hub server and gives operators a CLI to inspect and drive it, locally or against a remote instance via --server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          serveRunE,
}

func init() {
	cmdOutput = os.Stdout
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "hub server URL (e.g., http://localhost:8123)")
	rootCmd.SetOut(cmdOutput)

	rootCmd.AddCommand(cliCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func GetRootCmd() *cobra.Command {
	return rootCmd
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// GetClient returns a hub client if remote mode is enabled, nil otherwise.
// It checks the --server flag first, then the HOMEHUB_SERVER environment
// variable.
func GetClient() *client.Client {
	if serverURL == "" {
		serverURL = os.Getenv("HOMEHUB_SERVER")
	}
	if serverURL != "" {
		return client.NewClient(serverURL)
	}
	return nil
}

// IsRemoteMode returns true if commands should connect to a remote server.
func IsRemoteMode() bool {
	return GetClient() != nil
}
