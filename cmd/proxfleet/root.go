package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/proxfleet/proxfleet/internal/client"
	"github.com/proxfleet/proxfleet/internal/version"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "proxfleet",
	Short: "proxfleet - manage a fleet of proxy instances on this host",
	Long: `proxfleet manages the lifecycle of forward-proxy and TLS-tunnel daemons:
instance creation, port allocation, configuration and certificate generation,
basic-auth credentials, and process supervision.

The proxfleetd daemon owns all state; this CLI talks to it over a unix
socket.`,
	Version:       version.Version(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", client.DefaultSocketPath(), "proxfleetd unix socket path")
}

func apiClient() *client.Client {
	return client.New(socketPath)
}
