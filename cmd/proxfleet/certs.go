package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage instance certificates",
}

var certInfoCmd = &cobra.Command{
	Use:   "info <instance>",
	Short: "Show certificate details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := apiClient().CertInfo(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("common name:  %s\n", info.CommonName)
		fmt.Printf("key size:     %d\n", info.KeySize)
		fmt.Printf("not before:   %s\n", info.NotBefore.Format(time.RFC3339))
		fmt.Printf("not after:    %s\n", info.NotAfter.Format(time.RFC3339))
		if left := time.Until(info.NotAfter); left > 0 {
			fmt.Printf("expires in:   %dd\n", int(left.Hours()/24))
		} else {
			fmt.Println("expired")
		}
		return nil
	},
}

var certRegenerateCmd = &cobra.Command{
	Use:     "regenerate <instance>",
	Aliases: []string{"regen"},
	Short:   "Rotate the certificate (restarts a running daemon)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := apiClient().RegenerateCert(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("regenerated certificate for %s (valid until %s)\n",
			args[0], info.NotAfter.Format(time.RFC3339))
		return nil
	},
}

func init() {
	certCmd.AddCommand(certInfoCmd, certRegenerateCmd)
	rootCmd.AddCommand(certCmd)
}
