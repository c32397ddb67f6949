package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxfleet/proxfleet/internal/fleet"
	"github.com/proxfleet/proxfleet/internal/instance"
)

var createFlags struct {
	proxyType string
	port      int
	https     bool
	dpi       bool
	forward   string
	cover     string
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new proxy instance",
	Long: `Register a new proxy instance. The instance starts in desired_state
stopped; its configuration and, where relevant, certificate are generated
immediately.

Examples:
  proxfleet create office --type forward_proxy --port 3128
  proxfleet create office-tls --type forward_proxy --port 3129 --https --dpi-evasion
  proxfleet create vpn-front --type tls_tunnel --port 8443 \
      --forward 10.0.0.2:1194 --cover news.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := apiClient().CreateInstance(cmd.Context(), fleet.CreateSpec{
			Name:              args[0],
			ProxyType:         instance.ProxyType(createFlags.proxyType),
			Port:              createFlags.port,
			HTTPSEnabled:      createFlags.https,
			DPIEvasionEnabled: createFlags.dpi,
			ForwardAddress:    createFlags.forward,
			CoverDomain:       createFlags.cover,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%s, port %d)\n", rec.Name, rec.ProxyType, rec.Port)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := apiClient().ListInstances(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tPORT\tDESIRED\tSTATUS")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				rec.Name, rec.ProxyType, rec.Port, rec.DesiredState, rec.Status)
		}
		return w.Flush()
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show one instance in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := apiClient().GetInstance(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("name:           %s\n", rec.Name)
		fmt.Printf("type:           %s\n", rec.ProxyType)
		fmt.Printf("port:           %d\n", rec.Port)
		fmt.Printf("desired state:  %s\n", rec.DesiredState)
		fmt.Printf("status:         %s\n", rec.Status)
		if rec.LastError != "" {
			fmt.Printf("last error:     %s\n", rec.LastError)
		}
		switch rec.ProxyType {
		case instance.ForwardProxy:
			fmt.Printf("https:          %v\n", rec.HTTPSEnabled)
			fmt.Printf("dpi evasion:    %v\n", rec.DPIEvasionEnabled)
		case instance.TLSTunnel:
			fmt.Printf("forward to:     %s\n", rec.ForwardAddress)
			if rec.CoverDomain != "" {
				fmt.Printf("cover domain:   %s\n", rec.CoverDomain)
			}
		}
		fmt.Printf("created:        %s\n", rec.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start an instance's daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := apiClient().StartInstance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", rec.Name, rec.Status)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop an instance's daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := apiClient().StopInstance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", rec.Name, rec.Status)
		return nil
	},
}

var updateFlags struct {
	port    int
	https   string
	dpi     string
	forward string
	cover   string
}

var updateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Change an instance's configuration",
	Long: `Change an instance's configuration. Artifacts are regenerated and a
running daemon is restarted with the new settings.

Boolean flags take true/false so that leaving them off means "no change":

  proxfleet update office --https true
  proxfleet update office --port 3130 --dpi-evasion false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var spec fleet.UpdateSpec
		if cmd.Flags().Changed("port") {
			spec.Port = &updateFlags.port
		}
		if cmd.Flags().Changed("https") {
			v, err := parseBoolFlag("https", updateFlags.https)
			if err != nil {
				return err
			}
			spec.HTTPSEnabled = &v
		}
		if cmd.Flags().Changed("dpi-evasion") {
			v, err := parseBoolFlag("dpi-evasion", updateFlags.dpi)
			if err != nil {
				return err
			}
			spec.DPIEvasionEnabled = &v
		}
		if cmd.Flags().Changed("forward") {
			spec.ForwardAddress = &updateFlags.forward
		}
		if cmd.Flags().Changed("cover") {
			spec.CoverDomain = &updateFlags.cover
		}

		rec, err := apiClient().UpdateInstance(cmd.Context(), args[0], spec)
		if err != nil {
			return err
		}
		fmt.Printf("updated %s (port %d, status %s)\n", rec.Name, rec.Port, rec.Status)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Stop and remove an instance with all its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteInstance(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func parseBoolFlag(name, v string) (bool, error) {
	switch v {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("--%s takes true or false, got %q", name, v)
}

func init() {
	createCmd.Flags().StringVar(&createFlags.proxyType, "type", "forward_proxy", "instance type: forward_proxy or tls_tunnel")
	createCmd.Flags().IntVar(&createFlags.port, "port", 0, "listen port (1024-65535, unique per host)")
	createCmd.Flags().BoolVar(&createFlags.https, "https", false, "terminate client TLS (forward_proxy)")
	createCmd.Flags().BoolVar(&createFlags.dpi, "dpi-evasion", false, "suppress proxy fingerprints (forward_proxy)")
	createCmd.Flags().StringVar(&createFlags.forward, "forward", "", "upstream host:port (tls_tunnel)")
	createCmd.Flags().StringVar(&createFlags.cover, "cover", "", "cover domain routed to the cover site (tls_tunnel)")
	createCmd.MarkFlagRequired("port")

	updateCmd.Flags().IntVar(&updateFlags.port, "port", 0, "new listen port")
	updateCmd.Flags().StringVar(&updateFlags.https, "https", "", "true/false")
	updateCmd.Flags().StringVar(&updateFlags.dpi, "dpi-evasion", "", "true/false")
	updateCmd.Flags().StringVar(&updateFlags.forward, "forward", "", "new upstream host:port")
	updateCmd.Flags().StringVar(&updateFlags.cover, "cover", "", "new cover domain (empty to remove)")

	rootCmd.AddCommand(createCmd, listCmd, infoCmd, startCmd, stopCmd, updateCmd, deleteCmd)
}
