package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var logsTail int

var logsCmd = &cobra.Command{
	Use:   "logs <instance>",
	Short: "Show an instance's daemon output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, err := apiClient().Logs(cmd.Context(), args[0], logsTail)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

var eventsFlags struct {
	instance string
	limit    int
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show lifecycle audit events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := apiClient().Events(cmd.Context(), eventsFlags.instance, eventsFlags.limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tINSTANCE\tTYPE\tDETAIL")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				ev.At.Local().Format(time.RFC3339), ev.Instance, ev.Type, ev.Detail)
		}
		return w.Flush()
	},
}

func init() {
	logsCmd.Flags().IntVar(&logsTail, "tail", 100, "number of lines to show")
	eventsCmd.Flags().StringVar(&eventsFlags.instance, "instance", "", "filter to one instance")
	eventsCmd.Flags().IntVar(&eventsFlags.limit, "limit", 50, "maximum events to show")
	rootCmd.AddCommand(logsCmd, eventsCmd)
}
