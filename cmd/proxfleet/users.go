package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage basic-auth credentials on a forward proxy instance",
}

var userPassword string

var userAddCmd = &cobra.Command{
	Use:   "add <instance> <username>",
	Short: "Add a credential",
	Long: `Add a basic-auth credential. The password is prompted for unless
--password is given (prefer the prompt; flags end up in shell history).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := userPassword
		if password == "" {
			fmt.Fprintf(os.Stderr, "password for %s: ", args[1])
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = string(raw)
		}

		if err := apiClient().AddUser(cmd.Context(), args[0], args[1], password); err != nil {
			return err
		}
		fmt.Printf("added user %s to %s\n", args[1], args[0])
		return nil
	},
}

var userRemoveCmd = &cobra.Command{
	Use:     "rm <instance> <username>",
	Aliases: []string{"remove"},
	Short:   "Remove a credential",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().RemoveUser(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("removed user %s from %s\n", args[1], args[0])
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:     "ls <instance>",
	Aliases: []string{"list"},
	Short:   "List usernames",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		users, err := apiClient().ListUsers(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Println(u)
		}
		return nil
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "password (prompted if omitted)")
	userCmd.AddCommand(userAddCmd, userRemoveCmd, userListCmd)
	rootCmd.AddCommand(userCmd)
}
