package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login [idToken]",
	Short: "Exchange an identity token for a service token and save it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idToken := os.Getenv("TUBECTL_ID_TOKEN")
		if len(args) == 1 {
			idToken = args[0]
		}
		if idToken == "" {
			return wrapUsage(fmt.Errorf("identity token is required (argument or $TUBECTL_ID_TOKEN)"))
		}

		client, err := newClient()
		if err != nil {
			return wrapUsage(err)
		}
		exchanged, err := client.ExchangeToken(cmd.Context(), idToken)
		if err != nil {
			return wrapUsage(err)
		}
		if err := saveToken(exchanged.APIToken); err != nil {
			return wrapUsage(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (token saved to %s)\n", exchanged.UserID, tokenFile)
		return nil
	},
}

func init() { rootCmd.AddCommand(loginCmd) }
