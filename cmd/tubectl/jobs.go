package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var progressCmd = &cobra.Command{
	Use:   "progress <jobId>",
	Short: "Show the current progress of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return wrapUsage(err)
		}
		progress, err := client.GetProgress(cmd.Context(), args[0])
		if err != nil {
			return wrapUsage(err)
		}
		return printJSON(cmd.OutOrStdout(), progress)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <jobId>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return wrapUsage(err)
		}
		resp, err := client.CancelJob(cmd.Context(), args[0])
		if err != nil {
			return wrapUsage(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(cancelCmd)
}
