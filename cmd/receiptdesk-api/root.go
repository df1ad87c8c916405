package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use: "receiptdesk-api",
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
}
