/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "logobot",
	Short: "Chat bot that relays image attachments through a processing service",
	Long: `LogoBot receives images in chat conversations, sends them to an image
processing service and replies with the processed result.

Run "logobot gateway" to serve the enabled chat channels, or
"logobot process <image>" to send a local file through the same service.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
