package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/portino"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of portino",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("portino version %s\n", portino.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
