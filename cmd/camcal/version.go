package main

import (
	"camcal/internal/version"

	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s (built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		},
	}
}
