package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grandir66/dapx-backandrepl/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.String())
			return nil
		},
	}
}
