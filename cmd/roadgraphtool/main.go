package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roadgraphtool/roadgraphtool"
	"github.com/roadgraphtool/roadgraphtool/log"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "roadgraphtool",
		Short:         "Import OSM extracts as areas into a shared road graph database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), roadgraphtool.Version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
}
