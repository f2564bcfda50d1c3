// Command forge runs the content-generation pipeline service and its
// one-shot tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	root := &cobra.Command{
		Use:   "forge",
		Short: "Content-generation pipeline orchestrator",
		Long: `forge turns a compact authoring request into a validated, fully
rendered reader document: structured prose, equations, plots, chemical
structures, diagrams and interactive widgets, generated through a staged
pipeline with caching, rate limiting, repair and atomic publication.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCompileCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the forge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("forge", version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
