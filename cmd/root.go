// Package cmd implements the duologue command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "duologue",
	Short: "Duologue - orchestrated conversations between two AI personas",
	Long: `Duologue runs scripted exchanges between two AI personas: pick two
personas, give them an opening message, and the orchestrator alternates
turns between them until a stop word fires or the round budget runs out.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newPersonasCmd())
	rootCmd.AddCommand(newVersionCmd())
}
