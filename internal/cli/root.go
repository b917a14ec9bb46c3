package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "card-fraud",
		Short: "Card transaction fraud classification engine",
		Long: `card-fraud classifies card transactions as GENUINE or FRAUD using the
member credit score, the card's upper control limit and the travel speed
between consecutive transactions.

Configuration is read from environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newClassifyCmd())
	rootCmd.AddCommand(newLoadProfilesCmd())
	rootCmd.AddCommand(newRebuildStateCmd())
	return rootCmd
}

// Execute runs the root command
func Execute(version string) error {
	if err := NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
