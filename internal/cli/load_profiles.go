package cli

import (
	"fmt"
	"os"

	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/profiles"
	"github.com/spf13/cobra"
)

func newLoadProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load-profiles <file.csv>",
		Short: "Load card profiles into the card store",
		Long: `load-profiles reads lines of card_id,score,ucl[,postcode,transaction_dt]
and creates or replaces the profile of each card. The optional columns seed the
card's last known location and must be in the postcode directory. Nothing is
written if any line is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: runLoadProfiles,
	}
}

func runLoadProfiles(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	loc, err := a.cfg.Pipeline.Location()
	if err != nil {
		return err
	}

	distances, err := a.distances()
	if err != nil {
		return err
	}

	res, err := profiles.NewImporter(a.cards, a.transactor, distances, loc, a.logger).Import(ctx, f)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d profiles (%d with state)\n", res.Profiles, res.States)
	return nil
}
