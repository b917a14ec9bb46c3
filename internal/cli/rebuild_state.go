package cli

import (
	"errors"
	"fmt"

	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
	"github.com/spf13/cobra"
)

func newRebuildStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild-state",
		Short: "Rebuild a card's state from the ledger",
		Long: `rebuild-state sets the card's last location and time to those of its latest
GENUINE ledger entry. Use it after a transaction was ledgered but the state
write failed.`,
		Args: cobra.NoArgs,
		RunE: runRebuildState,
	}
	cmd.Flags().String("card", "", "Card ID (required)")
	_ = cmd.MarkFlagRequired("card")
	return cmd
}

func runRebuildState(cmd *cobra.Command, args []string) error {
	cardID, _ := cmd.Flags().GetString("card")

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := domain.NewStateRebuilder(a.cards, a.ledger).Rebuild(ctx, cardID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("card %s has no GENUINE transactions", cardID)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Card %s: postcode %s at %s\n",
		state.CardID, state.LastPostcode, state.LastTransactionDT.Format(domain.TransactionTimeLayout))
	return nil
}
