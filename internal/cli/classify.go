package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
	"github.com/spf13/cobra"
)

// classifyResult is printed by the classify command
type classifyResult struct {
	Outcome     domain.OutcomeKind  `json:"outcome"`
	LedgerID    string              `json:"ledgerId,omitempty"`
	Status      domain.Status       `json:"status,omitempty"`
	FailedRules []domain.RuleName   `json:"failedRules,omitempty"`
	Rules       []domain.RuleResult `json:"rules,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func newClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [file]",
		Short: "Classify one transaction event",
		Long: `classify reads one JSON transaction event from a file, or from stdin when no
file is given, runs it through the configured stores and prints the result.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runClassify,
	}
	cmd.Flags().String("key", "", "Delivery key; repeated runs with the same key reuse one ledger entry")
	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		in = f
	}
	body, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read transaction: %w", err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pipeline, err := a.pipeline(nil)
	if err != nil {
		return err
	}

	outcome, procErr := pipeline.Process(ctx, domain.Delivery{Body: body, Key: key})

	res := classifyResult{
		Outcome:     outcome.Kind,
		FailedRules: outcome.Classification.FailedRules(),
		Rules:       outcome.Classification.Rules,
	}
	if outcome.Record != nil {
		res.LedgerID = outcome.Record.ID.String()
		res.Status = outcome.Record.Status
	}
	if procErr != nil {
		res.Error = procErr.Error()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	return procErr
}
