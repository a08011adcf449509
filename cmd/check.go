package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sjsage522/pricewatch/internal/checker"
)

type checkOutput struct {
	Status         checker.Status `json:"status"`
	Price          string         `json:"price,omitempty"`
	Currency       string         `json:"currency,omitempty"`
	Changed        bool           `json:"changed"`
	FirstCheck     bool           `json:"firstCheck"`
	Direction      string         `json:"direction,omitempty"`
	TriggeredRules int            `json:"triggeredRules"`
	Error          string         `json:"error,omitempty"`
}

func checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <competitor-id>",
		Short: "Check one competitor now and print the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := initializeServices(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize services: %w", err)
			}
			defer services.Cleanup()

			out, err := services.Checker.Check(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			result := checkOutput{
				Status:         out.Status,
				Currency:       out.Currency,
				Changed:        out.Changed,
				FirstCheck:     out.FirstCheck,
				TriggeredRules: out.TriggeredRules,
			}
			if out.Price.Valid {
				result.Price = checker.FormatPrice(out.Price.Decimal, out.Currency)
			}
			if out.Change != nil {
				result.Direction = out.Change.Direction()
			}
			if out.Err != nil {
				result.Error = out.Err.Error()
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if out.Status == checker.StatusError {
				return out.Err
			}
			return nil
		},
	}
}
