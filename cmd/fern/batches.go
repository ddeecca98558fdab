package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	batchLimit      int
	promoteDryRun   bool
	promoteOperator string
)

// batchesCmd lists completed batches
var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List completed batches with their merge state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(c *core) error {
			batches, err := c.engine.ListBatches(cmd.Context(), batchLimit)
			if err != nil {
				return err
			}
			return printJSON(batches)
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [batch_id]",
	Short: "Score a batch and refresh its review flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(c *core) error {
			report, err := c.validator.ValidateBatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote [batch_id]",
	Short: "Promote a batch's pending rows into production",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(c *core) error {
			result, err := c.engine.Promote(cmd.Context(), args[0], promoteDryRun, promoteOperator)
			if err != nil {
				return err
			}
			if err := printJSON(result); err != nil {
				return err
			}
			if result.Outcome == models.PromotionBlocked {
				return fmt.Errorf("promotion of %s blocked: quality score %.4f is below %.4f", result.BatchID, result.QualityScore, result.Threshold)
			}
			return nil
		})
	},
}

// withCore starts the database without migrations and runs fn against the batch services.
func withCore(cmd *cobra.Command, fn func(c *core) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	a.addDatabase(false)
	a.addServices()
	if err := a.startup.Start(cmd.Context()); err != nil {
		return err
	}
	return fn(a.core())
}

func init() {
	batchesCmd.Flags().IntVar(&batchLimit, "limit", 50, "Maximum number of batches to list")
	promoteCmd.Flags().BoolVar(&promoteDryRun, "dry-run", false, "Count what would be promoted without writing")
	promoteCmd.Flags().StringVar(&promoteOperator, "operator", "", "Operator recorded in the merge log")
}
