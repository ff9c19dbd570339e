package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/output"
	"github.com/telhawk-systems/telhawk-ledger/internal/pool"
)

func newPoolCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Record and list pool components",
	}

	record := &cobra.Command{
		Use:   "record [epoch-id]",
		Short: "Record a pool component for an open epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("type")
			amount, _ := cmd.Flags().GetInt64("amount")
			evidence, _ := cmd.Flags().GetString("evidence")

			var req models.RecordComponentRequest
			switch kind {
			case models.ComponentBaseIssuance:
				req = pool.BaseIssuance(amount)
				req.EvidenceRef = evidence
			case models.ComponentMetricBonus:
				metric, _ := cmd.Flags().GetString("metric")
				value, _ := cmd.Flags().GetInt64("value")
				req = pool.MetricBonus(metric, value, amount, evidence)
			case models.ComponentManualTopUp:
				approvedBy, _ := cmd.Flags().GetString("approved-by")
				if approvedBy == "" {
					approvedBy = app.actor(cmd)
				}
				req = pool.ManualTopUp(amount, approvedBy, evidence)
			default:
				return fmt.Errorf("unknown component type %q", kind)
			}

			c, err := app.pool.RecordComponent(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if app.printer.Format() == output.FormatTable {
				app.printer.Success("Recorded %s of %d", c.ComponentType, c.Amount)
			}
			return app.printer.Print(c, func() *output.Table {
				return componentTable([]*models.PoolComponent{c})
			})
		},
	}
	record.Flags().String("type", models.ComponentBaseIssuance, "base_issuance, metric_bonus or manual_topup")
	record.Flags().Int64("amount", 0, "credits contributed by the component")
	record.Flags().String("evidence", "", "reference to the evidence for the amount")
	record.Flags().String("metric", "", "metric name (metric_bonus)")
	record.Flags().Int64("value", 0, "observed metric value (metric_bonus)")
	record.Flags().String("approved-by", "", "approver (manual_topup, default: --actor)")
	_ = record.MarkFlagRequired("amount")

	list := &cobra.Command{
		Use:     "list [epoch-id]",
		Aliases: []string{"ls"},
		Short:   "List the pool components of an epoch",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := app.pool.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			total, err := app.pool.TotalFor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if components == nil {
				components = []*models.PoolComponent{}
			}
			view := map[string]any{"components": components, "total": total}
			if err := app.printer.Print(view, func() *output.Table { return componentTable(components) }); err != nil {
				return err
			}
			if app.printer.Format() == output.FormatTable {
				app.printer.Info("\nPool total: %d", total)
			}
			return nil
		},
	}

	cmd.AddCommand(record, list)
	return cmd
}

func componentTable(components []*models.PoolComponent) *output.Table {
	t := output.NewTable("TYPE", "ALGORITHM", "AMOUNT", "EVIDENCE", "COMPUTED")
	for _, c := range components {
		t.AddRow(c.ComponentType, c.AlgorithmVersion, strconv.FormatInt(c.Amount, 10), c.EvidenceRef, formatTime(c.ComputedAt))
	}
	return t
}
