package cli

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/output"
	"github.com/telhawk-systems/telhawk-ledger/internal/weights"
)

func newEpochCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epoch",
		Short: "Open, close and inspect epochs",
	}
	cmd.AddCommand(
		newEpochOpenCmd(app),
		newEpochCloseCmd(app),
		newEpochListCmd(app),
		newEpochShowCmd(app),
		newEpochVerifyCmd(app),
		newEpochCorrectCmd(app),
	)
	return cmd
}

func newEpochOpenCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open an epoch for a period window",
		Long: `Open an epoch covering [start, end) with a pinned copy of the weight policy.

Opening the same window again returns the existing epoch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			startRaw, _ := cmd.Flags().GetString("start")
			endRaw, _ := cmd.Flags().GetString("end")
			start, err := parseTime(startRaw)
			if err != nil {
				return err
			}
			end, err := parseTime(endRaw)
			if err != nil {
				return err
			}

			policyPath, _ := cmd.Flags().GetString("policy")
			if policyPath == "" {
				policyPath = app.Config.Ledger.WeightPolicyFile
			}
			if policyPath == "" {
				return errors.New("a weight policy is required: pass --policy or set ledger.weight_policy_file")
			}
			policy, err := weights.Load(policyPath)
			if err != nil {
				return err
			}

			issuance, _ := cmd.Flags().GetInt64("base-issuance")
			if !cmd.Flags().Changed("base-issuance") {
				issuance = app.Config.Ledger.BaseIssuanceAmount
			}

			resp, err := app.epochs.Open(cmd.Context(), models.OpenEpochRequest{
				ScopeID:      app.scope(cmd),
				PeriodStart:  start,
				PeriodEnd:    end,
				Policy:       policy,
				BaseIssuance: issuance,
			})
			if err != nil {
				return err
			}

			if app.printer.Format() == output.FormatTable {
				if resp.Created {
					app.printer.Success("Opened epoch %s", resp.Epoch.ID)
				} else {
					app.printer.Info("Epoch %s already covers this window", resp.Epoch.ID)
				}
			}
			return app.printer.Print(resp.Epoch, func() *output.Table { return epochTable(resp.Epoch) })
		},
	}
	cmd.Flags().String("start", "", "period start, inclusive (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().String("end", "", "period end, exclusive (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().String("policy", "", "weight policy YAML file (default: ledger.weight_policy_file)")
	cmd.Flags().Int64("base-issuance", 0, "base issuance recorded with the epoch unless it already has one (default: ledger.base_issuance_amount)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newEpochCloseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "close [epoch-id]",
		Short: "Close an epoch and write its payout statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := app.epochs.Close(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if app.printer.Format() == output.FormatTable {
				if res.Closed {
					app.printer.Success("Closed epoch %s", args[0])
				} else {
					app.printer.Info("Epoch %s was already closed", args[0])
				}
			}
			return printStatement(app, res.Statement)
		},
	}
}

func newEpochListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List epochs of the scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			epochs, err := app.epochs.List(cmd.Context(), app.scope(cmd))
			if err != nil {
				return err
			}
			if epochs == nil {
				epochs = []*models.Epoch{}
			}
			if len(epochs) == 0 && app.printer.Format() == output.FormatTable {
				app.printer.Info("No epochs found")
				return nil
			}
			return app.printer.Print(epochs, func() *output.Table {
				t := output.NewTable("ID", "STATUS", "START", "END", "POLICY", "POOL")
				for _, e := range epochs {
					t.AddRow(e.ID, string(e.Status), formatTime(e.PeriodStart), formatTime(e.PeriodEnd),
						e.WeightPolicy.Version, formatOptional(e.PoolTotal))
				}
				return t
			})
		},
	}
}

func newEpochShowCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [epoch-id]",
		Short: "Show an epoch, its allocations and its statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := app.epochs.Get(ctx, args[0])
			if err != nil {
				return err
			}
			allocs, err := app.curation.Allocations(ctx, e.ID)
			if err != nil {
				return err
			}
			var statement *models.PayoutStatement
			if !e.IsOpen() {
				if statement, err = app.epochs.Statement(ctx, e.ID); err != nil {
					return err
				}
			}

			view := struct {
				Epoch       *models.Epoch           `json:"epoch"`
				Allocations []*models.Allocation    `json:"allocations"`
				Statement   *models.PayoutStatement `json:"statement,omitempty"`
			}{e, allocs, statement}
			if app.printer.Format() != output.FormatTable {
				return app.printer.Print(view, nil)
			}

			if err := app.printer.Print(e, func() *output.Table { return epochTable(e) }); err != nil {
				return err
			}
			app.printer.Info("\nAllocations")
			if err := app.printer.Print(allocs, func() *output.Table {
				t := output.NewTable("SUBJECT", "PROPOSED", "FINAL", "FACTS", "NOTE")
				for _, a := range allocs {
					t.AddRow(a.SubjectID, strconv.FormatInt(a.ProposedUnits, 10), formatOptional(a.FinalUnits),
						strconv.Itoa(a.FactCount), a.OverrideNote)
				}
				return t
			}); err != nil {
				return err
			}
			if statement != nil {
				app.printer.Info("\nStatement %s", statement.ID)
				return printStatement(app, statement)
			}
			return nil
		},
	}
	return cmd
}

func newEpochVerifyCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [epoch-id]",
		Short: "Recompute a closed epoch and compare it with what is stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := app.verifier.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := app.printer.Print(rep, func() *output.Table {
				t := output.NewTable("FIELD", "SUBJECT", "REF", "EXPECTED", "ACTUAL")
				for _, d := range rep.Diffs {
					t.AddRow(d.Field, d.SubjectID, d.Ref, d.Expected, d.Actual)
				}
				return t
			}); err != nil {
				return err
			}
			if !rep.Matches {
				return errVerificationFailed
			}
			if app.printer.Format() == output.FormatTable {
				app.printer.Success("Epoch %s verified", args[0])
			}
			return nil
		},
	}
}

var errVerificationFailed = errors.New("verification found differences")

func newEpochCorrectCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correct [epoch-id]",
		Short: "Issue a correction statement for a closed epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, _ := cmd.Flags().GetStringArray("set")
			reason, _ := cmd.Flags().GetString("reason")
			adjustments, err := parseAdjustments(pairs)
			if err != nil {
				return err
			}
			st, err := app.epochs.IssueCorrection(cmd.Context(), args[0], models.CorrectionRequest{
				Adjustments: adjustments,
				Reason:      reason,
			})
			if err != nil {
				return err
			}
			if app.printer.Format() == output.FormatTable {
				app.printer.Success("Issued correction %s", st.ID)
			}
			return printStatement(app, st)
		},
	}
	cmd.Flags().StringArray("set", nil, "subject=units replacement, repeatable")
	cmd.Flags().String("reason", "", "why the correction is issued")
	_ = cmd.MarkFlagRequired("set")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func epochTable(e *models.Epoch) *output.Table {
	t := output.NewTable("ID", "SCOPE", "STATUS", "START", "END", "POLICY", "POOL")
	t.AddRow(e.ID, e.ScopeID, string(e.Status), formatTime(e.PeriodStart), formatTime(e.PeriodEnd),
		e.WeightPolicy.Version, formatOptional(e.PoolTotal))
	return t
}

func printStatement(app *App, st *models.PayoutStatement) error {
	return app.printer.Print(st, func() *output.Table {
		t := output.NewTable("SUBJECT", "UNITS", "SHARE", "AMOUNT")
		for _, l := range st.Lines {
			t.AddRow(l.SubjectID, strconv.FormatInt(l.Units, 10), l.Share, strconv.FormatInt(l.Amount, 10))
		}
		t.AddRow("(undistributed)", "", "", strconv.FormatInt(st.UndistributedCredits, 10))
		return t
	})
}
