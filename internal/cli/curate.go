package cli

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/output"
)

func newCurateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "curate",
		Short: "Curate the facts and allocations of an open epoch",
	}
	cmd.AddCommand(
		newCurateAssignCmd(app),
		newCurateInclusionCmd(app, "include", true),
		newCurateInclusionCmd(app, "exclude", false),
		newCurateWeightCmd(app),
		newCurateFinalCmd(app),
		newCurateBindCmd(app),
	)
	return cmd
}

func newCurateAssignCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "assign [epoch-id]",
		Short: "Assign unassigned facts in the epoch window to the epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := app.curation.AssignWindow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if app.printer.Format() == output.FormatTable {
				app.printer.Success("Assigned %d facts to epoch %s", n, args[0])
				return nil
			}
			return app.printer.Print(map[string]int{"assigned": n}, nil)
		},
	}
}

func newCurateInclusionCmd(app *App, use string, included bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [epoch-id] [fact-id]",
		Short: use + " a fact in the epoch allocation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			entry, err := app.curation.SetInclusion(cmd.Context(), args[0], args[1], included, reason, app.actor(cmd))
			if err != nil {
				return err
			}
			return printEntry(app, entry)
		},
	}
	cmd.Flags().String("reason", "", "rationale recorded on the curation entry")
	return cmd
}

func newCurateWeightCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weight [epoch-id] [fact-id] [milli-units]",
		Short: "Override the weight of one fact",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			unset, _ := cmd.Flags().GetBool("clear")
			reason, _ := cmd.Flags().GetString("reason")

			var weight *int64
			switch {
			case unset && len(args) == 3:
				return errors.New("pass either a weight or --clear")
			case unset:
			case len(args) == 3:
				w, err := strconv.ParseInt(args[2], 10, 64)
				if err != nil {
					return err
				}
				weight = &w
			default:
				return errors.New("a weight is required unless --clear is set")
			}

			entry, err := app.curation.SetWeightOverride(cmd.Context(), args[0], args[1], weight, reason, app.actor(cmd))
			if err != nil {
				return err
			}
			return printEntry(app, entry)
		},
	}
	cmd.Flags().Bool("clear", false, "remove the override and use the policy weight")
	cmd.Flags().String("reason", "", "rationale recorded on the curation entry")
	return cmd
}

func newCurateFinalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "final [epoch-id] [subject-id] [units]",
		Short: "Set the final units of a subject's allocation",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			unset, _ := cmd.Flags().GetBool("clear")
			reason, _ := cmd.Flags().GetString("reason")

			var units *int64
			switch {
			case unset && len(args) == 3:
				return errors.New("pass either units or --clear")
			case unset:
			case len(args) == 3:
				u, err := strconv.ParseInt(args[2], 10, 64)
				if err != nil {
					return err
				}
				units = &u
			default:
				return errors.New("units are required unless --clear is set")
			}

			a, err := app.curation.SetFinalUnits(cmd.Context(), args[0], args[1], units, reason)
			if err != nil {
				return err
			}
			return app.printer.Print(a, func() *output.Table {
				t := output.NewTable("SUBJECT", "PROPOSED", "FINAL", "NOTE")
				t.AddRow(a.SubjectID, strconv.FormatInt(a.ProposedUnits, 10), formatOptional(a.FinalUnits), a.OverrideNote)
				return t
			})
		},
	}
	cmd.Flags().Bool("clear", false, "remove the final units and use the proposed units")
	cmd.Flags().String("reason", "", "why the final units differ from the proposal")
	return cmd
}

func newCurateBindCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "bind [source] [platform-user-id] [subject-id]",
		Short: "Bind a platform identity to a subject",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, created, err := app.curation.BindIdentity(cmd.Context(), models.BindIdentityRequest{
				ScopeID:        app.scope(cmd),
				Source:         args[0],
				PlatformUserID: args[1],
				SubjectID:      args[2],
				CreatedBy:      app.actor(cmd),
			})
			if err != nil {
				return err
			}
			if app.printer.Format() == output.FormatTable {
				if created {
					app.printer.Success("Bound %s/%s to %s", b.Source, b.PlatformUserID, b.SubjectID)
				} else {
					app.printer.Info("%s/%s is already bound to %s", b.Source, b.PlatformUserID, b.SubjectID)
				}
				return nil
			}
			return app.printer.Print(b, nil)
		},
	}
}

func printEntry(app *App, e *models.CurationEntry) error {
	return app.printer.Print(e, func() *output.Table {
		t := output.NewTable("FACT", "SUBJECT", "INCLUDED", "OVERRIDE", "BY", "RATIONALE")
		t.AddRow(e.FactID, formatSubject(e.SubjectID), strconv.FormatBool(e.Included),
			formatOptional(e.WeightOverride), e.UpdatedBy, e.Rationale)
		return t
	})
}
