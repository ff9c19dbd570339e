package cli

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/output"
)

func newFactsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Inspect activity facts",
	}

	show := &cobra.Command{
		Use:   "show [fact-id]",
		Short: "Show one activity fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := app.facts.Get(cmd.Context(), app.scope(cmd), args[0])
			if err != nil {
				return err
			}
			return app.printer.Print(f, func() *output.Table {
				return factTable([]*models.ActivityFact{f})
			})
		},
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List activity facts of the scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.FactFilter{ScopeID: app.scope(cmd)}
			filter.Source, _ = cmd.Flags().GetString("source")
			filter.Unassigned, _ = cmd.Flags().GetBool("unassigned")
			filter.Limit, _ = cmd.Flags().GetInt("limit")
			list, err := app.facts.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if list == nil {
				list = []*models.ActivityFact{}
			}
			return app.printer.Print(list, func() *output.Table { return factTable(list) })
		},
	}
	list.Flags().String("source", "", "only facts from this source")
	list.Flags().Bool("unassigned", false, "only facts not yet assigned to an epoch")
	list.Flags().Int("limit", 100, "maximum number of facts")

	cmd.AddCommand(show, list)
	return cmd
}

func factTable(list []*models.ActivityFact) *output.Table {
	t := output.NewTable("ID", "SOURCE", "CATEGORY", "USER", "EVENT TIME", "ARTIFACT")
	for _, f := range list {
		t.AddRow(f.ID, f.Source, f.Category, f.PlatformUserID, formatTime(f.EventTime), f.ArtifactURL)
	}
	return t
}
