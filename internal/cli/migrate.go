package cli

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/database"
	"github.com/telhawk-systems/telhawk-ledger/internal/output"
)

func newMigrateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "Apply pending schema migrations",
		Annotations: map[string]string{annotationNoStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := app.migrationURL()
			if err != nil {
				return err
			}
			if err := database.Migrate(conn); err != nil {
				return err
			}
			app.printer.Success("schema is up to date")
			return nil
		},
	}

	down := &cobra.Command{
		Use:         "down",
		Short:       "Roll back every migration",
		Annotations: map[string]string{annotationNoStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errors.New("refusing to drop the ledger schema without --yes")
			}
			conn, err := app.migrationURL()
			if err != nil {
				return err
			}
			if err := database.MigrateDown(conn); err != nil {
				return err
			}
			app.printer.Success("schema rolled back")
			return nil
		},
	}
	down.Flags().Bool("yes", false, "confirm dropping every ledger table")

	version := &cobra.Command{
		Use:         "version",
		Short:       "Show the applied schema version",
		Annotations: map[string]string{annotationNoStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := app.migrationURL()
			if err != nil {
				return err
			}
			v, dirty, err := database.SchemaVersion(conn)
			if err != nil {
				return err
			}
			return app.printer.Print(map[string]any{"version": v, "dirty": dirty}, func() *output.Table {
				t := output.NewTable("VERSION", "DIRTY")
				t.AddRow(strconv.FormatUint(uint64(v), 10), strconv.FormatBool(dirty))
				return t
			})
		},
	}

	cmd.AddCommand(down, version)
	return cmd
}

func (a *App) migrationURL() (string, error) {
	if a.Config.Database.Type != "postgres" {
		return "", errors.New("migrations require database.type=postgres")
	}
	return a.Config.Database.Postgres.ConnString(), nil
}
