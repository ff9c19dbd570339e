package cli

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/ingest"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/output"
)

func newIngestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest activity facts",
	}

	files := &cobra.Command{
		Use:   "files",
		Short: "Collect facts from NDJSON files, one file per stream",
		Long: `Collect facts from <dir>/<stream>.ndjson. Each stream resumes from its
persisted cursor, so re-running only reads lines added since the last run.
Facts whose event time falls inside the open epoch are assigned to it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = app.Config.Ingest.SourceDir
			}
			name, _ := cmd.Flags().GetString("adapter")
			adapter := &ingest.FileAdapter{Dir: dir, AdapterName: name}
			app.collector.Register(adapter)

			streams, _ := cmd.Flags().GetStringSlice("stream")
			if len(streams) == 0 {
				found, err := adapter.Streams()
				if err != nil {
					return err
				}
				streams = found
			}
			if len(streams) == 0 {
				return errors.New("no streams found: pass --stream or add <stream>.ndjson files")
			}

			req := models.CollectRequest{
				ScopeID: app.scope(cmd),
				Adapter: adapter.Name(),
				Streams: streams,
			}
			if raw, _ := cmd.Flags().GetString("start"); raw != "" {
				t, err := parseTime(raw)
				if err != nil {
					return err
				}
				req.WindowStart = t
			}
			if raw, _ := cmd.Flags().GetString("end"); raw != "" {
				t, err := parseTime(raw)
				if err != nil {
					return err
				}
				req.WindowEnd = t
			}

			res, err := app.collector.Collect(cmd.Context(), req)
			if err != nil {
				return err
			}
			return app.printer.Print(res, func() *output.Table {
				t := output.NewTable("ADAPTER", "BATCHES", "INSERTED", "SKIPPED", "ASSIGNED")
				t.AddRow(res.Adapter, strconv.Itoa(res.Batches), strconv.Itoa(res.Inserted),
					strconv.Itoa(res.Skipped), strconv.Itoa(res.Assigned))
				return t
			})
		},
	}
	files.Flags().String("dir", "", "directory holding <stream>.ndjson files (default: ingest.source_dir)")
	files.Flags().String("adapter", "file", "adapter name recorded on cursors")
	files.Flags().StringSlice("stream", nil, "streams to collect (default: every file in --dir)")
	files.Flags().String("start", "", "only facts at or after this time")
	files.Flags().String("end", "", "only facts before this time")

	cmd.AddCommand(files)
	return cmd
}
