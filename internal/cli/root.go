package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/config"
	"github.com/telhawk-systems/telhawk-ledger/internal/curation"
	"github.com/telhawk-systems/telhawk-ledger/internal/epoch"
	"github.com/telhawk-systems/telhawk-ledger/internal/facts"
	"github.com/telhawk-systems/telhawk-ledger/internal/ingest"
	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/output"
	"github.com/telhawk-systems/telhawk-ledger/internal/pool"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
	"github.com/telhawk-systems/telhawk-ledger/internal/verify"
)

const Version = "0.1.0"

// annotationNoStore marks commands that must not open the store.
const annotationNoStore = "ledgerctl/no-store"

// App holds what a ledgerctl invocation works against. Fields left nil are
// built from the loaded configuration.
type App struct {
	Config *config.Config
	Store  repository.Store
	Logger *logging.Logger

	configPath string
	ownsStore  bool
	printer    *output.Printer

	facts     *facts.Service
	curation  *curation.Service
	pool      *pool.Service
	epochs    *epoch.Service
	verifier  *verify.Service
	collector *ingest.Collector
}

// Execute runs ledgerctl against the configured store.
func Execute() error {
	return NewRootCmd(&App{}).Execute()
}

func NewRootCmd(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "TelHawk credit ledger administration",
		Long: `ledgerctl operates the credit ledger directly against its store.

Open and close epochs, curate facts, record pool components, verify payout
statements and run schema migrations.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}

	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().StringP("output", "o", "table", "output format: table, json, yaml")
	root.PersistentFlags().String("scope", "", "scope id (default: ledger.default_scope)")
	root.PersistentFlags().String("actor", "", "reviewer recorded on curation writes (default: $USER)")

	root.AddCommand(
		newMigrateCmd(app),
		newEpochCmd(app),
		newPoolCmd(app),
		newCurateCmd(app),
		newIngestCmd(app),
		newFactsCmd(app),
	)
	return root
}

func (a *App) setup(cmd *cobra.Command) error {
	format, _ := cmd.Flags().GetString("output")
	f, err := output.ParseFormat(format)
	if err != nil {
		return err
	}
	a.printer = output.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), f)

	if a.Config == nil {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.Config = cfg
	}
	if a.Logger == nil {
		level := logging.ParseLevel(a.Config.Logging.Level)
		if level < slog.LevelWarn {
			level = slog.LevelWarn
		}
		a.Logger = logging.NewWithWriter(cmd.ErrOrStderr(), level, "text")
	}

	if cmd.Annotations[annotationNoStore] == "true" {
		return nil
	}
	if a.Store == nil {
		store, err := openStore(cmd.Context(), a.Config)
		if err != nil {
			return err
		}
		if a.Config.Database.Type == "memory" {
			a.printer.Warn("using the in-memory store: nothing is persisted after this command exits")
		}
		a.Store = store
		a.ownsStore = true
	}

	a.facts = facts.NewService(a.Store, a.Logger)
	a.curation = curation.NewService(a.Store, a.Logger)
	a.pool = pool.NewService(a.Store, a.Logger)
	a.epochs = epoch.NewService(a.Store, a.curation, a.Logger)
	a.verifier = verify.NewService(a.Store, a.Logger)
	a.collector = ingest.NewCollector(a.Store, a.facts, a.curation, a.Logger, ingest.Options{
		BatchSize:   a.Config.Ingest.BatchSize,
		Concurrency: a.Config.Ingest.Concurrency,
	})
	return nil
}

func (a *App) close() {
	if a.ownsStore && a.Store != nil {
		a.Store.Close()
		a.Store = nil
		a.ownsStore = false
	}
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch cfg.Database.Type {
	case "memory":
		return repository.NewInMemoryRepository(), nil
	default:
		store, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return store, nil
	}
}

func (a *App) scope(cmd *cobra.Command) string {
	if s, _ := cmd.Flags().GetString("scope"); s != "" {
		return s
	}
	return a.Config.Ledger.DefaultScope
}

func (a *App) actor(cmd *cobra.Command) string {
	if s, _ := cmd.Flags().GetString("actor"); s != "" {
		return s
	}
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return "ledgerctl"
}
