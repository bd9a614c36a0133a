// Package cli implements the carbonctl operator commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"example.com/carbonlens/internal/config"
	"example.com/carbonlens/internal/ingest"
	"example.com/carbonlens/internal/persistence/memory"
	"example.com/carbonlens/internal/persistence/postgres"
	"example.com/carbonlens/internal/providers"
	"example.com/carbonlens/internal/syncengine"
)

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigFile   string
	PostgresURL  string
	OutputFormat string
	Memory       bool
}

// Backend is the set of services a command runs against.
type Backend struct {
	Pipeline *ingest.Pipeline
	Engine   *syncengine.Engine
	Close    func()
}

// BackendFactory builds a Backend for the resolved global flags.
type BackendFactory func(ctx context.Context, flags GlobalFlags) (*Backend, error)

type app struct {
	flags   GlobalFlags
	factory BackendFactory
	backend *Backend
}

// NewRootCmd builds the carbonctl command tree. A nil factory selects OpenBackend.
func NewRootCmd(factory BackendFactory) *cobra.Command {
	if factory == nil {
		factory = OpenBackend
	}
	a := &app{factory: factory}

	root := &cobra.Command{
		Use:           "carbonctl",
		Short:         "Operate the carbonlens activity engine",
		Long:          "Ingest activities, run provider syncs and inspect emission totals against the carbonlens store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.flags.OutputFormat != formatTable && a.flags.OutputFormat != formatJSON {
				return fmt.Errorf("invalid output format %q: use table or json", a.flags.OutputFormat)
			}
			if a.flags.ConfigFile != "" {
				if err := os.Setenv(config.FileEnv, a.flags.ConfigFile); err != nil {
					return err
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.backend != nil && a.backend.Close != nil {
				a.backend.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.flags.ConfigFile, "config", "", "YAML config file (overrides "+config.FileEnv+")")
	root.PersistentFlags().StringVar(&a.flags.PostgresURL, "postgres-url", "", "Postgres connection string (overrides config)")
	root.PersistentFlags().StringVarP(&a.flags.OutputFormat, "output", "o", formatTable, "Output format: table or json")
	root.PersistentFlags().BoolVar(&a.flags.Memory, "memory", false, "Run against an in-memory store (nothing is persisted)")

	root.AddCommand(
		a.ingestCmd(),
		a.syncCmd(),
		a.totalsCmd(),
		a.coefficientsCmd(),
	)
	return root
}

// Execute runs carbonctl with the process arguments.
func Execute() error {
	return NewRootCmd(nil).Execute()
}

func (a *app) open(ctx context.Context) (*Backend, error) {
	if a.backend != nil {
		return a.backend, nil
	}
	backend, err := a.factory(ctx, a.flags)
	if err != nil {
		return nil, err
	}
	a.backend = backend
	return backend, nil
}

func (a *app) output(w io.Writer) *outputWriter {
	return newOutputWriter(w, a.flags.OutputFormat)
}

// OpenBackend wires the pipeline and sync engine over Postgres, or over an
// in-memory store when flags.Memory is set.
func OpenBackend(ctx context.Context, flags GlobalFlags) (*Backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	registry := providers.Default(
		providers.GoogleOptions{Endpoint: cfg.GoogleAPIEndpoint},
		providers.GraphOptions{BaseURL: cfg.GraphBaseURL},
	)
	engineOpts := []syncengine.Option{
		syncengine.WithWorkers(cfg.SyncWorkers),
		syncengine.WithTimeout(cfg.SyncTimeout),
	}

	if flags.Memory {
		store := memory.NewStore()
		pipeline := ingest.NewPipeline(store)
		return &Backend{
			Pipeline: pipeline,
			Engine:   syncengine.NewEngine(registry, store, store, pipeline, engineOpts...),
			Close:    func() {},
		}, nil
	}

	url := cfg.PostgresURL
	if flags.PostgresURL != "" {
		url = flags.PostgresURL
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := postgres.NewStore(pool)
	pipeline := ingest.NewPipeline(store)
	return &Backend{
		Pipeline: pipeline,
		Engine:   syncengine.NewEngine(registry, store, store, pipeline, engineOpts...),
		Close:    pool.Close,
	}, nil
}
