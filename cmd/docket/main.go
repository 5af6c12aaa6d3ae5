package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docket/internal/backend"
	"docket/internal/config"
	"docket/internal/logging"
	"docket/internal/store"
	"docket/internal/supervisor"
	"docket/internal/transport"
	"docket/internal/workflow"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger

	// app is the wired application, built once in PersistentPreRunE.
	app *application
)

// application bundles the wired layers behind the CLI verbs. The session
// restore runs at most once per process, lazily, so every verb sees the
// jobs persisted by earlier invocations.
type application struct {
	cfg       *config.Config
	client    backend.Client
	kv        store.KV
	session   *store.SessionStore
	transport *transport.Manager
	sup       *supervisor.Supervisor

	restoreOnce sync.Once
	restoreErr  error
	restored    []workflow.Snapshot
}

// restore resumes the persisted session. Safe to call from every verb;
// only the first call hits the backend.
func (a *application) restore(ctx context.Context) ([]workflow.Snapshot, error) {
	a.restoreOnce.Do(func() {
		a.restored, a.restoreErr = a.sup.Restore(ctx)
	})
	return a.restored, a.restoreErr
}

func (a *application) close() {
	if a == nil {
		return
	}
	if a.sup != nil {
		a.sup.Close()
	}
	if a.kv != nil {
		_ = a.kv.Close()
	}
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "docket",
	Short: "docket - staged legal document analysis from the terminal",
	Long: `docket drives long-running legal document analysis jobs through
their phases: submit a document for intake, review and confirm the
extracted fields, run deep analysis (optionally across several model
back-ends at once), and generate the final draft.

Every phase transition is an explicit command: nothing advances until
you confirm it. Jobs keep running on the backend between invocations;
the session is persisted locally so 'docket resume' picks up where you
left off.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		kv, err := store.Open(cfg.Store.Driver, cfg.Store.GetPath())
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}

		client := backend.NewHTTPClient(cfg.Backend.BaseURL, cfg.Backend.GetRequestTimeout(), logger)
		session := store.NewSessionStore(kv, cfg.Store.GetSessionTTL(), cfg.Limits.MaxActiveJobs, logger)
		tm := transport.New(cfg.Transport, client, logger)

		app = &application{
			cfg:       cfg,
			client:    client,
			kv:        kv,
			session:   session,
			transport: tm,
			sup:       supervisor.New(cfg, client, tm, session, logger),
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		app.close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	submitCmd.Flags().StringVar(&submitMatter, "matter", "", "Short description of the matter (default: document file name)")
	submitCmd.Flags().StringVar(&submitRole, "role", "", "Reviewing party role, e.g. receiving or disclosing")
	submitCmd.Flags().StringVar(&submitScenario, "scenario", "", "Analysis scenario selector")

	confirmCmd.Flags().StringArrayVar(&confirmSets, "set", nil, "Override an extracted field, field=value (repeatable)")

	analyzeCmd.Flags().StringVar(&analyzeMode, "mode", "single", "Analysis mode: single or multi")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(watchCmd)
}

// defaultConfigPath is ~/.docket/config.yaml, falling back to the working
// directory when the home directory cannot be resolved.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "docket.yaml"
	}
	return filepath.Join(home, ".docket", "config.yaml")
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. Cancelling
// stops the local wait; the backend job keeps running.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
