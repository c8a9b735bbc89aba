// repogate is the command boundary between an untrusted coding agent and a
// repository. It recognizes bracketed operations in the agent's output,
// validates them against the repository boundary and executes the allowed
// ones under isolation, producing one result and one audit entry apiece.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"repogate/internal/audit"
	"repogate/internal/boundary"
	"repogate/internal/config"
	"repogate/internal/dispatch"
	"repogate/internal/embedding"
	"repogate/internal/index"
	"repogate/internal/logging"
	"repogate/internal/sandbox"
)

var (
	// Global flags
	verbose    bool
	configPath string
	rootDir    string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "repogate",
	Short: "repogate - command boundary for repository-editing agents",
	Long: `repogate brokers an agent's repository access.

It scans agent output for bracketed operations:

  <open PATH>                 read a file
  <search QUERY>              semantic search over the index
  <write PATH> ... </write>   write a file (backed up, atomic)
  <exec CMD>                  run a whitelisted command in a sandbox

Every operation is validated against the repository boundary before it runs,
and every operation - allowed or rejected - lands in the audit trail.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".repogate.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", "", "repository root (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(doctorCmd)
}

// loadConfig loads, overrides and validates the configuration.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if rootDir != "" {
		cfg.Root = rootDir
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// broker bundles everything a command needs, with a single Close.
type broker struct {
	cfg        config.Config
	validator  *boundary.Validator
	executor   *sandbox.Executor
	store      *index.Store
	indexer    *index.Indexer
	dispatcher *dispatch.Dispatcher
	sink       audit.Sink
}

func (b *broker) Close() {
	if b.sink != nil {
		_ = b.sink.Close()
	}
	if b.store != nil {
		_ = b.store.Close()
	}
}

// unavailableSearcher reports the index startup failure at query time, so a
// broken index degrades search instead of the whole broker.
type unavailableSearcher struct{ err error }

func (u unavailableSearcher) Search(context.Context, string) ([]index.SearchResult, error) {
	return nil, u.err
}

// buildBroker wires the full pipeline from config. needIndex makes an index
// startup failure fatal instead of degrading search.
func buildBroker(ctx context.Context, needIndex bool) (*broker, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(cfg.Root, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, err
	}

	validator, err := boundary.NewValidator(cfg.Root, cfg.Boundary.Exclude, cfg.Boundary.AllowedWriteExtensions)
	if err != nil {
		return nil, err
	}

	var backend sandbox.Backend
	if cfg.Sandbox.Enabled {
		backend, err = sandbox.SelectBackend(ctx,
			sandbox.NewDockerBackend(cfg.Sandbox.Image, cfg.Sandbox.ApprovedImages),
			sandbox.NewProcessBackend(),
			cfg.Sandbox.AllowDirectFallback)
		if err != nil {
			// Execution will be refused per operation; reads and writes
			// still work.
			logger.Warn("no isolation backend available", zap.Error(err))
			backend = nil
		} else {
			logger.Info("isolation backend selected", zap.String("backend", backend.Name()))
		}
	}
	executor := sandbox.NewExecutor(validator.Root(), cfg.Sandbox, cfg.Limits, backend)

	b := &broker{cfg: cfg, validator: validator, executor: executor}

	var searcher dispatch.Searcher
	if cfg.Index.Enabled {
		searcher, err = b.openIndex(validator.Root())
		if err != nil {
			if needIndex {
				b.Close()
				return nil, err
			}
			logger.Warn("similarity index unavailable", zap.Error(err))
			searcher = unavailableSearcher{err: err}
		}
	}

	sink, err := audit.NewFileSink(validator.Root())
	if err != nil {
		b.Close()
		return nil, err
	}
	b.sink = sink
	b.dispatcher = dispatch.New(validator, executor, searcher, sink, cfg.Limits.MaxBodyBytes)
	return b, nil
}

// openIndex opens the store and builds the indexer and searcher.
func (b *broker) openIndex(root string) (dispatch.Searcher, error) {
	dbPath := b.cfg.Index.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	store, err := index.OpenStore(dbPath, b.cfg.Embedding.Dimensions)
	if err != nil {
		return nil, err
	}
	engine, err := embedding.New(b.cfg.Embedding)
	if err != nil {
		store.Close()
		return nil, err
	}
	b.store = store
	b.indexer = index.NewIndexer(root, store, engine, b.cfg.Index,
		b.cfg.Boundary.Exclude, b.cfg.Embedding.Timeout.Std())
	return index.NewSearcher(root, store, engine,
		b.cfg.Index.MinSimilarity, b.cfg.Index.MaxResults,
		b.cfg.Index.PreviewLines, b.cfg.Embedding.Timeout.Std()), nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
