package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"repogate/internal/boundary"
	"repogate/internal/config"
	"repogate/internal/embedding"
	"repogate/internal/index"
	"repogate/internal/sandbox"
)

var cleanupMaxAge time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old write backups",
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 7*24*time.Hour, "delete backups older than this")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, err := buildBroker(ctx, false)
	if err != nil {
		return err
	}
	defer b.Close()

	removed, err := b.executor.CleanupBackups(cleanupMaxAge)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d backups older than %s\n", removed, cleanupMaxAge)
	return nil
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check every collaborator the broker depends on",
	Long: `Probes the repository root, the container runtime, the embedding service
and the index database, and reports each one separately. Nothing is
modified.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	report(checkRoot(cfg))
	report(checkDocker(ctx, cfg))
	report(checkEmbedding(ctx, cfg))
	report(checkIndex(cfg))
	return nil
}

type probe struct {
	name string
	err  error
	note string
}

func report(p probe) {
	switch {
	case p.err != nil:
		fmt.Printf("FAIL %-18s %v\n", p.name, p.err)
	case p.note != "":
		fmt.Printf("ok   %-18s %s\n", p.name, p.note)
	default:
		fmt.Printf("ok   %-18s\n", p.name)
	}
}

func checkRoot(cfg config.Config) probe {
	v, err := boundary.NewValidator(cfg.Root, cfg.Boundary.Exclude, cfg.Boundary.AllowedWriteExtensions)
	if err != nil {
		return probe{name: "repository root", err: err}
	}
	return probe{name: "repository root", note: v.Root()}
}

func checkDocker(ctx context.Context, cfg config.Config) probe {
	if !cfg.Sandbox.Enabled {
		return probe{name: "isolation", note: "execution disabled"}
	}
	docker := sandbox.NewDockerBackend(cfg.Sandbox.Image, cfg.Sandbox.ApprovedImages)
	if err := docker.Probe(ctx); err != nil {
		if cfg.Sandbox.AllowDirectFallback {
			return probe{name: "isolation", note: "docker unavailable, direct fallback allowed"}
		}
		return probe{name: "isolation", err: err}
	}
	return probe{name: "isolation", note: "docker, image " + cfg.Sandbox.Image}
}

func checkEmbedding(ctx context.Context, cfg config.Config) probe {
	if !cfg.Index.Enabled {
		return probe{name: "embedding service", note: "index disabled"}
	}
	engine, err := embedding.New(cfg.Embedding)
	if err != nil {
		return probe{name: "embedding service", err: err}
	}
	if hc, ok := engine.(embedding.HealthChecker); ok {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := hc.HealthCheck(probeCtx); err != nil {
			return probe{name: "embedding service", err: err}
		}
	}
	return probe{name: "embedding service", note: engine.Name()}
}

func checkIndex(cfg config.Config) probe {
	if !cfg.Index.Enabled {
		return probe{name: "index database", note: "index disabled"}
	}
	dbPath := cfg.Index.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.Root, dbPath)
	}
	store, err := index.OpenStore(dbPath, cfg.Embedding.Dimensions)
	if err != nil {
		return probe{name: "index database", err: err}
	}
	defer store.Close()
	n, err := store.Count()
	if err != nil {
		return probe{name: "index database", err: err}
	}
	return probe{name: "index database", note: fmt.Sprintf("%d files indexed", n)}
}
