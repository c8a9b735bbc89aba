package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repogate/internal/index"
)

var indexWatch bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build or refresh the similarity index",
	Long: `Walks the repository, embeds new and changed files and prunes records for
deleted ones. Unchanged files are recognized by content hash and skipped,
so rerunning is cheap. With --watch the index then tracks filesystem
changes until interrupted.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVarP(&indexWatch, "watch", "w", false, "keep watching for changes after the initial pass")
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, err := buildBroker(ctx, true)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.indexer == nil {
		return index.ErrDisabled
	}

	stats, err := b.indexer.Reindex(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scanned=%d embedded=%d reused=%d unchanged=%d skipped=%d pruned=%d\n",
		stats.Scanned, stats.Embedded, stats.Reused, stats.Unchanged, stats.Skipped, stats.Pruned)

	if !indexWatch {
		return nil
	}

	logger.Info("watching for changes", zap.String("root", b.validator.Root()))
	watcher := index.NewWatcher(b.indexer, b.validator.Root())
	if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Query the similarity index",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, err := buildBroker(ctx, true)
	if err != nil {
		return err
	}
	defer b.Close()

	query := strings.Join(args, " ")
	outcomes, err := b.dispatcher.Process(ctx, queryReader(query))
	if err != nil {
		return err
	}
	for _, out := range outcomes {
		printOutcome(out)
	}
	return nil
}

// queryReader wraps a query in the search directive the dispatcher expects.
func queryReader(query string) io.Reader {
	return strings.NewReader("<search " + query + ">")
}
