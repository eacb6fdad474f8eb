// Command engram runs the Discord memory agent. Configuration comes
// from engram.toml (override with -config or ENGRAM_CONFIG) plus
// ENGRAM_* environment variables.
//
// Exit codes: 0 clean shutdown, 64 configuration error, 70 internal
// failure, 75 store unavailable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	engram "github.com/nevindra/engram"
	"github.com/nevindra/engram/internal/app"
	"github.com/nevindra/engram/internal/config"
)

const (
	exitOK          = 0
	exitConfig      = 64
	exitInternal    = 70
	exitUnavailable = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("ENGRAM_CONFIG"), "path to engram.toml")
	ingestPath := flag.String("ingest", "", "archive a document for -user and exit")
	ingestUser := flag.String("user", "", "user id owning ingested documents")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration failed", "error", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitCode(err)
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil {
			logger.Warn("shutdown incomplete", "error", cerr)
		}
	}()

	if *ingestPath != "" {
		return runIngest(ctx, a, logger, *ingestPath, *ingestUser)
	}

	if err := a.Run(ctx); err != nil && !engram.IsCancelled(err) {
		logger.Error("runtime failure", "error", err)
		return exitCode(err)
	}
	return exitOK
}

// runIngest archives one document into the user's archival memory.
func runIngest(ctx context.Context, a *app.App, logger *slog.Logger, path, userID string) int {
	if userID == "" {
		logger.Error("-ingest requires -user")
		return exitConfig
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("read document failed", "path", path, "error", err)
		return exitConfig
	}
	res, err := a.Ingestor().ArchiveFile(ctx, userID, data, path)
	if err != nil {
		logger.Error("ingest failed", "path", path, "error", err)
		return exitCode(err)
	}
	fmt.Printf("archived %q: %d sections, %d chunks\n", res.Title, res.Sections, res.Chunks)
	return exitOK
}

// exitCode maps the error taxonomy onto sysexits-style codes.
func exitCode(err error) int {
	var cfgErr *engram.ErrConfig
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	var storeErr *engram.ErrStoreUnavailable
	if errors.As(err, &storeErr) {
		return exitUnavailable
	}
	return exitInternal
}
