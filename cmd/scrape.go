package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ets-registry-scraper/internal/api"
	"github.com/JakeFAU/ets-registry-scraper/internal/app"
	"github.com/JakeFAU/ets-registry-scraper/internal/clock/system"
	"github.com/JakeFAU/ets-registry-scraper/internal/config"
	"github.com/JakeFAU/ets-registry-scraper/internal/dispatcher"
	"github.com/JakeFAU/ets-registry-scraper/internal/extract"
	collyfetcher "github.com/JakeFAU/ets-registry-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/ets-registry-scraper/internal/id/uuid"
	"github.com/JakeFAU/ets-registry-scraper/internal/logging"
	"github.com/JakeFAU/ets-registry-scraper/internal/output"
	"github.com/JakeFAU/ets-registry-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
	"github.com/JakeFAU/ets-registry-scraper/internal/storage/gcs"
	"github.com/JakeFAU/ets-registry-scraper/internal/storage/local"
	"github.com/JakeFAU/ets-registry-scraper/internal/storage/postgres"
)

type scrapeFlags struct {
	minID     int
	maxID     int
	workers   int
	outputDir string
}

func newScrapeCmd(cfgFile *string) *cobra.Command {
	var flags scrapeFlags

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape the configured account ID range",
		Long: `Partitions [min, max) across a fixed pool of workers, fetches one
registry page per account ID and writes three tables when every worker is
done. Interrupting the run stops the workers and still writes what was
collected.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			if err := applyOverrides(&cfg, cmd, flags); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScrape(ctx, cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&flags.minID, "min", 0, "first account ID (inclusive)")
	cmd.Flags().IntVar(&flags.maxID, "max", 0, "last account ID (exclusive)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "number of concurrent workers")
	cmd.Flags().StringVar(&flags.outputDir, "output-dir", "", "directory for the output files")
	return cmd
}

// applyOverrides copies explicitly set flags over cfg and revalidates it.
func applyOverrides(cfg *config.Config, cmd *cobra.Command, flags scrapeFlags) error {
	if cmd.Flags().Changed("min") {
		cfg.Scrape.MinID = flags.minID
	}
	if cmd.Flags().Changed("max") {
		cfg.Scrape.MaxID = flags.maxID
	}
	if cmd.Flags().Changed("workers") {
		cfg.Scrape.Workers = flags.workers
	}
	if cmd.Flags().Changed("output-dir") {
		cfg.Output.Dir = flags.outputDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func runScrape(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	store, closeStore, err := buildBlobStore(ctx, cfg.Output)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	runID, err := uuid.New().NewID()
	if err != nil {
		return err
	}
	logger.Info("scrape configured",
		zap.String("run_id", runID),
		zap.Int("min_id", cfg.Scrape.MinID),
		zap.Int("max_id", cfg.Scrape.MaxID),
		zap.Int("ids", cfg.Scrape.IDCount()),
		zap.Int("workers", cfg.Scrape.Workers),
	)

	deps := app.Deps{
		Writer: output.NewWriter(store, output.Config{
			Prefix:    cfg.Output.Prefix,
			Delimiter: cfg.Output.DelimiterRune(),
		}, logger.Named("output")),
		RunID:  runID,
		Out:    stdout,
		Logger: logger,
	}

	if cfg.DB.DSN != "" {
		records, err := postgres.NewRecordStore(ctx, postgres.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if err != nil {
			return err
		}
		closers = append(closers, records.Close)
		if cfg.DB.EnsureSchema {
			if err := records.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		deps.Records = records
	}

	if cfg.PubSub.TopicName != "" {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		pub := pubsub.New(client, cfg.PubSub.TopicName)
		closers = append(closers, func() {
			pub.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("close pubsub client", zap.Error(err))
			}
		})
		deps.Publisher = pub
	}

	fetcherCfg := collyfetcher.Config{
		URLTemplate: cfg.Scrape.URLTemplate,
		UserAgent:   cfg.Scrape.UserAgent,
		Timeout:     cfg.Scrape.RequestTimeout,
	}
	d := dispatcher.New(
		dispatcher.Config{
			MinID:            cfg.Scrape.MinID,
			MaxID:            cfg.Scrape.MaxID,
			Workers:          cfg.Scrape.Workers,
			ProgressInterval: cfg.Scrape.ProgressInterval,
		},
		func(int) (registry.Fetcher, error) { return collyfetcher.New(fetcherCfg) },
		extract.New(),
		system.New(),
		logger.Named("dispatcher"),
	)
	deps.Runner = d

	if cfg.Metrics.Addr != "" {
		srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		srv := api.NewServer(runID, d, logger.Named("api"))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.ListenAndServe(srvCtx, cfg.Metrics.Addr); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
		closers = append(closers, func() {
			cancel()
			<-done
		})
	}

	sum, err := app.Run(ctx, deps)
	if err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("run was interrupted", zap.Int("attempted", sum.Attempted), zap.Int("total", sum.Total))
	}
	return nil
}

// buildBlobStore picks GCS when a bucket is configured, else the local directory.
func buildBlobStore(ctx context.Context, cfg config.OutputConfig) (registry.BlobStore, func(), error) {
	if cfg.GCSBucket != "" {
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	store, err := local.New(local.Config{Dir: cfg.Dir})
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}
