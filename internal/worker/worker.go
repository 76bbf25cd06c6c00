// Package worker walks one contiguous account ID range through the
// fetch, extract and aggregate pipeline.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ets-registry-scraper/internal/aggregate"
	"github.com/JakeFAU/ets-registry-scraper/internal/extract"
	"github.com/JakeFAU/ets-registry-scraper/internal/metrics"
	"github.com/JakeFAU/ets-registry-scraper/internal/partition"
	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
)

// Extractor turns one page body into records.
type Extractor interface {
	Extract(accountID int, body []byte) extract.Result
}

// Progress receives one notification per attempted account ID.
type Progress interface {
	PageDone(fetched bool)
}

// Config controls Worker behavior.
type Config struct {
	// ProgressInterval logs a progress line every N IDs; 0 disables it.
	ProgressInterval int
}

// Stats counts what one worker did.
type Stats struct {
	Attempted int
	Succeeded int
	Failed    int
}

// Add folds other into s.
func (s *Stats) Add(other Stats) {
	s.Attempted += other.Attempted
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
}

// Worker processes every ID of its range sequentially.
type Worker struct {
	index     int
	rng       partition.Range
	fetcher   registry.Fetcher
	extractor Extractor
	tables    *aggregate.Tables
	progress  Progress
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. The fetcher must not be shared with other workers.
func New(
	index int,
	rng partition.Range,
	fetcher registry.Fetcher,
	extractor Extractor,
	tables *aggregate.Tables,
	progress Progress,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		index:     index,
		rng:       rng,
		fetcher:   fetcher,
		extractor: extractor,
		tables:    tables,
		progress:  progress,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks until every ID in the range was attempted or ctx is done.
// Per-ID failures are logged and never stop the loop.
func (w *Worker) Run(ctx context.Context) Stats {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.logger.Info("worker started",
		zap.Int("range_start", w.rng.Start),
		zap.Int("range_end", w.rng.End),
	)

	var stats Stats
	for id := w.rng.Start; id < w.rng.End; id++ {
		if err := ctx.Err(); err != nil {
			w.logger.Warn("worker stopped before end of range",
				zap.Int("next_account_id", id),
				zap.Error(err),
			)
			break
		}
		w.processAccount(ctx, id, &stats)
		if w.cfg.ProgressInterval > 0 && stats.Attempted%w.cfg.ProgressInterval == 0 {
			w.logger.Info("worker progress",
				zap.Int("attempted", stats.Attempted),
				zap.Int("succeeded", stats.Succeeded),
				zap.Int("remaining", w.rng.End-id-1),
			)
		}
	}

	w.logger.Info("worker finished",
		zap.Int("attempted", stats.Attempted),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
	)
	return stats
}

func (w *Worker) processAccount(ctx context.Context, accountID int, stats *Stats) {
	stats.Attempted++
	start := time.Now()

	body, err := w.fetcher.Fetch(ctx, accountID)
	if err != nil {
		stats.Failed++
		metrics.ObserveFetch(metrics.StatusFetchFailed, 0, time.Since(start))
		w.notify(false)
		if errors.Is(err, context.Canceled) {
			w.logger.Debug("fetch canceled", zap.Int("account_id", accountID))
			return
		}
		w.logger.Warn("fetch failed", zap.Int("account_id", accountID), zap.Error(err))
		return
	}
	stats.Succeeded++
	metrics.ObserveFetch(metrics.StatusFetched, len(body), time.Since(start))
	w.notify(true)

	w.merge(accountID, w.extractor.Extract(accountID, body))
}

func (w *Worker) merge(accountID int, res extract.Result) {
	if res.AccountHolder != nil {
		w.tables.AccountHolders.Append(*res.AccountHolder)
		metrics.ObserveRecords(string(registry.KindAccountHolder), 1)
	}
	if res.Installation != nil {
		w.tables.Installations.Append(*res.Installation)
		metrics.ObserveRecords(string(registry.KindInstallation), 1)
	}
	w.tables.Compliance.AppendAll(res.Compliance)
	metrics.ObserveRecords(string(registry.KindCompliance), len(res.Compliance))

	for _, err := range res.Errors {
		kind := "unknown"
		var extractErr *registry.ExtractionError
		if errors.As(err, &extractErr) {
			kind = string(extractErr.Kind)
		}
		metrics.ObserveExtractionFailure(kind)
		w.logger.Debug("extraction skipped",
			zap.Int("account_id", accountID),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

func (w *Worker) notify(fetched bool) {
	if w.progress != nil {
		w.progress.PageDone(fetched)
	}
}

// Index returns the worker's position in the pool.
func (w *Worker) Index() int {
	return w.index
}

// Range returns the IDs assigned to the worker.
func (w *Worker) Range() partition.Range {
	return w.rng
}
