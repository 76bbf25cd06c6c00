// Package app runs one scrape end to end: dispatch, summarize, write and
// hand the result to the optional sinks.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ets-registry-scraper/internal/aggregate"
	"github.com/JakeFAU/ets-registry-scraper/internal/dispatcher"
	"github.com/JakeFAU/ets-registry-scraper/internal/output"
	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
	"github.com/JakeFAU/ets-registry-scraper/internal/storage/postgres"
)

// Runner executes the scrape itself.
type Runner interface {
	Run(ctx context.Context) (dispatcher.Result, error)
}

// TableWriter persists the final tables.
type TableWriter interface {
	WriteAll(ctx context.Context, snap aggregate.Snapshot, startedAt time.Time) ([]output.File, error)
}

// RecordStore optionally mirrors the tables into a database.
type RecordStore interface {
	SaveRun(ctx context.Context, run postgres.Run, snap aggregate.Snapshot) error
}

// Deps wires a run. Records and Publisher may be nil. When RunID is empty
// one is taken from IDs.
type Deps struct {
	Runner    Runner
	Writer    TableWriter
	Records   RecordStore
	Publisher registry.Publisher
	Topic     string
	RunID     string
	IDs       registry.IDGenerator
	// Out receives the human-readable summary line.
	Out    io.Writer
	Logger *zap.Logger
}

// Summary is the outcome of a run. It is also the payload of the run
// notification.
type Summary struct {
	RunID      string                      `json:"run_id"`
	MinID      int                         `json:"min_id"`
	MaxID      int                         `json:"max_id"`
	Total      int                         `json:"total"`
	Attempted  int                         `json:"attempted"`
	Succeeded  int                         `json:"succeeded"`
	Records    map[registry.RecordKind]int `json:"records"`
	Files      []output.File               `json:"files"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
}

// Percent is the success share of the whole ID space, in percent. It matches
// dispatcher.Result.SuccessRatio.
func (s Summary) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Succeeded) / float64(s.Total)
}

// Line renders "Successful requests: S / T (P%)".
func (s Summary) Line() string {
	return fmt.Sprintf("Successful requests: %d / %d (%.1f%%)", s.Succeeded, s.Total, s.Percent())
}

// Run performs one scrape. Errors from the dispatcher and the table writer are
// fatal; record store and publisher failures are logged and returned joined
// after the files have been written.
func Run(ctx context.Context, deps Deps) (Summary, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Runner == nil || deps.Writer == nil {
		return Summary{}, errors.New("runner and writer are required")
	}

	runID := deps.RunID
	if runID == "" && deps.IDs != nil {
		id, err := deps.IDs.NewID()
		if err != nil {
			return Summary{}, fmt.Errorf("run id: %w", err)
		}
		runID = id
	}
	logger = logger.With(zap.String("run_id", runID))

	res, err := deps.Runner.Run(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("scrape: %w", err)
	}

	sum := summarize(runID, res)
	if deps.Out != nil {
		if _, err := fmt.Fprintln(deps.Out, sum.Line()); err != nil {
			logger.Warn("print summary failed", zap.Error(err))
		}
	}
	logger.Info(sum.Line(),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("total", sum.Total),
	)
	if ctx.Err() != nil {
		logger.Warn("run interrupted; writing partial tables", zap.Int("attempted", sum.Attempted))
	}

	// The write outlives an interrupt so partial results are kept.
	writeCtx := context.WithoutCancel(ctx)
	files, err := deps.Writer.WriteAll(writeCtx, res.Tables, res.StartedAt)
	sum.Files = files
	if err != nil {
		return sum, fmt.Errorf("write tables: %w", err)
	}

	var sinkErrs []error
	if deps.Records != nil {
		run := postgres.Run{
			ID:         runID,
			MinID:      sum.MinID,
			MaxID:      sum.MaxID,
			Attempted:  sum.Attempted,
			Succeeded:  sum.Succeeded,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
		}
		if err := deps.Records.SaveRun(writeCtx, run, res.Tables); err != nil {
			logger.Error("save records failed", zap.Error(err))
			sinkErrs = append(sinkErrs, fmt.Errorf("save records: %w", err))
		} else {
			logger.Info("records saved")
		}
	}
	if deps.Publisher != nil {
		msgID, err := deps.Publisher.Publish(writeCtx, deps.Topic, sum)
		if err != nil {
			logger.Error("publish run summary failed", zap.Error(err))
			sinkErrs = append(sinkErrs, fmt.Errorf("publish summary: %w", err))
		} else {
			logger.Info("run summary published", zap.String("message_id", msgID))
		}
	}
	return sum, errors.Join(sinkErrs...)
}

func summarize(runID string, res dispatcher.Result) Summary {
	sum := Summary{
		RunID:      runID,
		Attempted:  res.Stats.Attempted,
		Succeeded:  res.Stats.Succeeded,
		Records:    res.Tables.Counts(),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if n := len(res.Ranges); n > 0 {
		sum.MinID = res.Ranges[0].Start
		sum.MaxID = res.Ranges[n-1].End
	}
	sum.Total = res.Total()
	return sum
}
