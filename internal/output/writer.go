// Package output renders the aggregated tables as delimited text files.
package output

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ets-registry-scraper/internal/aggregate"
	"github.com/JakeFAU/ets-registry-scraper/internal/hash/sha256"
	"github.com/JakeFAU/ets-registry-scraper/internal/metrics"
	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
)

const contentType = "text/csv; charset=utf-8"

// Config controls file naming and format.
type Config struct {
	// Prefix is prepended to every object path, e.g. "runs/2024".
	Prefix string
	// Delimiter separates fields. Zero means ';'.
	Delimiter rune
}

// File describes one written table.
type File struct {
	Table  registry.RecordKind `json:"table"`
	Path   string              `json:"path"`
	URI    string              `json:"uri"`
	Rows   int                 `json:"rows"`
	SHA256 string              `json:"sha256"`
}

// Writer persists a snapshot through a BlobStore.
type Writer struct {
	store  registry.BlobStore
	cfg    Config
	logger *zap.Logger
}

// NewWriter returns a Writer backed by store.
func NewWriter(store registry.BlobStore, cfg Config, logger *zap.Logger) *Writer {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ';'
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Writer{store: store, cfg: cfg, logger: logger}
}

type table struct {
	kind   registry.RecordKind
	header []string
	rows   [][]string
}

// WriteAll writes the three tables, header first. A failing table does not
// stop the others; every failure is returned joined as *registry.WriteError.
func (w *Writer) WriteAll(ctx context.Context, snap aggregate.Snapshot, startedAt time.Time) ([]File, error) {
	tables := []table{
		{kind: registry.KindAccountHolder, header: registry.AccountHolderHeader, rows: rowsOf(snap.AccountHolders)},
		{kind: registry.KindInstallation, header: registry.InstallationHeader, rows: rowsOf(snap.Installations)},
		{kind: registry.KindCompliance, header: registry.ComplianceHeader, rows: rowsOf(snap.Compliance)},
	}

	var (
		files []File
		errs  []error
	)
	for _, t := range tables {
		f, err := w.write(ctx, t, startedAt)
		if err != nil {
			metrics.ObserveWriteFailure(string(t.kind))
			w.logger.Error("table write failed", zap.String("kind", string(t.kind)), zap.Error(err))
			errs = append(errs, &registry.WriteError{Table: t.kind, Err: err})
			continue
		}
		w.logger.Info("table written",
			zap.String("kind", string(t.kind)),
			zap.String("uri", f.URI),
			zap.Int("rows", f.Rows),
		)
		files = append(files, f)
	}
	return files, errors.Join(errs...)
}

// FileName returns "<table>-<unix seconds>.csv" under the configured prefix.
func (w *Writer) FileName(kind registry.RecordKind, startedAt time.Time) string {
	name := fmt.Sprintf("%s-%d.csv", kind, startedAt.Unix())
	if w.cfg.Prefix == "" {
		return name
	}
	return path.Join(w.cfg.Prefix, name)
}

func (w *Writer) write(ctx context.Context, t table, startedAt time.Time) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	data, err := w.encode(t.header, t.rows)
	if err != nil {
		return File{}, err
	}
	name := w.FileName(t.kind, startedAt)
	uri, err := w.store.PutObject(ctx, name, contentType, bytes.NewReader(data))
	if err != nil {
		return File{}, fmt.Errorf("put %s: %w", name, err)
	}
	return File{Table: t.kind, Path: name, URI: uri, Rows: len(t.rows), SHA256: sha256.Hex(data)}, nil
}

func (w *Writer) encode(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Comma = w.cfg.Delimiter
	if err := cw.Write(header); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	return buf.Bytes(), nil
}

func rowsOf[T interface{ Row() []string }](records []T) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.Row())
	}
	return rows
}
