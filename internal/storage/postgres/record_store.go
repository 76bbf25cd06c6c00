// Package postgres persists the tables of a scrape run into Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ets-registry-scraper/internal/aggregate"
	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
)

// Table names used by RecordStore.
const (
	RunsTable           = "ets_runs"
	AccountHoldersTable = "ets_account_holders"
	InstallationsTable  = "ets_installations"
	ComplianceTable     = "ets_compliance_history"
)

// Column lists for the COPY statements, in Row() order after run_id.
var (
	AccountHolderColumns = []string{
		"run_id", "account_id", "installation_id", "national_administrator", "account_type", "account_holder_name",
	}
	InstallationColumns = []string{
		"run_id", "account_id", "installation_id", "installation_name", "main_activity",
	}
	ComplianceColumns = []string{
		"run_id", "account_id", "installation_id", "year",
		"allowances_in_allocation", "verified_emissions", "units_surrendered", "compliance_code",
	}
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ets_runs (
	run_id      TEXT PRIMARY KEY,
	min_id      INTEGER NOT NULL,
	max_id      INTEGER NOT NULL,
	attempted   INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ets_account_holders (
	run_id                 TEXT NOT NULL REFERENCES ets_runs (run_id),
	account_id             INTEGER NOT NULL,
	installation_id        TEXT NOT NULL,
	national_administrator TEXT NOT NULL,
	account_type           TEXT NOT NULL,
	account_holder_name    TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ets_installations (
	run_id            TEXT NOT NULL REFERENCES ets_runs (run_id),
	account_id        INTEGER NOT NULL,
	installation_id   TEXT NOT NULL,
	installation_name TEXT NOT NULL,
	main_activity     TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ets_compliance_history (
	run_id                   TEXT NOT NULL REFERENCES ets_runs (run_id),
	account_id               INTEGER NOT NULL,
	installation_id          TEXT NOT NULL,
	year                     TEXT NOT NULL,
	allowances_in_allocation TEXT NOT NULL,
	verified_emissions       TEXT NOT NULL,
	units_surrendered        TEXT NOT NULL,
	compliance_code          TEXT NOT NULL
)`,
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// Run describes one finished scrape for the ets_runs table.
type Run struct {
	ID         string
	MinID      int
	MaxID      int
	Attempted  int
	Succeeded  int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Pool is the subset of *pgxpool.Pool used by RecordStore.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// RecordStore writes runs and their records.
type RecordStore struct {
	pool Pool
}

// NewRecordStore connects to Postgres using cfg.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool Pool) (*RecordStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &RecordStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the run and record tables when they do not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveRun inserts the run row and bulk-copies the three tables in a single
// transaction. Nothing is committed if any table fails.
func (s *RecordStore) SaveRun(ctx context.Context, run Run, snap aggregate.Snapshot) (err error) {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if _, err = tx.Exec(ctx,
		`INSERT INTO ets_runs (run_id, min_id, max_id, attempted, succeeded, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.MinID, run.MaxID, run.Attempted, run.Succeeded, run.StartedAt, run.FinishedAt,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	copies := []struct {
		kind    registry.RecordKind
		table   string
		columns []string
		rows    [][]any
	}{
		{registry.KindAccountHolder, AccountHoldersTable, AccountHolderColumns, accountHolderRows(run.ID, snap.AccountHolders)},
		{registry.KindInstallation, InstallationsTable, InstallationColumns, installationRows(run.ID, snap.Installations)},
		{registry.KindCompliance, ComplianceTable, ComplianceColumns, complianceRows(run.ID, snap.Compliance)},
	}
	for _, c := range copies {
		if len(c.rows) == 0 {
			continue
		}
		n, copyErr := tx.CopyFrom(ctx, pgx.Identifier{c.table}, c.columns, pgx.CopyFromRows(c.rows))
		if copyErr != nil {
			err = &registry.WriteError{Table: c.kind, Err: copyErr}
			return err
		}
		if int(n) != len(c.rows) {
			err = &registry.WriteError{Table: c.kind, Err: fmt.Errorf("copied %d of %d rows", n, len(c.rows))}
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func accountHolderRows(runID string, recs []registry.AccountHolder) [][]any {
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []any{runID, r.AccountID, r.InstallationID, r.NationalAdministrator, r.AccountType, r.AccountHolderName})
	}
	return rows
}

func installationRows(runID string, recs []registry.Installation) [][]any {
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []any{runID, r.AccountID, r.InstallationID, r.InstallationName, r.MainActivity})
	}
	return rows
}

func complianceRows(runID string, recs []registry.ComplianceEntry) [][]any {
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []any{
			runID, r.AccountID, r.InstallationID, r.Year,
			r.AllowancesInAllocation, r.VerifiedEmissions, r.UnitsSurrendered, r.ComplianceCode,
		})
	}
	return rows
}
