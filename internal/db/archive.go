// Package db archives finished research runs to a relational store. Redis
// holds the live working state of a run; this package is the durable record
// written once a run reaches a terminal phase.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/models"
)

// ErrRunNotFound is returned when no archived run matches the ID.
var ErrRunNotFound = errors.New("archived run not found")

// Config holds database configuration.
type Config struct {
	// Driver is "postgres" or "sqlite3".
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// RunRecord is one archived run row.
type RunRecord struct {
	RunID          string     `db:"run_id"`
	Company        string     `db:"company"`
	Phase          string     `db:"phase"`
	IterationCount int        `db:"iteration_count"`
	MaxIterations  int        `db:"max_iterations"`
	EvidenceCount  int        `db:"evidence_count"`
	Report         string     `db:"report"`
	State          string     `db:"state"`
	CreatedAt      time.Time  `db:"created_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

// EvidenceRecord is one archived evidence row.
type EvidenceRecord struct {
	ID          string    `db:"id"`
	RunID       string    `db:"run_id"`
	PillarID    string    `db:"pillar_id"`
	SourceType  string    `db:"source_type"`
	SourceURL   string    `db:"source_url"`
	Credibility float64   `db:"credibility"`
	Overall     *float64  `db:"overall"`
	CreatedAt   time.Time `db:"created_at"`
}

type writeRequest struct {
	state    *models.ResearchState
	callback func(error)
}

// Client manages the archive connection and an async write queue. Archive
// writes never block the controller; failures are logged and surfaced only
// through the optional callback.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan writeRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// NewClient opens the archive database, verifies the connection, and starts
// the async write worker.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	rawDB, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(cfg.MaxConnections)
	rawDB.SetMaxIdleConns(cfg.IdleConnections)
	rawDB.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rawDB.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := newClientWith(rawDB, logger)
	if err := client.ensureSchema(ctx); err != nil {
		rawDB.Close()
		return nil, err
	}
	client.startWorker()

	logger.Info("Archive database initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return client, nil
}

// Ping verifies the database connection is still usable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// NewClientFromDB wraps an existing connection. The caller owns schema setup.
// Used in tests with a mock driver.
func NewClientFromDB(rawDB *sql.DB, driverName string, logger *zap.Logger) *Client {
	client := newClientWith(sqlx.NewDb(rawDB, driverName), logger)
	client.startWorker()
	return client
}

func newClientWith(xdb *sqlx.DB, logger *zap.Logger) *Client {
	return &Client{
		db:         xdb,
		logger:     logger,
		writeQueue: make(chan writeRequest, 256),
		stopCh:     make(chan struct{}),
	}
}

func (c *Client) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id          TEXT PRIMARY KEY,
			company         TEXT NOT NULL,
			phase           TEXT NOT NULL,
			iteration_count INTEGER NOT NULL,
			max_iterations  INTEGER NOT NULL,
			evidence_count  INTEGER NOT NULL,
			report          TEXT NOT NULL DEFAULT '',
			state           TEXT NOT NULL,
			created_at      TIMESTAMP NOT NULL,
			completed_at    TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id          TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL,
			pillar_id   TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_url  TEXT NOT NULL,
			credibility REAL NOT NULL,
			overall     REAL,
			created_at  TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_run ON evidence (run_id)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (c *Client) startWorker() {
	c.workerWg.Add(1)
	go func() {
		defer c.workerWg.Done()
		for {
			select {
			case req := <-c.writeQueue:
				c.process(req)
			case <-c.stopCh:
				// Drain whatever was queued before shutdown.
				for {
					select {
					case req := <-c.writeQueue:
						c.process(req)
					default:
						return
					}
				}
			}
		}
	}()
}

func (c *Client) process(req writeRequest) {
	err := c.SaveRun(context.Background(), req.state)
	if req.callback != nil {
		req.callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to archive run",
			zap.String("run_id", req.state.RunID),
			zap.Error(err),
		)
	}
}

// ArchiveRun enqueues an async archive write. When the queue is full the
// write happens inline rather than being dropped.
func (c *Client) ArchiveRun(st *models.ResearchState, callback func(error)) {
	select {
	case c.writeQueue <- writeRequest{state: st, callback: callback}:
	default:
		c.logger.Warn("Archive queue full, writing synchronously",
			zap.String("run_id", st.RunID))
		c.process(writeRequest{state: st, callback: callback})
	}
}

// SaveRun writes the run row and its evidence rows, idempotent by run_id and
// evidence id so re-archiving a run is safe.
func (c *Client) SaveRun(ctx context.Context, st *models.ResearchState) error {
	if st == nil || st.RunID == "" {
		return fmt.Errorf("archive requires a run id")
	}

	stateJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	var completedAt *time.Time
	if st.Phase.IsTerminal() {
		t := st.UpdatedAt
		completedAt = &t
	}
	company := ""
	if st.Thesis != nil {
		company = st.Thesis.Company
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive tx: %w", err)
	}
	defer tx.Rollback()

	runQuery := tx.Rebind(`
		INSERT INTO runs (
			run_id, company, phase, iteration_count, max_iterations,
			evidence_count, report, state, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			iteration_count = EXCLUDED.iteration_count,
			evidence_count = EXCLUDED.evidence_count,
			report = EXCLUDED.report,
			state = EXCLUDED.state,
			completed_at = EXCLUDED.completed_at`)
	if _, err := tx.ExecContext(ctx, runQuery,
		st.RunID, company, string(st.Phase), st.IterationCount, st.MaxIterations,
		st.EvidenceCount(), st.Report, string(stateJSON), st.CreatedAt, completedAt,
	); err != nil {
		return fmt.Errorf("failed to archive run %s: %w", st.RunID, err)
	}

	evidenceQuery := tx.Rebind(`
		INSERT INTO evidence (
			id, run_id, pillar_id, source_type, source_url,
			credibility, overall, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	for i := range st.Evidence {
		ev := &st.Evidence[i]
		var overall *float64
		if ev.Quality != nil {
			overall = &ev.Quality.Overall
		}
		if _, err := tx.ExecContext(ctx, evidenceQuery,
			ev.ID, st.RunID, ev.PillarID, string(ev.Source.Type), ev.Source.URL,
			ev.Source.Credibility, overall, ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to archive evidence %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive tx: %w", err)
	}
	return nil
}

// GetRun loads one archived run row.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	query := c.db.Rebind(`SELECT run_id, company, phase, iteration_count, max_iterations,
		evidence_count, report, state, created_at, completed_at
		FROM runs WHERE run_id = ?`)
	err := c.db.GetContext(ctx, &rec, query, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load archived run %s: %w", runID, err)
	}
	return &rec, nil
}

// ListEvidence loads the archived evidence rows of a run.
func (c *Client) ListEvidence(ctx context.Context, runID string) ([]EvidenceRecord, error) {
	var out []EvidenceRecord
	query := c.db.Rebind(`SELECT id, run_id, pillar_id, source_type, source_url,
		credibility, overall, created_at
		FROM evidence WHERE run_id = ? ORDER BY created_at`)
	if err := c.db.SelectContext(ctx, &out, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list archived evidence for %s: %w", runID, err)
	}
	return out, nil
}

// Close stops the write worker, drains queued writes, and closes the pool.
func (c *Client) Close() error {
	close(c.stopCh)
	c.workerWg.Wait()
	return c.db.Close()
}
