package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("generation not found")

// Generation is one narration run.
type Generation struct {
	ID              string    `json:"id"`
	VoiceName       string    `json:"voice_name,omitempty"`
	Status          string    `json:"status"`
	Chunks          int       `json:"chunks"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	DurationSeconds float64   `json:"duration_seconds"`
	OutputPath      string    `json:"output_path,omitempty"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
}

// ChunkEvent records the outcome of one chunk within a generation.
type ChunkEvent struct {
	ID           int64     `json:"id"`
	GenerationID string    `json:"generation_id"`
	Index        int       `json:"index"`
	JobID        string    `json:"job_id,omitempty"`
	Outcome      string    `json:"outcome"`
	Words        int       `json:"words"`
	Polls        int       `json:"polls"`
	Error        string    `json:"error,omitempty"`
	ElapsedMS    int64     `json:"elapsed_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the SQLite-backed generation ledger.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the ledger according to config. Ephemeral mode keeps
// nothing and every write is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS generations (
    generation_id TEXT PRIMARY KEY,
    voice_name TEXT,
    status TEXT NOT NULL,
    chunks INTEGER NOT NULL DEFAULT 0,
    succeeded INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    duration_seconds REAL NOT NULL DEFAULT 0,
    output_path TEXT,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS chunk_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    generation_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    job_id TEXT,
    outcome TEXT NOT NULL,
    words INTEGER,
    polls INTEGER,
    error TEXT,
    elapsed_ms INTEGER,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(generation_id) REFERENCES generations(generation_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chunk_events_generation ON chunk_events(generation_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_generations_started ON generations(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// StartGeneration inserts or resets a generation row.
func (s *Store) StartGeneration(ctx context.Context, g Generation) error {
	if s.disabled() {
		return nil
	}
	if g.StartedAt.IsZero() {
		g.StartedAt = s.clock()
	}
	if g.Status == "" {
		g.Status = "running"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations(generation_id, voice_name, status, chunks, started_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(generation_id) DO UPDATE SET voice_name=excluded.voice_name, status=excluded.status,
		   chunks=excluded.chunks, started_at=excluded.started_at`,
		g.ID, g.VoiceName, g.Status, g.Chunks, g.StartedAt.UnixNano())
	return err
}

// RecordChunk appends a chunk outcome.
func (s *Store) RecordChunk(ctx context.Context, evt ChunkEvent) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunk_events(generation_id, chunk_index, job_id, outcome, words, polls, error, elapsed_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.GenerationID, evt.Index, evt.JobID, evt.Outcome, evt.Words, evt.Polls, evt.Error, evt.ElapsedMS, evt.CreatedAt.UnixNano())
	return err
}

// FinishGeneration stores the final counters of a generation.
func (s *Store) FinishGeneration(ctx context.Context, g Generation) error {
	if s.disabled() {
		return nil
	}
	if g.FinishedAt.IsZero() {
		g.FinishedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE generations SET status=?, chunks=?, succeeded=?, failed=?, duration_seconds=?, output_path=?, error=?, finished_at=?
		 WHERE generation_id=?`,
		g.Status, g.Chunks, g.Succeeded, g.Failed, g.DurationSeconds, g.OutputPath, g.Error, g.FinishedAt.UnixNano(), g.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, g.ID)
	}
	return nil
}

// SetOutputPath records where the rendered audio was written.
func (s *Store) SetOutputPath(ctx context.Context, id, path string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE generations SET output_path=? WHERE generation_id=?`, path, id)
	return err
}

// GetGeneration loads one generation.
func (s *Store) GetGeneration(ctx context.Context, id string) (Generation, error) {
	if s.disabled() {
		return Generation{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, generationSelect+` WHERE generation_id = ?`, id)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return g, err
}

// ListGenerations returns up to limit generations, newest first.
func (s *Store) ListGenerations(ctx context.Context, limit int) ([]Generation, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, generationSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListChunkEvents returns the chunk outcomes of a generation ordered by
// chunk index.
func (s *Store) ListChunkEvents(ctx context.Context, generationID string) ([]ChunkEvent, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, generation_id, chunk_index, job_id, outcome, words, polls, error, elapsed_ms, created_at
		 FROM chunk_events WHERE generation_id = ? ORDER BY chunk_index ASC, id ASC`, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ChunkEvent
	for rows.Next() {
		var e ChunkEvent
		var jobID, errMsg sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.GenerationID, &e.Index, &jobID, &e.Outcome, &e.Words, &e.Polls, &errMsg, &e.ElapsedMS, &created); err != nil {
			return nil, err
		}
		e.JobID = jobID.String
		e.Error = errMsg.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

const generationSelect = `SELECT generation_id, voice_name, status, chunks, succeeded, failed, duration_seconds,
	output_path, error, started_at, finished_at FROM generations`

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(sc scanner) (Generation, error) {
	var g Generation
	var voice, output, errMsg sql.NullString
	var started int64
	var finished sql.NullInt64
	if err := sc.Scan(&g.ID, &voice, &g.Status, &g.Chunks, &g.Succeeded, &g.Failed, &g.DurationSeconds,
		&output, &errMsg, &started, &finished); err != nil {
		return Generation{}, err
	}
	g.VoiceName = voice.String
	g.OutputPath = output.String
	g.Error = errMsg.String
	g.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		g.FinishedAt = time.Unix(0, finished.Int64).UTC()
	}
	return g, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM generations WHERE started_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxGenerations > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM generations WHERE generation_id IN (
			SELECT generation_id FROM generations ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxGenerations)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
