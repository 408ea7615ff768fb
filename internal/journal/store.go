// Package journal keeps a SQLite record of engine runs and the OSC packets
// dispatched during each run.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/scbridge/internal/config"
	"github.com/loqalabs/scbridge/internal/engine"
	"github.com/loqalabs/scbridge/internal/osc"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// Run is one engine lifetime.
type Run struct {
	ID         string
	Options    engine.Options
	FinalState string
	StartedAt  time.Time
	EndedAt    time.Time
}

// Packet is one dispatched OSC packet.
type Packet struct {
	ID        int64
	RunID     string
	Source    string
	Address   string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps the SQLite-backed journal.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. An ephemeral journal
// keeps no database and accepts every write as a no-op.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
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
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    options TEXT,
    final_state TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS packets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    source TEXT,
    address TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_packets_run_id ON packets(run_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == RetentionEphemeral || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendRun inserts a run row.
func (s *Store) AppendRun(ctx context.Context, runID string, opts engine.Options) error {
	if s.disabled() {
		return nil
	}
	encoded, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, options, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET options=excluded.options`,
		runID, string(encoded), s.clock().UTC())
	return err
}

// EndRun stamps the run's final state.
func (s *Store) EndRun(ctx context.Context, runID, state string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET final_state = ?, ended_at = ? WHERE run_id = ?`,
		state, s.clock().UTC(), runID)
	return err
}

// AppendPacket records a dispatched packet. The address column holds the
// message address, or "#bundle" for bundles, or is empty when the payload
// does not parse.
func (s *Store) AppendPacket(ctx context.Context, p Packet) error {
	if s.disabled() {
		return nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock().UTC()
	}
	if p.Address == "" {
		p.Address = packetAddress(p.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO packets(run_id, source, address, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		p.RunID, p.Source, p.Address, p.Payload, p.CreatedAt)
	return err
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, options, COALESCE(final_state, ''), started_at, ended_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			options string
			started sql.NullTime
			ended   sql.NullTime
		)
		if err := rows.Scan(&r.ID, &options, &r.FinalState, &started, &ended); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(options), &r.Options); err != nil {
			return nil, fmt.Errorf("decode options for run %s: %w", r.ID, err)
		}
		r.StartedAt = started.Time
		r.EndedAt = ended.Time
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListRunPackets retrieves up to limit packets for a run in dispatch order.
func (s *Store) ListRunPackets(ctx context.Context, runID string, limit int) ([]Packet, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, source, address, payload, created_at
		 FROM packets WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packets []Packet
	for rows.Next() {
		var p Packet
		var created sql.NullTime
		if err := rows.Scan(&p.ID, &p.RunID, &p.Source, &p.Address, &p.Payload, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = created.Time
		packets = append(packets, p)
	}
	return packets, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != RetentionPersistent && s.cfg.RetentionMode != RetentionSession {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM packets WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func packetAddress(payload []byte) string {
	pkt, err := osc.ParsePacket(payload)
	if err != nil {
		return ""
	}
	switch p := pkt.(type) {
	case *osc.Message:
		return p.Address
	case *osc.Bundle:
		return "#bundle"
	}
	return ""
}
