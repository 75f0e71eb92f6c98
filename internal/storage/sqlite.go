package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Backend using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps PRAGMA foreign_keys in effect for every statement.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// The daemon and the location commands share the file.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Initialize creates the database schema.
func (s *SQLiteStorage) Initialize(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS locations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			kind TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS daily_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			location_id INTEGER NOT NULL,
			day TEXT NOT NULL,
			capacity_bytes INTEGER NOT NULL,
			delta_bytes INTEGER NOT NULL,
			UNIQUE (location_id, day),
			FOREIGN KEY (location_id) REFERENCES locations(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS flushes (
			flush_id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			mutations INTEGER DEFAULT 0,
			dropped INTEGER DEFAULT 0,
			status TEXT DEFAULT 'running'
		);

		CREATE INDEX IF NOT EXISTS idx_daily_stats_location_day ON daily_stats(location_id, day);
		CREATE INDEX IF NOT EXISTS idx_flushes_started_at ON flushes(started_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	// Databases created before flushes.dropped existed.
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('flushes') WHERE name = 'dropped'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspecting flushes table: %w", err)
	}
	if n == 0 {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE flushes ADD COLUMN dropped INTEGER DEFAULT 0`); err != nil {
			return fmt.Errorf("adding flushes.dropped: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Locations reads the persisted locations, sorted by name then id.
func (s *SQLiteStorage) Locations(ctx context.Context) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, path, kind FROM locations ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying locations: %w", err)
	}
	defer rows.Close()

	var locs []Location
	for rows.Next() {
		var l Location
		var kind string
		if err := rows.Scan(&l.ID, &l.Name, &l.Path, &kind); err != nil {
			return nil, fmt.Errorf("scanning location: %w", err)
		}
		l.Kind = Kind(kind)
		locs = append(locs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating locations: %w", err)
	}
	return locs, nil
}

// Load reads all locations and daily stats.
func (s *SQLiteStorage) Load(ctx context.Context) (*Snapshot, error) {
	locs, err := s.Locations(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Locations: locs}

	rows, err := s.db.QueryContext(ctx,
		`SELECT location_id, day, capacity_bytes, delta_bytes FROM daily_stats ORDER BY location_id, day`)
	if err != nil {
		return nil, fmt.Errorf("querying daily stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st DailyStat
		var day string
		var capacity int64
		if err := rows.Scan(&st.LocationID, &day, &capacity, &st.DeltaBytes); err != nil {
			return nil, fmt.Errorf("scanning daily stat: %w", err)
		}
		st.Day = Day(day)
		st.CapacityBytes = uint64(capacity)
		snap.Stats = append(snap.Stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating daily stats: %w", err)
	}

	// sqlite_sequence only exists once an AUTOINCREMENT table saw an insert.
	var seq sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT seq FROM sqlite_sequence WHERE name = 'locations'`).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying location sequence: %w", err)
	}
	snap.LastLocationID = seq.Int64
	for _, l := range snap.Locations {
		if l.ID > snap.LastLocationID {
			snap.LastLocationID = l.ID
		}
	}

	return snap, nil
}

// Apply writes a batch of mutations in a single transaction and records the
// attempt in the flushes table.
func (s *SQLiteStorage) Apply(ctx context.Context, batch []Mutation) (FlushRecord, error) {
	rec := FlushRecord{
		FlushID:   uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Mutations: len(batch),
		Status:    "running",
	}

	dropped, err := s.apply(ctx, rec, batch)
	if err != nil {
		s.failFlush(rec, err.Error())
		rec.Status = "failed: " + err.Error()
		return rec, err
	}

	now := time.Now().UTC()
	rec.CompletedAt = &now
	rec.Dropped = dropped
	rec.Status = "completed"
	return rec, nil
}

// apply returns how many stat upserts were dropped because their location
// no longer exists, e.g. after another process removed it.
func (s *SQLiteStorage) apply(ctx context.Context, rec FlushRecord, batch []Mutation) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	dropped := 0
	for i, m := range batch {
		switch m.Op {
		case OpInsertLocation:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO locations (id, name, path, kind) VALUES (?, ?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET name = excluded.name, path = excluded.path, kind = excluded.kind`,
				m.Location.ID, m.Location.Name, m.Location.Path, string(m.Location.Kind),
			)
		case OpDeleteLocation:
			_, err = tx.ExecContext(ctx, `DELETE FROM daily_stats WHERE location_id = ?`, m.Location.ID)
			if err == nil {
				_, err = tx.ExecContext(ctx, `DELETE FROM locations WHERE id = ?`, m.Location.ID)
			}
		case OpUpsertStat:
			var res sql.Result
			res, err = tx.ExecContext(ctx,
				`INSERT INTO daily_stats (location_id, day, capacity_bytes, delta_bytes)
				 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM locations WHERE id = ?)
				 ON CONFLICT (location_id, day) DO UPDATE SET
				   capacity_bytes = excluded.capacity_bytes,
				   delta_bytes = excluded.delta_bytes`,
				m.Stat.LocationID, string(m.Stat.Day), int64(m.Stat.CapacityBytes), m.Stat.DeltaBytes,
				m.Stat.LocationID,
			)
			if err == nil {
				var n int64
				if n, err = res.RowsAffected(); err == nil && n == 0 {
					dropped++
				}
			}
		default:
			err = fmt.Errorf("unknown op %v", m.Op)
		}
		if err != nil {
			return 0, fmt.Errorf("applying mutation %d (%v): %w", i, m.Op, err)
		}
	}

	completed := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO flushes (flush_id, started_at, completed_at, mutations, dropped, status)
		 VALUES (?, ?, ?, ?, ?, 'completed')`,
		rec.FlushID, rec.StartedAt, completed, len(batch), dropped,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting flush record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	return dropped, nil
}

// failFlush records a failed flush outside the rolled back transaction.
// Errors are ignored: the caller already reports the apply failure.
func (s *SQLiteStorage) failFlush(rec FlushRecord, reason string) {
	now := time.Now().UTC()
	_, _ = s.db.ExecContext(context.Background(),
		`INSERT OR REPLACE INTO flushes (flush_id, started_at, completed_at, mutations, status) VALUES (?, ?, ?, ?, ?)`,
		rec.FlushID, rec.StartedAt, now, rec.Mutations, "failed: "+reason,
	)
}

// Flushes returns the most recent flush records, newest first.
func (s *SQLiteStorage) Flushes(ctx context.Context, limit int) ([]FlushRecord, error) {
	query := `SELECT flush_id, started_at, completed_at, mutations, dropped, status
		      FROM flushes ORDER BY started_at DESC`
	args := []interface{}{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying flushes: %w", err)
	}
	defer rows.Close()

	var records []FlushRecord
	for rows.Next() {
		var r FlushRecord
		var completed sql.NullTime
		var dropped sql.NullInt64
		if err := rows.Scan(&r.FlushID, &r.StartedAt, &completed, &r.Mutations, &dropped, &r.Status); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.Dropped = int(dropped.Int64)
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return records, nil
}
