package modelmanager

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// StatsStore persists each model's rolling performance stats (success rate,
// average response time, observation count, last-used timestamp) to a single
// SQLite file, so SelectOptimalModel's scoring survives a process restart
// instead of starting every model back at its neutral prior.
//
// It deliberately does not persist anything about in-flight requests: a
// restarted process re-derives its catalog from DiscoverCatalog and resumes
// scoring from the last snapshot, but no request or graph-execution state is
// ever written here.
type StatsStore struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// OpenStatsStore opens (creating if necessary) a SQLite-backed StatsStore at
// path. Use ":memory:" for a store that never touches disk, e.g. in tests.
func OpenStatsStore(path string) (*StatsStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite allows one writer at a time
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS model_stats (
			name             TEXT PRIMARY KEY,
			tier             TEXT NOT NULL,
			success_rate     REAL NOT NULL,
			avg_response_sec REAL NOT NULL,
			observations     INTEGER NOT NULL,
			last_used        TIMESTAMP,
			updated_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create model_stats table: %w", err)
	}

	return &StatsStore{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (s *StatsStore) Close() error {
	return s.db.Close()
}

// Load returns every model's last-persisted stats, keyed by model name.
func (s *StatsStore) Load(ctx context.Context) (map[string]persistedStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT name, tier, success_rate, avg_response_sec, observations, last_used FROM model_stats`)
	if err != nil {
		return nil, fmt.Errorf("query model_stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]persistedStats)
	for rows.Next() {
		var p persistedStats
		var tier string
		var lastUsed sql.NullTime
		if err := rows.Scan(&p.Name, &tier, &p.SuccessRate, &p.AvgResponseTime, &p.Observations, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan model_stats row: %w", err)
		}
		p.Tier = ModelTier(tier)
		if lastUsed.Valid {
			p.LastUsed = lastUsed.Time
		}
		out[p.Name] = p
	}
	return out, rows.Err()
}

// Save upserts one model's stats snapshot.
func (s *StatsStore) Save(ctx context.Context, p persistedStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastUsed interface{}
	if !p.LastUsed.IsZero() {
		lastUsed = p.LastUsed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_stats (name, tier, success_rate, avg_response_sec, observations, last_used, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			tier             = excluded.tier,
			success_rate     = excluded.success_rate,
			avg_response_sec = excluded.avg_response_sec,
			observations     = excluded.observations,
			last_used        = excluded.last_used,
			updated_at       = excluded.updated_at
	`, p.Name, string(p.Tier), p.SuccessRate, p.AvgResponseTime, p.Observations, lastUsed, time.Now())
	if err != nil {
		return fmt.Errorf("upsert model_stats for %s: %w", p.Name, err)
	}
	return nil
}
