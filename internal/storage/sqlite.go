// Package storage persists per-identity profile documents in SQLite.
//
// Each identity owns exactly one row holding the questionnaire answers, a
// store-assigned monotonically increasing version stamp, and an optional
// cached recommendation. Answers and recommendation live on the same row so
// an artifact and the source version it was generated against are always
// read and written together.
package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding profile documents.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "skillpath.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// GetProfile loads the full profile document for id.
func (s *Store) GetProfile(id string) (Profile, error) {
	var (
		answersJSON string
		updatedAt   string
		recJSON     sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT answers_json, updated_at, recommendations_json
		FROM profiles WHERE id = ?`, id,
	).Scan(&answersJSON, &updatedAt, &recJSON)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}

	p := Profile{ID: id}
	if err := json.Unmarshal([]byte(answersJSON), &p.Answers); err != nil {
		return Profile{}, fmt.Errorf("parsing answers for %s: %w", id, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Profile{}, fmt.Errorf("parsing updated_at for %s: %w", id, err)
	}
	if recJSON.Valid && recJSON.String != "" {
		var rec Recommendation
		if err := json.Unmarshal([]byte(recJSON.String), &rec); err != nil {
			return Profile{}, fmt.Errorf("parsing recommendation for %s: %w", id, err)
		}
		p.Recommendation = &rec
	}
	return p, nil
}

// PutAnswers replaces the answers for id and assigns a new version stamp.
// The stamp is strictly greater than the previous one even when the clock
// has not advanced. The cached recommendation column is left untouched, so
// an answers write can never clobber a concurrent recommendation write.
func (s *Store) PutAnswers(id string, answers map[string]any) (time.Time, error) {
	if answers == nil {
		answers = map[string]any{}
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return time.Time{}, fmt.Errorf("marshalling answers: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return time.Time{}, fmt.Errorf("beginning answers transaction: %w", err)
	}
	defer tx.Rollback()

	stamp := s.now().UTC()
	var prevRaw string
	err = tx.QueryRow("SELECT updated_at FROM profiles WHERE id = ?", id).Scan(&prevRaw)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, err
	}
	if err == nil {
		prev, perr := time.Parse(time.RFC3339Nano, prevRaw)
		if perr != nil {
			return time.Time{}, fmt.Errorf("parsing previous updated_at for %s: %w", id, perr)
		}
		if !stamp.After(prev) {
			stamp = prev.Add(time.Microsecond)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO profiles (id, answers_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			answers_json = excluded.answers_json,
			updated_at = excluded.updated_at`,
		id, string(answersJSON), stamp.Format(time.RFC3339Nano),
	); err != nil {
		return time.Time{}, err
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("committing answers write: %w", err)
	}
	return stamp, nil
}

// SetRecommendation merge-writes the recommendation field on an existing
// profile document. Answers and updated_at are not touched. Returns
// ErrNotFound if no document exists for id.
func (s *Store) SetRecommendation(id string, rec Recommendation) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling recommendation: %w", err)
	}

	res, err := s.db.Exec(`UPDATE profiles SET recommendations_json = ? WHERE id = ?`,
		string(recJSON), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
