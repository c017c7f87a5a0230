package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS transition_rules (
	id          TEXT PRIMARY KEY,
	position    INTEGER NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	version     INTEGER NOT NULL,
	is_active   INTEGER NOT NULL,
	body        TEXT NOT NULL,
	modified_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transition_rules_from ON transition_rules(from_state);

CREATE TABLE IF NOT EXISTS rule_backups (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL,
	rule_count INTEGER NOT NULL,
	body       TEXT NOT NULL
);
`

// SQLiteStore keeps rules in a SQLite database, one row per rule with the
// full rule as JSON in body.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns rules in their saved order.
func (s *SQLiteStore) Load(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM transition_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	var out []Rule
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		var r Rule
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			s.logger.Warn("skipping undecodable rule row", "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Save replaces every row in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, rules []Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM transition_rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	for i := range rules {
		r := &rules[i]
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode rule %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transition_rules (id, position, from_state, to_state, version, is_active, body, modified_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, i, r.From, r.To, r.Version, r.Active, string(body), r.ModifiedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Backup stores a snapshot row and returns its reference.
func (s *SQLiteStore) Backup(ctx context.Context, rules []Rule) (string, error) {
	body, err := encodeRules(rules)
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_backups (created_at, rule_count, body) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), len(rules), string(body))
	if err != nil {
		return "", fmt.Errorf("insert backup: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("backup id: %w", err)
	}
	return fmt.Sprintf("sqlite:rule_backups/%d", id), nil
}

// Backups returns the number of stored snapshots.
func (s *SQLiteStore) Backups(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_backups`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count backups: %w", err)
	}
	return n, nil
}
