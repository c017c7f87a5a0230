package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Store persists the full rule collection. Implementations must replace the
// collection atomically on Save.
type Store interface {
	Load(ctx context.Context) ([]Rule, error)
	Save(ctx context.Context, rules []Rule) error
	// Backup snapshots rules and returns where the snapshot went.
	Backup(ctx context.Context, rules []Rule) (string, error)
}

// FileStore keeps rules in a JSON array on disk, with timestamped backups in
// a backups directory beside it.
type FileStore struct {
	logger    *slog.Logger
	path      string
	backupDir string
	attempts  uint
}

// NewFileStore returns a store rooted at path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:      path,
		backupDir: filepath.Join(filepath.Dir(path), "backups"),
		logger:    logger,
		attempts:  3,
	}
}

// Path returns the rule file location.
func (s *FileStore) Path() string { return s.path }

// BackupDir returns the backup directory.
func (s *FileStore) BackupDir() string { return s.backupDir }

// Load reads the rule file. A missing file is an empty collection.
func (s *FileStore) Load(ctx context.Context) ([]Rule, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no rule file found, starting empty", "path", s.path)
		return nil, nil
	}

	var data []byte
	err := s.withRetry(ctx, "reading rule file", func() error {
		var readErr error
		data, readErr = os.ReadFile(s.path)
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("corrupt rule file, starting with no rules", "path", s.path, "error", err)
		s.keepCorrupt(data)
		return nil, nil
	}
	rules := make([]Rule, 0, len(raw))
	for i, msg := range raw {
		var r Rule
		if err := json.Unmarshal(msg, &r); err != nil {
			s.logger.Warn("skipping undecodable rule", "path", s.path, "index", i, "error", err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// keepCorrupt copies an unreadable rule file into the backup directory so
// the next Save does not destroy it.
func (s *FileStore) keepCorrupt(data []byte) {
	path := filepath.Join(s.backupDir, fmt.Sprintf("rules_corrupt_%s.json", time.Now().UTC().Format("20060102_150405.000000")))
	if err := writeAtomic(path, data); err != nil {
		s.logger.Warn("failed to keep corrupt rule file", "path", path, "error", err)
		return
	}
	s.logger.Info("corrupt rule file kept", "path", path)
}

// Save replaces the rule file.
func (s *FileStore) Save(ctx context.Context, rules []Rule) error {
	data, err := encodeRules(rules)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, "writing rule file", func() error {
		return writeAtomic(s.path, data)
	})
}

// Backup writes rules to backups/rules_backup_<timestamp>.json.
func (s *FileStore) Backup(ctx context.Context, rules []Rule) (string, error) {
	data, err := encodeRules(rules)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("rules_backup_%s.json", time.Now().UTC().Format("20060102_150405.000000"))
	path := filepath.Join(s.backupDir, name)
	if err := s.withRetry(ctx, "writing rule backup", func() error {
		return writeAtomic(path, data)
	}); err != nil {
		return "", fmt.Errorf("backing up rules: %w", err)
	}
	s.logger.Info("rules backed up", "path", path, "count", len(rules))
	return path, nil
}

func (s *FileStore) withRetry(ctx context.Context, what string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("retrying", "op", what, "path", s.path, "attempt", n+1, "error", err)
		}),
	)
}

func encodeRules(rules []Rule) ([]byte, error) {
	if rules == nil {
		rules = []Rule{}
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding rules: %w", err)
	}
	return data, nil
}

// writeAtomic writes to a temp file, syncs it and renames it over path.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if removeErr := os.Remove(tmp); removeErr != nil && !os.IsNotExist(removeErr) {
			slog.Debug("failed to remove temp file", "path", tmp, "error", removeErr)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
