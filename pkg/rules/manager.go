package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// snapshot is an immutable view of the rule collection.
type snapshot struct {
	byID     map[string]int
	digest   string
	rules    []Rule
	revision uint64
}

func newSnapshot(rules []Rule, revision uint64) *snapshot {
	s := &snapshot{byID: make(map[string]int, len(rules)), rules: rules, revision: revision}
	for i := range rules {
		s.byID[rules[i].ID] = i
	}
	s.digest = digestActive(rules)
	return s
}

// digestActive hashes what decoding depends on: the active rules in order.
func digestActive(rules []Rule) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for i := range rules {
		r := &rules[i]
		if !r.Active {
			continue
		}
		if err := enc.Encode(struct {
			ID         string     `json:"id"`
			From       string     `json:"from"`
			To         string     `json:"to"`
			Conditions Conditions `json:"conditions"`
			Base       float64    `json:"base"`
			Confidence int        `json:"confidence"`
		}{r.ID, r.From, r.To, r.Conditions, r.BaseProbability, r.Confidence}); err != nil {
			fmt.Fprintf(h, "%s:%d", r.ID, r.Version)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Manager owns the rule collection. Writes are serialized and persisted
// before the new collection is published; readers use the latest published
// snapshot and never block.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	snap   atomic.Pointer[snapshot]
	mu     sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source used for created/modified stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager loads the collection from store. Rules that fail validation are
// logged and skipped.
func NewManager(ctx context.Context, store Store, opts ...Option) (*Manager, error) {
	m := &Manager{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	kept := make([]Rule, 0, len(loaded))
	seen := make(map[string]bool, len(loaded))
	for i := range loaded {
		r := loaded[i]
		if err := r.Validate(); err != nil {
			m.logger.Warn("skipping invalid rule", "id", r.ID, "error", err)
			continue
		}
		if seen[r.ID] {
			m.logger.Warn("skipping duplicate rule id", "id", r.ID)
			continue
		}
		seen[r.ID] = true
		kept = append(kept, r)
	}
	m.snap.Store(newSnapshot(kept, 1))
	m.logger.Info("rules loaded", "count", len(kept), "skipped", len(loaded)-len(kept))
	return m, nil
}

// Snapshot returns the current rule collection. The slice must not be modified.
func (m *Manager) Snapshot() []Rule {
	return m.snap.Load().rules
}

// Revision increases with every published change to the collection.
func (m *Manager) Revision() uint64 {
	return m.snap.Load().revision
}

// Digest identifies the content of the active rules. Unlike Revision it is
// stable across processes.
func (m *Manager) Digest() string {
	return m.snap.Load().digest
}

// Get returns a rule by id.
func (m *Manager) Get(id string) (Rule, error) {
	s := m.snap.Load()
	i, ok := s.byID[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.rules[i].clone(), nil
}

// All returns copies of every rule, active or not.
func (m *Manager) All() []Rule {
	s := m.snap.Load()
	out := make([]Rule, len(s.rules))
	for i := range s.rules {
		out[i] = s.rules[i].clone()
	}
	return out
}

// Active returns copies of the active rules.
func (m *Manager) Active() []Rule {
	var out []Rule
	for _, r := range m.snap.Load().rules {
		if r.Active {
			out = append(out, r.clone())
		}
	}
	return out
}

// ApplicableRules returns the active rules leaving from whose conditions all
// hold in ctx, most confident first.
func (m *Manager) ApplicableRules(from string, ctx Context) []Rule {
	var out []Rule
	for _, r := range m.snap.Load().rules {
		if r.Applies(from, ctx) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// Save inserts r, or updates the rule with the same id by bumping its version.
// An empty id gets a generated one.
func (m *Manager) Save(ctx context.Context, r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(ctx, r)
}

// saveLocked is Save for callers holding m.mu.
func (m *Manager) saveLocked(ctx context.Context, r Rule) (Rule, error) {
	cur := m.snap.Load()
	now := m.now().UTC()
	if r.ID == "" {
		r.ID = GenerateID(r.From, r.To)
	}
	r = r.clone()

	next := append([]Rule(nil), cur.rules...)
	if i, ok := cur.byID[r.ID]; ok {
		old := cur.rules[i]
		r.Version = old.Version + 1
		r.CreatedAt = old.CreatedAt
		r.ModifiedAt = now
		next[i] = r
	} else {
		if r.Version < 1 {
			r.Version = 1
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.ModifiedAt.IsZero() {
			r.ModifiedAt = now
		}
		next = append(next, r)
	}

	if err := m.publish(ctx, next); err != nil {
		return Rule{}, err
	}
	m.logger.Info("rule saved", "id", r.ID, "from", r.From, "to", r.To, "version", r.Version)
	return r.clone(), nil
}

// Delete deactivates a rule. The record and its history stay in the store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	i, ok := cur.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !cur.rules[i].Active {
		return nil
	}
	r := cur.rules[i].clone()
	r.Active = false
	_, err := m.saveLocked(ctx, r)
	return err
}

// Backup snapshots the current collection through the store.
func (m *Manager) Backup(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Backup(ctx, m.snap.Load().rules)
}

// Export writes every rule as a JSON array.
func (m *Manager) Export(w io.Writer) error {
	data, err := encodeRules(m.All())
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}

// ExportFile writes the export to path, or to backups/rules_export_<timestamp>.json
// under dir when path is empty. It returns the path written.
func (m *Manager) ExportFile(path, dir string) (string, error) {
	if path == "" {
		path = filepath.Join(dir, "backups", fmt.Sprintf("rules_export_%s.json", m.now().UTC().Format("20060102_150405")))
	}
	data, err := encodeRules(m.All())
	if err != nil {
		return "", err
	}
	if err := writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("exporting rules: %w", err)
	}
	return path, nil
}

// ImportResult summarizes an Import.
type ImportResult struct {
	Backup   string   `json:"backup,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Imported int      `json:"imported"`
	Failed   int      `json:"failed"`
}

// Import reads a JSON array of rules. With merge, each rule is saved through
// the normal update path. Without merge the current collection is backed up
// and replaced, keeping the imported versions and timestamps. Rules that fail
// to decode or validate are counted and skipped.
func (m *Manager) Import(ctx context.Context, r io.Reader, merge bool) (ImportResult, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return ImportResult{}, fmt.Errorf("decoding import: %w", err)
	}

	var res ImportResult
	var incoming []Rule
	for i, msg := range raw {
		var rule Rule
		if err := json.Unmarshal(msg, &rule); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("rule %d: %v", i, err))
			continue
		}
		if err := rule.Validate(); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		incoming = append(incoming, rule)
	}

	if merge {
		for _, rule := range incoming {
			if _, err := m.Save(ctx, rule); err != nil {
				res.Failed++
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.Imported++
		}
		return res, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	backup, err := m.store.Backup(ctx, m.snap.Load().rules)
	if err != nil {
		return res, fmt.Errorf("backup before import: %w", err)
	}
	res.Backup = backup

	now := m.now().UTC()
	next := make([]Rule, 0, len(incoming))
	index := make(map[string]int, len(incoming))
	for _, rule := range incoming {
		if rule.ID == "" {
			rule.ID = GenerateID(rule.From, rule.To)
		}
		if rule.Version < 1 {
			rule.Version = 1
		}
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
		if rule.ModifiedAt.IsZero() {
			rule.ModifiedAt = now
		}
		if i, dup := index[rule.ID]; dup {
			next[i] = rule
			continue
		}
		index[rule.ID] = len(next)
		next = append(next, rule)
	}
	if err := m.publish(ctx, next); err != nil {
		return res, err
	}
	res.Imported = len(incoming)
	m.logger.Info("rules imported", "imported", res.Imported, "failed", res.Failed, "backup", backup)
	return res, nil
}

// ImportFile opens path and imports it.
func (m *Manager) ImportFile(ctx context.Context, path string, merge bool) (ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("opening import: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return m.Import(ctx, f, merge)
}

// publish persists next and swaps it in. Callers hold m.mu.
func (m *Manager) publish(ctx context.Context, next []Rule) error {
	if err := m.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persisting rules: %w", err)
	}
	m.snap.Store(newSnapshot(next, m.snap.Load().revision+1))
	return nil
}

// Stats aggregates the rule collection.
type Stats struct {
	FromStates     map[string]int `json:"from_states"`
	ToStates       map[string]int `json:"to_states"`
	ConditionKinds map[string]int `json:"condition_types"`
	Total          int            `json:"total"`
	Active         int            `json:"active"`
	Inactive       int            `json:"inactive"`
	AvgConditions  float64        `json:"avg_conditions_per_rule"`
	AvgConfidence  float64        `json:"avg_confidence"`
}

// Stats counts every stored rule; the distributions and averages cover the
// active rules only.
func (m *Manager) Stats() Stats {
	rules := m.snap.Load().rules
	st := Stats{
		FromStates:     make(map[string]int),
		ToStates:       make(map[string]int),
		ConditionKinds: make(map[string]int),
		Total:          len(rules),
	}
	var conds, conf int
	for _, r := range rules {
		if !r.Active {
			st.Inactive++
			continue
		}
		st.Active++
		st.FromStates[r.From]++
		st.ToStates[r.To]++
		for _, c := range r.Conditions {
			st.ConditionKinds[c.Kind()]++
		}
		conds += len(r.Conditions)
		conf += r.Confidence
	}
	if st.Active > 0 {
		st.AvgConditions = float64(conds) / float64(st.Active)
		st.AvgConfidence = float64(conf) / float64(st.Active)
	}
	return st
}

// IsValidation reports whether err came from rule validation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRule)
}
