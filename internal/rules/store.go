package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/pttdictation/dictation-gateway/internal/observability"
)

// File is the on-disk YAML layout of a rules file
type File struct {
	Rules []Rule `yaml:"rules"`
}

type entry struct {
	rule    Rule
	version int64 // ruleset version in which this entry last changed
}

// Store serves the text rules loaded from a YAML file. Every reload that
// changes at least one rule bumps the ruleset version; rules that disappear
// from the file are kept as tombstones so clients syncing from an older
// version learn about the deletion.
type Store struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	version  int64
	entries  map[string]*entry
	compiled *Ruleset

	onChange []func(version int64)
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithStoreClock overrides the time source used to stamp changed rules
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a store for path and performs the initial load. A missing
// file is not an error: the store starts from DefaultRules and picks the file
// up once it is created.
func NewStore(path string, logger zerolog.Logger, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:     filepath.Clean(path),
		logger:   observability.WithComponent(logger, "rules").With().Str("path", path).Logger(),
		now:      time.Now,
		entries:  make(map[string]*entry),
		compiled: Compile(nil),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.Reload(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		s.logger.Warn().Msg("Rules file not found, using built-in rules")
		s.apply(DefaultRules(s.now().UnixMilli()))
	}

	return s, nil
}

// OnChange registers a callback run after every version bump. Call it before
// Watch.
func (s *Store) OnChange(fn func(version int64)) {
	s.onChange = append(s.onChange, fn)
}

// Reload reads the rules file and merges it into the store. It reports
// whether the ruleset version changed.
func (s *Store) Reload() (bool, error) {
	rules, err := loadFile(s.path)
	if err != nil {
		return false, err
	}

	changed, version := s.apply(rules)
	if changed {
		s.logger.Info().Int64("version", version).Int("rules", len(rules)).Msg("Rules reloaded")
		for _, fn := range s.onChange {
			fn(version)
		}
	}
	return changed, nil
}

func loadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read rules file %q: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d in %s has no id", i, path)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q in %s", r.ID, path)
		}
		seen[r.ID] = true
		if r.Locale == "" {
			r.Locale = DefaultLocale
		}
	}

	return f.Rules, nil
}

// UnmarshalYAML applies the defaults for fields a rules file may omit
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	type plain Rule
	p := plain{Enabled: true, Priority: DefaultPriority, Locale: DefaultLocale}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// apply merges the full desired rule list into the entries
func (s *Store) apply(rules []Rule) (bool, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.version + 1
	now := s.now().UnixMilli()
	changed := false
	present := make(map[string]bool, len(rules))

	for _, r := range rules {
		present[r.ID] = true
		cur, ok := s.entries[r.ID]
		if ok && !cur.rule.Deleted && sameContent(cur.rule, r) {
			continue
		}
		if r.UpdatedAt == 0 {
			r.UpdatedAt = now
		}
		r.Deleted = false
		s.entries[r.ID] = &entry{rule: r, version: next}
		changed = true
	}

	for id, e := range s.entries {
		if present[id] || e.rule.Deleted {
			continue
		}
		tomb := e.rule
		tomb.Deleted = true
		tomb.UpdatedAt = now
		s.entries[id] = &entry{rule: tomb, version: next}
		changed = true
	}

	if !changed {
		return false, s.version
	}

	s.version = next
	active := make([]Rule, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.rule.Deleted {
			active = append(active, e.rule)
		}
	}
	s.compiled = Compile(active)
	return true, s.version
}

func sameContent(a, b Rule) bool {
	return a.Category == b.Category &&
		a.Trigger == b.Trigger &&
		a.Replacement == b.Replacement &&
		a.Locale == b.Locale &&
		a.Enabled == b.Enabled &&
		a.Priority == b.Priority
}

// Version returns the current ruleset version
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ChangesSince returns the current version and every rule, including
// tombstones, that changed after sinceVersion, ordered by id.
func (s *Store) ChangesSince(sinceVersion int64) (int64, []Rule) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	changes := make([]Rule, 0)
	for _, e := range s.entries {
		if e.version > sinceVersion {
			changes = append(changes, e.rule)
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].ID < changes[j].ID
	})
	return s.version, changes
}

// ActiveRules returns the enabled, non-deleted rules ordered by id
func (s *Store) ActiveRules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Rule
	for _, e := range s.entries {
		if e.rule.Enabled && !e.rule.Deleted {
			out = append(out, e.rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Apply rewrites text with the current rules
func (s *Store) Apply(text string) string {
	s.mu.RLock()
	rs := s.compiled
	s.mu.RUnlock()
	return rs.Apply(text)
}

// Watch reloads the store whenever the rules file is written or created. It
// blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.logger.Info().Str("dir", dir).Msg("Watching rules file")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, err := s.Reload(); err != nil {
				s.logger.Error().Err(err).Str("op", event.Op.String()).Msg("Failed to reload rules")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("Rules watcher error")
		}
	}
}
