package rules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const initialRules = `
rules:
  - id: slash-new-en
    category: slash-command
    trigger: slash new
    replacement: /new
    locale: en-US
    priority: 1000
  - id: slash-help
    category: slash-command
    trigger: slash help
    replacement: /help
`

func writeRules(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write rules file: %v", err)
	}
}

func newTestStore(t *testing.T, content string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, content)

	clock := time.UnixMilli(1_700_000_000_000)
	store, err := NewStore(path, zerolog.Nop(), WithStoreClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	return store, path
}

func TestStore_InitialLoad(t *testing.T) {
	store, _ := newTestStore(t, initialRules)

	if store.Version() != 1 {
		t.Errorf("Expected version 1, got %d", store.Version())
	}

	active := store.ActiveRules()
	if len(active) != 2 {
		t.Fatalf("Expected 2 active rules, got %d", len(active))
	}

	help := active[0]
	if help.ID != "slash-help" {
		t.Fatalf("Expected rules ordered by id, got %s first", help.ID)
	}
	if !help.Enabled || help.Priority != DefaultPriority || help.Locale != DefaultLocale {
		t.Errorf("Expected defaults for omitted fields, got %+v", help)
	}
	if help.UpdatedAt != 1_700_000_000_000 {
		t.Errorf("Expected UpdatedAt stamped from clock, got %d", help.UpdatedAt)
	}

	if got := store.Apply("slash new doc"); got != "/new doc" {
		t.Errorf("Expected '/new doc', got %q", got)
	}
}

func TestStore_ReloadUnchangedKeepsVersion(t *testing.T) {
	store, _ := newTestStore(t, initialRules)

	changed, err := store.Reload()
	if err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if changed {
		t.Error("Expected unchanged file not to bump the version")
	}
	if store.Version() != 1 {
		t.Errorf("Expected version 1, got %d", store.Version())
	}
}

func TestStore_ChangesAndTombstones(t *testing.T) {
	store, path := newTestStore(t, initialRules)

	var notified []int64
	store.OnChange(func(v int64) { notified = append(notified, v) })

	writeRules(t, path, `
rules:
  - id: slash-new-en
    category: slash-command
    trigger: slash new
    replacement: /new-chat
    locale: en-US
    priority: 1000
`)

	changed, err := store.Reload()
	if err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if !changed || store.Version() != 2 {
		t.Fatalf("Expected version 2 after change, got %d", store.Version())
	}
	if len(notified) != 1 || notified[0] != 2 {
		t.Errorf("Expected OnChange(2), got %v", notified)
	}

	version, changes := store.ChangesSince(1)
	if version != 2 {
		t.Errorf("Expected version 2, got %d", version)
	}
	if len(changes) != 2 {
		t.Fatalf("Expected 2 changes, got %d", len(changes))
	}
	if changes[0].ID != "slash-help" || !changes[0].Deleted {
		t.Errorf("Expected tombstone for slash-help, got %+v", changes[0])
	}
	if changes[1].ID != "slash-new-en" || changes[1].Replacement != "/new-chat" || changes[1].Deleted {
		t.Errorf("Expected updated slash-new-en, got %+v", changes[1])
	}

	_, all := store.ChangesSince(0)
	if len(all) != 2 {
		t.Errorf("Expected full history of 2 entries, got %d", len(all))
	}

	_, none := store.ChangesSince(2)
	if none == nil || len(none) != 0 {
		t.Errorf("Expected empty non-nil changes, got %v", none)
	}

	if got := store.Apply("slash help"); got != "slash help" {
		t.Errorf("Expected deleted rule not to apply, got %q", got)
	}
}

func TestStore_InvalidFile(t *testing.T) {
	tests := map[string]string{
		"bad yaml":     "rules: [",
		"missing id":   "rules:\n  - trigger: x\n    replacement: y\n",
		"duplicate id": "rules:\n  - id: a\n    trigger: x\n  - id: a\n    trigger: y\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rules.yaml")
			writeRules(t, path, content)

			if _, err := NewStore(path, zerolog.Nop()); err == nil {
				t.Error("Expected error for invalid rules file")
			}
		})
	}
}

func TestStore_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")

	store, err := NewStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	if store.Version() != 1 {
		t.Errorf("Expected version 1, got %d", store.Version())
	}
	if got := store.Apply("슬래시 뉴 메모"); got != "/new 메모" {
		t.Errorf("Expected built-in rule to apply, got %q", got)
	}
}

func TestStore_Watch(t *testing.T) {
	store, path := newTestStore(t, initialRules)

	reloaded := make(chan int64, 4)
	store.OnChange(func(v int64) {
		select {
		case reloaded <- v:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// Give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	writeRules(t, path, "rules:\n  - id: only\n    trigger: only\n    replacement: ONLY\n")

	select {
	case v := <-reloaded:
		if v != 2 {
			t.Errorf("Expected version 2 after watch reload, got %d", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for rules reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() returned error: %v", err)
	}
}

func TestHandlers(t *testing.T) {
	store, _ := newTestStore(t, initialRules)

	rec := httptest.NewRecorder()
	VersionHandler(store)(rec, httptest.NewRequest(http.MethodGet, "/v1/rules/version", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var version VersionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &version); err != nil {
		t.Fatalf("Failed to decode version: %v", err)
	}
	if version.RulesetVersion != 1 {
		t.Errorf("Expected rulesetVersion 1, got %d", version.RulesetVersion)
	}

	rec = httptest.NewRecorder()
	ChangesHandler(store)(rec, httptest.NewRequest(http.MethodGet, "/v1/rules/changes?sinceVersion=0", nil))
	var changes ChangesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &changes); err != nil {
		t.Fatalf("Failed to decode changes: %v", err)
	}
	if changes.RulesetVersion != 1 || len(changes.Changes) != 2 {
		t.Errorf("Unexpected changes response: %+v", changes)
	}

	rec = httptest.NewRecorder()
	ChangesHandler(store)(rec, httptest.NewRequest(http.MethodGet, "/v1/rules/changes?sinceVersion=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad sinceVersion, got %d", rec.Code)
	}
}

func TestHandlers_Disabled(t *testing.T) {
	for _, h := range []http.HandlerFunc{VersionHandler(nil), ChangesHandler(nil)} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404 with rule sync disabled, got %d", rec.Code)
		}
	}
}
