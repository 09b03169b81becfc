package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCanonicalURL(t *testing.T) {
	cases := []struct {
		a, b string
		same bool
	}{
		{"https://Example.COM/page", "https://example.com/page", true},
		{"https://example.com/page/", "https://example.com/page", true},
		{"https://example.com/", "https://example.com", true},
		{"https://example.com/page?utm=1", "https://example.com/page#top", true},
		{"https://example.com/a", "https://example.com/b", false},
		{"http://example.com/a", "https://example.com/a", false},
		{"example.com", "https://example.com/", true},
	}
	for _, tc := range cases {
		got := CanonicalURL(tc.a) == CanonicalURL(tc.b)
		if got != tc.same {
			t.Fatalf("CanonicalURL(%q) vs (%q): same=%v, want %v", tc.a, tc.b, got, tc.same)
		}
	}
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	return NewStore(filepath.Join(root, "run_history.json"), root), root
}

func TestLoadToleratesMissingAndCorrupt(t *testing.T) {
	store, root := newTestStore(t)
	if entries := store.Load(); len(entries) != 0 {
		t.Fatalf("missing store should load empty, got %d", len(entries))
	}
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if entries := store.Load(); len(entries) != 0 {
		t.Fatalf("corrupt store should load empty, got %d", len(entries))
	}
	_ = root
}

func TestSaveCapsAtMaxEntriesNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var entries []Entry
	for i := 0; i < MaxEntries+25; i++ {
		entries = append(entries, Entry{
			ID:        fmt.Sprintf("run-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			URL:       fmt.Sprintf("https://site-%d.ro", i),
			Status:    StatusSuccess,
		})
	}
	if err := store.Save(entries); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded := store.Load()
	if len(loaded) != MaxEntries {
		t.Fatalf("expected %d entries, got %d", MaxEntries, len(loaded))
	}
	if loaded[0].ID != fmt.Sprintf("run-%d", MaxEntries+24) {
		t.Fatalf("newest entry not first: %s", loaded[0].ID)
	}
	if loaded[len(loaded)-1].ID != "run-25" {
		t.Fatalf("oldest surviving entry wrong: %s", loaded[len(loaded)-1].ID)
	}
}

func TestAppendOverwriteRetiresSameCampaignRun(t *testing.T) {
	store, root := newTestStore(t)
	runsRoot := filepath.Join(root, "campaigns", "acme", "runs")
	oldDir := filepath.Join(runsRoot, "2026-01-01T10-00-00Z_example.com_en")
	if err := os.MkdirAll(oldDir, 0o755); err != nil {
		t.Fatal(err)
	}
	old := Entry{
		ID:        "old",
		Timestamp: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		URL:       "https://example.com/page",
		Lang:      "en",
		Status:    StatusSuccess,
		RunDir:    oldDir,
	}
	if err := store.Save([]Entry{old}); err != nil {
		t.Fatal(err)
	}
	fresh := Entry{
		ID:        "new",
		Timestamp: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
		URL:       "https://EXAMPLE.com/page/",
		Lang:      "en",
		Status:    StatusSuccess,
		RunDir:    filepath.Join(runsRoot, "2026-01-02T10-00-00Z_example.com_en"),
	}
	if err := store.AppendOverwrite(fresh, runsRoot); err != nil {
		t.Fatalf("append overwrite: %v", err)
	}
	entries := store.Load()
	if len(entries) != 1 || entries[0].ID != "new" {
		t.Fatalf("expected the new entry to replace the old, got %+v", entries)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("superseded run directory still exists")
	}
}

func TestAppendOverwriteLeavesOtherCampaignsAlone(t *testing.T) {
	store, root := newTestStore(t)
	acmeRuns := filepath.Join(root, "campaigns", "acme", "runs")
	otherDir := filepath.Join(root, "campaigns", "other", "runs", "2026-01-01T10-00-00Z_example.com_en")
	if err := os.MkdirAll(otherDir, 0o755); err != nil {
		t.Fatal(err)
	}
	other := Entry{
		ID:        "other-campaign",
		Timestamp: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		URL:       "https://example.com",
		Lang:      "en",
		RunDir:    otherDir,
	}
	if err := store.Save([]Entry{other}); err != nil {
		t.Fatal(err)
	}
	fresh := Entry{
		ID:        "acme",
		Timestamp: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
		URL:       "https://example.com",
		Lang:      "en",
		RunDir:    filepath.Join(acmeRuns, "2026-01-02T10-00-00Z_example.com_en"),
	}
	if err := store.AppendOverwrite(fresh, acmeRuns); err != nil {
		t.Fatalf("append overwrite: %v", err)
	}
	entries := store.Load()
	if len(entries) != 2 {
		t.Fatalf("expected both entries to remain, got %+v", entries)
	}
	if _, err := os.Stat(otherDir); err != nil {
		t.Fatalf("other campaign's run dir was touched: %v", err)
	}
}

func TestRemoveByIDCleansUpDirectory(t *testing.T) {
	store, root := newTestStore(t)
	runDir := filepath.Join(root, "campaigns", "acme", "runs", "r1")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	entry := Entry{ID: "r1", Timestamp: time.Now().UTC(), URL: "https://a.ro", RunDir: runDir}
	if err := store.Save([]Entry{entry}); err != nil {
		t.Fatal(err)
	}
	removed, err := store.Remove("r1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.ID != "r1" {
		t.Fatalf("wrong entry removed: %+v", removed)
	}
	if _, err := os.Stat(runDir); !os.IsNotExist(err) {
		t.Fatalf("run dir still present")
	}
	if entries := store.Load(); len(entries) != 0 {
		t.Fatalf("ledger still holds %d entries", len(entries))
	}
}

func TestRemoveMatchesOnDiskPath(t *testing.T) {
	store, root := newTestStore(t)
	runDir := filepath.Join(root, "campaigns", "acme", "runs", "r2")
	entry := Entry{ID: "id-2", Timestamp: time.Now().UTC(), RunDir: runDir}
	if err := store.Save([]Entry{entry}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Remove(runDir); err != nil {
		t.Fatalf("remove by path: %v", err)
	}
	if _, err := store.Remove("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveUnderDropsWholeCampaign(t *testing.T) {
	store, root := newTestStore(t)
	acmeRuns := filepath.Join(root, "campaigns", "Acme", "runs")
	otherRuns := filepath.Join(root, "campaigns", "Other", "runs")
	now := time.Now().UTC()
	entries := []Entry{
		{ID: "a1", Timestamp: now, URL: "https://a.ro", RunDir: filepath.Join(acmeRuns, "r1")},
		{ID: "a2", Timestamp: now.Add(time.Minute), URL: "https://b.ro", RunDir: filepath.Join(acmeRuns, "r2")},
		{ID: "o1", Timestamp: now.Add(2 * time.Minute), URL: "https://c.ro", RunDir: filepath.Join(otherRuns, "r1")},
		{ID: "nodir", Timestamp: now.Add(3 * time.Minute), URL: "https://d.ro"},
	}
	if err := store.Save(entries); err != nil {
		t.Fatal(err)
	}

	removed, err := store.RemoveUnder(acmeRuns)
	if err != nil {
		t.Fatalf("remove under: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	left := store.Load()
	if len(left) != 2 {
		t.Fatalf("ledger kept %d entries, want 2", len(left))
	}
	for _, entry := range left {
		if entry.ID == "a1" || entry.ID == "a2" {
			t.Fatalf("campaign entry survived: %+v", entry)
		}
	}

	if removed, err := store.RemoveUnder(acmeRuns); err != nil || removed != 0 {
		t.Fatalf("second sweep = %d, %v, want 0, nil", removed, err)
	}
}

func TestRemoveRefusesDirOutsideGuardRoot(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "run_history.json"), root)
	outside := t.TempDir()
	victim := filepath.Join(outside, "victim")
	if err := os.MkdirAll(victim, 0o755); err != nil {
		t.Fatal(err)
	}
	entry := Entry{ID: "escape", Timestamp: time.Now().UTC(), RunDir: victim}
	if err := store.Save([]Entry{entry}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Remove("escape"); err == nil {
		t.Fatalf("expected containment error")
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("directory outside guard root was deleted")
	}
	if entries := store.Load(); len(entries) != 1 {
		t.Fatalf("entry should be retained after refused cleanup")
	}
}
