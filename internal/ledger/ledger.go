// Package ledger keeps the durable, cross-campaign history of completed
// runs. The store is a single JSON document, newest entry first, capped at
// the most recent 200 records. It is the only component allowed to mutate
// the history.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rmunteanu/astra-console/internal/fsguard"
)

// MaxEntries caps the ledger; the oldest records beyond it are evicted on
// save.
const MaxEntries = 200

// Status classifies a completed run.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusWarning  Status = "warning"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "failed_timeout"
	StatusCanceled Status = "canceled"
)

// ErrNotFound is returned when a removal target matches no ledger entry.
var ErrNotFound = errors.New("ledger: entry not found")

// Entry is one completed run record.
type Entry struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	URL             string    `json:"url"`
	Lang            string    `json:"lang"`
	Status          Status    `json:"status"`
	RunDir          string    `json:"runDir"`
	DeliverablesDir string    `json:"deliverablesDir"`
	ReportPDFPath   string    `json:"reportPdfPath,omitempty"`
	DecisionBrief   string    `json:"decisionBriefPdfPath,omitempty"`
	LogPath         string    `json:"logPath,omitempty"`
}

// Store persists the run history. guardRoot bounds every filesystem
// deletion the store performs on behalf of overwrite/remove operations.
type Store struct {
	path      string
	guardRoot string
}

// NewStore builds a ledger store writing to path. Directory deletions are
// refused for targets outside guardRoot.
func NewStore(path, guardRoot string) *Store {
	return &Store{path: path, guardRoot: guardRoot}
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads all entries, newest first. Absent or corrupt storage yields
// an empty history rather than an error; the history is advisory and must
// never block a run.
func (s *Store) Load() []Entry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	sortNewestFirst(entries)
	return entries
}

// Save persists the entries, newest first, truncated to MaxEntries. The
// write is atomic (temp sibling + rename).
func (s *Store) Save(entries []Entry) error {
	sortNewestFirst(entries)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: encode history: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: ensure store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("ledger: create temp store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ledger: write temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: close temp store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: replace store: %w", err)
	}
	return nil
}

// AppendOverwrite inserts a new entry and retires previous runs of the
// same canonicalized URL within the same campaign: each superseded entry's
// run directory is deleted from disk before the record is dropped. Entries
// of other campaigns, and legacy entries outside campaignRunsRoot, stay
// untouched. If a superseded directory cannot be deleted the whole
// overwrite aborts and the old entry is retained.
func (s *Store) AppendOverwrite(entry Entry, campaignRunsRoot string) error {
	entries := s.Load()
	canonical := CanonicalURL(entry.URL)
	kept := make([]Entry, 0, len(entries)+1)
	for _, existing := range entries {
		if CanonicalURL(existing.URL) == canonical &&
			existing.Lang == entry.Lang &&
			campaignRunsRoot != "" &&
			fsguard.Within(campaignRunsRoot, existing.RunDir) {
			if err := removeRunDir(s.guardRoot, existing.RunDir); err != nil {
				return fmt.Errorf("ledger: retire superseded run %s: %w", existing.RunDir, err)
			}
			continue
		}
		kept = append(kept, existing)
	}
	kept = append(kept, entry)
	return s.Save(kept)
}

// Remove deletes one entry, matched by ID or by its on-disk paths, and
// removes its run directory from disk. The cleaned entry is returned.
func (s *Store) Remove(key string) (Entry, error) {
	entries := s.Load()
	index := -1
	for i, entry := range entries {
		if entry.ID == key || entry.RunDir == key || entry.DeliverablesDir == key {
			index = i
			break
		}
	}
	if index < 0 {
		return Entry{}, ErrNotFound
	}
	removed := entries[index]
	if err := removeRunDir(s.guardRoot, removed.RunDir); err != nil {
		return Entry{}, fmt.Errorf("ledger: remove run dir %s: %w", removed.RunDir, err)
	}
	entries = append(entries[:index], entries[index+1:]...)
	if err := s.Save(entries); err != nil {
		return Entry{}, err
	}
	return removed, nil
}

// RemoveUnder drops every entry whose run directory sits under root,
// returning how many were dropped. Deleting a campaign removes its tree
// in one sweep, so no per-entry disk cleanup happens here.
func (s *Store) RemoveUnder(root string) (int, error) {
	entries := s.Load()
	kept := entries[:0]
	for _, entry := range entries {
		if entry.RunDir != "" && fsguard.Within(root, entry.RunDir) {
			continue
		}
		kept = append(kept, entry)
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.Save(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func removeRunDir(guardRoot, dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := fsguard.Check(guardRoot, dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}
