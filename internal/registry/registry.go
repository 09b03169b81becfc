// Package registry owns the durable campaign/run directory tree:
//
//	<export-root>/campaigns/<campaign-slug>/manifest.json
//	<export-root>/campaigns/<campaign-slug>/runs/<run-folder>/
//
// The registry is the only component that creates or deletes anything
// under that tree, and every destructive operation passes the fsguard
// containment check first.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rmunteanu/astra-console/internal/fsguard"
)

// Campaign identifies one named unit of client work on disk.
type Campaign struct {
	Name string
	Slug string
	Path string
}

// Registry manages campaigns under a single root directory.
type Registry struct {
	root string
	now  func() time.Time
}

// Option customizes a Registry during construction.
type Option func(*Registry)

// WithClock overrides the clock used for manifest timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		r.now = clock
	}
}

// New builds a registry rooted at the campaigns directory.
func New(campaignsRoot string, opts ...Option) *Registry {
	reg := &Registry{root: campaignsRoot, now: time.Now}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// Root returns the campaigns root directory.
func (r *Registry) Root() string {
	return r.root
}

// EnsureCampaign creates (or reuses) a campaign for the given display name
// and returns its identity. The slug keeps the name filesystem-safe; the
// case-preserving display name lives in the manifest.
func (r *Registry) EnsureCampaign(name, lang string) (Campaign, error) {
	display := strings.TrimSpace(name)
	if display == "" {
		display = "Default"
	}
	slug := Slugify(display)
	dir := filepath.Join(r.root, slug)
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return Campaign{}, fmt.Errorf("registry: create campaign %s: %w", display, err)
	}
	manifest, err := loadOrCreateManifest(dir, display, slug, lang, r.now())
	if err != nil {
		return Campaign{}, err
	}
	if err := writeManifest(dir, manifest); err != nil {
		return Campaign{}, err
	}
	return Campaign{Name: manifest.Campaign, Slug: slug, Path: dir}, nil
}

// List returns all campaigns sorted by display name.
func (r *Registry) List() ([]Campaign, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: read campaigns root: %w", err)
	}
	var campaigns []Campaign
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		manifest, err := loadOrCreateManifest(dir, entry.Name(), entry.Name(), "", r.now())
		if err != nil {
			// A campaign with an unreadable manifest still shows up by slug.
			campaigns = append(campaigns, Campaign{Name: entry.Name(), Slug: entry.Name(), Path: dir})
			continue
		}
		name := manifest.Campaign
		if name == "" {
			name = entry.Name()
		}
		campaigns = append(campaigns, Campaign{Name: name, Slug: entry.Name(), Path: dir})
	}
	sort.Slice(campaigns, func(i, j int) bool {
		return strings.ToLower(campaigns[i].Name) < strings.ToLower(campaigns[j].Name)
	})
	return campaigns, nil
}

// Manifest loads (or creates) the manifest for a campaign slug.
func (r *Registry) Manifest(slug string) (*Manifest, error) {
	dir := filepath.Join(r.root, slug)
	return loadOrCreateManifest(dir, slug, slug, "", r.now())
}

// AppendRun records a run folder name in the campaign manifest. The append
// is idempotent: a name already present is not duplicated, but updated_at
// is refreshed either way.
func (r *Registry) AppendRun(slug, runFolder string) error {
	dir := filepath.Join(r.root, slug)
	manifest, err := loadOrCreateManifest(dir, slug, slug, "", r.now())
	if err != nil {
		return err
	}
	if !manifest.HasRun(runFolder) {
		manifest.Runs = append(manifest.Runs, runFolder)
	}
	manifest.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	return writeManifest(dir, manifest)
}

// RunsDir returns the runs directory for a campaign slug.
func (r *Registry) RunsDir(slug string) string {
	return filepath.Join(r.root, slug, "runs")
}

// DeleteCampaign removes a campaign directory tree. The resolved path must
// be contained in the registry root or nothing is touched.
func (r *Registry) DeleteCampaign(slug string) error {
	dir := filepath.Join(r.root, slug)
	if err := fsguard.Check(r.root, dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("registry: delete campaign %s: %w", slug, err)
	}
	return nil
}

// DeleteRun removes one run folder. The target must resolve inside the
// campaign's runs/ subtree or the operation is refused without touching
// disk.
func (r *Registry) DeleteRun(slug, runFolder string) error {
	runsDir := r.RunsDir(slug)
	target := filepath.Join(runsDir, runFolder)
	if err := fsguard.Check(runsDir, target); err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("registry: delete run %s: %w", runFolder, err)
	}
	manifest, err := loadOrCreateManifest(filepath.Join(r.root, slug), slug, slug, "", r.now())
	if err != nil {
		return err
	}
	kept := manifest.Runs[:0]
	for _, run := range manifest.Runs {
		if run != runFolder {
			kept = append(kept, run)
		}
	}
	manifest.Runs = kept
	manifest.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	return writeManifest(filepath.Join(r.root, slug), manifest)
}
