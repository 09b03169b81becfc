package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const manifestFile = "manifest.json"

// Manifest is the per-campaign record persisted as a single JSON document.
type Manifest struct {
	Campaign   string   `json:"campaign"`
	CampaignFS string   `json:"campaign_fs"`
	Lang       string   `json:"lang"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
	Runs       []string `json:"runs"`
}

// HasRun reports whether the manifest already lists a run folder.
func (m *Manifest) HasRun(name string) bool {
	for _, run := range m.Runs {
		if run == name {
			return true
		}
	}
	return false
}

// loadOrCreateManifest reads the campaign manifest, creating a fresh one
// when the file does not exist yet.
func loadOrCreateManifest(campaignDir, displayName, slug, lang string, now time.Time) (*Manifest, error) {
	path := filepath.Join(campaignDir, manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			stamp := now.UTC().Format(time.RFC3339)
			return &Manifest{
				Campaign:   displayName,
				CampaignFS: slug,
				Lang:       lang,
				CreatedAt:  stamp,
				UpdatedAt:  stamp,
				Runs:       []string{},
			}, nil
		}
		return nil, fmt.Errorf("registry: read manifest %s: %w", path, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("registry: parse manifest %s: %w", path, err)
	}
	if manifest.Runs == nil {
		manifest.Runs = []string{}
	}
	return &manifest, nil
}

// writeManifest persists the manifest atomically: the document is written
// to a temporary sibling and renamed over the target, so a crash mid-write
// never leaves a partially written manifest observable.
func writeManifest(campaignDir string, manifest *Manifest) error {
	if err := os.MkdirAll(campaignDir, 0o755); err != nil {
		return fmt.Errorf("registry: ensure campaign dir: %w", err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode manifest: %w", err)
	}
	path := filepath.Join(campaignDir, manifestFile)
	tmp, err := os.CreateTemp(campaignDir, manifestFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("registry: create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("registry: write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: replace manifest: %w", err)
	}
	return nil
}
