// Package artifacts locates the directory an engine invocation wrote its
// results into. Resolution prefers the engine's own marker protocol and
// falls back to scanning the engine output root for fresh evidence.
package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Marker keys emitted by the audit engine on its combined output stream.
const (
	MarkerRunDir   = "ASTRA_RUN_DIR"
	MarkerAuditDir = "ASTRA_AUDIT_DIR"
	MarkerZipRO    = "ASTRA_ZIP_RO"
	MarkerZipEN    = "ASTRA_ZIP_EN"
)

// ErrNoEvidence means neither the marker protocol nor the directory scan
// produced a usable run directory: the invocation left nothing to deliver.
var ErrNoEvidence = errors.New("artifacts: no run directory with evidence found")

// evidenceFiles are the files whose presence marks a directory as holding
// a classifiable run.
var evidenceFiles = []string{
	"verdict.json",
	"Decision_Brief_RO.pdf",
	"Decision_Brief_EN.pdf",
}

// ParseMarkers extracts KEY=VALUE marker lines from captured output.
// The key must start the line with no surrounding whitespace; unrecognized
// lines are ignored and the last occurrence of a key wins.
func ParseMarkers(output string) map[string]string {
	markers := map[string]string{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := line[:eq]
		if !isMarkerKey(key) {
			continue
		}
		markers[key] = line[eq+1:]
	}
	return markers
}

func isMarkerKey(key string) bool {
	for _, r := range key {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return key != ""
}

// Resolver finds invocation output directories.
type Resolver struct {
	// SearchRoot is the engine's own output root, scanned when no marker
	// points at an existing directory.
	SearchRoot string
}

// Resolve returns the directory holding the invocation's raw output.
// The ASTRA_RUN_DIR marker wins when the path it names exists; otherwise
// the most-recently-modified child of SearchRoot containing at least one
// evidence file is used. Ties break by modification time, then by path.
func (r Resolver) Resolve(output string) (string, error) {
	markers := ParseMarkers(output)
	if dir := strings.TrimSpace(markers[MarkerRunDir]); dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	dir, err := r.scanSearchRoot()
	if err != nil {
		return "", err
	}
	return dir, nil
}

func (r Resolver) scanSearchRoot() (string, error) {
	if r.SearchRoot == "" {
		return "", ErrNoEvidence
	}
	entries, err := os.ReadDir(r.SearchRoot)
	if err != nil {
		return "", ErrNoEvidence
	}
	type candidate struct {
		path  string
		mtime int64
	}
	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.SearchRoot, entry.Name())
		if !hasEvidence(path) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: path, mtime: info.ModTime().UnixNano()})
	}
	if len(candidates) == 0 {
		return "", ErrNoEvidence
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].mtime != candidates[j].mtime {
			return candidates[i].mtime > candidates[j].mtime
		}
		return candidates[i].path < candidates[j].path
	})
	return candidates[0].path, nil
}

func hasEvidence(dir string) bool {
	for _, name := range evidenceFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
		// Evidence may sit one level down in the engine's own layout.
		if _, err := os.Stat(filepath.Join(dir, "deliverables", name)); err == nil {
			return true
		}
		if _, err := os.Stat(filepath.Join(dir, "audit", name)); err == nil {
			return true
		}
	}
	return false
}
