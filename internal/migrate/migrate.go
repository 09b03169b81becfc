// Package migrate moves run folders from the pre-campaign flat layout
// (<export-root>/runs/...) into the canonical campaign tree and
// rewrites the run history to match. The pass runs at startup and is
// idempotent: a history with no legacy paths is left untouched.
package migrate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/rmunteanu/astra-console/internal/fsguard"
	"github.com/rmunteanu/astra-console/internal/ledger"
	"github.com/rmunteanu/astra-console/internal/registry"
)

const fallbackCampaign = "Legacy"

// Migrator drains the legacy layout into the campaign registry.
type Migrator struct {
	LegacyRoot string
	Registry   *registry.Registry
	Ledger     *ledger.Store
	Logger     *zap.Logger
}

func New(legacyRoot string, reg *registry.Registry, store *ledger.Store, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{LegacyRoot: legacyRoot, Registry: reg, Ledger: store, Logger: logger}
}

// Run migrates every ledger entry whose run directory still sits under
// the legacy root. Campaign names are inferred from the intermediate
// directory when one exists. Per-entry failures are logged and skipped;
// the entry keeps its legacy paths so a later pass can retry.
func (m *Migrator) Run() (int, error) {
	entries := m.Ledger.Load()
	if len(entries) == 0 {
		return 0, nil
	}

	migrated := 0
	for i, entry := range entries {
		if !fsguard.Within(m.LegacyRoot, entry.RunDir) {
			continue
		}
		moved, err := m.migrateEntry(&entries[i])
		if err != nil {
			m.Logger.Warn("legacy run left in place",
				zap.String("runDir", entry.RunDir), zap.Error(err))
			continue
		}
		if moved {
			migrated++
		}
	}
	if migrated == 0 {
		return 0, nil
	}
	if err := m.Ledger.Save(entries); err != nil {
		return migrated, fmt.Errorf("migrate: rewrite run history: %w", err)
	}
	m.sweepEmptyDirs()
	m.Logger.Info("legacy runs migrated", zap.Int("count", migrated))
	return migrated, nil
}

func (m *Migrator) migrateEntry(entry *ledger.Entry) (bool, error) {
	name, folder := m.inferCampaign(entry.RunDir)
	campaign, err := m.Registry.EnsureCampaign(name, entry.Lang)
	if err != nil {
		return false, err
	}
	dest := filepath.Join(m.Registry.RunsDir(campaign.Slug), folder)

	srcInfo, err := os.Stat(entry.RunDir)
	if os.IsNotExist(err) {
		if _, destErr := os.Stat(dest); destErr == nil {
			// Moved on a previous pass that failed before the ledger
			// rewrite. Just fix the paths.
			if err := m.Registry.AppendRun(campaign.Slug, folder); err != nil {
				return false, err
			}
			m.rewritePaths(entry, entry.RunDir, dest)
			return true, nil
		}
		return false, err
	}
	if err != nil {
		return false, err
	}
	if !srcInfo.IsDir() {
		return false, fmt.Errorf("migrate: %s is not a directory", entry.RunDir)
	}

	dest = uniquePath(dest)
	if err := moveDir(entry.RunDir, dest); err != nil {
		return false, err
	}
	if err := m.Registry.AppendRun(campaign.Slug, filepath.Base(dest)); err != nil {
		return false, err
	}
	m.rewritePaths(entry, entry.RunDir, dest)
	return true, nil
}

// inferCampaign splits runs/<campaign>/<folder> when the legacy tree
// had an intermediate level; a directly nested folder lands in the
// fallback campaign.
func (m *Migrator) inferCampaign(runDir string) (name, folder string) {
	rel, err := filepath.Rel(m.LegacyRoot, filepath.Clean(runDir))
	if err != nil {
		return fallbackCampaign, filepath.Base(runDir)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) >= 2 {
		return parts[0], parts[len(parts)-1]
	}
	return fallbackCampaign, parts[0]
}

func (m *Migrator) rewritePaths(entry *ledger.Entry, oldRoot, newRoot string) {
	entry.RunDir = newRoot
	entry.DeliverablesDir = rebase(entry.DeliverablesDir, oldRoot, newRoot)
	entry.ReportPDFPath = rebase(entry.ReportPDFPath, oldRoot, newRoot)
	entry.DecisionBrief = rebase(entry.DecisionBrief, oldRoot, newRoot)
}

// sweepEmptyDirs removes intermediate legacy directories left empty by
// the moves. Non-empty directories stay.
func (m *Migrator) sweepEmptyDirs() {
	children, err := os.ReadDir(m.LegacyRoot)
	if err != nil {
		return
	}
	for _, child := range children {
		if child.IsDir() {
			_ = os.Remove(filepath.Join(m.LegacyRoot, child.Name()))
		}
	}
	_ = os.Remove(m.LegacyRoot)
}

func rebase(path, oldRoot, newRoot string) string {
	if path == "" || !fsguard.Within(oldRoot, path) {
		return path
	}
	rel, err := filepath.Rel(oldRoot, path)
	if err != nil {
		return path
	}
	return filepath.Join(newRoot, rel)
}

func uniquePath(dest string) string {
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", dest, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// moveDir renames when possible and falls back to copy+remove for
// cross-device moves.
func moveDir(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyTree(src, dst); err != nil {
		os.RemoveAll(dst)
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
