// Package delivery turns a raw engine output directory into a durable
// RunFolder under a campaign and classifies the outcome.
package delivery

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmunteanu/astra-console/internal/fsguard"
	"github.com/rmunteanu/astra-console/internal/ledger"
	"github.com/rmunteanu/astra-console/internal/registry"
	"github.com/rmunteanu/astra-console/internal/runspec"
)

// DefaultSizeCeiling is the raw-tree size above which the wholesale
// copy into astra/ is replaced by a selective copy of evidence files.
const DefaultSizeCeiling = 512 << 20

// ErrNoDomain reports a target URL from which no host could be
// extracted. Assembly refuses such inputs before touching the disk.
var ErrNoDomain = errors.New("delivery: target URL has no domain")

const timestampLayout = "2006-01-02T15-04-05Z"

// verdictCandidates lists, in priority order, the subdirectories of a
// raw output tree that may hold verdict.json and the PDF deliverables.
// An empty string means the tree root itself.
var verdictCandidates = []string{"deliverables", "audit", "", "astra", filepath.Join("astra", "audit")}

// reportCandidates lists where the engine may have left the audit
// report, relative to the raw output tree.
var reportCandidates = []string{
	filepath.Join("audit", "report.pdf"),
	"report.pdf",
	filepath.Join("astra", "audit", "report.pdf"),
}

// selectiveKeep names the file patterns preserved when the raw tree is
// too large to copy wholesale.
var selectiveKeep = []string{"verdict.json", "report.json", "*.pdf", "*.log", "summary*"}

// Input carries everything the assembler needs about one finished
// invocation.
type Input struct {
	Campaign registry.Campaign
	URL      string
	Lang     runspec.Language
	RawDir   string
	ExitCode int
	Canceled bool
	TimedOut bool
	LogPath  string
}

// Assembler builds RunFolders and records ledger entries for them.
type Assembler struct {
	Registry    *registry.Registry
	Ledger      *ledger.Store
	Logger      *zap.Logger
	SizeCeiling int64

	now func() time.Time
}

func NewAssembler(reg *registry.Registry, store *ledger.Store, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		Registry:    reg,
		Ledger:      store,
		Logger:      logger,
		SizeCeiling: DefaultSizeCeiling,
		now:         time.Now,
	}
}

// WithClock overrides the timestamp source. Test hook.
func (a *Assembler) WithClock(clock func() time.Time) *Assembler {
	a.now = clock
	return a
}

// Assemble classifies the invocation, builds the RunFolder when the
// raw tree holds evidence, and appends the resulting entry to the run
// history. A RunFolder only persists for classifiable, evidenced
// outcomes; when the verdict is missing the partial folder is deleted
// again and only the ledger entry remains.
func (a *Assembler) Assemble(in Input) (ledger.Entry, error) {
	now := a.now().UTC()
	entry := ledger.Entry{
		ID:        uuid.NewString(),
		Timestamp: now,
		URL:       in.URL,
		Lang:      string(in.Lang),
		LogPath:   in.LogPath,
	}

	if in.Canceled {
		entry.Status = ledger.StatusCanceled
		return entry, a.record(entry, in.Campaign)
	}

	domain, err := DomainOf(in.URL)
	if err != nil {
		return ledger.Entry{}, err
	}

	if in.RawDir == "" {
		entry.Status = Classify(false, in.TimedOut, false, in.ExitCode)
		return entry, a.record(entry, in.Campaign)
	}

	folder := fmt.Sprintf("%s_%s_%s", now.Format(timestampLayout), domain, in.Lang)
	runDir := filepath.Join(a.Registry.RunsDir(in.Campaign.Slug), folder)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return ledger.Entry{}, fmt.Errorf("delivery: create run folder: %w", err)
	}

	if err := a.copyRaw(in.RawDir, filepath.Join(runDir, "astra")); err != nil {
		os.RemoveAll(runDir)
		return ledger.Entry{}, err
	}
	a.copyReport(in.RawDir, runDir)
	verdictPresent := a.copyDeliverables(in.RawDir, runDir, in.Lang)

	entry.Status = Classify(false, in.TimedOut, verdictPresent, in.ExitCode)
	if entry.Status == ledger.StatusFailed {
		if rmErr := a.removeWithin(runDir); rmErr != nil {
			a.Logger.Warn("failed run folder left behind", zap.String("dir", runDir), zap.Error(rmErr))
		}
		return entry, a.record(entry, in.Campaign)
	}

	entry.RunDir = runDir
	deliverables := filepath.Join(runDir, "deliverables")
	if dirExists(deliverables) {
		entry.DeliverablesDir = deliverables
	}
	if report := filepath.Join(runDir, "audit", "report.pdf"); fileExists(report) {
		entry.ReportPDFPath = report
	}
	if brief := filepath.Join(deliverables, briefName(in.Lang)); fileExists(brief) {
		entry.DecisionBrief = brief
	}

	if err := a.Registry.AppendRun(in.Campaign.Slug, folder); err != nil {
		return ledger.Entry{}, fmt.Errorf("delivery: register run: %w", err)
	}
	a.Logger.Info("run folder assembled",
		zap.String("campaign", in.Campaign.Slug),
		zap.String("folder", folder),
		zap.String("status", string(entry.Status)))
	return entry, a.record(entry, in.Campaign)
}

func (a *Assembler) record(entry ledger.Entry, campaign registry.Campaign) error {
	if a.Ledger == nil {
		return nil
	}
	return a.Ledger.AppendOverwrite(entry, a.Registry.RunsDir(campaign.Slug))
}

// removeWithin deletes dir only when it sits inside the campaigns root.
func (a *Assembler) removeWithin(dir string) error {
	if err := fsguard.Check(a.Registry.Root(), dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// copyRaw mirrors the raw engine output into dst. Trees above the size
// ceiling fall back to a selective copy so a runaway crawl cannot fill
// the export root.
func (a *Assembler) copyRaw(src, dst string) error {
	size, err := treeSize(src)
	if err != nil {
		return fmt.Errorf("delivery: measure raw output: %w", err)
	}
	selective := a.SizeCeiling > 0 && size > a.SizeCeiling
	if selective {
		a.Logger.Warn("raw output exceeds size ceiling, copying evidence only",
			zap.String("dir", src), zap.Int64("bytes", size))
	}
	return copyTree(src, dst, selective)
}

func (a *Assembler) copyReport(rawDir, runDir string) {
	for _, rel := range reportCandidates {
		src := filepath.Join(rawDir, rel)
		if !fileExists(src) {
			continue
		}
		auditDir := filepath.Join(runDir, "audit")
		if err := os.MkdirAll(auditDir, 0o755); err != nil {
			return
		}
		if err := copyFile(src, filepath.Join(auditDir, "report.pdf")); err != nil {
			a.Logger.Warn("copy report", zap.Error(err))
			return
		}
		if sidecar := filepath.Join(filepath.Dir(src), "report.json"); fileExists(sidecar) {
			if err := copyFile(sidecar, filepath.Join(auditDir, "report.json")); err != nil {
				a.Logger.Warn("copy report sidecar", zap.Error(err))
			}
		}
		return
	}
}

// copyDeliverables collects verdict.json and the language-specific
// PDFs into runDir/deliverables and reports whether the verdict was
// found.
func (a *Assembler) copyDeliverables(rawDir, runDir string, lang runspec.Language) bool {
	deliverables := filepath.Join(runDir, "deliverables")
	verdict := false
	for _, name := range []string{"verdict.json", briefName(lang), appendixName(lang)} {
		src := findCandidate(rawDir, name)
		if src == "" {
			continue
		}
		if err := os.MkdirAll(deliverables, 0o755); err != nil {
			return verdict
		}
		if err := copyFile(src, filepath.Join(deliverables, name)); err != nil {
			a.Logger.Warn("copy deliverable", zap.String("name", name), zap.Error(err))
			continue
		}
		if name == "verdict.json" {
			verdict = true
		}
	}
	return verdict
}

func briefName(lang runspec.Language) string {
	return "Decision_Brief_" + strings.ToUpper(string(lang)) + ".pdf"
}

func appendixName(lang runspec.Language) string {
	return "Evidence_Appendix_" + strings.ToUpper(string(lang)) + ".pdf"
}

// findCandidate returns the first existing copy of name across the
// candidate subdirectories of rawDir, or "".
func findCandidate(rawDir, name string) string {
	for _, sub := range verdictCandidates {
		path := filepath.Join(rawDir, sub, name)
		if fileExists(path) {
			return path
		}
	}
	return ""
}

// DomainOf lowercases and extracts the host of a target URL, without
// any port. Schemeless targets are treated as https.
func DomainOf(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrNoDomain
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Hostname() == "" {
		return "", ErrNoDomain
	}
	return strings.ToLower(u.Hostname()), nil
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func copyTree(src, dst string, selective bool) error {
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
			if selective {
				return nil
			}
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if selective && !keepSelective(d.Name()) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return copyFile(path, target)
	})
}

func keepSelective(name string) bool {
	for _, pattern := range selectiveKeep {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
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

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
