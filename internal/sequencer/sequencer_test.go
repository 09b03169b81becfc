package sequencer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmunteanu/astra-console/internal/delivery"
	"github.com/rmunteanu/astra-console/internal/engine"
	"github.com/rmunteanu/astra-console/internal/events"
	"github.com/rmunteanu/astra-console/internal/ledger"
	"github.com/rmunteanu/astra-console/internal/registry"
	"github.com/rmunteanu/astra-console/internal/runspec"
)

type harness struct {
	seq   *Sequencer
	reg   *registry.Registry
	store *ledger.Store
	bus   *events.Bus
	root  string
}

// newHarness wires a sequencer against a /bin/sh engine script. The
// script receives lang, campaign slug and targets file as arguments.
func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	root := t.TempDir()
	reg := registry.New(filepath.Join(root, "campaigns"))
	store := ledger.NewStore(filepath.Join(root, "run_history.json"), filepath.Join(root, "campaigns"))
	bus := events.NewBus()

	scriptPath := filepath.Join(root, "engine.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	logsDir := filepath.Join(root, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	runner := engine.NewRunner(nil)
	runner.Timeout = 30 * time.Second
	runner.TermGrace = 200 * time.Millisecond
	runner.InterruptGrace = 200 * time.Millisecond

	seq := New(reg, delivery.NewAssembler(reg, store, nil), runner, bus, nil)
	seq.Command = func(lang, slug, targets string) []string {
		return []string{"/bin/sh", scriptPath, lang, slug, targets}
	}
	seq.WorkDir = root
	seq.SearchRoot = filepath.Join(root, "scratch")
	seq.LogsDir = logsDir
	return &harness{seq: seq, reg: reg, store: store, bus: bus, root: root}
}

// successScript emits a verdict under a fresh raw dir and prints the
// run dir marker.
func successScript(outBase string) string {
	return fmt.Sprintf(`#!/bin/sh
lang="$1"
out="%s/raw_$$_$lang"
mkdir -p "$out/deliverables"
echo '{"score":88}' > "$out/deliverables/verdict.json"
echo "auditing $(cat "$3")"
echo "ASTRA_RUN_DIR=$out"
`, outBase)
}

func TestSequenceSuccessRecordsRunAndEvents(t *testing.T) {
	h := newHarness(t, "")
	if err := os.WriteFile(filepath.Join(h.root, "engine.sh"), []byte(successScript(h.root)), 0o755); err != nil {
		t.Fatal(err)
	}
	sub := h.bus.Subscribe()
	defer sub.Close()

	handle, err := h.seq.Start(Request{
		URLs:     []string{"https://example.com"},
		Campaign: "Acme",
		Lang:     runspec.LangRO,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	entries := handle.Wait()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Status != ledger.StatusSuccess {
		t.Fatalf("status = %q, want success", entry.Status)
	}
	if _, err := os.Stat(filepath.Join(entry.RunDir, "deliverables", "verdict.json")); err != nil {
		t.Fatalf("run folder missing verdict: %v", err)
	}
	if got := h.store.Load(); len(got) != 1 || got[0].Status != ledger.StatusSuccess {
		t.Fatalf("ledger = %+v", got)
	}

	var sawStarted, sawRecorded, sawFinished bool
	deadline := time.After(5 * time.Second)
	for !sawFinished {
		select {
		case ev := <-sub.Events:
			switch ev.Kind {
			case events.KindInvocationStarted:
				sawStarted = true
			case events.KindRunRecorded:
				if ev.Entry == nil || ev.Entry.Status != ledger.StatusSuccess {
					t.Fatalf("run recorded event = %+v", ev)
				}
				sawRecorded = true
			case events.KindSequenceFinished:
				sawFinished = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for sequence events")
		}
	}
	if !sawStarted || !sawRecorded {
		t.Fatalf("missing events: started=%v recorded=%v", sawStarted, sawRecorded)
	}
}

func TestSequenceCleanExitWithoutVerdictIsFailed(t *testing.T) {
	h := newHarness(t, `#!/bin/sh
echo "crawl finished, nothing to report"
exit 0
`)
	handle, err := h.seq.Start(Request{
		URLs:     []string{"https://example.com"},
		Campaign: "Acme",
		Lang:     runspec.LangEN,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	entries := handle.Wait()
	if len(entries) != 1 || entries[0].Status != ledger.StatusFailed {
		t.Fatalf("entries = %+v, want one failed", entries)
	}
	if entries[0].RunDir != "" {
		t.Fatalf("failed run kept folder %q", entries[0].RunDir)
	}
	runs, _ := os.ReadDir(h.reg.RunsDir("Acme"))
	if len(runs) != 0 {
		t.Fatalf("run folder persisted for failed run: %v", runs)
	}
}

func TestSequenceBothExpandsRomanianFirst(t *testing.T) {
	h := newHarness(t, "")
	if err := os.WriteFile(filepath.Join(h.root, "engine.sh"), []byte(successScript(h.root)), 0o755); err != nil {
		t.Fatal(err)
	}
	handle, err := h.seq.Start(Request{
		URLs:     []string{"https://example.com"},
		Campaign: "Acme",
		Lang:     runspec.LangBoth,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	entries := handle.Wait()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Lang != "ro" || entries[1].Lang != "en" {
		t.Fatalf("langs = %q %q, want ro then en", entries[0].Lang, entries[1].Lang)
	}
	if got := h.store.Load(); len(got) != 2 {
		t.Fatalf("ledger kept %d entries, want both languages", len(got))
	}
}

func TestCancelSkipsRemainingSpecs(t *testing.T) {
	h := newHarness(t, `#!/bin/sh
sleep 60
`)
	sub := h.bus.Subscribe()
	defer sub.Close()

	handle, err := h.seq.Start(Request{
		URLs:     []string{"https://one.example.com", "https://two.example.com"},
		Campaign: "Acme",
		Lang:     runspec.LangRO,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Wait for the first invocation to begin, then cancel.
	deadline := time.After(5 * time.Second)
	for started := false; !started; {
		select {
		case ev := <-sub.Events:
			if ev.Kind == events.KindInvocationStarted {
				started = true
			}
		case <-deadline:
			t.Fatal("first invocation never started")
		}
	}
	handle.Cancel()

	entries := handle.Wait()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 (second spec skipped)", len(entries))
	}
	if entries[0].Status != ledger.StatusCanceled {
		t.Fatalf("status = %q, want canceled", entries[0].Status)
	}
	if entries[0].URL != "https://one.example.com" {
		t.Fatalf("canceled entry url = %q", entries[0].URL)
	}
}

func TestStartRejectsSecondSequence(t *testing.T) {
	h := newHarness(t, `#!/bin/sh
sleep 60
`)
	handle, err := h.seq.Start(Request{
		URLs:     []string{"https://example.com"},
		Campaign: "Acme",
		Lang:     runspec.LangRO,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		handle.Cancel()
		handle.Wait()
	}()

	if _, err := h.seq.Start(Request{URLs: []string{"https://other.example.com"}, Lang: runspec.LangRO}); err != ErrSequenceActive {
		t.Fatalf("second start err = %v, want ErrSequenceActive", err)
	}
}

func TestStartRejectsBadURLBeforeInvoking(t *testing.T) {
	h := newHarness(t, `#!/bin/sh
exit 0
`)
	if _, err := h.seq.Start(Request{URLs: []string{"   "}, Campaign: "Acme", Lang: runspec.LangRO}); err == nil {
		t.Fatal("expected error for URL without domain")
	}
	if _, err := h.seq.Start(Request{URLs: nil, Campaign: "Acme", Lang: runspec.LangRO}); err != runspec.ErrNoTargets {
		t.Fatalf("empty urls err = %v", err)
	}
}

// An engine that never starts must not pick up evidence left behind
// by an earlier run.
func TestFailureToStartIgnoresStaleEvidence(t *testing.T) {
	h := newHarness(t, "")
	h.seq.Command = func(lang, slug, targets string) []string {
		return []string{filepath.Join(h.root, "no-such-engine"), lang, slug, targets}
	}
	stale := filepath.Join(h.seq.SearchRoot, "raw_old")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stale, "verdict.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	handle, err := h.seq.Start(Request{
		URLs:     []string{"https://example.com"},
		Campaign: "Acme",
		Lang:     runspec.LangRO,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	entries := handle.Wait()
	if len(entries) != 1 || entries[0].Status != ledger.StatusFailed {
		t.Fatalf("entries = %+v, want one failed", entries)
	}
	if entries[0].RunDir != "" {
		t.Fatalf("unstarted run adopted folder %q", entries[0].RunDir)
	}
	runs, _ := os.ReadDir(h.reg.RunsDir("Acme"))
	if len(runs) != 0 {
		t.Fatalf("run folder created for unstarted engine: %v", runs)
	}
	if _, err := os.Stat(filepath.Join(stale, "verdict.json")); err != nil {
		t.Fatalf("stale evidence should survive untouched: %v", err)
	}
}

func TestPerRunFailureDoesNotAbortSequence(t *testing.T) {
	h := newHarness(t, "")
	// Fail the first target, succeed on the second.
	script := fmt.Sprintf(`#!/bin/sh
url=$(cat "$3")
case "$url" in
*one*)
  echo "connection refused"
  exit 7
  ;;
*)
  out="%s/raw_ok"
  mkdir -p "$out"
  echo '{}' > "$out/verdict.json"
  echo "ASTRA_RUN_DIR=$out"
  ;;
esac
`, h.root)
	if err := os.WriteFile(filepath.Join(h.root, "engine.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	handle, err := h.seq.Start(Request{
		URLs:     []string{"https://one.example.com", "https://two.example.com"},
		Campaign: "Acme",
		Lang:     runspec.LangRO,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	entries := handle.Wait()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Status != ledger.StatusFailed {
		t.Fatalf("first status = %q, want failed", entries[0].Status)
	}
	if entries[1].Status != ledger.StatusSuccess {
		t.Fatalf("second status = %q, want success", entries[1].Status)
	}
}

func TestHumanizeFailure(t *testing.T) {
	cases := []struct {
		output string
		status ledger.Status
		want   string
	}{
		{"", ledger.StatusTimeout, "engine timed out"},
		{"", ledger.StatusCanceled, "canceled by operator"},
		{"curl: (7) connection refused", ledger.StatusFailed, "site unreachable"},
		{"Could not resolve host: example.invalid", ledger.StatusFailed, "site unreachable"},
		{"request timeout after 30s", ledger.StatusFailed, "engine timed out"},
		{"done, exit 0", ledger.StatusFailed, "no evidence produced"},
	}
	for _, c := range cases {
		if got := HumanizeFailure(c.output, c.status); got != c.want {
			t.Errorf("HumanizeFailure(%q, %s) = %q, want %q", c.output, c.status, got, c.want)
		}
	}
}
