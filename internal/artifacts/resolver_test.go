package artifacts

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseMarkersLastOccurrenceWins(t *testing.T) {
	output := "noise\nASTRA_RUN_DIR=/tmp/first\nmore noise\nASTRA_RUN_DIR=/tmp/second\n"
	markers := ParseMarkers(output)
	if markers[MarkerRunDir] != "/tmp/second" {
		t.Fatalf("expected last marker to win, got %q", markers[MarkerRunDir])
	}
}

func TestParseMarkersIgnoresIndentedAndLowercase(t *testing.T) {
	output := "  ASTRA_RUN_DIR=/tmp/indented\nastra_run_dir=/tmp/lower\nASTRA_ZIP_RO=/tmp/ro.zip\n"
	markers := ParseMarkers(output)
	if _, ok := markers[MarkerRunDir]; ok {
		t.Fatalf("indented or lowercase keys must be ignored")
	}
	if markers[MarkerZipRO] != "/tmp/ro.zip" {
		t.Fatalf("expected zip marker, got %v", markers)
	}
}

func TestResolvePrefersExistingMarkerDir(t *testing.T) {
	dir := t.TempDir()
	run := filepath.Join(dir, "run-1")
	if err := os.MkdirAll(run, 0o755); err != nil {
		t.Fatal(err)
	}
	resolver := Resolver{SearchRoot: dir}
	got, err := resolver.Resolve("ASTRA_RUN_DIR=" + run + "\n")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != run {
		t.Fatalf("expected marker dir %s, got %s", run, got)
	}
}

func TestResolveFallsBackToNewestEvidenceDir(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "older")
	newer := filepath.Join(root, "newer")
	empty := filepath.Join(root, "empty")
	for _, dir := range []string{older, newer, empty} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(older, "verdict.json"), "{}")
	writeFile(t, filepath.Join(newer, "Decision_Brief_RO.pdf"), "pdf")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}

	resolver := Resolver{SearchRoot: root}
	got, err := resolver.Resolve("marker points nowhere\nASTRA_RUN_DIR=/does/not/exist\n")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != newer {
		t.Fatalf("expected newest evidence dir %s, got %s", newer, got)
	}
}

func TestResolveFindsNestedEvidence(t *testing.T) {
	root := t.TempDir()
	run := filepath.Join(root, "run")
	if err := os.MkdirAll(filepath.Join(run, "deliverables"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(run, "deliverables", "verdict.json"), "{}")
	resolver := Resolver{SearchRoot: root}
	got, err := resolver.Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != run {
		t.Fatalf("expected %s, got %s", run, got)
	}
}

func TestResolveNoEvidence(t *testing.T) {
	resolver := Resolver{SearchRoot: t.TempDir()}
	if _, err := resolver.Resolve("no markers here"); err == nil {
		t.Fatalf("expected ErrNoEvidence")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
