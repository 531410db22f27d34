package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGo(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestRunAcceptsRepositoryQueries(t *testing.T) {
	var stderr bytes.Buffer
	if code := run([]string{"../../sqlinline"}, &stderr); code != 0 {
		t.Fatalf("sqlinline has marker problems (exit %d):\n%s", code, stderr.String())
	}
}

func TestRunFlagsMissingAndDuplicateMarkers(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "package q\n\nconst QOne = `--sql 11111111-2222-3333-4444-555555555555\nselect 1;`\n\nconst QBare = `select 2;`\n")
	writeGo(t, dir, "b.go", "package q\n\nconst QTwo = `--sql 11111111-2222-3333-4444-555555555555\ndelete from t;`\n\nconst Label = \"not sql\"\n")

	var stderr bytes.Buffer
	if code := run([]string{dir}, &stderr); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	out := stderr.String()
	if !strings.Contains(out, "missing or invalid --sql <uuid> marker (QBare)") {
		t.Fatalf("bare query not reported:\n%s", out)
	}
	if !strings.Contains(out, "marker already used by QOne (QTwo)") {
		t.Fatalf("duplicate marker not reported:\n%s", out)
	}
	if strings.Contains(out, "Label") {
		t.Fatalf("non-sql constant reported:\n%s", out)
	}
}
