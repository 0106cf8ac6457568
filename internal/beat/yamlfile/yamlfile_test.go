package yamlfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kidoz/dotcelery/internal/beat"
)

func TestParse_MultiDocument(t *testing.T) {
	input := `
name: nightly-report
task: reports.generate
queue: reports
cron: "0 2 * * *"
args:
  region: us-east
---
name: poll-inbox
task: mail.poll
interval: 30s
enabled: false
`
	specs, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}

	if specs[0].Name != "nightly-report" || specs[0].TaskName != "reports.generate" {
		t.Fatalf("unexpected first spec: %+v", specs[0])
	}
	if specs[0].CronExpr != "0 2 * * *" {
		t.Fatalf("expected cron expr preserved, got %q", specs[0].CronExpr)
	}
	if !specs[0].Enabled {
		t.Fatal("expected enabled to default to true when omitted")
	}
	if !bytes.Contains(specs[0].Args, []byte("us-east")) {
		t.Fatalf("expected args to carry region, got %s", specs[0].Args)
	}

	if specs[1].Interval != 30*time.Second {
		t.Fatalf("expected 30s interval, got %v", specs[1].Interval)
	}
	if specs[1].Enabled {
		t.Fatal("expected explicit enabled: false to be respected")
	}
}

func TestParse_SkipsEmptyDocuments(t *testing.T) {
	specs, err := Parse(strings.NewReader("---\n---\nname: only-one\ntask: t\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected empty leading documents to be skipped, got %d specs", len(specs))
	}
}

func TestParse_RejectsMissingTask(t *testing.T) {
	_, err := Parse(strings.NewReader("name: missing-task\n"))
	if err == nil {
		t.Fatal("expected an error when task is missing")
	}
}

func TestDumpThenLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.yaml")

	in := []beat.EntrySpec{
		{Name: "a", TaskName: "task.a", Queue: "default", CronExpr: "*/5 * * * *", Enabled: true, Args: []byte(`{"x":1}`)},
		{Name: "b", TaskName: "task.b", Interval: time.Minute, Enabled: false},
	}
	if err := Dump(path, in); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 specs after round trip, got %d", len(out))
	}
	if out[0].Name != "a" || out[0].CronExpr != "*/5 * * * *" {
		t.Fatalf("unexpected round-tripped spec: %+v", out[0])
	}
	if out[1].Interval != time.Minute || out[1].Enabled {
		t.Fatalf("unexpected second round-tripped spec: %+v", out[1])
	}
}

func TestLoad_MissingFileReturnsNotExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected errors.Is(err, os.ErrNotExist) through the wrap chain, got %v", err)
	}
}
