package output

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dmitriimaksimovdevelop/insight/internal/model"
)

func sampleReport() *model.RunReport {
	return &model.RunReport{
		RunID:     "run-1",
		Operation: "runtime",
		Target:    "port:4000/tcp",
		Alias:     "db-1",
		Status:    model.StatusSucceeded,
		States:    []model.RunState{model.StateIdle, model.StateDone},
		Outcomes: []model.CollectionOutcome{
			{Category: "perfdata", Collector: "perf", Succeeded: true, ArtifactPaths: []string{"db-1/perfdata/100.data"}},
		},
	}
}

func TestWriteJSONToFile(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "report.json")

	if err := WriteJSON(sampleReport(), outPath); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"status": "succeeded"`) {
		t.Errorf("output missing status: %s", content)
	}
	if !strings.Contains(content, `"target": "port:4000/tcp"`) {
		t.Errorf("output missing target: %s", content)
	}
	if !strings.HasSuffix(content, "\n") {
		t.Error("output should end with a newline")
	}
}

func TestWriteJSONStdout(t *testing.T) {
	// "-" means stdout
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := WriteJSON(sampleReport(), "-")

	w.Close()
	os.Stdout = oldStdout

	if err != nil {
		t.Fatalf("WriteJSON to stdout: %v", err)
	}
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	if !strings.Contains(buf.String(), `"run_id": "run-1"`) {
		t.Errorf("unexpected stdout: %q", buf.String())
	}
}

func TestEncodeJSONKeepsHTML(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeJSON(&buf, map[string]string{"q": "a<b"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "a<b") {
		t.Errorf("html should not be escaped, got %q", buf.String())
	}
}
