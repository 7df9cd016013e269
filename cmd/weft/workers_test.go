package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/weft/internal/dispatch"
	"github.com/ShayCichocki/weft/pkg/models"
)

func TestBuiltinRegistryCoversAllRoles(t *testing.T) {
	reg := builtinRegistry()
	for _, role := range models.AllRoles() {
		if _, err := reg.Lookup(role); err != nil {
			t.Errorf("no worker for role %s: %v", role, err)
		}
	}
}

func TestBuiltinWorkerWritesArtifact(t *testing.T) {
	scratch := t.TempDir()
	wc := &dispatch.WorkerContext{TaskID: "coder-1", Role: models.RoleCoder, ScratchDir: scratch}

	out, err := runBuiltinWorker(context.Background(), wc, models.WorkerInput{
		TaskID:      "coder-1",
		Role:        models.RoleCoder,
		Description: "implement pagination",
	}, "implementation.md")
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	if out.Status != models.WorkerCompleted {
		t.Fatalf("status = %s, want completed", out.Status)
	}

	var payload struct {
		Artifacts []string `json:"artifacts"`
		Summary   string   `json:"summary"`
	}
	if err := json.Unmarshal(out.OutputData, &payload); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(payload.Artifacts) != 1 || payload.Artifacts[0] != "implementation.md" {
		t.Errorf("artifacts = %v", payload.Artifacts)
	}

	body, err := os.ReadFile(filepath.Join(scratch, "implementation.md"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(body) == 0 {
		t.Error("artifact is empty")
	}
}

func TestPreviousError(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty", "", ""},
		{"no envelope", `{"foo":"bar"}`, ""},
		{"envelope", `{"previous_error":"compile error","attempt":1}`, "compile error"},
		{"malformed", `not json`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := previousError(json.RawMessage(tt.data)); got != tt.want {
				t.Errorf("previousError(%q) = %q, want %q", tt.data, got, tt.want)
			}
		})
	}
}
