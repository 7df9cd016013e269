package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ShayCichocki/weft/internal/dispatch"
	"github.com/ShayCichocki/weft/pkg/models"
)

// roleArtifacts names the artifact each builtin worker produces.
var roleArtifacts = map[models.Role]string{
	models.RoleResearcher: "research-notes.md",
	models.RoleDesigner:   "design.md",
	models.RoleCoder:      "implementation.md",
	models.RoleTester:     "test-report.md",
	models.RoleWriter:     "docs.md",
	models.RoleReviewer:   "review.md",
}

// builtinRegistry binds every role to a local worker that writes a
// markdown artifact into its scratch directory. These workers stand in
// until an external executor is registered; they keep the pipeline
// runnable end to end without network access.
func builtinRegistry() *dispatch.Registry {
	reg := dispatch.NewRegistry()
	for role, artifact := range roleArtifacts {
		role, artifact := role, artifact
		// Registration of known roles cannot fail.
		_ = reg.Register(role, dispatch.WorkerFunc(func(ctx context.Context, wc *dispatch.WorkerContext, in models.WorkerInput) (models.WorkerOutput, error) {
			return runBuiltinWorker(ctx, wc, in, artifact)
		}))
	}
	return reg
}

func runBuiltinWorker(ctx context.Context, wc *dispatch.WorkerContext, in models.WorkerInput, artifact string) (models.WorkerOutput, error) {
	start := time.Now()
	wc.Beat(10)

	body := fmt.Sprintf("# %s\n\nRole: %s\nTask: %s\n\n%s\n",
		artifact, in.Role, in.TaskID, in.Description)

	// Retries carry the previous failure; surface it in the artifact so
	// downstream subtasks see what was corrected.
	if prev := previousError(in.InputData); prev != "" {
		body += fmt.Sprintf("\n## Previous attempt\n\n%s\n", prev)
	}

	path := filepath.Join(wc.ScratchDir, artifact)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return models.WorkerOutput{
			TaskID:       in.TaskID,
			Status:       models.WorkerFailed,
			ErrorMessage: fmt.Sprintf("write artifact: %v", err),
		}, nil
	}
	wc.Beat(90)

	out, err := json.Marshal(map[string]any{
		"artifacts": []string{artifact},
		"summary":   fmt.Sprintf("%s: %s", in.Role, in.Description),
	})
	if err != nil {
		return models.WorkerOutput{}, fmt.Errorf("marshal output: %w", err)
	}

	return models.WorkerOutput{
		TaskID:        in.TaskID,
		Status:        models.WorkerCompleted,
		OutputData:    out,
		ExecutionTime: time.Since(start),
	}, nil
}

// previousError extracts the previous_error field from a retry envelope.
// Returns empty for first attempts or unstructured payloads.
func previousError(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var env struct {
		PreviousError string `json:"previous_error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.PreviousError
}
