// Package aggregate merges the outputs of settled subtasks into a single
// session result, resolving artifact conflicts deterministically.
package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ShayCichocki/weft/internal/graph"
	"github.com/ShayCichocki/weft/pkg/models"
)

// Claim is one subtask's claim on a named artifact.
type Claim struct {
	Artifact    string      `json:"artifact"`
	TaskID      string      `json:"task_id"`
	Role        models.Role `json:"role"`
	Priority    int         `json:"priority"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Unmet describes a subtask whose output is missing from the result.
type Unmet struct {
	TaskID string               `json:"task_id"`
	Status models.SubtaskStatus `json:"status"`
	Reason string               `json:"reason,omitempty"`
}

// Result is the merged outcome of a session.
type Result struct {
	SessionID string `json:"session_id"`
	// Status is completed when every subtask completed, failed when none
	// did, and partial otherwise.
	Status models.SessionStatus `json:"status"`
	// Artifacts maps each artifact name to its winning claim.
	Artifacts map[string]Claim `json:"artifacts"`
	// Discarded lists losing claims, kept for the session log.
	Discarded []Claim `json:"discarded,omitempty"`
	// Summaries collects per-subtask summary text in dependency order.
	Summaries []string `json:"summaries,omitempty"`
	// Unmet lists subtasks that did not contribute.
	Unmet []Unmet `json:"unmet,omitempty"`
	// Completed and Total count subtasks for quick status display.
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// outputPayload is the convention workers use to publish results: an
// artifact list plus optional summary text. Unknown fields are ignored.
type outputPayload struct {
	Artifacts []string `json:"artifacts"`
	Summary   string   `json:"summary"`
}

// Aggregate merges settled subtask outputs into a Result. It walks the
// graph in dependency order so summaries read in execution order, and it is
// a pure function of its inputs: aggregating the same session twice yields
// the same result.
//
// When two subtasks claim the same artifact, the higher priority claim
// wins; equal priorities resolve to the later completion, on the grounds
// that later work saw more of the session. Losers are recorded, never
// silently dropped.
func Aggregate(sessionID string, g *graph.DependencyGraph, subtasks []*models.Subtask) (*Result, error) {
	// Layers give a deterministic dependency order: Seq-sorted within each
	// layer, so the same session always aggregates the same way.
	layers, err := g.Layers()
	if err != nil {
		return nil, fmt.Errorf("order subtasks: %w", err)
	}
	var order []string
	for _, layer := range layers {
		order = append(order, layer...)
	}

	byID := make(map[string]*models.Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}

	res := &Result{
		SessionID: sessionID,
		Artifacts: make(map[string]Claim),
		Total:     len(subtasks),
	}

	for _, id := range order {
		st, ok := byID[id]
		if !ok {
			continue
		}
		if st.Status != models.StatusCompleted {
			res.Unmet = append(res.Unmet, Unmet{TaskID: st.ID, Status: st.Status, Reason: st.StatusReason})
			continue
		}
		res.Completed++

		var out outputPayload
		if len(st.OutputPayload) > 0 {
			if err := json.Unmarshal(st.OutputPayload, &out); err != nil {
				return nil, fmt.Errorf("subtask %s output payload: %w", st.ID, err)
			}
		}
		if out.Summary != "" {
			res.Summaries = append(res.Summaries, out.Summary)
		}

		completedAt := st.CreatedAt
		if st.CompletedAt != nil {
			completedAt = *st.CompletedAt
		}
		for _, name := range out.Artifacts {
			claim := Claim{
				Artifact:    name,
				TaskID:      st.ID,
				Role:        st.Role,
				Priority:    st.Priority,
				CompletedAt: completedAt,
			}
			holder, contested := res.Artifacts[name]
			if !contested {
				res.Artifacts[name] = claim
				continue
			}
			if claim.beats(holder) {
				res.Artifacts[name] = claim
				res.Discarded = append(res.Discarded, holder)
			} else {
				res.Discarded = append(res.Discarded, claim)
			}
		}
	}

	sort.Slice(res.Discarded, func(i, j int) bool {
		if res.Discarded[i].Artifact != res.Discarded[j].Artifact {
			return res.Discarded[i].Artifact < res.Discarded[j].Artifact
		}
		return res.Discarded[i].TaskID < res.Discarded[j].TaskID
	})
	sort.Slice(res.Unmet, func(i, j int) bool {
		return res.Unmet[i].TaskID < res.Unmet[j].TaskID
	})

	switch {
	case res.Completed == res.Total && res.Total > 0:
		res.Status = models.SessionCompleted
	case res.Completed == 0:
		res.Status = models.SessionFailed
	default:
		res.Status = models.SessionPartial
	}
	return res, nil
}

// beats reports whether c wins an artifact conflict against holder.
func (c Claim) beats(holder Claim) bool {
	if c.Priority != holder.Priority {
		return c.Priority > holder.Priority
	}
	return c.CompletedAt.After(holder.CompletedAt)
}
