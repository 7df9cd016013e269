// Package decompose maps a goal and task-type hint to a validated DAG
// skeleton of typed subtasks, using table-driven role templates.
package decompose

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/weft/internal/graph"
	"github.com/ShayCichocki/weft/pkg/models"
)

// ErrConstruction indicates a malformed or cyclic task graph. It is fatal:
// a decomposition that fails validation creates zero subtasks.
var ErrConstruction = errors.New("task graph construction failed")

// Options carry the per-subtask defaults stamped onto decomposed subtasks.
type Options struct {
	// MaxRetries is the retry budget for every subtask.
	MaxRetries int
	// Timeouts overrides the per-role subtask timeout.
	Timeouts map[models.Role]time.Duration
	// DefaultTimeout applies to roles without an explicit entry.
	DefaultTimeout time.Duration
}

// Decomposer turns goals into subtask DAG skeletons.
type Decomposer struct {
	templates map[string]Template
	opts      Options
}

// New creates a Decomposer with the built-in templates.
func New(opts Options) *Decomposer {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 15 * time.Minute
	}
	return &Decomposer{
		templates: builtinTemplates(),
		opts:      opts,
	}
}

// LoadTemplates merges user templates from *.yaml files in dir over the
// built-ins. Later definitions win by name.
func (d *Decomposer) LoadTemplates(dir string) error {
	loaded, err := loadTemplateDir(dir)
	if err != nil {
		return err
	}
	for name, t := range loaded {
		d.templates[name] = t
	}
	return nil
}

// TemplateNames returns the known task types in no particular order.
func (d *Decomposer) TemplateNames() []string {
	names := make([]string, 0, len(d.templates))
	for name := range d.templates {
		names = append(names, name)
	}
	return names
}

// Decompose maps a goal and task-type hint to subtasks with dependency
// edges, validated for acyclicity. Unknown task types fall back to a
// minimal single-subtask template. The returned subtasks are not yet
// persisted; the caller hands them to the Task Store.
func (d *Decomposer) Decompose(sessionID, goal, typeHint string) ([]*models.Subtask, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: empty goal", ErrConstruction)
	}

	tmpl, ok := d.templates[typeHint]
	if !ok {
		tmpl = minimalTemplate()
	}
	steps := tmpl.Steps
	if complexityOf(goal) == complexityLow {
		steps = trimSteps(steps)
	}

	now := time.Now()
	idByRole := make(map[models.Role]string, len(steps))
	subtasks := make([]*models.Subtask, 0, len(steps))

	for i, step := range steps {
		id := fmt.Sprintf("%s-%s", step.Role, uuid.New().String()[:8])
		idByRole[step.Role] = id

		deps := make([]string, 0, len(step.DependsOn))
		for _, depRole := range step.DependsOn {
			depID, ok := idByRole[depRole]
			if !ok {
				return nil, fmt.Errorf("%w: step %s depends on missing role %s", ErrConstruction, step.Role, depRole)
			}
			deps = append(deps, depID)
		}

		desc := strings.TrimSpace(step.Description + " " + goal)
		subtasks = append(subtasks, &models.Subtask{
			ID:           id,
			SessionID:    sessionID,
			Description:  desc,
			Role:         step.Role,
			Dependencies: deps,
			Status:       models.StatusPending,
			Priority:     step.Priority,
			Seq:          i,
			MaxRetries:   d.opts.MaxRetries,
			Timeout:      d.timeoutFor(step.Role),
			CreatedAt:    now,
		})
	}

	if err := Validate(subtasks); err != nil {
		return nil, err
	}
	return subtasks, nil
}

// Validate checks a subtask set for graph validity: known roles, resolvable
// dependency references, and acyclicity. Violations are ErrConstruction;
// callers must not persist any subtask from a rejected set.
func Validate(subtasks []*models.Subtask) error {
	for _, st := range subtasks {
		if !st.Role.Valid() {
			return fmt.Errorf("%w: subtask %s has unknown role %q", ErrConstruction, st.ID, st.Role)
		}
	}
	if err := graph.New().Build(subtasks); err != nil {
		return fmt.Errorf("%w: %v", ErrConstruction, err)
	}
	return nil
}

func (d *Decomposer) timeoutFor(role models.Role) time.Duration {
	if t, ok := d.opts.Timeouts[role]; ok && t > 0 {
		return t
	}
	return d.opts.DefaultTimeout
}

type complexity int

const (
	complexityHigh complexity = iota
	complexityLow
)

// lowComplexityMarkers are goal phrasings that signal a small change which
// does not warrant the research and design steps of the full template.
var lowComplexityMarkers = []string{
	"typo", "quick", "small", "trivial", "rename", "bump", "one-line", "one line",
}

// complexityOf is the coarse complexity signal: keyword markers or a very
// short goal select the trimmed variant of the template.
func complexityOf(goal string) complexity {
	lower := strings.ToLower(goal)
	for _, marker := range lowComplexityMarkers {
		if strings.Contains(lower, marker) {
			return complexityLow
		}
	}
	if len(strings.Fields(goal)) <= 4 {
		return complexityLow
	}
	return complexityHigh
}

// trimmedRoles are the steps kept in the low-complexity variant.
var trimmedRoles = map[models.Role]bool{
	models.RoleCoder:    true,
	models.RoleTester:   true,
	models.RoleReviewer: true,
}

// trimSteps drops research/design/writing steps and rewires dependencies
// through the dropped steps to their nearest kept ancestors.
func trimSteps(steps []Step) []Step {
	// ancestors maps every role to its kept ancestor roles, resolved
	// transitively through dropped steps.
	ancestors := make(map[models.Role][]models.Role, len(steps))
	kept := make([]Step, 0, len(steps))

	for _, step := range steps {
		var resolved []models.Role
		seen := make(map[models.Role]bool)
		for _, dep := range step.DependsOn {
			if trimmedRoles[dep] {
				if !seen[dep] {
					resolved = append(resolved, dep)
					seen[dep] = true
				}
				continue
			}
			for _, anc := range ancestors[dep] {
				if !seen[anc] {
					resolved = append(resolved, anc)
					seen[anc] = true
				}
			}
		}
		ancestors[step.Role] = resolved

		if trimmedRoles[step.Role] {
			cp := step
			cp.DependsOn = resolved
			kept = append(kept, cp)
		}
	}

	if len(kept) == 0 {
		return steps
	}
	return kept
}
