package decompose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/weft/pkg/models"
)

// Step is one subtask slot in a template: a role plus the roles it waits on.
type Step struct {
	Role        models.Role   `yaml:"role"`
	DependsOn   []models.Role `yaml:"depends_on,omitempty"`
	Priority    int           `yaml:"priority,omitempty"`
	Description string        `yaml:"description,omitempty"`
}

// Template is a named, table-driven decomposition plan for one task type.
type Template struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// builtinTemplates maps task types to their decomposition plans. The
// development plan is the canonical shape: research -> design -> implement,
// then test and document concurrently, with review depending on both.
func builtinTemplates() map[string]Template {
	return map[string]Template{
		"development": {
			Name: "development",
			Steps: []Step{
				{Role: models.RoleResearcher, Priority: 3, Description: "survey the codebase and prior art for"},
				{Role: models.RoleDesigner, DependsOn: []models.Role{models.RoleResearcher}, Priority: 3, Description: "design the approach for"},
				{Role: models.RoleCoder, DependsOn: []models.Role{models.RoleDesigner}, Priority: 2, Description: "implement"},
				{Role: models.RoleTester, DependsOn: []models.Role{models.RoleCoder}, Priority: 1, Description: "test"},
				{Role: models.RoleWriter, DependsOn: []models.Role{models.RoleCoder}, Priority: 1, Description: "document"},
				{Role: models.RoleReviewer, DependsOn: []models.Role{models.RoleTester, models.RoleWriter}, Description: "review"},
			},
		},
		"refactor": {
			Name: "refactor",
			Steps: []Step{
				{Role: models.RoleResearcher, Priority: 2, Description: "map the affected code for"},
				{Role: models.RoleCoder, DependsOn: []models.Role{models.RoleResearcher}, Priority: 1, Description: "refactor"},
				{Role: models.RoleTester, DependsOn: []models.Role{models.RoleCoder}, Description: "verify behavior is preserved for"},
				{Role: models.RoleReviewer, DependsOn: []models.Role{models.RoleTester}, Description: "review"},
			},
		},
		"test": {
			Name: "test",
			Steps: []Step{
				{Role: models.RoleResearcher, Priority: 1, Description: "identify coverage gaps for"},
				{Role: models.RoleTester, DependsOn: []models.Role{models.RoleResearcher}, Description: "write tests for"},
				{Role: models.RoleReviewer, DependsOn: []models.Role{models.RoleTester}, Description: "review"},
			},
		},
		"docs": {
			Name: "docs",
			Steps: []Step{
				{Role: models.RoleResearcher, Priority: 1, Description: "gather material for"},
				{Role: models.RoleWriter, DependsOn: []models.Role{models.RoleResearcher}, Description: "write documentation for"},
				{Role: models.RoleReviewer, DependsOn: []models.Role{models.RoleWriter}, Description: "review"},
			},
		},
	}
}

// minimalTemplate is the fallback for unknown task types: a single coder subtask.
func minimalTemplate() Template {
	return Template{
		Name: "minimal",
		Steps: []Step{
			{Role: models.RoleCoder, Description: "complete"},
		},
	}
}

// validateTemplate rejects templates that cannot produce a valid DAG:
// unknown roles, duplicate roles, or depends-on references to roles that do
// not appear earlier in the step list (which also rules out cycles at the
// template level, since edges only point backwards).
func validateTemplate(t Template) error {
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %q has no steps", t.Name)
	}
	seen := make(map[models.Role]bool, len(t.Steps))
	for i, step := range t.Steps {
		if !step.Role.Valid() {
			return fmt.Errorf("template %q step %d: unknown role %q", t.Name, i, step.Role)
		}
		if seen[step.Role] {
			return fmt.Errorf("template %q: duplicate role %q", t.Name, step.Role)
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("template %q step %d: depends on %q which is not an earlier step", t.Name, i, dep)
			}
		}
		seen[step.Role] = true
	}
	return nil
}

// templateFile is the YAML layout of a user-provided template file.
type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// loadTemplateDir reads *.yaml template files from dir and returns the
// templates they define. A missing directory is not an error.
func loadTemplateDir(dir string) (map[string]Template, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}

	out := make(map[string]Template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var tf templateFile
		if err := yaml.Unmarshal(raw, &tf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, t := range tf.Templates {
			if err := validateTemplate(t); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			out[t.Name] = t
		}
	}
	return out, nil
}
