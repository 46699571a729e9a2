package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"webforge/internal/ai"
)

// maxPlanFiles bounds how many files one plan may request.
const maxPlanFiles = 60

// PlanRequest is the input of the plan stage.
type PlanRequest struct {
	Prompt  string
	Context *ContractContext
	// Strict adds the stricter instruction used on the single replan.
	Strict bool
}

// Planner turns a prompt into a BuildPlan.
type Planner struct {
	completer ai.Completer
	cfg       ai.CompletionConfig
}

func NewPlanner(completer ai.Completer, cfg ai.CompletionConfig) *Planner {
	cfg.System = planSystemPrompt
	return &Planner{completer: completer, cfg: cfg}
}

// Plan asks the completer for a plan and validates it. An unusable answer is
// a PlanningFailure; a provider failure is an infrastructure failure.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*BuildPlan, error) {
	raw, err := p.completer.Complete(ctx, planPrompt(req), p.cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, infraError(StatusPlanning, fmt.Errorf("plan completion: %w", err), !ai.IsRetryable(err))
	}

	plan, err := ParsePlan(raw)
	if err != nil {
		return nil, &StageError{
			Stage:    StatusPlanning,
			Category: CategoryPlanning,
			Message:  err.Error(),
			Err:      err,
		}
	}
	return plan, nil
}

// ParsePlan decodes and validates a plan answer. Paths are normalized to
// slash-separated relative form.
func ParsePlan(raw string) (*BuildPlan, error) {
	var plan BuildPlan
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &plan); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if len(plan.Files) == 0 {
		return nil, errors.New("plan contains no files")
	}
	if len(plan.Files) > maxPlanFiles {
		return nil, fmt.Errorf("plan contains %d files, limit is %d", len(plan.Files), maxPlanFiles)
	}

	seen := make(map[string]bool, len(plan.Files))
	for i, f := range plan.Files {
		p, err := normalizePlanPath(f.Path)
		if err != nil {
			return nil, fmt.Errorf("file %d: %w", i, err)
		}
		if seen[p] {
			return nil, fmt.Errorf("duplicate path %q", p)
		}
		seen[p] = true
		plan.Files[i].Path = p
		plan.Files[i].Purpose = strings.TrimSpace(f.Purpose)
	}

	deps := plan.Dependencies[:0]
	for _, d := range plan.Dependencies {
		name := dependencyName(d)
		if name == "" {
			continue
		}
		if !npmPackageNamePattern.MatchString(name) {
			return nil, fmt.Errorf("invalid dependency name %q", d)
		}
		deps = append(deps, name)
	}
	plan.Dependencies = deps
	return &plan, nil
}

func normalizePlanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("empty path")
	}
	if strings.Contains(p, "\\") {
		return "", fmt.Errorf("path %q uses backslashes", p)
	}
	if strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return "", fmt.Errorf("path %q is absolute", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the project root", p)
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("path %q names no file", p)
	}
	return clean, nil
}

// dependencyName strips a version suffix: "react@18" and "@scope/pkg@^2" keep
// only the package name.
func dependencyName(d string) string {
	d = strings.TrimSpace(d)
	if d == "" {
		return ""
	}
	if i := strings.LastIndex(d, "@"); i > 0 {
		d = d[:i]
	}
	return d
}
