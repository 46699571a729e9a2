package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"webforge/internal/ai"
)

// GenerateRequest is the input of the generation stage.
type GenerateRequest struct {
	Prompt   string
	Plan     *BuildPlan
	Files    map[string]string
	Feedback *Feedback
	Context  *ContractContext
	// All regenerates every planned file, as after a (re)plan.
	All bool
}

// Generator produces file contents for a plan, one completion per file.
type Generator struct {
	completer ai.Completer
	cfg       ai.CompletionConfig
}

func NewGenerator(completer ai.Completer, cfg ai.CompletionConfig) *Generator {
	cfg.System = generateSystemPrompt
	return &Generator{completer: completer, cfg: cfg}
}

// Generate returns the contents of the files it (re)generated. Files not
// attributed to the feedback are left untouched.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (map[string]string, error) {
	if req.Plan == nil || len(req.Plan.Files) == 0 {
		return nil, &StageError{Stage: StatusGenerating, Category: CategoryPlanning, Message: "no plan to generate from", Fatal: true}
	}

	targets := TargetFiles(req.Plan, req.Files, req.Feedback, req.All)
	out := make(map[string]string, len(targets))
	for _, intent := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := g.completer.Complete(ctx, generatePrompt(req, intent), g.cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, infraError(StatusGenerating, fmt.Errorf("generate %s: %w", intent.Path, err), !ai.IsRetryable(err))
		}
		content := stripCodeFence(raw)
		if content == "" {
			return nil, infraError(StatusGenerating, fmt.Errorf("generate %s: %w", intent.Path, errEmptyCompletion), false)
		}
		out[intent.Path] = content + "\n"
	}
	return out, nil
}

var errEmptyCompletion = errors.New("completion returned no content")

// TargetFiles selects the files a generation pass writes. Without feedback
// (or with all set) every planned file is a target. With feedback the
// targets are the files it names, else the files whose paths appear in its
// diagnostics or stderr tail, else every planned file.
func TargetFiles(plan *BuildPlan, files map[string]string, fb *Feedback, all bool) []FileIntent {
	if all || fb == nil {
		return append([]FileIntent(nil), plan.Files...)
	}

	known := make(map[string]FileIntent, len(plan.Files)+len(files))
	for _, f := range plan.Files {
		known[f.Path] = f
	}
	for p := range files {
		if _, ok := known[p]; !ok {
			known[p] = FileIntent{Path: p, Purpose: "existing project file"}
		}
	}

	picked := map[string]bool{}
	for _, p := range fb.Files {
		if _, ok := known[p]; ok {
			picked[p] = true
		}
	}
	if len(picked) == 0 {
		var text strings.Builder
		for _, d := range fb.Diagnostics {
			text.WriteString(d.File)
			text.WriteByte(' ')
			text.WriteString(d.Message)
			text.WriteByte('\n')
		}
		text.WriteString(fb.StderrTail)
		haystack := text.String()
		for p := range known {
			if strings.Contains(haystack, p) {
				picked[p] = true
			}
		}
	}
	if len(picked) == 0 {
		return append([]FileIntent(nil), plan.Files...)
	}

	// Planned order first, then any extra existing files sorted by path.
	out := make([]FileIntent, 0, len(picked))
	for _, f := range plan.Files {
		if picked[f.Path] {
			out = append(out, f)
			delete(picked, f.Path)
		}
	}
	extra := make([]string, 0, len(picked))
	for p := range picked {
		extra = append(extra, p)
	}
	sort.Strings(extra)
	for _, p := range extra {
		out = append(out, known[p])
	}
	return out
}
