package units

import (
	"context"
	"fmt"
	"strings"

	"coursepilot/internal/unit"
)

// SubmitExam opens an exam page and submits it. A question_limit larger
// than zero refuses exams with more questions than the limit.
type SubmitExam struct{}

func (SubmitExam) Role() unit.Role { return unit.RoleExam }

func (SubmitExam) Run(ctx context.Context, env *unit.Env) (bool, error) {
	opts := unit.ExamOptions{QuestionSelector: ".question"}
	if err := decode(env, NameExam, &opts); err != nil {
		return false, err
	}
	if opts.SubmitSelector == "" {
		return false, fmt.Errorf("%s: submit_selector is required", NameExam)
	}
	if env.Session == nil {
		return false, errNoSession
	}
	if opts.URL != "" {
		if err := env.Session.Navigate(ctx, opts.URL); err != nil {
			return false, fmt.Errorf("open exam: %w", err)
		}
	}

	raw, err := env.Session.Eval(ctx, fmt.Sprintf("() => document.querySelectorAll(%q).length", opts.QuestionSelector))
	if err != nil {
		return false, fmt.Errorf("count questions: %w", err)
	}
	questions := asInt(raw)
	env.Output("questions", questions)
	if opts.QuestionLimit > 0 && questions > opts.QuestionLimit {
		env.Fail(fmt.Sprintf("exam has %d questions, limit is %d", questions, opts.QuestionLimit))
		return false, nil
	}

	if err := env.Checkpoint(ctx); err != nil {
		return false, err
	}
	if err := env.Session.Click(ctx, opts.SubmitSelector); err != nil {
		return false, fmt.Errorf("submit exam: %w", err)
	}
	env.Succeed(fmt.Sprintf("exam submitted (%d questions)", questions))
	return true, nil
}

func (SubmitExam) Cleanup() {}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// ReadScore reads a score off the page into the shared context under
// output_key (default "score").
type ReadScore struct{}

func (ReadScore) Role() unit.Role { return unit.RoleScore }

func (ReadScore) Run(ctx context.Context, env *unit.Env) (bool, error) {
	opts := unit.ScoreOptions{OutputKey: "score"}
	if err := decode(env, NameScore, &opts); err != nil {
		return false, err
	}
	if opts.ScoreSelector == "" {
		return false, fmt.Errorf("%s: score_selector is required", NameScore)
	}
	if env.Session == nil {
		return false, errNoSession
	}
	if opts.URL != "" {
		if err := env.Session.Navigate(ctx, opts.URL); err != nil {
			return false, fmt.Errorf("open score page: %w", err)
		}
	}
	text, err := env.Session.Text(ctx, opts.ScoreSelector)
	if err != nil {
		return false, fmt.Errorf("read score: %w", err)
	}
	score := strings.TrimSpace(text)
	env.Output(opts.OutputKey, score)
	env.Succeed("score " + score)
	return true, nil
}

func (ReadScore) Cleanup() {}
