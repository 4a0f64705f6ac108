// Package genloop drives the bounded, self-review-gated iteration that turns
// a plan into a final change set. The loop is an explicit state machine so
// the safety ceiling and review-retry behavior stay independently testable.
package genloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/changeset"
	"github.com/stellarlink/pilot-swe/internal/completion"
	"github.com/stellarlink/pilot-swe/internal/planner"
	"github.com/stellarlink/pilot-swe/internal/review"
	"github.com/stellarlink/pilot-swe/internal/task"
)

// State enumerates the loop's states.
type State int

const (
	StateGenerating State = iota
	StateAwaitingReview
	StateDone
	StateSafetyLimit
)

func (s State) String() string {
	switch s {
	case StateGenerating:
		return "generating"
	case StateAwaitingReview:
		return "awaiting_review"
	case StateDone:
		return "done"
	case StateSafetyLimit:
		return "safety_limit"
	default:
		return "unknown"
	}
}

// ErrNoChanges marks a loop that terminated with zero accumulated edits.
// It is fatal to the pipeline: there is nothing to commit.
var ErrNoChanges = errors.New("generation produced no file changes")

// Reviewer is the self-review gate consulted before the loop may finish.
type Reviewer interface {
	Review(ctx context.Context, cs *changeset.ChangeSet) review.Verdict
}

const systemPrompt = `You are an automated software engineer. Implement the plan below by emitting file edits.
Format each edit as:
<file path="relative/path" operation="create|modify">
<content>
...entire file content...
</content>
</file>
Use <delete path="relative/path"/> for removals.
When the implementation is complete, include <complete>true</complete>.
Optionally narrate remaining work in <next_steps>...</next_steps>.`

// Loop runs the generation state machine.
type Loop struct {
	completer completion.Completer
	reviewer  Reviewer
	// maxIterations is the hard ceiling guaranteeing termination. It is
	// always enforced regardless of any plan-declared expectation.
	maxIterations int
}

func New(completer completion.Completer, reviewer Reviewer, maxIterations int) *Loop {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	return &Loop{completer: completer, reviewer: reviewer, maxIterations: maxIterations}
}

// Run iterates until the review gate passes or the safety ceiling is hit.
// The model's own completion signal is advisory only: it moves the loop to
// review, never to done.
func (l *Loop) Run(ctx context.Context, t *task.Task, plan *planner.Plan) (*changeset.Final, error) {
	cs := changeset.New()
	state := StateGenerating
	var outstanding []string // issues from the last failed review

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		if state != StateGenerating {
			break
		}

		prompt := l.buildPrompt(t, plan, cs, outstanding, iteration)
		raw, err := l.completer.Complete(ctx, systemPrompt, prompt)
		if err != nil {
			log.Printf("[GenLoop] Iteration %d/%d completion failed: %v", iteration, l.maxIterations, err)
			continue
		}

		payload, err := completion.ParseEdits(raw)
		if err != nil {
			log.Printf("[GenLoop] Iteration %d/%d returned malformed output: %v", iteration, l.maxIterations, err)
			continue
		}

		merged := 0
		for _, edit := range payload.Edits {
			if cs.Merge(edit) {
				merged++
			}
		}
		log.Printf("[GenLoop] Iteration %d/%d merged %d/%d edits (complete=%v)",
			iteration, l.maxIterations, merged, len(payload.Edits), payload.Complete)
		if payload.NextSteps != "" {
			log.Printf("[GenLoop] Model narration: %s", payload.NextSteps)
		}

		if !payload.Complete {
			continue
		}

		// The model asserts completion; its word is explicitly distrusted.
		state = StateAwaitingReview
		verdict := l.reviewer.Review(ctx, cs)
		if verdict.Passed {
			state = StateDone
			log.Printf("[GenLoop] Review passed after %d iteration(s), %d suggestion(s)", iteration, len(verdict.Suggestions))
			break
		}

		outstanding = verdict.Issues
		log.Printf("[GenLoop] Review failed with %d blocking issue(s), resuming generation", len(verdict.Issues))
		state = StateGenerating
	}

	partial := state != StateDone
	if partial {
		state = StateSafetyLimit
		log.Printf("[GenLoop] Safety ceiling of %d iteration(s) reached", l.maxIterations)
		// One last advisory review: logged, never blocking.
		advisory := l.reviewer.Review(ctx, cs)
		log.Printf("[GenLoop] Advisory review: passed=%v issues=%d suggestions=%d",
			advisory.Passed, len(advisory.Issues), len(advisory.Suggestions))
	}

	if cs.Len() == 0 {
		return nil, ErrNoChanges
	}

	return cs.Freeze(plan.Summary, partial), nil
}

func (l *Loop) buildPrompt(t *task.Task, plan *planner.Plan, cs *changeset.ChangeSet, outstanding []string, iteration int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Plan\n\nSummary: %s\nComplexity: %s\nApproach: %s\nTarget files: %s\n",
		plan.Summary, plan.Complexity, plan.Approach, strings.Join(plan.TargetFiles, ", "))

	fmt.Fprintf(&b, "\n# Task\n\n%s\n", t.Content)
	if t.Feedback != "" {
		fmt.Fprintf(&b, "\n# Reviewer feedback to address\n\n%s\n", t.Feedback)
	}

	if cs.Len() > 0 {
		b.WriteString("\n# Edits accumulated so far\n")
		for _, edit := range cs.Edits() {
			fmt.Fprintf(&b, "\n--- %s (%s) ---\n", edit.Path, edit.Operation)
			if edit.Operation != changeset.OpDelete {
				b.WriteString(edit.Content)
				b.WriteString("\n")
			}
		}
	}

	if len(outstanding) > 0 {
		b.WriteString("\n# Must-fix issues from the last review\n\n")
		for _, issue := range outstanding {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}

	fmt.Fprintf(&b, "\nIteration %d of at most %d.\n", iteration, l.maxIterations)
	return b.String()
}
