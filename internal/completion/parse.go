package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/changeset"
)

// ErrMalformed marks completion output that could not be parsed into the
// expected payload. Callers route it to their deterministic fallback; it is
// never fatal to the pipeline.
var ErrMalformed = errors.New("malformed completion output")

// PlanPayload is the strict shape the planner expects back.
type PlanPayload struct {
	Summary     string   `json:"summary"`
	TargetFiles []string `json:"target_files"`
	Approach    string   `json:"approach"`
	Complexity  string   `json:"complexity"`
}

// EditsPayload is one generation iteration's parsed result.
type EditsPayload struct {
	Edits []changeset.FileEdit
	// Complete is the model's own assertion that the work is done. It is
	// advisory: the loop still runs the review gate before trusting it.
	Complete  bool
	NextSteps string
}

// VerdictPayload is the review gate's parsed result.
type VerdictPayload struct {
	Passed      bool     `json:"passed"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

var (
	jsonFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")
	fileBlockPattern = regexp.MustCompile(`(?s)<file\s+path=["']([^"']+)["'](?:\s+operation=["']([^"']+)["'])?>\s*<content>\n?(.*?)\s*</content>\s*</file>`)
	deleteBlock      = regexp.MustCompile(`<delete\s+path=["']([^"']+)["']\s*/?>`)
	completeFlag     = regexp.MustCompile(`(?s)<complete>\s*(true|false)\s*</complete>`)
	nextStepsBlock   = regexp.MustCompile(`(?s)<next_steps>\s*(.*?)\s*</next_steps>`)
	mdCodeBlock      = regexp.MustCompile("```\\w*\\s+([^\\s\\n]*[./][^\\s\\n]*)\\s*\\n([\\s\\S]*?)\\n```")
)

// extractJSON pulls the first JSON object from free-form model text: either
// a fenced ```json block or a bare top-level object.
func extractJSON(text string) (string, bool) {
	if m := jsonFencePattern.FindStringSubmatch(text); len(m) == 2 {
		candidate := strings.TrimSpace(m[1])
		if strings.HasPrefix(candidate, "{") {
			return candidate, true
		}
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1], true
	}
	return "", false
}

// ParsePlan parses planner output into a strict PlanPayload. Missing or
// invalid fields yield ErrMalformed rather than a partially trusted plan.
func ParsePlan(text string) (*PlanPayload, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON payload", ErrMalformed)
	}

	var payload PlanPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrMalformed)
	}
	if strings.TrimSpace(payload.Approach) == "" {
		return nil, fmt.Errorf("%w: empty approach", ErrMalformed)
	}
	switch payload.Complexity {
	case "low", "medium", "high":
	default:
		return nil, fmt.Errorf("%w: complexity %q", ErrMalformed, payload.Complexity)
	}
	return &payload, nil
}

// ParseEdits parses generation output. The primary format is XML-style
// <file path="..."> blocks plus <delete path="..."/> tombstones; markdown
// code blocks titled with a path are accepted as a fallback.
func ParseEdits(text string) (*EditsPayload, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformed)
	}

	payload := &EditsPayload{}

	for _, m := range fileBlockPattern.FindAllStringSubmatch(text, -1) {
		op := changeset.Operation(strings.TrimSpace(m[2]))
		if op != changeset.OpCreate && op != changeset.OpModify {
			op = changeset.OpModify
		}
		payload.Edits = append(payload.Edits, changeset.FileEdit{
			Path:      strings.TrimSpace(m[1]),
			Operation: op,
			Content:   m[3],
		})
	}
	for _, m := range deleteBlock.FindAllStringSubmatch(text, -1) {
		payload.Edits = append(payload.Edits, changeset.FileEdit{
			Path:      strings.TrimSpace(m[1]),
			Operation: changeset.OpDelete,
		})
	}

	if len(payload.Edits) == 0 {
		for _, m := range mdCodeBlock.FindAllStringSubmatch(text, -1) {
			payload.Edits = append(payload.Edits, changeset.FileEdit{
				Path:      strings.TrimSpace(m[1]),
				Operation: changeset.OpModify,
				Content:   m[2],
			})
		}
	}

	if m := completeFlag.FindStringSubmatch(text); len(m) == 2 {
		payload.Complete = m[1] == "true"
	}
	if m := nextStepsBlock.FindStringSubmatch(text); len(m) == 2 {
		payload.NextSteps = m[1]
	}

	if len(payload.Edits) == 0 && !payload.Complete && payload.NextSteps == "" {
		return nil, fmt.Errorf("%w: no edits, completion flag, or narration", ErrMalformed)
	}
	return payload, nil
}

// ParseVerdict parses review-gate output into a strict VerdictPayload.
func ParseVerdict(text string) (*VerdictPayload, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON payload", ErrMalformed)
	}

	var payload VerdictPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// A failing verdict with no named issues gives the loop nothing to fix.
	if !payload.Passed && len(payload.Issues) == 0 {
		return nil, fmt.Errorf("%w: failed verdict without issues", ErrMalformed)
	}
	return &payload, nil
}
