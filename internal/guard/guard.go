// Package guard is the circuit breaker evaluated before any other pipeline
// work. A declined invocation is a silent, successful no-op: the system
// correctly declining to act, never an error.
package guard

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/config"
)

// Invocation carries the caller identity and loop-depth counters explicitly,
// so the guard stays testable without ambient environment reads.
type Invocation struct {
	Actor       string
	ActorIsBot  bool
	// FromReviewHandoff marks the one intentional automation-to-automation
	// handoff: a review step dispatching back into this pipeline.
	FromReviewHandoff bool
	DispatchDepth     int
	GlobalIteration   int
}

// Decision is the guard's verdict on an invocation.
type Decision struct {
	Allowed bool
	Reason  string
}

var dispatchDepthMarker = regexp.MustCompile(`<!--\s*pilot-dispatch-depth:\s*(\d+)\s*-->`)

// Guard evaluates invocations against the configured safety policy.
type Guard struct {
	policy config.Policy
	// selfLogin is this service's own bot identity; its comments must never
	// re-trigger the pipeline even when the platform does not flag the
	// account as a bot.
	selfLogin string
}

func New(policy config.Policy, selfLogin string) *Guard {
	return &Guard{policy: policy, selfLogin: selfLogin}
}

// Check evaluates the invocation and the raw trigger content. Order matters:
// identity first, then explicit human stop directives, then depth ceilings.
func (g *Guard) Check(inv Invocation, content string) Decision {
	if inv.Actor == "" {
		return declined("missing actor")
	}

	if g.selfLogin != "" && strings.EqualFold(inv.Actor, g.selfLogin) && !g.isAllowedBot(inv) {
		return declined("own activity by " + inv.Actor)
	}

	if isBotActor(inv) && !g.isAllowedBot(inv) {
		return declined("automation actor " + inv.Actor)
	}

	if phrase, found := g.stopDirective(content); found {
		return declined("stop directive " + strconv.Quote(phrase))
	}

	if g.policy.MaxDispatchDepth > 0 && inv.DispatchDepth >= g.policy.MaxDispatchDepth {
		return declined("dispatch depth " + strconv.Itoa(inv.DispatchDepth) + " at limit")
	}
	if g.policy.MaxDispatchDepth > 0 && inv.GlobalIteration >= g.policy.MaxDispatchDepth {
		return declined("global iteration " + strconv.Itoa(inv.GlobalIteration) + " at limit")
	}

	return Decision{Allowed: true}
}

func declined(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

func isBotActor(inv Invocation) bool {
	return inv.ActorIsBot || strings.HasSuffix(inv.Actor, "[bot]")
}

func (g *Guard) isAllowedBot(inv Invocation) bool {
	if !inv.FromReviewHandoff {
		return false
	}
	for _, login := range g.policy.AllowedBots {
		if strings.EqualFold(login, inv.Actor) {
			return true
		}
	}
	return false
}

func (g *Guard) stopDirective(content string) (string, bool) {
	lowered := strings.ToLower(content)
	for _, phrase := range g.policy.StopPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(phrase)) {
			return phrase, true
		}
	}
	return "", false
}

// DispatchDepthFromContent recovers the handoff depth from the hidden marker
// automation leaves in comments it posts. Like the feedback counter, the
// depth lives in platform history rather than local state, so it survives
// crashes and concurrent invocations. Absent marker means depth zero.
func DispatchDepthFromContent(content string) int {
	depth := 0
	for _, m := range dispatchDepthMarker.FindAllStringSubmatch(content, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > depth {
			depth = n
		}
	}
	return depth
}

// DispatchDepthMarker renders the marker for the next handoff hop.
func DispatchDepthMarker(depth int) string {
	return "<!-- pilot-dispatch-depth: " + strconv.Itoa(depth) + " -->"
}
