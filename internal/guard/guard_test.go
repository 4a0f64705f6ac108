package guard

import (
	"testing"

	"github.com/stellarlink/pilot-swe/internal/config"
)

func testPolicy() config.Policy {
	p := *config.DefaultPolicy()
	p.AllowedBots = []string{"pilot-review[bot]"}
	return p
}

func TestCheckAllowsHuman(t *testing.T) {
	g := New(testPolicy(), "pilot-swe[bot]")
	d := g.Check(Invocation{Actor: "alice"}, "please add validation")
	if !d.Allowed {
		t.Fatalf("declined: %s", d.Reason)
	}
}

func TestCheckDeclinesBots(t *testing.T) {
	g := New(testPolicy(), "pilot-swe[bot]")

	tests := []struct {
		name string
		inv  Invocation
	}{
		{"typed bot", Invocation{Actor: "dependabot", ActorIsBot: true}},
		{"bot suffix", Invocation{Actor: "renovate[bot]"}},
		{"allowed bot without handoff", Invocation{Actor: "pilot-review[bot]"}},
		{"unknown bot with handoff", Invocation{Actor: "other[bot]", FromReviewHandoff: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := g.Check(tt.inv, "task"); d.Allowed {
				t.Errorf("allowed %+v", tt.inv)
			}
		})
	}
}

func TestCheckDeclinesOwnLogin(t *testing.T) {
	// A service account without the [bot] suffix and without the platform bot
	// flag; only the configured self login catches it.
	g := New(testPolicy(), "pilot-service")

	if d := g.Check(Invocation{Actor: "pilot-service"}, "task"); d.Allowed {
		t.Error("allowed the service's own activity")
	}
	if d := g.Check(Invocation{Actor: "Pilot-Service"}, "task"); d.Allowed {
		t.Error("self-login match must be case-insensitive")
	}
	if d := g.Check(Invocation{Actor: "alice"}, "task"); !d.Allowed {
		t.Errorf("declined an unrelated human: %s", d.Reason)
	}
}

func TestCheckAllowsReviewHandoff(t *testing.T) {
	g := New(testPolicy(), "pilot-swe[bot]")
	inv := Invocation{Actor: "pilot-review[bot]", ActorIsBot: true, FromReviewHandoff: true}
	if d := g.Check(inv, "revise per review"); !d.Allowed {
		t.Fatalf("declined the intentional handoff: %s", d.Reason)
	}
}

func TestCheckStopDirective(t *testing.T) {
	g := New(testPolicy(), "pilot-swe[bot]")
	d := g.Check(Invocation{Actor: "alice"}, "This is wrong. Pilot stop.")
	if d.Allowed {
		t.Fatal("allowed despite stop directive")
	}
}

func TestCheckDepthCeilings(t *testing.T) {
	g := New(testPolicy(), "pilot-swe[bot]")

	if d := g.Check(Invocation{Actor: "alice", DispatchDepth: 3}, "t"); d.Allowed {
		t.Error("allowed at dispatch depth limit")
	}
	if d := g.Check(Invocation{Actor: "alice", DispatchDepth: 2}, "t"); !d.Allowed {
		t.Errorf("declined below limit: %s", d.Reason)
	}
	if d := g.Check(Invocation{Actor: "alice", GlobalIteration: 5}, "t"); d.Allowed {
		t.Error("allowed past global iteration limit")
	}
}

func TestDispatchDepthMarkerRoundTrip(t *testing.T) {
	content := "work done\n" + DispatchDepthMarker(2)
	if got := DispatchDepthFromContent(content); got != 2 {
		t.Errorf("depth = %d, want 2", got)
	}
	if got := DispatchDepthFromContent("no marker here"); got != 0 {
		t.Errorf("depth = %d, want 0", got)
	}
	// Multiple markers: the deepest hop wins.
	multi := DispatchDepthMarker(1) + "\n" + DispatchDepthMarker(3)
	if got := DispatchDepthFromContent(multi); got != 3 {
		t.Errorf("depth = %d, want 3", got)
	}
}
