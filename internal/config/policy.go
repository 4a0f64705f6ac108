package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds the safety ceilings that bound automated activity. The
// generation ceiling bounds the internal synthesis loop; the feedback ceiling
// bounds the external review/revise cycle; they are distinct limits.
type Policy struct {
	// MaxGenerationIterations bounds the generation loop per invocation.
	MaxGenerationIterations int `yaml:"max_generation_iterations"`
	// FeedbackCeiling bounds automated revise cycles per change request.
	FeedbackCeiling int `yaml:"feedback_ceiling"`
	// MaxDispatchDepth bounds automation-to-automation handoff chains.
	MaxDispatchDepth int `yaml:"max_dispatch_depth"`
	// StopPhrases decline the invocation when found in the trigger content.
	StopPhrases []string `yaml:"stop_phrases"`
	// AllowedBots are automation identities permitted to trigger the
	// pipeline (the review-handoff exception).
	AllowedBots []string `yaml:"allowed_bots"`
}

// DefaultPolicy returns the built-in ceilings used when no policy file is
// configured.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxGenerationIterations: 5,
		FeedbackCeiling:         3,
		MaxDispatchDepth:        3,
		StopPhrases: []string{
			"pilot stop",
			"stop the agent",
			"[pilot-stop]",
		},
	}
}

// LoadPolicy reads the YAML policy file, falling back to defaults for any
// field the file leaves unset. An empty path yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var loaded Policy
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if loaded.MaxGenerationIterations > 0 {
		policy.MaxGenerationIterations = loaded.MaxGenerationIterations
	}
	if loaded.FeedbackCeiling > 0 {
		policy.FeedbackCeiling = loaded.FeedbackCeiling
	}
	if loaded.MaxDispatchDepth > 0 {
		policy.MaxDispatchDepth = loaded.MaxDispatchDepth
	}
	if len(loaded.StopPhrases) > 0 {
		policy.StopPhrases = loaded.StopPhrases
	}
	if len(loaded.AllowedBots) > 0 {
		policy.AllowedBots = loaded.AllowedBots
	}

	return policy, nil
}
