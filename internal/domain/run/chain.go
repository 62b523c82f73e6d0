package run

import (
	"encoding/json"
	"fmt"
)

// MaxChainDepth bounds how many linked runs a single chain may produce.
// Progression walks parent_run_id back toward the root and halts when the
// hop count reaches this value, so a misconfigured or cyclic chain cannot
// spawn runs without bound.
const MaxChainDepth = 10

// Condition names a predicate evaluated against the just-completed run
// before a chain step is started. The set is closed: unknown conditions are
// rejected when the chain config is parsed.
type Condition string

const (
	// ConditionNone runs the step unconditionally.
	ConditionNone Condition = ""
	// ConditionOnIssuesFound runs the step only when the prior run's output
	// summary indicates issues. Best-effort keyword heuristic.
	ConditionOnIssuesFound Condition = "on_issues_found"
)

// ChainStep is one entry in a multi-run pipeline.
type ChainStep struct {
	Mode        Mode      `json:"mode"`
	Condition   Condition `json:"condition,omitempty"`
	AutoApprove bool      `json:"auto_approve,omitempty"`
}

// ChainConfig describes a sequence of run modes executed one after another,
// each spawned on the prior run's completion. CurrentStepIndex only ever
// increases.
type ChainConfig struct {
	Steps            []ChainStep `json:"steps"`
	CurrentStepIndex int         `json:"current_step_index"`
}

// Validate rejects empty chains, unknown modes, and unknown conditions.
func (c *ChainConfig) Validate() error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("chain must have at least one step")
	}
	if c.CurrentStepIndex < 0 || c.CurrentStepIndex >= len(c.Steps) {
		return fmt.Errorf("chain step index %d out of range [0,%d)", c.CurrentStepIndex, len(c.Steps))
	}
	for i, step := range c.Steps {
		switch step.Mode {
		case ModePlan, ModeImplement, ModeBugfix, ModeReview:
		default:
			return fmt.Errorf("chain step %d: unknown mode %q", i, step.Mode)
		}
		switch step.Condition {
		case ConditionNone, ConditionOnIssuesFound:
		default:
			return fmt.Errorf("chain step %d: unknown condition %q", i, step.Condition)
		}
	}
	return nil
}

// ParseChainConfig decodes and validates a stored chain config blob.
func ParseChainConfig(data []byte) (*ChainConfig, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var c ChainConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse chain config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Advanced returns a copy of the config with the cursor moved to index.
func (c *ChainConfig) Advanced(index int) *ChainConfig {
	steps := make([]ChainStep, len(c.Steps))
	copy(steps, c.Steps)
	return &ChainConfig{Steps: steps, CurrentStepIndex: index}
}

// CurrentStep returns the step at the cursor.
func (c *ChainConfig) CurrentStep() ChainStep {
	return c.Steps[c.CurrentStepIndex]
}
