package workflow

import (
	"fmt"
	"regexp"
	"time"
)

// StepKind is the closed set of step behaviours the engine knows how to run.
type StepKind string

const (
	KindUserAction       StepKind = "user_action"
	KindSystemProcessing StepKind = "system_processing"
	KindApprovalRequired StepKind = "approval_required"
	KindNotification     StepKind = "notification"
	KindWaiting          StepKind = "waiting"
)

func (k StepKind) Valid() bool {
	switch k {
	case KindUserAction, KindSystemProcessing, KindApprovalRequired, KindNotification, KindWaiting:
		return true
	}
	return false
}

// Rule names a validation check.
type Rule string

const (
	RuleRequired Rule = "required"
	RuleRange    Rule = "range"
	RulePattern  Rule = "pattern"
	RuleCustom   Rule = "custom"
)

// Validation checks one field of the data submitted to a step. Rules other
// than required pass when the field is absent.
type Validation struct {
	Field     string   `yaml:"field"`
	Rule      Rule     `yaml:"rule"`
	Min       *float64 `yaml:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty"`
	Pattern   string   `yaml:"pattern,omitempty"`
	Predicate string   `yaml:"predicate,omitempty"`
	Message   string   `yaml:"message,omitempty"`

	compiled *regexp.Regexp
}

// Transitions names the step to enter on each outcome. An empty success edge
// completes the workflow; an empty failure or timeout edge fails it.
type Transitions struct {
	Success string `yaml:"success,omitempty"`
	Failure string `yaml:"failure,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

type StepDefinition struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name,omitempty"`
	Kind        StepKind      `yaml:"kind"`
	Required    bool          `yaml:"required,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	MaxRetries  int           `yaml:"max_retries,omitempty"`
	Validations []Validation  `yaml:"validations,omitempty"`
	Next        Transitions   `yaml:"next,omitempty"`

	// Template and Recipient apply to notification steps. Recipient names the
	// context key holding the recipient id; the subject id is used when unset.
	Template  string `yaml:"template,omitempty"`
	Recipient string `yaml:"recipient,omitempty"`
}

// Definition is the static description of one workflow type.
type Definition struct {
	Type        string           `yaml:"type"`
	Name        string           `yaml:"name,omitempty"`
	Description string           `yaml:"description,omitempty"`
	Start       string           `yaml:"start,omitempty"`
	Steps       []StepDefinition `yaml:"steps"`

	index map[string]int
}

// Step looks up a step by id.
func (d Definition) Step(id string) (StepDefinition, bool) {
	if d.index != nil {
		i, ok := d.index[id]
		if !ok {
			return StepDefinition{}, false
		}
		return d.Steps[i], true
	}
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Normalized indexes the steps, compiles patterns, defaults Start to the first
// step and validates the graph.
func (d Definition) Normalized() (Definition, error) {
	if d.Type == "" {
		return Definition{}, fmt.Errorf("workflow: type is required")
	}
	if len(d.Steps) == 0 {
		return Definition{}, fmt.Errorf("workflow %s: at least one step is required", d.Type)
	}

	out := d
	out.Steps = make([]StepDefinition, len(d.Steps))
	out.index = make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return Definition{}, fmt.Errorf("workflow %s step[%d]: id is required", d.Type, i)
		}
		if _, dup := out.index[step.ID]; dup {
			return Definition{}, fmt.Errorf("workflow %s: duplicate step id %s", d.Type, step.ID)
		}
		if !step.Kind.Valid() {
			return Definition{}, fmt.Errorf("workflow %s step %s: unknown kind %q", d.Type, step.ID, step.Kind)
		}
		if step.Timeout < 0 || step.MaxRetries < 0 {
			return Definition{}, fmt.Errorf("workflow %s step %s: timeout and max_retries must not be negative", d.Type, step.ID)
		}
		if step.Kind == KindWaiting && (step.Timeout != 0 || step.Next.Timeout != "") {
			return Definition{}, fmt.Errorf("workflow %s step %s: waiting steps cannot time out", d.Type, step.ID)
		}

		validations := make([]Validation, len(step.Validations))
		for j, v := range step.Validations {
			compiled, err := v.normalized()
			if err != nil {
				return Definition{}, fmt.Errorf("workflow %s step %s validation[%d]: %w", d.Type, step.ID, j, err)
			}
			validations[j] = compiled
		}
		step.Validations = validations

		out.Steps[i] = step
		out.index[step.ID] = i
	}

	if out.Start == "" {
		out.Start = out.Steps[0].ID
	}
	if _, ok := out.index[out.Start]; !ok {
		return Definition{}, fmt.Errorf("workflow %s: start step %s does not exist", d.Type, out.Start)
	}
	for _, step := range out.Steps {
		for _, target := range []string{step.Next.Success, step.Next.Failure, step.Next.Timeout} {
			if target == "" {
				continue
			}
			if _, ok := out.index[target]; !ok {
				return Definition{}, fmt.Errorf("workflow %s step %s: edge to unknown step %s", d.Type, step.ID, target)
			}
		}
	}
	return out, nil
}

func (v Validation) normalized() (Validation, error) {
	if v.Field == "" {
		return Validation{}, fmt.Errorf("field is required")
	}
	switch v.Rule {
	case RuleRequired:
	case RuleRange:
		if v.Min == nil && v.Max == nil {
			return Validation{}, fmt.Errorf("range on %s needs min or max", v.Field)
		}
		if v.Min != nil && v.Max != nil && *v.Min > *v.Max {
			return Validation{}, fmt.Errorf("range on %s has min above max", v.Field)
		}
	case RulePattern:
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			return Validation{}, fmt.Errorf("pattern on %s: %w", v.Field, err)
		}
		v.compiled = re
	case RuleCustom:
		if v.Predicate == "" {
			return Validation{}, fmt.Errorf("custom rule on %s needs a predicate", v.Field)
		}
	default:
		return Validation{}, fmt.Errorf("unknown rule %q", v.Rule)
	}
	return v, nil
}
