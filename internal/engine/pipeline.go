// Package engine executes pipeline stages against agent capabilities:
// declarative step definitions, input templating, parallel groups, and
// bounded retries.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// Duration decodes Go duration strings ("30s", "24h") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FlowDef configures a generate/evaluate feedback loop driving one step.
type FlowDef struct {
	Generate    string  `yaml:"generate"`
	Evaluate    string  `yaml:"evaluate"`
	MaxAttempts int     `yaml:"max_attempts"`
	Threshold   float64 `yaml:"threshold"`
}

// StepDef declares one step of a stage. A step either invokes a single
// capability or runs a feedback flow, never both.
type StepDef struct {
	Name       string         `yaml:"name"`
	Capability string         `yaml:"capability"`
	Input      map[string]any `yaml:"input"`

	// ParallelGroup makes consecutive steps sharing the same group name
	// run concurrently. The group fails atomically.
	ParallelGroup string `yaml:"parallel_group"`

	// Timeout bounds one invocation attempt. Zero uses the engine default.
	Timeout Duration `yaml:"timeout"`

	Flow *FlowDef `yaml:"flow"`
}

// GateDef declares a human checkpoint after a stage's steps complete.
type GateDef struct {
	Type     string                  `yaml:"type"`
	Summary  string                  `yaml:"summary"`
	OnExpiry checkpoint.ExpiryPolicy `yaml:"on_expiry"`
	TTL      Duration                `yaml:"ttl"`
}

// StageDef is an ordered group of steps, optionally gated.
type StageDef struct {
	Name  string    `yaml:"name"`
	Steps []StepDef `yaml:"steps"`

	// Checkpoint, when set, pauses the task for approval after the
	// stage's steps succeed and before the next stage starts.
	Checkpoint *GateDef `yaml:"checkpoint"`
}

// Pipeline is a named sequence of stages a task executes.
type Pipeline struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Stages      []StageDef `yaml:"stages"`
}

// Validate checks the pipeline is executable: names present and unique,
// each step bound to exactly one of a capability or a flow.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return errs.Configurationf("pipeline has no name")
	}
	if len(p.Stages) == 0 {
		return errs.Configurationf("pipeline %s has no stages", p.Name)
	}

	seenSteps := make(map[string]bool)
	for i, stage := range p.Stages {
		if stage.Name == "" {
			return errs.Configurationf("pipeline %s: stage %d has no name", p.Name, i)
		}
		if len(stage.Steps) == 0 {
			return errs.Configurationf("pipeline %s: stage %s has no steps", p.Name, stage.Name)
		}
		for _, step := range stage.Steps {
			if step.Name == "" {
				return errs.Configurationf("pipeline %s: stage %s has an unnamed step", p.Name, stage.Name)
			}
			if seenSteps[step.Name] {
				return errs.Configurationf("pipeline %s: duplicate step name %q", p.Name, step.Name)
			}
			seenSteps[step.Name] = true

			hasCap := step.Capability != ""
			hasFlow := step.Flow != nil
			if hasCap == hasFlow {
				return errs.Configurationf("pipeline %s: step %s must set exactly one of capability or flow", p.Name, step.Name)
			}
			if hasFlow && (step.Flow.Generate == "" || step.Flow.Evaluate == "") {
				return errs.Configurationf("pipeline %s: step %s flow needs generate and evaluate", p.Name, step.Name)
			}
			if hasFlow && step.ParallelGroup != "" {
				return errs.Configurationf("pipeline %s: step %s cannot run a flow inside a parallel group", p.Name, step.Name)
			}
		}
		if gate := stage.Checkpoint; gate != nil {
			if gate.Type == "" {
				return errs.Configurationf("pipeline %s: stage %s checkpoint has no type", p.Name, stage.Name)
			}
			if gate.OnExpiry != "" && !gate.OnExpiry.Valid() {
				return errs.Configurationf("pipeline %s: stage %s has unknown expiry policy %q", p.Name, stage.Name, gate.OnExpiry)
			}
		}
	}
	return nil
}

// ParsePipeline decodes and validates one YAML pipeline definition.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errs.Configurationf("malformed pipeline yaml: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// loadPipelineDir parses every .yaml/.yml file in dir.
func loadPipelineDir(dir string) (map[string]*Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline dir %s: %w", dir, err)
	}

	pipelines := make(map[string]*Pipeline)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read pipeline %s: %w", entry.Name(), err)
		}
		p, err := ParsePipeline(data)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", entry.Name(), err)
		}
		if _, dup := pipelines[p.Name]; dup {
			return nil, errs.Configurationf("duplicate pipeline name %q", p.Name)
		}
		pipelines[p.Name] = p
	}
	return pipelines, nil
}
