package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// TriggerType distinguishes scheduled triggers from manual ones.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
)

// Definition describes a named pipeline: its ordered stages, triggers and
// content source. Definitions are treated as immutable once a run references
// them; Clone hands out independent copies.
type Definition struct {
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []StageDefinition     `json:"stages" yaml:"stages"`
	Triggers    []Trigger             `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Source      SourceSpec            `json:"source" yaml:"source"`
	Parameters  []ParameterDefinition `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	// Disabled pipelines keep their definition but are never scheduled.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// StageDefinition names one stage and the plugin that executes it.
type StageDefinition struct {
	Name       string         `json:"name" yaml:"name"`
	Plugin     string         `json:"plugin" yaml:"plugin"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Trigger is a schedule definition that causes new runs. It owns no mutable
// state; the scheduler keeps per-trigger bookkeeping separately.
type Trigger struct {
	Name       string         `json:"name" yaml:"name"`
	Type       TriggerType    `json:"type" yaml:"type"`
	Schedule   string         `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// SourceSpec tells the content source resolver how to enumerate items.
type SourceSpec struct {
	Type    string            `json:"type" yaml:"type"`
	Path    string            `json:"path,omitempty" yaml:"path,omitempty"`
	Include []string          `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string          `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Items   []SourceItem      `json:"items,omitempty" yaml:"items,omitempty"`
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// SourceItem is an inline content item used by static sources.
type SourceItem struct {
	CanonicalID    string `json:"canonical_id" yaml:"canonical_id"`
	Action         string `json:"action,omitempty" yaml:"action,omitempty"`
	LastModifiedAt string `json:"last_modified_at,omitempty" yaml:"last_modified_at,omitempty"`
}

// ParameterDefinition declares a run parameter accepted by a pipeline.
// Canonical parameters participate in the canonical run id, so two active runs
// with the same canonical values conflict.
type ParameterDefinition struct {
	Name      string `json:"name" yaml:"name"`
	Required  bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Canonical bool   `json:"canonical,omitempty" yaml:"canonical,omitempty"`
	Default   any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// StageNames returns the ordered stage names.
func (d Definition) StageNames() []string {
	names := make([]string, 0, len(d.Stages))
	for _, stage := range d.Stages {
		names = append(names, stage.Name)
	}
	return names
}

// Stage looks up a stage by name.
func (d Definition) Stage(name string) (StageDefinition, bool) {
	for _, stage := range d.Stages {
		if stage.Name == name {
			return stage, true
		}
	}
	return StageDefinition{}, false
}

// Trigger looks up a trigger by name.
func (d Definition) Trigger(name string) (Trigger, bool) {
	for _, trigger := range d.Triggers {
		if trigger.Name == name {
			return trigger, true
		}
	}
	return Trigger{}, false
}

// Clone returns a deep copy of the definition.
func (d Definition) Clone() Definition {
	out := d
	out.Stages = make([]StageDefinition, len(d.Stages))
	for i, stage := range d.Stages {
		stage.Parameters = cloneMap(stage.Parameters)
		out.Stages[i] = stage
	}
	out.Triggers = make([]Trigger, len(d.Triggers))
	for i, trigger := range d.Triggers {
		trigger.Parameters = cloneMap(trigger.Parameters)
		out.Triggers[i] = trigger
	}
	out.Parameters = append([]ParameterDefinition(nil), d.Parameters...)
	out.Source.Include = append([]string(nil), d.Source.Include...)
	out.Source.Exclude = append([]string(nil), d.Source.Exclude...)
	out.Source.Items = append([]SourceItem(nil), d.Source.Items...)
	if d.Source.Options != nil {
		out.Source.Options = make(map[string]string, len(d.Source.Options))
		for k, v := range d.Source.Options {
			out.Source.Options[k] = v
		}
	}
	return out
}

// Validate checks structural rules: a name, at least one uniquely named stage
// with a plugin, and uniquely named triggers. Schedule syntax is checked by
// the trigger package.
func (d Definition) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("pipeline name is required"))
	}
	if strings.Contains(d.Name, "|") {
		errs = append(errs, fmt.Errorf("pipeline %q: name must not contain '|'", d.Name))
	}
	if len(d.Stages) == 0 {
		errs = append(errs, fmt.Errorf("pipeline %q: at least one stage is required", d.Name))
	}
	seenStages := make(map[string]struct{}, len(d.Stages))
	for idx, stage := range d.Stages {
		if strings.TrimSpace(stage.Name) == "" {
			errs = append(errs, fmt.Errorf("pipeline %q: stage %d has no name", d.Name, idx))
			continue
		}
		if _, dup := seenStages[stage.Name]; dup {
			errs = append(errs, fmt.Errorf("pipeline %q: duplicate stage %q", d.Name, stage.Name))
		}
		seenStages[stage.Name] = struct{}{}
		if strings.TrimSpace(stage.Plugin) == "" {
			errs = append(errs, fmt.Errorf("pipeline %q: stage %q has no plugin", d.Name, stage.Name))
		}
	}
	seenTriggers := make(map[string]struct{}, len(d.Triggers))
	for _, trigger := range d.Triggers {
		if strings.TrimSpace(trigger.Name) == "" {
			errs = append(errs, fmt.Errorf("pipeline %q: trigger has no name", d.Name))
			continue
		}
		if strings.Contains(trigger.Name, "|") {
			errs = append(errs, fmt.Errorf("pipeline %q: trigger %q must not contain '|'", d.Name, trigger.Name))
		}
		if _, dup := seenTriggers[trigger.Name]; dup {
			errs = append(errs, fmt.Errorf("pipeline %q: duplicate trigger %q", d.Name, trigger.Name))
		}
		seenTriggers[trigger.Name] = struct{}{}
		switch trigger.Type {
		case TriggerSchedule:
			if strings.TrimSpace(trigger.Schedule) == "" {
				errs = append(errs, fmt.Errorf("pipeline %q: schedule trigger %q has no schedule", d.Name, trigger.Name))
			}
		case TriggerManual:
		default:
			errs = append(errs, fmt.Errorf("pipeline %q: trigger %q has unsupported type %q", d.Name, trigger.Name, trigger.Type))
		}
	}
	return errors.Join(errs...)
}

// ResolveParameters merges trigger defaults, declared defaults and explicit
// values, then checks that required parameters are present. Later sources win.
func (d Definition) ResolveParameters(trigger *Trigger, explicit map[string]any) (map[string]any, error) {
	resolved := make(map[string]any)
	for _, param := range d.Parameters {
		if param.Default != nil {
			resolved[param.Name] = param.Default
		}
	}
	if trigger != nil {
		for k, v := range trigger.Parameters {
			resolved[k] = v
		}
	}
	for k, v := range explicit {
		resolved[k] = v
	}
	var missing []string
	for _, param := range d.Parameters {
		if !param.Required {
			continue
		}
		if v, ok := resolved[param.Name]; !ok || v == nil {
			missing = append(missing, param.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline %q: missing required parameters: %s", d.Name, strings.Join(missing, ", "))
	}
	return resolved, nil
}

// CanonicalParameters returns the subset of values that identify a run. When
// no parameter is declared canonical, every value participates.
func (d Definition) CanonicalParameters(values map[string]any) map[string]any {
	out := make(map[string]any)
	declared := false
	for _, param := range d.Parameters {
		if param.Canonical {
			declared = true
			break
		}
	}
	if !declared {
		for k, v := range values {
			out[k] = v
		}
		return out
	}
	for _, param := range d.Parameters {
		if !param.Canonical {
			continue
		}
		if v, ok := values[param.Name]; ok {
			out[param.Name] = v
		}
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
