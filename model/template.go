package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Template is the declarative, name-keyed form of a definition:
//
//	title: Two step approval
//	steps:
//	  Review:
//	    behavior: simple
//	    transitions:
//	      Approve: Publish
//	      Reject: Rejected
//	  Publish:
//	    behavior: publish
//
// Step and transition order is the order they appear in the document.
type Template struct {
	Title         string    `yaml:"title"                    json:"title"`
	Description   string    `yaml:"description,omitempty"    json:"description,omitempty"`
	DefaultUsers  []string  `yaml:"default_users,omitempty"  json:"default_users,omitempty"`
	DefaultGroups []string  `yaml:"default_groups,omitempty" json:"default_groups,omitempty"`
	Steps         StepList  `yaml:"steps"                    json:"steps"`
}

// TemplateStep is one named step of a template.
type TemplateStep struct {
	Name            string         `yaml:"-"                          json:"name"`
	Behavior        string         `yaml:"behavior"                   json:"behavior"`
	Kind            ActionKind     `yaml:"kind,omitempty"             json:"kind,omitempty"`
	AllowEditing    EditingPolicy  `yaml:"allow_editing,omitempty"    json:"allow_editing,omitempty"`
	AllowCommenting bool           `yaml:"allow_commenting,omitempty" json:"allow_commenting,omitempty"`
	Params          map[string]any `yaml:"params,omitempty"           json:"params,omitempty"`
	Transitions     TransitionList `yaml:"transitions,omitempty"      json:"transitions,omitempty"`
}

// TemplateTransition is a named edge to another step. In YAML it is either
// the target step name or a mapping with a target key.
type TemplateTransition struct {
	Name           string   `yaml:"-"                         json:"name"`
	Target         string   `yaml:"target"                    json:"target"`
	Condition      string   `yaml:"condition,omitempty"       json:"condition,omitempty"`
	RestrictUsers  []string `yaml:"restrict_users,omitempty"  json:"restrict_users,omitempty"`
	RestrictGroups []string `yaml:"restrict_groups,omitempty" json:"restrict_groups,omitempty"`
}

// StepList is an ordered mapping of step name to step.
type StepList []TemplateStep

// UnmarshalYAML decodes a mapping while keeping key order.
func (l *StepList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: steps must be a mapping of step name to step", node.Line)
	}
	out := make(StepList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var step TemplateStep
		if err := node.Content[i+1].Decode(&step); err != nil {
			return err
		}
		step.Name = node.Content[i].Value
		out = append(out, step)
	}
	*l = out
	return nil
}

// MarshalYAML encodes the list as an ordered mapping.
func (l StepList) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, s := range l {
		var v yaml.Node
		if err := v.Encode(s); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, scalar(s.Name), &v)
	}
	return node, nil
}

// TransitionList is an ordered mapping of transition name to target.
type TransitionList []TemplateTransition

// UnmarshalYAML decodes a mapping while keeping key order. Values are a
// bare target name or a full transition mapping.
func (l *TransitionList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: transitions must be a mapping of name to target", node.Line)
	}
	out := make(TransitionList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var tr TemplateTransition
		val := node.Content[i+1]
		if val.Kind == yaml.ScalarNode {
			tr.Target = val.Value
		} else if err := val.Decode(&tr); err != nil {
			return err
		}
		tr.Name = node.Content[i].Value
		out = append(out, tr)
	}
	*l = out
	return nil
}

// MarshalYAML writes plain edges in the short form.
func (l TransitionList) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, t := range l {
		if t.Condition == "" && len(t.RestrictUsers) == 0 && len(t.RestrictGroups) == 0 {
			node.Content = append(node.Content, scalar(t.Name), scalar(t.Target))
			continue
		}
		var v yaml.Node
		if err := v.Encode(t); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, scalar(t.Name), &v)
	}
	return node, nil
}

func scalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}
