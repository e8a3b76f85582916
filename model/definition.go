package model

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// ActionKind distinguishes steps that wait for a person from steps the
// engine runs on its own.
type ActionKind string

// Action kinds.
const (
	ActionKindManual  ActionKind = "manual"
	ActionKindDynamic ActionKind = "dynamic"
)

// EditingPolicy governs who may edit the target while an action is current.
type EditingPolicy string

// Editing policies.
const (
	EditingAssignees EditingPolicy = "assignees"
	EditingContent   EditingPolicy = "content"
	EditingNo        EditingPolicy = "no"
)

// Tristate is the answer of an advisory capability hook.
type Tristate int

// Tristate values. TriDefer leaves the decision to the caller.
const (
	TriDefer Tristate = iota
	TriAllow
	TriDeny
)

// Definition is the authored workflow template: an ordered set of actions,
// each owning its outbound transitions.
type Definition struct {
	ID            string    `yaml:"id"             json:"id"`
	Title         string    `yaml:"title"          json:"title"`
	Description   string    `yaml:"description"    json:"description,omitempty"`
	Sort          int       `yaml:"sort"           json:"sort"`
	DefaultUsers  []string  `yaml:"default_users"  json:"default_users,omitempty"`
	DefaultGroups []string  `yaml:"default_groups" json:"default_groups,omitempty"`
	Actions       []Action  `yaml:"actions"        json:"actions"`
	CreatedAt     time.Time `yaml:"-"              json:"created_at"`
	UpdatedAt     time.Time `yaml:"-"              json:"updated_at"`
}

// Action is a step in a definition.
type Action struct {
	ID              string         `yaml:"id"               json:"id"`
	DefinitionID    string         `yaml:"definition_id"    json:"definition_id"`
	Title           string         `yaml:"title"            json:"title"`
	Kind            ActionKind     `yaml:"kind"             json:"kind"`
	Behavior        string         `yaml:"behavior"         json:"behavior"`
	Sort            int            `yaml:"sort"             json:"sort"`
	AllowEditing    EditingPolicy  `yaml:"allow_editing"    json:"allow_editing"`
	AllowCommenting bool           `yaml:"allow_commenting" json:"allow_commenting"`
	Params          map[string]any `yaml:"params"           json:"params,omitempty"`
	Transitions     []Transition   `yaml:"transitions"      json:"transitions,omitempty"`

	// SourceID is set on instance-owned clones and names the definition
	// action the clone was made from.
	SourceID string `yaml:"-" json:"source_id,omitempty"`
}

// Transition is a directed edge from one action to another.
type Transition struct {
	ID             string   `yaml:"id"              json:"id"`
	ActionID       string   `yaml:"action_id"       json:"action_id"`
	NextActionID   string   `yaml:"next_action_id"  json:"next_action_id"`
	Title          string   `yaml:"title"           json:"title"`
	Sort           int      `yaml:"sort"            json:"sort"`
	Condition      string   `yaml:"condition"       json:"condition,omitempty"`
	RestrictUsers  []string `yaml:"restrict_users"  json:"restrict_users,omitempty"`
	RestrictGroups []string `yaml:"restrict_groups" json:"restrict_groups,omitempty"`

	// SourceID is set on instance-owned clones and names the definition
	// transition the clone was made from.
	SourceID string `yaml:"-" json:"source_id,omitempty"`
}

// SortedActions returns the actions ordered by Sort, falling back to
// declaration order for equal keys.
func (d Definition) SortedActions() []Action {
	out := slices.Clone(d.Actions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sort < out[j].Sort })
	return out
}

// InitialAction returns the first action by sort order, or nil when the
// definition has no actions and is therefore not runnable.
func (d Definition) InitialAction() *Action {
	if len(d.Actions) == 0 {
		return nil
	}
	first := 0
	for i := range d.Actions {
		if d.Actions[i].Sort < d.Actions[first].Sort {
			first = i
		}
	}
	return &d.Actions[first]
}

// Action returns the action with the given ID.
func (d Definition) Action(id string) *Action {
	for i := range d.Actions {
		if d.Actions[i].ID == id {
			return &d.Actions[i]
		}
	}
	return nil
}

// TransitionCount returns the number of edges in the definition graph.
func (d Definition) TransitionCount() int {
	n := 0
	for _, a := range d.Actions {
		n += len(a.Transitions)
	}
	return n
}

// SortedTransitions returns the outbound transitions ordered by Sort.
func (a Action) SortedTransitions() []Transition {
	out := slices.Clone(a.Transitions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sort < out[j].Sort })
	return out
}

// Transition returns the outbound transition with the given ID.
func (a Action) Transition(id string) *Transition {
	for i := range a.Transitions {
		if a.Transitions[i].ID == id {
			return &a.Transitions[i]
		}
	}
	return nil
}

// Restricted reports whether the transition limits who may take it.
func (t Transition) Restricted() bool {
	return len(t.RestrictUsers) > 0 || len(t.RestrictGroups) > 0
}

// CanExecute reports whether the member may take this transition: always
// when unrestricted, otherwise only when listed directly or via a group.
func (t Transition) CanExecute(rctx *RequestContext) bool {
	if !t.Restricted() {
		return true
	}
	if rctx == nil {
		return false
	}
	if slices.Contains(t.RestrictUsers, rctx.SubjectID) {
		return true
	}
	for _, g := range t.RestrictGroups {
		if rctx.InGroup(g) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the definition.
func (d Definition) Clone() Definition {
	out := d
	out.DefaultUsers = slices.Clone(d.DefaultUsers)
	out.DefaultGroups = slices.Clone(d.DefaultGroups)
	if d.Actions != nil {
		out.Actions = make([]Action, len(d.Actions))
		for i, a := range d.Actions {
			out.Actions[i] = a.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the action and its transitions. Params are
// copied one level deep.
func (a Action) Clone() Action {
	out := a
	out.Params = maps.Clone(a.Params)
	if a.Transitions != nil {
		out.Transitions = make([]Transition, len(a.Transitions))
		for i, t := range a.Transitions {
			t.RestrictUsers = slices.Clone(t.RestrictUsers)
			t.RestrictGroups = slices.Clone(t.RestrictGroups)
			out.Transitions[i] = t
		}
	}
	return out
}
