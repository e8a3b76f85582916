package model

import (
	"slices"
	"time"
)

// Instance status constants.
const (
	InstanceStatusActive    = "active"
	InstanceStatusPaused    = "paused"
	InstanceStatusComplete  = "complete"
	InstanceStatusCancelled = "cancelled"
)

// Audit event names.
const (
	EventWorkflowStarted   = "workflow_started"
	EventActionStarted     = "action_started"
	EventActionFinished    = "action_finished"
	EventTransition        = "transition"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventComment           = "comment"
	EventChainLimit        = "chain_limit"
)

// TargetRef is a weak reference to the content object a workflow acts upon.
// The zero value means the instance runs untargeted, as a checklist.
type TargetRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// IsZero reports whether the reference is empty.
func (t TargetRef) IsZero() bool {
	return t.Kind == "" && t.ID == ""
}

// String renders the reference as kind/id.
func (t TargetRef) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Kind + "/" + t.ID
}

// Instance is one running execution of a definition. It owns an arena copy
// of the definition graph (Graph) so that concurrent instances never share
// mutable state, and the log of visited steps (Actions).
type Instance struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Status          string           `json:"status"`
	DefinitionID    string           `json:"definition_id"`
	CurrentActionID string           `json:"current_action_id,omitempty"`
	Target          TargetRef        `json:"target"`
	AssignedUsers   []string         `json:"assigned_users,omitempty"`
	AssignedGroups  []string         `json:"assigned_groups,omitempty"`
	InitiatorID     string           `json:"initiator_id"`
	Graph           []Action         `json:"graph"`
	Actions         []ActionInstance `json:"actions"`
	Version         int              `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ActionInstance is the per-run record of one visit to a graph action.
type ActionInstance struct {
	ID           string       `json:"id"`
	InstanceID   string       `json:"instance_id"`
	BaseActionID string       `json:"base_action_id"`
	Finished     bool         `json:"finished"`
	Comment      string       `json:"comment,omitempty"`
	ActingMember string       `json:"acting_member,omitempty"`
	Annotations  []Annotation `json:"annotations,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}

// Annotation is an audit comment attached to an action instance.
type Annotation struct {
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// IsLive reports whether the instance is Active or Paused.
func (i *Instance) IsLive() bool {
	return i.Status == InstanceStatusActive || i.Status == InstanceStatusPaused
}

// IsTerminal reports whether the instance is Complete or Cancelled.
func (i *Instance) IsTerminal() bool {
	return i.Status == InstanceStatusComplete || i.Status == InstanceStatusCancelled
}

// CurrentAction returns the current action instance, or nil.
func (i *Instance) CurrentAction() *ActionInstance {
	if i.CurrentActionID == "" {
		return nil
	}
	return i.ActionInstance(i.CurrentActionID)
}

// ActionInstance returns the action instance with the given ID.
func (i *Instance) ActionInstance(id string) *ActionInstance {
	for k := range i.Actions {
		if i.Actions[k].ID == id {
			return &i.Actions[k]
		}
	}
	return nil
}

// GraphAction returns the cloned action with the given ID.
func (i *Instance) GraphAction(id string) *Action {
	for k := range i.Graph {
		if i.Graph[k].ID == id {
			return &i.Graph[k]
		}
	}
	return nil
}

// Clone returns a deep copy of the instance, its graph and its log.
func (i *Instance) Clone() Instance {
	out := *i
	out.AssignedUsers = slices.Clone(i.AssignedUsers)
	out.AssignedGroups = slices.Clone(i.AssignedGroups)
	if i.Graph != nil {
		out.Graph = make([]Action, len(i.Graph))
		for k, a := range i.Graph {
			out.Graph[k] = a.Clone()
		}
	}
	if i.Actions != nil {
		out.Actions = make([]ActionInstance, len(i.Actions))
		for k, ai := range i.Actions {
			ai.Annotations = slices.Clone(ai.Annotations)
			if ai.FinishedAt != nil {
				at := *ai.FinishedAt
				ai.FinishedAt = &at
			}
			out.Actions[k] = ai
		}
	}
	return out
}

// IsAssigned reports whether the member is among the instance's assigned
// users or in one of its assigned groups.
func (i *Instance) IsAssigned(rctx *RequestContext) bool {
	if rctx == nil {
		return false
	}
	if slices.Contains(i.AssignedUsers, rctx.SubjectID) {
		return true
	}
	for _, g := range i.AssignedGroups {
		if rctx.InGroup(g) {
			return true
		}
	}
	return false
}

// InstanceSummary is a lightweight representation used in list views.
type InstanceSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	DefinitionID  string    `json:"definition_id"`
	Status        string    `json:"status"`
	Target        TargetRef `json:"target"`
	CurrentAction string    `json:"current_action,omitempty"`
	InitiatorID   string    `json:"initiator_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Summary builds the list-view representation of the instance.
func (i *Instance) Summary() InstanceSummary {
	s := InstanceSummary{
		ID:           i.ID,
		Title:        i.Title,
		DefinitionID: i.DefinitionID,
		Status:       i.Status,
		Target:       i.Target,
		InitiatorID:  i.InitiatorID,
		UpdatedAt:    i.UpdatedAt,
	}
	if cur := i.CurrentAction(); cur != nil {
		if ga := i.GraphAction(cur.BaseActionID); ga != nil {
			s.CurrentAction = ga.Title
		}
	}
	return s
}

// WorkflowEvent records an event in an instance's audit trail.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	ActionID   string         `json:"action_id,omitempty"`
	Event      string         `json:"event"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// TransitionOption is a transition the acting member may choose from the
// current action of a paused instance.
type TransitionOption struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Target string `json:"target"`
}
