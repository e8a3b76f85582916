package definition

import (
	"fmt"
	"strings"

	"github.com/yourbasic/graph"

	"github.com/pitabwire/advflow/internal/behavior"
	"github.com/pitabwire/advflow/internal/expression"
	"github.com/pitabwire/advflow/model"
)

// VError describes a single validation finding in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Report holds the outcome of validating one definition. Errors block a
// write; warnings are informational.
type Report struct {
	Errors   []VError `json:"errors,omitempty"`
	Warnings []VError `json:"warnings,omitempty"`
}

// Valid reports whether the report has no errors.
func (r Report) Valid() bool { return len(r.Errors) == 0 }

// Err converts the errors into a VALIDATION_ERROR envelope, or nil.
func (r Report) Err() error {
	if r.Valid() {
		return nil
	}
	details := make([]model.FieldError, len(r.Errors))
	for i, e := range r.Errors {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewValidationError(details)
}

// Validator checks definitions structurally and referentially, and runs
// graph analysis for loops and unreachable steps.
type Validator struct {
	behaviors *behavior.Registry
}

// NewValidator creates a Validator. behaviors may be nil to skip behavior
// checks.
func NewValidator(behaviors *behavior.Registry) *Validator {
	return &Validator{behaviors: behaviors}
}

var validKinds = map[model.ActionKind]bool{
	model.ActionKindManual: true, model.ActionKindDynamic: true,
}

var validEditing = map[model.EditingPolicy]bool{
	model.EditingAssignees: true, model.EditingContent: true, model.EditingNo: true,
}

// Validate checks def.
func (v *Validator) Validate(def model.Definition) Report {
	var r Report

	if strings.TrimSpace(def.Title) == "" {
		r.Errors = append(r.Errors, VError{Path: "title", Code: "REQUIRED", Message: "title is required"})
	}
	if len(def.Actions) == 0 {
		r.Warnings = append(r.Warnings, VError{Path: "actions", Code: "NOT_RUNNABLE", Message: "definition has no actions"})
		return r
	}

	actionIDs := make(map[string]bool, len(def.Actions))
	titles := make(map[string]bool, len(def.Actions))
	for i, a := range def.Actions {
		ap := fmt.Sprintf("actions[%d]", i)
		if a.ID == "" {
			r.Errors = append(r.Errors, VError{Path: ap + ".id", Code: "REQUIRED", Message: "action id is required"})
		} else if actionIDs[a.ID] {
			r.Errors = append(r.Errors, VError{Path: ap + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate action id %q", a.ID)})
		}
		actionIDs[a.ID] = true

		if a.Title == "" {
			r.Errors = append(r.Errors, VError{Path: ap + ".title", Code: "REQUIRED", Message: "action title is required"})
		} else if titles[a.Title] {
			r.Errors = append(r.Errors, VError{Path: ap + ".title", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate action title %q", a.Title)})
		}
		titles[a.Title] = true

		r.Errors = append(r.Errors, v.validateAction(ap, a)...)
	}

	transitionIDs := make(map[string]bool)
	for i, a := range def.Actions {
		names := make(map[string]bool, len(a.Transitions))
		for j, t := range a.Transitions {
			tp := fmt.Sprintf("actions[%d].transitions[%d]", i, j)
			if t.ID == "" {
				r.Errors = append(r.Errors, VError{Path: tp + ".id", Code: "REQUIRED", Message: "transition id is required"})
			} else if transitionIDs[t.ID] {
				r.Errors = append(r.Errors, VError{Path: tp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate transition id %q", t.ID)})
			}
			transitionIDs[t.ID] = true

			if t.Title == "" {
				r.Errors = append(r.Errors, VError{Path: tp + ".title", Code: "REQUIRED", Message: "transition title is required"})
			} else if names[t.Title] {
				r.Errors = append(r.Errors, VError{Path: tp + ".title", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate transition title %q on action %q", t.Title, a.Title)})
			}
			names[t.Title] = true

			r.Errors = append(r.Errors, validateTransition(tp, a, t, actionIDs)...)
		}
	}

	if r.Valid() {
		r.Warnings = append(r.Warnings, analyzeGraph(def)...)
	}
	return r
}

func (v *Validator) validateAction(prefix string, a model.Action) []VError {
	var errs []VError
	if a.Kind != "" && !validKinds[a.Kind] {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid kind %q", a.Kind)})
	}
	if a.AllowEditing != "" && !validEditing[a.AllowEditing] {
		errs = append(errs, VError{Path: prefix + ".allow_editing", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid editing policy %q", a.AllowEditing)})
	}
	if a.Behavior == "" {
		errs = append(errs, VError{Path: prefix + ".behavior", Code: "REQUIRED", Message: "behavior is required"})
		return errs
	}
	if v.behaviors == nil {
		return errs
	}
	b, ok := v.behaviors.Lookup(a.Behavior)
	if !ok {
		errs = append(errs, VError{Path: prefix + ".behavior", Code: "UNKNOWN_BEHAVIOR", Message: fmt.Sprintf("unknown behavior %q", a.Behavior)})
		return errs
	}
	if err := b.Validate(a.Params); err != nil {
		errs = append(errs, VError{Path: prefix + ".params", Code: "INVALID_PARAMS", Message: err.Error()})
	}
	return errs
}

func validateTransition(prefix string, a model.Action, t model.Transition, actionIDs map[string]bool) []VError {
	var errs []VError
	if t.ActionID != "" && t.ActionID != a.ID {
		errs = append(errs, VError{
			Path:    prefix + ".action_id",
			Code:    "REF_MISMATCH",
			Message: fmt.Sprintf("transition source %q does not match owning action %q", t.ActionID, a.ID),
		})
	}
	switch {
	case t.NextActionID == "":
		errs = append(errs, VError{Path: prefix + ".next_action_id", Code: "REQUIRED", Message: "target action is required"})
	case t.NextActionID == a.ID:
		errs = append(errs, VError{Path: prefix + ".next_action_id", Code: "SELF_LOOP", Message: "a transition cannot lead back to its own action"})
	case !actionIDs[t.NextActionID]:
		errs = append(errs, VError{Path: prefix + ".next_action_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("action %q not found", t.NextActionID)})
	}
	if t.Condition != "" {
		if err := expression.Check(t.Condition); err != nil {
			errs = append(errs, VError{Path: prefix + ".condition", Code: "INVALID_EXPRESSION", Message: err.Error()})
		}
	}
	return errs
}

// analyzeGraph warns about loops and steps the initial action cannot reach.
// Loops are legitimate when they pass through a manual decision (rework),
// so they are not errors; the engine's chain limit bounds automatic ones.
func analyzeGraph(def model.Definition) []VError {
	index := make(map[string]int, len(def.Actions))
	for i, a := range def.Actions {
		index[a.ID] = i
	}
	g := graph.New(len(def.Actions))
	for i, a := range def.Actions {
		for _, t := range a.Transitions {
			g.Add(i, index[t.NextActionID])
		}
	}

	var warnings []VError
	if !graph.Acyclic(g) {
		for _, comp := range graph.StrongComponents(g) {
			if len(comp) < 2 {
				continue
			}
			names := make([]string, len(comp))
			for k, v := range comp {
				names[k] = def.Actions[v].Title
			}
			warnings = append(warnings, VError{
				Path:    "actions",
				Code:    "CYCLE",
				Message: fmt.Sprintf("actions form a loop: %s", strings.Join(names, ", ")),
			})
		}
	}

	initial := def.InitialAction()
	reached := make([]bool, len(def.Actions))
	start := index[initial.ID]
	reached[start] = true
	graph.BFS(g, start, func(_, w int, _ int64) { reached[w] = true })
	for i, ok := range reached {
		if !ok {
			warnings = append(warnings, VError{
				Path:    fmt.Sprintf("actions[%d]", i),
				Code:    "UNREACHABLE",
				Message: fmt.Sprintf("action %q cannot be reached from %q", def.Actions[i].Title, initial.Title),
			})
		}
	}
	return warnings
}
