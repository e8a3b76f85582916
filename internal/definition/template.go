package definition

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/advflow/model"
)

// ParseTemplate decodes a YAML template document.
func ParseTemplate(data []byte) (model.Template, error) {
	var tpl model.Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return model.Template{}, fmt.Errorf("parsing template: %w", err)
	}
	return tpl, nil
}

// Materialize builds a definition graph from a template in two passes:
// every step becomes an action first, then transition targets are resolved
// by step name. Fresh IDs are assigned throughout.
func Materialize(tpl model.Template) (model.Definition, error) {
	def := model.Definition{
		ID:            uuid.NewString(),
		Title:         tpl.Title,
		Description:   tpl.Description,
		DefaultUsers:  tpl.DefaultUsers,
		DefaultGroups: tpl.DefaultGroups,
		Actions:       make([]model.Action, 0, len(tpl.Steps)),
	}

	byName := make(map[string]string, len(tpl.Steps))
	for i, step := range tpl.Steps {
		if _, dup := byName[step.Name]; dup {
			return model.Definition{}, model.NewValidationError([]model.FieldError{{
				Field: fmt.Sprintf("steps.%s", step.Name), Code: "DUPLICATE", Message: "duplicate step name",
			}})
		}
		a := model.Action{
			ID:              uuid.NewString(),
			DefinitionID:    def.ID,
			Title:           step.Name,
			Kind:            step.Kind,
			Behavior:        step.Behavior,
			Sort:            i,
			AllowEditing:    step.AllowEditing,
			AllowCommenting: step.AllowCommenting,
			Params:          step.Params,
		}
		byName[step.Name] = a.ID
		def.Actions = append(def.Actions, a)
	}

	var missing []model.FieldError
	for i, step := range tpl.Steps {
		for j, tr := range step.Transitions {
			next, ok := byName[tr.Target]
			if !ok {
				missing = append(missing, model.FieldError{
					Field:   fmt.Sprintf("steps.%s.transitions.%s", step.Name, tr.Name),
					Code:    "REF_NOT_FOUND",
					Message: fmt.Sprintf("target step %q not found", tr.Target),
				})
				continue
			}
			def.Actions[i].Transitions = append(def.Actions[i].Transitions, model.Transition{
				ID:             uuid.NewString(),
				ActionID:       def.Actions[i].ID,
				NextActionID:   next,
				Title:          tr.Name,
				Sort:           j,
				Condition:      tr.Condition,
				RestrictUsers:  tr.RestrictUsers,
				RestrictGroups: tr.RestrictGroups,
			})
		}
	}
	if len(missing) > 0 {
		return model.Definition{}, model.NewValidationError(missing)
	}
	return def, nil
}

// Export converts a definition back into its template form. Steps and
// transitions are emitted in sort order.
func Export(def model.Definition) model.Template {
	tpl := model.Template{
		Title:         def.Title,
		Description:   def.Description,
		DefaultUsers:  def.DefaultUsers,
		DefaultGroups: def.DefaultGroups,
	}
	titles := make(map[string]string, len(def.Actions))
	for _, a := range def.Actions {
		titles[a.ID] = a.Title
	}
	for _, a := range def.SortedActions() {
		step := model.TemplateStep{
			Name:            a.Title,
			Behavior:        a.Behavior,
			Kind:            a.Kind,
			AllowEditing:    a.AllowEditing,
			AllowCommenting: a.AllowCommenting,
			Params:          a.Params,
		}
		for _, t := range a.SortedTransitions() {
			step.Transitions = append(step.Transitions, model.TemplateTransition{
				Name:           t.Title,
				Target:         titles[t.NextActionID],
				Condition:      t.Condition,
				RestrictUsers:  t.RestrictUsers,
				RestrictGroups: t.RestrictGroups,
			})
		}
		tpl.Steps = append(tpl.Steps, step)
	}
	return tpl
}

// RenderTemplate encodes a template as YAML.
func RenderTemplate(tpl model.Template) ([]byte, error) {
	out, err := yaml.Marshal(tpl)
	if err != nil {
		return nil, fmt.Errorf("rendering template: %w", err)
	}
	return out, nil
}
