package definition

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/internal/observability"
	"github.com/pitabwire/advflow/model"
)

// InstanceRemover deletes the live instances of a definition when the
// definition itself is deleted.
type InstanceRemover interface {
	DeleteLiveByDefinition(ctx context.Context, definitionID string) (int, error)
}

// Service is the authoring surface for definitions. Every write is
// validated as a whole before it reaches the store, so invariants such as
// "no transition leads back to its own action" hold for anything stored.
type Service struct {
	store     Store
	validator *Validator
	remover   InstanceRemover
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewService creates a definition service. remover may be nil when no
// instance store is wired.
func NewService(store Store, validator *Validator, remover InstanceRemover, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, validator: validator, remover: remover, logger: logger, metrics: metrics}
}

// Get returns a definition.
func (s *Service) Get(ctx context.Context, id string) (model.Definition, error) {
	return s.store.Get(ctx, id)
}

// List returns all definitions.
func (s *Service) List(ctx context.Context) ([]model.Definition, error) {
	return s.store.List(ctx)
}

// Validate runs the validator without writing.
func (s *Service) Validate(def model.Definition) Report {
	return s.validator.Validate(normalize(def))
}

// CreateDefinition assigns missing IDs, validates and stores def.
func (s *Service) CreateDefinition(ctx context.Context, def model.Definition) (model.Definition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := clock.Now()
	def.CreatedAt, def.UpdatedAt = now, now
	def = normalize(def)

	if err := s.check(def); err != nil {
		s.metrics.RecordDefinitionWrite("create", "invalid")
		return model.Definition{}, err
	}
	if err := s.store.Create(ctx, def); err != nil {
		s.metrics.RecordDefinitionWrite("create", "error")
		return model.Definition{}, err
	}
	s.metrics.RecordDefinitionWrite("create", "ok")
	observability.LoggerFrom(ctx, s.logger).Info("definition created",
		zap.String("definition_id", def.ID),
		zap.String("title", def.Title),
		zap.Int("actions", len(def.Actions)),
		zap.Int("transitions", def.TransitionCount()),
	)
	return def, nil
}

// AddAction appends an action. A zero Sort places it after the existing
// actions.
func (s *Service) AddAction(ctx context.Context, definitionID string, action model.Action) (model.Action, error) {
	var added model.Action
	err := s.mutate(ctx, "add_action", definitionID, func(def *model.Definition) error {
		if action.ID == "" {
			action.ID = uuid.NewString()
		}
		if action.Sort == 0 && len(def.Actions) > 0 {
			action.Sort = maxActionSort(def.Actions) + 1
		}
		action.DefinitionID = def.ID
		action.SourceID = ""
		def.Actions = append(def.Actions, action)
		added = action
		return nil
	})
	if err != nil {
		return model.Action{}, err
	}
	return added, nil
}

// UpdateAction replaces an action's settings, keeping its transitions.
func (s *Service) UpdateAction(ctx context.Context, definitionID string, action model.Action) (model.Action, error) {
	var updated model.Action
	err := s.mutate(ctx, "update_action", definitionID, func(def *model.Definition) error {
		cur := def.Action(action.ID)
		if cur == nil {
			return model.NewNotFoundError(fmt.Sprintf("action %q not found", action.ID))
		}
		action.DefinitionID = def.ID
		action.Transitions = cur.Transitions
		*cur = action
		updated = action
		return nil
	})
	if err != nil {
		return model.Action{}, err
	}
	return updated, nil
}

// RemoveAction deletes an action, its outbound transitions and every
// transition that leads to it.
func (s *Service) RemoveAction(ctx context.Context, definitionID, actionID string) error {
	return s.mutate(ctx, "remove_action", definitionID, func(def *model.Definition) error {
		idx := slices.IndexFunc(def.Actions, func(a model.Action) bool { return a.ID == actionID })
		if idx < 0 {
			return model.NewNotFoundError(fmt.Sprintf("action %q not found", actionID))
		}
		def.Actions = slices.Delete(def.Actions, idx, idx+1)
		for i := range def.Actions {
			def.Actions[i].Transitions = slices.DeleteFunc(def.Actions[i].Transitions, func(t model.Transition) bool {
				return t.NextActionID == actionID
			})
		}
		return nil
	})
}

// AddTransition adds an edge from tr.ActionID to tr.NextActionID. A
// transition whose source and target are the same action is rejected
// before anything is stored.
func (s *Service) AddTransition(ctx context.Context, definitionID string, tr model.Transition) (model.Transition, error) {
	var added model.Transition
	err := s.mutate(ctx, "add_transition", definitionID, func(def *model.Definition) error {
		src := def.Action(tr.ActionID)
		if src == nil {
			return model.NewValidationError([]model.FieldError{{
				Field: "action_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("action %q not found", tr.ActionID),
			}})
		}
		if tr.ID == "" {
			tr.ID = uuid.NewString()
		}
		if tr.Sort == 0 && len(src.Transitions) > 0 {
			tr.Sort = maxTransitionSort(src.Transitions) + 1
		}
		tr.SourceID = ""
		src.Transitions = append(src.Transitions, tr)
		added = tr
		return nil
	})
	if err != nil {
		return model.Transition{}, err
	}
	return added, nil
}

// UpdateTransition replaces an existing transition. Moving it to another
// source action is allowed.
func (s *Service) UpdateTransition(ctx context.Context, definitionID string, tr model.Transition) (model.Transition, error) {
	err := s.mutate(ctx, "update_transition", definitionID, func(def *model.Definition) error {
		if removeTransition(def, tr.ID) == nil {
			return model.NewNotFoundError(fmt.Sprintf("transition %q not found", tr.ID))
		}
		src := def.Action(tr.ActionID)
		if src == nil {
			return model.NewValidationError([]model.FieldError{{
				Field: "action_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("action %q not found", tr.ActionID),
			}})
		}
		src.Transitions = append(src.Transitions, tr)
		return nil
	})
	if err != nil {
		return model.Transition{}, err
	}
	return tr, nil
}

// RemoveTransition deletes a transition.
func (s *Service) RemoveTransition(ctx context.Context, definitionID, transitionID string) error {
	return s.mutate(ctx, "remove_transition", definitionID, func(def *model.Definition) error {
		if removeTransition(def, transitionID) == nil {
			return model.NewNotFoundError(fmt.Sprintf("transition %q not found", transitionID))
		}
		return nil
	})
}

// ReorderActions sets action sort keys to the order of ids, which must
// name every action of the definition exactly once.
func (s *Service) ReorderActions(ctx context.Context, definitionID string, ids []string) error {
	return s.mutate(ctx, "reorder_actions", definitionID, func(def *model.Definition) error {
		return reorder(def.Actions, ids,
			func(a model.Action) string { return a.ID },
			func(a *model.Action, sort int) { a.Sort = sort })
	})
}

// ReorderTransitions sets the sort keys of one action's transitions.
func (s *Service) ReorderTransitions(ctx context.Context, definitionID, actionID string, ids []string) error {
	return s.mutate(ctx, "reorder_transitions", definitionID, func(def *model.Definition) error {
		a := def.Action(actionID)
		if a == nil {
			return model.NewNotFoundError(fmt.Sprintf("action %q not found", actionID))
		}
		return reorder(a.Transitions, ids,
			func(t model.Transition) string { return t.ID },
			func(t *model.Transition, sort int) { t.Sort = sort })
	})
}

// ReorderDefinitions sets definition sort keys to the order of ids, which
// must name every stored definition exactly once.
func (s *Service) ReorderDefinitions(ctx context.Context, ids []string) error {
	defs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	if err := reorder(defs, ids,
		func(d model.Definition) string { return d.ID },
		func(d *model.Definition, sort int) { d.Sort = sort }); err != nil {
		return err
	}
	for _, d := range defs {
		if err := s.store.Update(ctx, d); err != nil {
			s.metrics.RecordDefinitionWrite("reorder_definitions", "error")
			return err
		}
	}
	s.metrics.RecordDefinitionWrite("reorder_definitions", "ok")
	return nil
}

// DeleteDefinition removes a definition and its graph, and deletes every
// Active or Paused instance running it. Targets are left untouched.
func (s *Service) DeleteDefinition(ctx context.Context, id string) (int, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return 0, err
	}
	removed := 0
	if s.remover != nil {
		n, err := s.remover.DeleteLiveByDefinition(ctx, id)
		if err != nil {
			s.metrics.RecordDefinitionWrite("delete", "error")
			return 0, fmt.Errorf("removing live instances of %q: %w", id, err)
		}
		removed = n
	}
	if err := s.store.Delete(ctx, id); err != nil {
		s.metrics.RecordDefinitionWrite("delete", "error")
		return removed, err
	}
	s.metrics.RecordDefinitionWrite("delete", "ok")
	observability.LoggerFrom(ctx, s.logger).Info("definition deleted",
		zap.String("definition_id", id),
		zap.Int("instances_removed", removed),
	)
	return removed, nil
}

// Import materializes a template and stores the result.
func (s *Service) Import(ctx context.Context, tpl model.Template) (model.Definition, error) {
	def, err := Materialize(tpl)
	if err != nil {
		s.metrics.RecordTemplateImport("invalid")
		return model.Definition{}, err
	}
	def, err = s.CreateDefinition(ctx, def)
	if err != nil {
		s.metrics.RecordTemplateImport("error")
		return model.Definition{}, err
	}
	s.metrics.RecordTemplateImport("ok")
	return def, nil
}

// Export returns a definition in template form.
func (s *Service) Export(ctx context.Context, id string) (model.Template, error) {
	def, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Template{}, err
	}
	return Export(def), nil
}

// Provision imports every catalog template whose title is not already
// used by a stored definition. It returns the number imported.
func (s *Service) Provision(ctx context.Context, catalog *Catalog) (int, error) {
	existing, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	titles := make(map[string]bool, len(existing))
	for _, d := range existing {
		titles[d.Title] = true
	}

	imported := 0
	for _, lt := range catalog.All() {
		if titles[lt.Template.Title] {
			continue
		}
		if _, err := s.Import(ctx, lt.Template); err != nil {
			return imported, fmt.Errorf("provisioning %s: %w", lt.SourceFile, err)
		}
		imported++
	}
	s.metrics.SetDefinitionsLoaded(float64(len(existing) + imported))
	return imported, nil
}

// mutate loads a definition, applies fn, validates the result and stores
// it. Nothing is written when fn or validation fails.
func (s *Service) mutate(ctx context.Context, op, definitionID string, fn func(*model.Definition) error) error {
	def, err := s.store.Get(ctx, definitionID)
	if err != nil {
		return err
	}
	if err := fn(&def); err != nil {
		s.metrics.RecordDefinitionWrite(op, "invalid")
		return err
	}
	def = normalize(def)
	def.UpdatedAt = clock.Now()
	if err := s.check(def); err != nil {
		s.metrics.RecordDefinitionWrite(op, "invalid")
		return err
	}
	if err := s.store.Update(ctx, def); err != nil {
		s.metrics.RecordDefinitionWrite(op, "error")
		return err
	}
	s.metrics.RecordDefinitionWrite(op, "ok")
	observability.LoggerFrom(ctx, s.logger).Debug("definition updated",
		zap.String("definition_id", def.ID),
		zap.String("operation", op),
	)
	return nil
}

func (s *Service) check(def model.Definition) error {
	report := s.validator.Validate(def)
	for _, w := range report.Warnings {
		s.logger.Warn("definition warning",
			zap.String("definition_id", def.ID),
			zap.String("path", w.Path),
			zap.String("code", w.Code),
			zap.String("message", w.Message),
		)
	}
	return report.Err()
}

// normalize fills defaults: a simple step waits for a person, every other
// behavior runs on its own, and editing is closed unless stated. Transition
// sources are set from their owning action.
func normalize(def model.Definition) model.Definition {
	for i := range def.Actions {
		a := &def.Actions[i]
		a.DefinitionID = def.ID
		if a.Kind == "" {
			a.Kind = model.ActionKindDynamic
			if a.Behavior == "simple" {
				a.Kind = model.ActionKindManual
			}
		}
		if a.AllowEditing == "" {
			a.AllowEditing = model.EditingNo
		}
		for j := range a.Transitions {
			if a.Transitions[j].ID == "" {
				a.Transitions[j].ID = uuid.NewString()
			}
			if a.Transitions[j].ActionID == "" {
				a.Transitions[j].ActionID = a.ID
			}
		}
	}
	return def
}

func removeTransition(def *model.Definition, id string) *model.Transition {
	for i := range def.Actions {
		ts := def.Actions[i].Transitions
		if k := slices.IndexFunc(ts, func(t model.Transition) bool { return t.ID == id }); k >= 0 {
			removed := ts[k]
			def.Actions[i].Transitions = slices.Delete(ts, k, k+1)
			return &removed
		}
	}
	return nil
}

// reorder assigns sort keys 0..n-1 following ids. ids must be a
// permutation of the sibling set.
func reorder[T any](items []T, ids []string, id func(T) string, setSort func(*T, int)) error {
	if len(ids) != len(items) {
		return model.NewValidationError([]model.FieldError{{
			Field: "ids", Code: "INVALID_ORDER",
			Message: fmt.Sprintf("expected %d ids, got %d", len(items), len(ids)),
		}})
	}
	pos := make(map[string]int, len(ids))
	for i, v := range ids {
		if _, dup := pos[v]; dup {
			return model.NewValidationError([]model.FieldError{{
				Field: "ids", Code: "INVALID_ORDER", Message: fmt.Sprintf("id %q listed twice", v),
			}})
		}
		pos[v] = i
	}
	for i := range items {
		p, ok := pos[id(items[i])]
		if !ok {
			return model.NewValidationError([]model.FieldError{{
				Field: "ids", Code: "INVALID_ORDER", Message: fmt.Sprintf("id %q missing from order", id(items[i])),
			}})
		}
		setSort(&items[i], p)
	}
	return nil
}

func maxActionSort(actions []model.Action) int {
	m := actions[0].Sort
	for _, a := range actions[1:] {
		m = max(m, a.Sort)
	}
	return m
}

func maxTransitionSort(ts []model.Transition) int {
	m := ts[0].Sort
	for _, t := range ts[1:] {
		m = max(m, t.Sort)
	}
	return m
}
