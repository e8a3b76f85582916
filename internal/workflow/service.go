package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/observability"
	"github.com/pitabwire/advflow/internal/scheduler"
	"github.com/pitabwire/advflow/internal/target"
	"github.com/pitabwire/advflow/model"
)

// maxInheritDepth bounds the parent walk of GetDefinitionFor.
const maxInheritDepth = 32

// Definitions is the read side of the definition catalogue.
type Definitions interface {
	Get(ctx context.Context, id string) (model.Definition, error)
}

// ServiceConfig tunes the Service.
type ServiceConfig struct {
	// InheritDefinitions makes GetDefinitionFor fall back to the bindings
	// of parent targets.
	InheritDefinitions bool
}

// View is a live instance as seen by one member: the instance and the
// transitions that member may take now.
type View struct {
	Instance    model.Instance           `json:"instance"`
	Transitions []model.TransitionOption `json:"transitions"`
	CanEdit     bool                     `json:"can_edit"`
	CanPublish  bool                     `json:"can_publish"`
}

// Service finds definitions and instances for targets and drives the
// Engine on behalf of callers. Every operation that mutates an instance
// holds that instance's lock; target-addressed operations take the target
// lock first, then the instance lock.
type Service struct {
	engine      *Engine
	store       Store
	bindings    Bindings
	definitions Definitions
	targets     target.Repository
	cfg         ServiceConfig
	logger      *zap.Logger
	metrics     *observability.Metrics

	locks sync.Map // key -> *deadlock.Mutex
}

// NewService creates a Service. targets may be nil when no content
// repository is wired; parent inheritance is then unavailable.
func NewService(engine *Engine, store Store, bindings Bindings, definitions Definitions, targets target.Repository, cfg ServiceConfig, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine:      engine,
		store:       store,
		bindings:    bindings,
		definitions: definitions,
		targets:     targets,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
	}
}

// Engine returns the underlying engine.
func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) lock(key string) func() {
	v, _ := s.locks.LoadOrStore(key, &deadlock.Mutex{})
	mu := v.(*deadlock.Mutex)
	mu.Lock()
	return mu.Unlock
}

func targetKey(ref model.TargetRef) string { return "target:" + ref.String() }

func instanceKey(id string) string { return "instance:" + id }

// StartWorkflow starts a workflow on ref and runs it until it completes or
// has to wait. definitionID may be empty, in which case the definition
// bound to ref (or an ancestor) is used. A live instance on ref yields
// EXISTING_WORKFLOW. When execution fails after the instance was created
// the instance is returned alongside the error.
func (s *Service) StartWorkflow(ctx context.Context, ref model.TargetRef, definitionID string, actor *model.RequestContext) (model.Instance, error) {
	if !ref.IsZero() {
		defer s.lock(targetKey(ref))()
		existing, err := s.store.FindLiveByTarget(ctx, ref)
		switch {
		case err == nil:
			return model.Instance{}, model.NewExistingWorkflowError(existing.Target.Kind, existing.Target.ID)
		case !model.IsCode(err, model.ErrNotFound):
			return model.Instance{}, err
		}
	}

	def, err := s.resolveDefinition(ctx, ref, definitionID)
	if err != nil {
		return model.Instance{}, err
	}
	inst, err := s.engine.Begin(ctx, def, ref, actor)
	if err != nil {
		return model.Instance{}, err
	}
	err = s.engine.Execute(ctx, &inst, actor)
	return inst, err
}

func (s *Service) resolveDefinition(ctx context.Context, ref model.TargetRef, definitionID string) (model.Definition, error) {
	if definitionID != "" {
		return s.definitions.Get(ctx, definitionID)
	}
	if ref.IsZero() {
		return model.Definition{}, model.NewBadRequestError("definition_id is required for an untargeted workflow")
	}
	return s.GetDefinitionFor(ctx, ref)
}

// ExecuteTransition takes transitionID out of the current action of the
// live instance on ref. The actor must have access to the instance.
func (s *Service) ExecuteTransition(ctx context.Context, ref model.TargetRef, transitionID, comment string, actor *model.RequestContext) (model.Instance, error) {
	defer s.lock(targetKey(ref))()
	live, err := s.store.FindLiveByTarget(ctx, ref)
	if err != nil {
		return model.Instance{}, err
	}
	return s.transition(ctx, live.ID, transitionID, comment, actor)
}

// TransitionInstance is ExecuteTransition addressed by instance ID, for
// untargeted instances.
func (s *Service) TransitionInstance(ctx context.Context, instanceID, transitionID, comment string, actor *model.RequestContext) (model.Instance, error) {
	return s.transition(ctx, instanceID, transitionID, comment, actor)
}

// transition reloads the instance under its lock, so a cancel or resume
// that won the lock is seen before any behavior runs.
func (s *Service) transition(ctx context.Context, instanceID, transitionID, comment string, actor *model.RequestContext) (model.Instance, error) {
	defer s.lock(instanceKey(instanceID))()
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	if !inst.IsLive() {
		return inst, model.NewWorkflowNotActiveError(fmt.Sprintf("workflow instance %q is %s", inst.ID, inst.Status))
	}
	if err := s.requireAccess(&inst, actor); err != nil {
		return model.Instance{}, err
	}
	err = s.engine.PerformTransition(ctx, &inst, transitionID, actor, comment)
	return inst, err
}

// GetWorkflowFor returns the live instance on ref with the transitions
// actor may take.
func (s *Service) GetWorkflowFor(ctx context.Context, ref model.TargetRef, actor *model.RequestContext) (View, error) {
	inst, err := s.store.FindLiveByTarget(ctx, ref)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, inst, actor)
}

// GetInstance returns an instance by ID as seen by actor.
func (s *Service) GetInstance(ctx context.Context, instanceID string, actor *model.RequestContext) (View, error) {
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, inst, actor)
}

func (s *Service) view(ctx context.Context, inst model.Instance, actor *model.RequestContext) (View, error) {
	v := View{Instance: inst, Transitions: []model.TransitionOption{}}
	if !inst.IsLive() {
		return v, nil
	}
	ok, err := s.engine.UserHasAccess(&inst, actor)
	if err != nil {
		return View{}, err
	}
	if ok {
		if v.Transitions, err = s.engine.TransitionOptions(ctx, &inst, actor); err != nil {
			return View{}, err
		}
	}
	if v.CanEdit, err = s.engine.CanEditTarget(ctx, &inst, actor); err != nil {
		return View{}, err
	}
	if v.CanPublish, err = s.engine.CanPublishTarget(ctx, &inst, actor); err != nil {
		return View{}, err
	}
	return v, nil
}

// GetDefinitionFor returns the definition bound to ref. With inheritance
// enabled, a target without a binding uses its nearest ancestor's.
func (s *Service) GetDefinitionFor(ctx context.Context, ref model.TargetRef) (model.Definition, error) {
	cur := ref
	seen := make(map[model.TargetRef]bool)
	for depth := 0; depth < maxInheritDepth; depth++ {
		id, err := s.bindings.Binding(ctx, cur)
		if err == nil {
			return s.definitions.Get(ctx, id)
		}
		if !model.IsCode(err, model.ErrNotFound) {
			return model.Definition{}, err
		}
		if !s.cfg.InheritDefinitions || s.targets == nil {
			break
		}
		seen[cur] = true
		parent, ok, err := s.targets.Parent(ctx, cur)
		if err != nil {
			return model.Definition{}, err
		}
		if !ok || seen[parent] {
			break
		}
		cur = parent
	}
	return model.Definition{}, model.NewNotFoundError(fmt.Sprintf("no workflow definition for %s", ref))
}

// BindDefinition binds ref to an existing definition.
func (s *Service) BindDefinition(ctx context.Context, ref model.TargetRef, definitionID string) error {
	if ref.IsZero() {
		return model.NewBadRequestError("target kind and id are required")
	}
	if _, err := s.definitions.Get(ctx, definitionID); err != nil {
		return err
	}
	if err := s.bindings.Bind(ctx, ref, definitionID); err != nil {
		return err
	}
	observability.LoggerFrom(ctx, s.logger).Info("definition bound",
		zap.String("target", ref.String()),
		zap.String("definition_id", definitionID),
	)
	return nil
}

// Cancel cancels a live instance. Only its initiator and administrators may.
func (s *Service) Cancel(ctx context.Context, instanceID, reason string, actor *model.RequestContext) (model.Instance, error) {
	defer s.lock(instanceKey(instanceID))()
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	admin, err := s.engine.isAdmin(actor)
	if err != nil {
		return model.Instance{}, err
	}
	if !admin && (actor == nil || actor.SubjectID != inst.InitiatorID) {
		return model.Instance{}, model.NewForbiddenError("only the initiator or an administrator may cancel a workflow")
	}
	err = s.engine.Cancel(ctx, &inst, actor, reason)
	return inst, err
}

// Resume re-runs Execute on a live instance, typically after a transient
// behavior failure or when a scheduled job fires.
func (s *Service) Resume(ctx context.Context, instanceID string, actor *model.RequestContext) (model.Instance, error) {
	defer s.lock(instanceKey(instanceID))()
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	if !inst.IsLive() {
		return inst, model.NewWorkflowNotActiveError(fmt.Sprintf("workflow instance %q is %s", inst.ID, inst.Status))
	}
	err = s.engine.Execute(ctx, &inst, actor)
	return inst, err
}

// AddComment annotates the current step of an instance.
func (s *Service) AddComment(ctx context.Context, instanceID, text string, actor *model.RequestContext) (model.Annotation, error) {
	defer s.lock(instanceKey(instanceID))()
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return model.Annotation{}, err
	}
	if err := s.requireAccess(&inst, actor); err != nil {
		return model.Annotation{}, err
	}
	return s.engine.AddComment(ctx, &inst, actor, text)
}

// PendingFor lists the live instances assigned to actor.
func (s *Service) PendingFor(ctx context.Context, actor *model.RequestContext) ([]model.InstanceSummary, error) {
	live, err := s.store.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	out := []model.InstanceSummary{}
	for i := range live {
		if live[i].IsAssigned(actor) {
			out = append(out, live[i].Summary())
		}
	}
	return out, nil
}

// History returns the audit trail of an instance.
func (s *Service) History(ctx context.Context, instanceID string, actor *model.RequestContext) ([]model.WorkflowEvent, error) {
	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if actor == nil || actor.SubjectID != inst.InitiatorID {
		if err := s.requireAccess(&inst, actor); err != nil {
			return nil, err
		}
	}
	return s.store.Events(ctx, instanceID)
}

// DeleteLiveByDefinition removes the live instances of a deleted
// definition.
func (s *Service) DeleteLiveByDefinition(ctx context.Context, definitionID string) (int, error) {
	n, err := s.store.DeleteLiveByDefinition(ctx, definitionID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.LoggerFrom(ctx, s.logger).Info("removed live instances of deleted definition",
			zap.String("definition_id", definitionID),
			zap.Int("count", n),
		)
	}
	return n, nil
}

func (s *Service) requireAccess(inst *model.Instance, actor *model.RequestContext) error {
	ok, err := s.engine.UserHasAccess(inst, actor)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewForbiddenError("you are not assigned to this workflow")
	}
	return nil
}

// HandleJob runs a fired scheduler job: publishing or unpublishing its
// target, or resuming its instance.
func (s *Service) HandleJob(ctx context.Context, job scheduler.Job) error {
	logger := observability.LoggerFrom(ctx, s.logger).With(
		zap.String("job_id", job.ID),
		zap.String("job_kind", string(job.Kind)),
	)
	switch job.Kind {
	case scheduler.JobPublish, scheduler.JobUnpublish:
		if s.targets == nil {
			return fmt.Errorf("job %s: no target repository configured", job.ID)
		}
		if job.Kind == scheduler.JobPublish {
			if err := s.targets.Publish(ctx, job.Target); err != nil {
				return err
			}
		} else if err := s.targets.Unpublish(ctx, job.Target); err != nil {
			return err
		}
		logger.Info("scheduled job applied", zap.String("target", job.Target.String()))
		return nil
	case scheduler.JobResume:
		_, err := s.Resume(ctx, job.InstanceID, model.SystemContext())
		if model.IsCode(err, model.ErrWorkflowNotActive) || model.IsCode(err, model.ErrNotFound) {
			logger.Info("skipping resume of finished workflow", zap.String("instance_id", job.InstanceID))
			return nil
		}
		return err
	default:
		return fmt.Errorf("job %s: unknown kind %q", job.ID, job.Kind)
	}
}
