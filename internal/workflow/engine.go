// Package workflow runs definitions against targets. The Engine owns the
// instance state machine; Service is the request-facing façade that finds
// definitions and instances for targets and drives the Engine.
package workflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/behavior"
	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/internal/expression"
	"github.com/pitabwire/advflow/internal/notify"
	"github.com/pitabwire/advflow/internal/observability"
	"github.com/pitabwire/advflow/internal/scheduler"
	"github.com/pitabwire/advflow/internal/target"
	"github.com/pitabwire/advflow/model"
)

// DefaultChainLimit bounds automatic advances within one call.
const DefaultChainLimit = 50

// Permissions answers capability questions about a member.
type Permissions interface {
	HasCapability(actor *model.RequestContext, capability string) (bool, error)
}

// Listener receives engine side effects. Calls are synchronous and happen
// after the corresponding state has been persisted.
type Listener interface {
	OnActionStarted(ctx context.Context, inst *model.Instance, action *model.ActionInstance)
	OnActionFinished(ctx context.Context, inst *model.Instance, action *model.ActionInstance)
	OnTransition(ctx context.Context, inst *model.Instance, tr model.Transition)
}

// Collaborators are the dependencies an Engine is built from. Only Store
// and Behaviors are required.
type Collaborators struct {
	Store       Store
	Behaviors   *behavior.Registry
	Targets     target.Repository
	Scheduler   scheduler.Scheduler
	Notifier    notify.Notifier
	Permissions Permissions
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithChainLimit sets the maximum number of automatic advances per call.
func WithChainLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chainLimit = n
		}
	}
}

// WithAdminCapability sets the capability that overrides assignment checks.
func WithAdminCapability(capability string) Option {
	return func(e *Engine) {
		if capability != "" {
			e.adminCapability = capability
		}
	}
}

// WithListener registers a Listener.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// Engine drives instances through their cloned definition graphs.
// Execution of one instance is single-threaded; callers serialize
// concurrent requests against the same instance and the store's version
// check rejects the ones that slip through.
type Engine struct {
	store       Store
	behaviors   *behavior.Registry
	targets     target.Repository
	scheduler   scheduler.Scheduler
	notifier    notify.Notifier
	permissions Permissions
	listeners   []Listener
	logger      *zap.Logger
	metrics     *observability.Metrics

	chainLimit      int
	adminCapability string
}

// NewEngine creates an Engine.
func NewEngine(c Collaborators, opts ...Option) *Engine {
	e := &Engine{
		store:           c.Store,
		behaviors:       c.Behaviors,
		targets:         c.Targets,
		scheduler:       c.Scheduler,
		notifier:        c.Notifier,
		permissions:     c.Permissions,
		logger:          c.Logger,
		metrics:         c.Metrics,
		chainLimit:      DefaultChainLimit,
		adminCapability: model.CapabilityWorkflowAdmin,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ChainLimit returns the configured chain limit.
func (e *Engine) ChainLimit() int { return e.chainLimit }

// run is the state of one external call into the engine.
type run struct {
	actor *model.RequestContext
	steps int
}

// Begin clones def into a new Active instance positioned at the initial
// action and persists it. The instance binds ref only when the target
// exists and supports workflows; otherwise it runs untargeted. Begin does
// not execute anything; call Execute next.
func (e *Engine) Begin(ctx context.Context, def model.Definition, ref model.TargetRef, actor *model.RequestContext) (model.Instance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.begin",
		observability.AttrDefinitionID.String(def.ID),
		observability.AttrTarget.String(ref.String()),
	)
	inst, err := e.begin(ctx, def, ref, actor)
	observability.EndSpanWithError(span, err)
	return inst, err
}

func (e *Engine) begin(ctx context.Context, def model.Definition, ref model.TargetRef, actor *model.RequestContext) (model.Instance, error) {
	initial := def.InitialAction()
	if initial == nil {
		return model.Instance{}, model.NewInvalidWorkflowStateError(
			fmt.Sprintf("definition %q has no actions and cannot run", def.Title),
		)
	}

	bound, err := e.bindTarget(ctx, ref)
	if err != nil {
		return model.Instance{}, err
	}

	now := clock.Now()
	graph, idMap := cloneGraph(def)
	inst := model.Instance{
		ID:             uuid.NewString(),
		Title:          def.Title,
		Status:         model.InstanceStatusActive,
		DefinitionID:   def.ID,
		Target:         bound,
		AssignedUsers:  slices.Clone(def.DefaultUsers),
		AssignedGroups: slices.Clone(def.DefaultGroups),
		InitiatorID:    subject(actor),
		Graph:          graph,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	first := newActionInstance(&inst, idMap[initial.ID])
	inst.Actions = append(inst.Actions, first)
	inst.CurrentActionID = first.ID

	if err := e.store.Create(ctx, inst); err != nil {
		return model.Instance{}, err
	}

	e.metrics.RecordWorkflowStart(def.ID)
	e.record(ctx, &inst, "", model.EventWorkflowStarted, actor, map[string]any{"definition_id": def.ID}, "")
	e.record(ctx, &inst, first.ID, model.EventActionStarted, actor, nil, "")
	e.log(ctx, &inst).Info("workflow started",
		zap.String("initiator", inst.InitiatorID),
		zap.Int("actions", len(inst.Graph)),
	)
	for _, l := range e.listeners {
		l.OnActionStarted(ctx, &inst, inst.CurrentAction())
	}
	return inst, nil
}

// bindTarget resolves ref. A target that does not exist is an error; one
// that exists but does not support workflows leaves the instance untargeted.
func (e *Engine) bindTarget(ctx context.Context, ref model.TargetRef) (model.TargetRef, error) {
	if ref.IsZero() || e.targets == nil {
		return model.TargetRef{}, nil
	}
	t, err := e.targets.Get(ctx, ref)
	if err != nil {
		return model.TargetRef{}, err
	}
	if !t.SupportsWorkflow() {
		observability.LoggerFrom(ctx, e.logger).Info("target does not support workflows; running untargeted",
			zap.String("target", ref.String()))
		return model.TargetRef{}, nil
	}
	return t.Ref(), nil
}

// cloneGraph copies every action and transition of def with fresh IDs,
// remapping transition endpoints onto the clones. It returns the clones in
// definition order and a map from source action ID to clone ID.
func cloneGraph(def model.Definition) ([]model.Action, map[string]string) {
	idMap := make(map[string]string, len(def.Actions))
	for _, a := range def.Actions {
		idMap[a.ID] = uuid.NewString()
	}
	graph := make([]model.Action, len(def.Actions))
	for i, a := range def.Actions {
		c := a.Clone()
		c.SourceID = a.ID
		c.ID = idMap[a.ID]
		for j := range c.Transitions {
			t := &c.Transitions[j]
			t.SourceID = t.ID
			t.ID = uuid.NewString()
			t.ActionID = c.ID
			t.NextActionID = idMap[t.NextActionID]
		}
		graph[i] = c
	}
	return graph, idMap
}

func newActionInstance(inst *model.Instance, baseActionID string) model.ActionInstance {
	return model.ActionInstance{
		ID:           uuid.NewString(),
		InstanceID:   inst.ID,
		BaseActionID: baseActionID,
		StartedAt:    clock.Now(),
	}
}

// Execute advances inst from its current action: it runs the action's
// behavior if it has not finished, then follows the single valid exit if
// there is exactly one, repeating until the instance completes or has to
// wait. Behavior errors propagate unwrapped and leave the action
// unfinished, so calling Execute again is safe.
func (e *Engine) Execute(ctx context.Context, inst *model.Instance, actor *model.RequestContext) error {
	ctx, span := observability.StartSpan(ctx, "workflow.execute", e.spanAttrs(inst)...)
	err := e.execute(ctx, &run{actor: actor}, inst)
	span.SetAttributes(observability.AttrStatus.String(inst.Status))
	observability.EndSpanWithError(span, err)
	return err
}

func (e *Engine) execute(ctx context.Context, r *run, inst *model.Instance) error {
	for {
		cur := inst.CurrentAction()
		if cur == nil {
			return model.NewInvalidWorkflowStateError(
				fmt.Sprintf("workflow instance %q has no current action", inst.ID),
			)
		}
		base := inst.GraphAction(cur.BaseActionID)
		if base == nil {
			return model.NewInvalidWorkflowStateError(
				fmt.Sprintf("workflow instance %q: action %q missing from graph", inst.ID, cur.BaseActionID),
			)
		}

		if !cur.Finished {
			finished, cancel, err := e.runBehavior(ctx, r, inst, base)
			if err != nil {
				return err
			}
			if !finished {
				return e.pause(ctx, r, inst)
			}
			if err := e.finishAction(ctx, r, inst, cur); err != nil {
				return err
			}
			if cancel != nil {
				return e.cancel(ctx, inst, r.actor, *cancel)
			}
		}

		tr, err := e.pickTransition(ctx, inst, base, r.actor)
		if err != nil {
			return err
		}
		if tr == nil {
			if len(base.Transitions) == 0 {
				return e.complete(ctx, inst, r.actor)
			}
			return e.pause(ctx, r, inst)
		}

		if r.steps >= e.chainLimit {
			return e.suspend(ctx, r, inst)
		}
		r.steps++
		if err := e.advance(ctx, r, inst, cur, *tr, "auto", ""); err != nil {
			return err
		}
	}
}

// runBehavior executes the behavior of base. A non-nil cancel carries the
// reason when the behavior asked for the instance to be cancelled.
func (e *Engine) runBehavior(ctx context.Context, r *run, inst *model.Instance, base *model.Action) (finished bool, cancel *string, err error) {
	b, ok := e.behaviors.Lookup(base.Behavior)
	if !ok {
		return false, nil, model.NewInvalidWorkflowStateError(
			fmt.Sprintf("action %q uses unknown behavior %q", base.Title, base.Behavior),
		)
	}

	ctx, span := observability.StartSpan(ctx, "workflow.action",
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrActionID.String(base.ID),
		observability.AttrBehavior.String(base.Behavior),
	)
	rt := e.runtime(ctx, inst, base, r.actor)
	start := time.Now()
	finished, err = b.Execute(ctx, rt)
	elapsed := time.Since(start)
	observability.EndSpanWithError(span, err)

	outcome := "finished"
	switch {
	case err != nil:
		outcome = "error"
	case !finished:
		outcome = "waiting"
	}
	e.metrics.RecordActionExecution(base.Behavior, outcome, elapsed)
	e.log(ctx, inst).Debug("action executed",
		zap.String("action", base.Title),
		zap.String("behavior", base.Behavior),
		zap.String("outcome", outcome),
		zap.Duration("duration", elapsed),
	)
	if err != nil {
		return false, nil, err
	}
	if ok, reason := rt.CancelRequested(); ok && finished {
		return true, &reason, nil
	}
	return finished, nil, nil
}

func (e *Engine) runtime(ctx context.Context, inst *model.Instance, base *model.Action, actor *model.RequestContext) *behavior.Runtime {
	return &behavior.Runtime{
		Instance:  inst,
		Action:    base,
		Actor:     actor,
		Targets:   e.targets,
		Scheduler: e.scheduler,
		Notifier:  e.notifier,
		Logger:    e.log(ctx, inst),
	}
}

func (e *Engine) finishAction(ctx context.Context, r *run, inst *model.Instance, cur *model.ActionInstance) error {
	now := clock.Now()
	cur.Finished = true
	cur.ActingMember = subject(r.actor)
	cur.FinishedAt = &now
	if err := e.store.Update(ctx, inst); err != nil {
		return err
	}
	e.record(ctx, inst, cur.ID, model.EventActionFinished, r.actor, nil, "")
	for _, l := range e.listeners {
		l.OnActionFinished(ctx, inst, cur)
	}
	return nil
}

// pickTransition returns the only valid exit of base, or nil when there
// are none or several.
func (e *Engine) pickTransition(ctx context.Context, inst *model.Instance, base *model.Action, actor *model.RequestContext) (*model.Transition, error) {
	valid, err := e.validExits(ctx, inst, base, actor)
	if err != nil {
		return nil, err
	}
	if len(valid) != 1 {
		return nil, nil
	}
	return &valid[0], nil
}

// validExits returns the transitions of base whose guard holds, in sort
// order.
func (e *Engine) validExits(ctx context.Context, inst *model.Instance, base *model.Action, actor *model.RequestContext) ([]model.Transition, error) {
	if len(base.Transitions) == 0 {
		return nil, nil
	}
	var env *expression.Env
	var out []model.Transition
	for _, tr := range base.SortedTransitions() {
		if tr.Condition == "" {
			out = append(out, tr)
			continue
		}
		if env == nil {
			ev, err := e.guardEnv(ctx, inst, base, actor)
			if err != nil {
				return nil, err
			}
			env = &ev
		}
		ok, err := expression.EvalBool(tr.Condition, *env)
		if err != nil {
			e.log(ctx, inst).Warn("transition guard failed; treating as invalid",
				zap.String("transition", tr.Title),
				zap.String("condition", tr.Condition),
				zap.Error(err),
			)
			continue
		}
		if ok {
			out = append(out, tr)
		}
	}
	return out, nil
}

// guardEnv resolves the target afresh so guards see writes made by earlier
// steps of the same run. A target that has since been deleted reads as
// absent.
func (e *Engine) guardEnv(ctx context.Context, inst *model.Instance, base *model.Action, actor *model.RequestContext) (expression.Env, error) {
	rt := e.runtime(ctx, inst, base, actor)
	t, err := rt.Target(ctx)
	if err != nil && !model.IsCode(err, model.ErrNotFound) {
		return expression.Env{}, err
	}
	return rt.Env(t), nil
}

// PerformTransition takes the transition identified by transitionID out of
// the current action, then continues as Execute does. transitionID may be
// the instance's clone ID or the definition transition it was cloned from.
func (e *Engine) PerformTransition(ctx context.Context, inst *model.Instance, transitionID string, actor *model.RequestContext, comment string) error {
	attrs := append(e.spanAttrs(inst), observability.AttrTransitionID.String(transitionID))
	ctx, span := observability.StartSpan(ctx, "workflow.perform_transition", attrs...)
	err := e.performTransition(ctx, inst, transitionID, actor, comment)
	span.SetAttributes(observability.AttrStatus.String(inst.Status))
	observability.EndSpanWithError(span, err)
	return err
}

func (e *Engine) performTransition(ctx context.Context, inst *model.Instance, transitionID string, actor *model.RequestContext, comment string) error {
	cur := inst.CurrentAction()
	if cur == nil {
		return model.NewInvalidWorkflowStateError(
			fmt.Sprintf("workflow instance %q has no current action", inst.ID),
		)
	}
	base := inst.GraphAction(cur.BaseActionID)
	if base == nil {
		return model.NewInvalidWorkflowStateError(
			fmt.Sprintf("workflow instance %q: action %q missing from graph", inst.ID, cur.BaseActionID),
		)
	}
	tr := findExit(base, transitionID)
	if tr == nil {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("transition %q is not an exit of the current action %q", transitionID, base.Title),
		)
	}

	if !tr.CanExecute(actor) {
		admin, err := e.isAdmin(actor)
		if err != nil {
			return err
		}
		if !admin {
			return model.NewForbiddenError(fmt.Sprintf("transition %q is restricted", tr.Title))
		}
	}
	valid, err := e.validExits(ctx, inst, base, actor)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(valid, func(v model.Transition) bool { return v.ID == tr.ID }) {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("transition %q is not currently valid", tr.Title),
		)
	}

	r := &run{actor: actor}
	if err := e.advance(ctx, r, inst, cur, *tr, "manual", comment); err != nil {
		return err
	}
	return e.execute(ctx, r, inst)
}

func findExit(base *model.Action, id string) *model.Transition {
	if tr := base.Transition(id); tr != nil {
		return tr
	}
	for i := range base.Transitions {
		if base.Transitions[i].SourceID == id {
			return &base.Transitions[i]
		}
	}
	return nil
}

// advance moves inst along tr: the current action is finished, a new
// action instance for the target is appended and made current.
func (e *Engine) advance(ctx context.Context, r *run, inst *model.Instance, cur *model.ActionInstance, tr model.Transition, trigger, comment string) error {
	next := inst.GraphAction(tr.NextActionID)
	if next == nil {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("transition %q leads to an unknown action", tr.Title),
		)
	}
	if comment != "" {
		if base := inst.GraphAction(cur.BaseActionID); base != nil && base.AllowCommenting {
			cur.Comment = comment
		}
	}
	if !cur.Finished {
		if err := e.finishAction(ctx, r, inst, cur); err != nil {
			return err
		}
	}

	ai := newActionInstance(inst, next.ID)
	inst.Actions = append(inst.Actions, ai)
	inst.CurrentActionID = ai.ID
	inst.Status = model.InstanceStatusActive
	if err := e.store.Update(ctx, inst); err != nil {
		return err
	}

	e.metrics.RecordWorkflowTransition(inst.DefinitionID, trigger)
	e.record(ctx, inst, ai.ID, model.EventTransition, r.actor, map[string]any{
		"transition": tr.Title,
		"from":       cur.BaseActionID,
		"to":         next.ID,
		"trigger":    trigger,
	}, comment)
	e.record(ctx, inst, ai.ID, model.EventActionStarted, r.actor, nil, "")
	e.log(ctx, inst).Info("workflow transitioned",
		zap.String("transition", tr.Title),
		zap.String("to", next.Title),
		zap.String("trigger", trigger),
	)
	started := inst.CurrentAction()
	for _, l := range e.listeners {
		l.OnActionStarted(ctx, inst, started)
		l.OnTransition(ctx, inst, tr)
	}
	return nil
}

func (e *Engine) pause(ctx context.Context, r *run, inst *model.Instance) error {
	was := inst.Status
	inst.Status = model.InstanceStatusPaused
	if err := e.store.Update(ctx, inst); err != nil {
		return err
	}
	if was != model.InstanceStatusPaused {
		e.metrics.RecordWorkflowPause(inst.DefinitionID)
		e.record(ctx, inst, inst.CurrentActionID, model.EventWorkflowPaused, r.actor, nil, "")
		e.log(ctx, inst).Info("workflow paused", zap.String("current_action", inst.CurrentActionID))
	}
	return nil
}

// suspend pauses a run that reached the chain limit.
func (e *Engine) suspend(ctx context.Context, r *run, inst *model.Instance) error {
	inst.Status = model.InstanceStatusPaused
	if err := e.store.Update(ctx, inst); err != nil {
		return err
	}
	e.metrics.RecordChainLimit(inst.DefinitionID)
	e.record(ctx, inst, inst.CurrentActionID, model.EventChainLimit, r.actor, map[string]any{"limit": e.chainLimit}, "")
	e.log(ctx, inst).Warn("workflow suspended at chain limit", zap.Int("limit", e.chainLimit))
	return model.NewWorkflowChainLimitError(e.chainLimit)
}

// Complete moves a live instance to Complete.
func (e *Engine) Complete(ctx context.Context, inst *model.Instance, actor *model.RequestContext) error {
	if !inst.IsLive() {
		return model.NewWorkflowNotActiveError(fmt.Sprintf("workflow instance %q is %s", inst.ID, inst.Status))
	}
	return e.complete(ctx, inst, actor)
}

func (e *Engine) complete(ctx context.Context, inst *model.Instance, actor *model.RequestContext) error {
	inst.Status = model.InstanceStatusComplete
	inst.CurrentActionID = ""
	if err := e.store.Update(ctx, inst); err != nil {
		return err
	}
	e.metrics.RecordWorkflowCompletion(inst.DefinitionID, model.InstanceStatusComplete)
	e.record(ctx, inst, "", model.EventWorkflowCompleted, actor, nil, "")
	e.log(ctx, inst).Info("workflow completed", zap.Int("steps", len(inst.Actions)))
	return nil
}

// Cancel moves a live instance to Cancelled without consulting any guard.
func (e *Engine) Cancel(ctx context.Context, inst *model.Instance, actor *model.RequestContext, reason string) error {
	if !inst.IsLive() {
		return model.NewWorkflowNotActiveError(fmt.Sprintf("workflow instance %q is %s", inst.ID, inst.Status))
	}
	return e.cancel(ctx, inst, actor, reason)
}

func (e *Engine) cancel(ctx context.Context, inst *model.Instance, actor *model.RequestContext, reason string) error {
	inst.Status = model.InstanceStatusCancelled
	inst.CurrentActionID = ""
	if err := e.store.Update(ctx, inst); err != nil {
		return err
	}
	e.metrics.RecordWorkflowCompletion(inst.DefinitionID, model.InstanceStatusCancelled)
	e.record(ctx, inst, "", model.EventWorkflowCancelled, actor, nil, reason)
	e.log(ctx, inst).Info("workflow cancelled", zap.String("reason", reason))
	return nil
}

// ValidTransitions returns the exits of the current action the member may
// take now: the guard holds and any member restriction admits them.
func (e *Engine) ValidTransitions(ctx context.Context, inst *model.Instance, actor *model.RequestContext) ([]model.Transition, error) {
	cur := inst.CurrentAction()
	if cur == nil {
		return nil, nil
	}
	base := inst.GraphAction(cur.BaseActionID)
	if base == nil {
		return nil, nil
	}
	valid, err := e.validExits(ctx, inst, base, actor)
	if err != nil {
		return nil, err
	}
	admin, err := e.isAdmin(actor)
	if err != nil {
		return nil, err
	}
	out := valid[:0]
	for _, tr := range valid {
		if admin || tr.CanExecute(actor) {
			out = append(out, tr)
		}
	}
	return out, nil
}

// TransitionOptions renders ValidTransitions for callers choosing an exit.
func (e *Engine) TransitionOptions(ctx context.Context, inst *model.Instance, actor *model.RequestContext) ([]model.TransitionOption, error) {
	valid, err := e.ValidTransitions(ctx, inst, actor)
	if err != nil {
		return nil, err
	}
	opts := make([]model.TransitionOption, 0, len(valid))
	for _, tr := range valid {
		opt := model.TransitionOption{ID: tr.ID, Title: tr.Title}
		if next := inst.GraphAction(tr.NextActionID); next != nil {
			opt.Target = next.Title
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

// UserHasAccess reports whether actor may act on inst: holders of the admin
// capability always may, otherwise only assigned users and members of
// assigned groups.
func (e *Engine) UserHasAccess(inst *model.Instance, actor *model.RequestContext) (bool, error) {
	if actor == nil {
		return false, nil
	}
	admin, err := e.isAdmin(actor)
	if err != nil || admin {
		return admin, err
	}
	return inst.IsAssigned(actor), nil
}

func (e *Engine) isAdmin(actor *model.RequestContext) (bool, error) {
	if actor == nil || e.permissions == nil {
		return false, nil
	}
	return e.permissions.HasCapability(actor, e.adminCapability)
}

// CanEditTarget asks the current action's behavior first and falls back
// to the action's editing policy.
func (e *Engine) CanEditTarget(ctx context.Context, inst *model.Instance, actor *model.RequestContext) (bool, error) {
	return e.decide(ctx, inst, actor, behavior.Behavior.CanEditTarget, func(base *model.Action, t target.Target) (bool, error) {
		switch base.AllowEditing {
		case model.EditingAssignees:
			return e.UserHasAccess(inst, actor)
		case model.EditingContent:
			return t == nil || t.CanEdit(actor), nil
		default:
			return e.isAdmin(actor)
		}
	})
}

// CanViewTarget asks the current action's behavior first; by default
// anyone working the instance or allowed by the content may view.
func (e *Engine) CanViewTarget(ctx context.Context, inst *model.Instance, actor *model.RequestContext) (bool, error) {
	return e.decide(ctx, inst, actor, behavior.Behavior.CanViewTarget, func(_ *model.Action, t target.Target) (bool, error) {
		if t != nil && t.CanView(actor) {
			return true, nil
		}
		return e.UserHasAccess(inst, actor)
	})
}

// CanPublishTarget asks the current action's behavior first; by default
// publishing follows the content's own policy.
func (e *Engine) CanPublishTarget(ctx context.Context, inst *model.Instance, actor *model.RequestContext) (bool, error) {
	return e.decide(ctx, inst, actor, behavior.Behavior.CanPublishTarget, func(_ *model.Action, t target.Target) (bool, error) {
		if t != nil && t.CanPublish(actor) {
			return true, nil
		}
		return e.isAdmin(actor)
	})
}

type hook func(behavior.Behavior, *behavior.Runtime) model.Tristate

func (e *Engine) decide(ctx context.Context, inst *model.Instance, actor *model.RequestContext, ask hook, fallback func(*model.Action, target.Target) (bool, error)) (bool, error) {
	cur := inst.CurrentAction()
	if cur == nil {
		return false, model.NewWorkflowNotActiveError(fmt.Sprintf("workflow instance %q is %s", inst.ID, inst.Status))
	}
	base := inst.GraphAction(cur.BaseActionID)
	if base == nil {
		return false, model.NewInvalidWorkflowStateError(
			fmt.Sprintf("workflow instance %q: action %q missing from graph", inst.ID, cur.BaseActionID),
		)
	}
	rt := e.runtime(ctx, inst, base, actor)
	if b, ok := e.behaviors.Lookup(base.Behavior); ok {
		switch ask(b, rt) {
		case model.TriAllow:
			return true, nil
		case model.TriDeny:
			return false, nil
		}
	}
	t, err := rt.Target(ctx)
	if err != nil && !model.IsCode(err, model.ErrNotFound) {
		return false, err
	}
	return fallback(base, t)
}

// AddComment annotates the current action, or the last visited action of a
// terminal instance. On a live instance the action must allow commenting.
func (e *Engine) AddComment(ctx context.Context, inst *model.Instance, actor *model.RequestContext, text string) (model.Annotation, error) {
	if text == "" {
		return model.Annotation{}, model.NewBadRequestError("comment text is required")
	}
	var ai *model.ActionInstance
	if inst.IsLive() {
		ai = inst.CurrentAction()
		if ai == nil {
			return model.Annotation{}, model.NewInvalidWorkflowStateError(
				fmt.Sprintf("workflow instance %q has no current action", inst.ID),
			)
		}
		if base := inst.GraphAction(ai.BaseActionID); base == nil || !base.AllowCommenting {
			return model.Annotation{}, model.NewForbiddenError("the current step does not accept comments")
		}
	} else {
		if len(inst.Actions) == 0 {
			return model.Annotation{}, model.NewInvalidWorkflowStateError(
				fmt.Sprintf("workflow instance %q has no actions", inst.ID),
			)
		}
		ai = &inst.Actions[len(inst.Actions)-1]
	}

	note := model.Annotation{AuthorID: subject(actor), Text: text, CreatedAt: clock.Now()}
	ai.Annotations = append(ai.Annotations, note)
	if err := e.store.Update(ctx, inst); err != nil {
		return model.Annotation{}, err
	}
	e.record(ctx, inst, ai.ID, model.EventComment, actor, nil, text)
	return note, nil
}

// record appends an audit event. Failures are logged, not returned: the
// state change the event describes has already been persisted.
func (e *Engine) record(ctx context.Context, inst *model.Instance, actionID, event string, actor *model.RequestContext, data map[string]any, comment string) {
	err := e.store.AppendEvent(ctx, model.WorkflowEvent{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		ActionID:   actionID,
		Event:      event,
		ActorID:    subject(actor),
		Data:       data,
		Comment:    comment,
		Timestamp:  clock.Now(),
	})
	if err != nil {
		e.log(ctx, inst).Warn("failed to record workflow event", zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) log(ctx context.Context, inst *model.Instance) *zap.Logger {
	return observability.LoggerFrom(ctx, e.logger).With(
		observability.InstanceFields(inst.ID, inst.DefinitionID, inst.Target.String())...,
	)
}

func (e *Engine) spanAttrs(inst *model.Instance) []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrDefinitionID.String(inst.DefinitionID),
		observability.AttrTarget.String(inst.Target.String()),
	}
}

func subject(actor *model.RequestContext) string {
	if actor == nil {
		return model.SystemSubject
	}
	return actor.SubjectID
}
