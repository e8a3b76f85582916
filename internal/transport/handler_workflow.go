package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/advflow/model"
)

func targetRef(r *http.Request) model.TargetRef {
	return model.TargetRef{Kind: chi.URLParam(r, "kind"), ID: chi.URLParam(r, "id")}
}

func actorFrom(r *http.Request) (*model.RequestContext, error) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		return nil, model.NewUnauthorizedError("missing request context")
	}
	return rctx, nil
}

type startRequest struct {
	DefinitionID string `json:"definition_id"`
}

type transitionRequest struct {
	TransitionID string `json:"transition_id"`
	Comment      string `json:"comment"`
}

func (h *handlers) startWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, err := h.deps.Identity.Require(r.Context(), CapWorkflowStart)
	if err != nil {
		WriteError(w, err)
		return
	}
	var body startRequest
	if err := decodeJSON(r, &body, true); err != nil {
		WriteError(w, err)
		return
	}

	inst, err := h.deps.Workflows.StartWorkflow(r.Context(), targetRef(r), body.DefinitionID, actor)
	if err != nil && inst.ID == "" {
		WriteError(w, err)
		return
	}
	if err != nil {
		// Started, but the first run stopped on an error. The failed step
		// stays current and unfinished, so POST /resume can retry it.
		WriteJSON(w, http.StatusAccepted, map[string]any{"instance": inst, "error": envelope(err)})
		return
	}
	WriteJSON(w, http.StatusCreated, inst)
}

func (h *handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	view, err := h.deps.Workflows.GetWorkflowFor(r.Context(), targetRef(r), actor)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *handlers) executeTransition(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	body, ok := h.transitionBody(w, r)
	if !ok {
		return
	}
	inst, err := h.deps.Workflows.ExecuteTransition(r.Context(), targetRef(r), body.TransitionID, body.Comment, actor)
	h.writeTransitionResult(w, inst, err)
}

func (h *handlers) transitionInstance(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	body, ok := h.transitionBody(w, r)
	if !ok {
		return
	}
	inst, err := h.deps.Workflows.TransitionInstance(r.Context(), chi.URLParam(r, "instanceId"), body.TransitionID, body.Comment, actor)
	h.writeTransitionResult(w, inst, err)
}

func (h *handlers) transitionBody(w http.ResponseWriter, r *http.Request) (transitionRequest, bool) {
	var body transitionRequest
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return body, false
	}
	if body.TransitionID == "" {
		WriteError(w, model.NewValidationError([]model.FieldError{
			{Field: "transition_id", Code: "REQUIRED", Message: "transition_id is required"},
		}))
		return body, false
	}
	return body, true
}

// writeTransitionResult reports a chain-limit suspension as a paused
// instance plus the error, since the transition itself was taken.
func (h *handlers) writeTransitionResult(w http.ResponseWriter, inst model.Instance, err error) {
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, inst)
	case model.IsCode(err, model.ErrWorkflowChainLimit) && inst.ID != "":
		WriteJSON(w, http.StatusAccepted, map[string]any{"instance": inst, "error": envelope(err)})
	default:
		WriteError(w, err)
	}
}

func (h *handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	view, err := h.deps.Workflows.GetInstance(r.Context(), chi.URLParam(r, "instanceId"), actor)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *handlers) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		WriteError(w, err)
		return
	}
	inst, err := h.deps.Workflows.Cancel(r.Context(), chi.URLParam(r, "instanceId"), body.Reason, actor)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	inst, err := h.deps.Workflows.Resume(r.Context(), chi.URLParam(r, "instanceId"), actor)
	h.writeTransitionResult(w, inst, err)
}

func (h *handlers) addComment(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}
	note, err := h.deps.Workflows.AddComment(r.Context(), chi.URLParam(r, "instanceId"), body.Text, actor)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, note)
}

func (h *handlers) workflowHistory(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	events, err := h.deps.Workflows.History(r.Context(), chi.URLParam(r, "instanceId"), actor)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (h *handlers) pendingWorkflows(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	pending, err := h.deps.Workflows.PendingFor(r.Context(), actor)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": pending, "total_count": len(pending)})
}

func (h *handlers) getTargetDefinition(w http.ResponseWriter, r *http.Request) {
	if _, err := actorFrom(r); err != nil {
		WriteError(w, err)
		return
	}
	def, err := h.deps.Workflows.GetDefinitionFor(r.Context(), targetRef(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

func (h *handlers) bindTargetDefinition(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Identity.Require(r.Context(), CapDefinitionEdit); err != nil {
		WriteError(w, err)
		return
	}
	var body struct {
		DefinitionID string `json:"definition_id"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}
	if body.DefinitionID == "" {
		WriteError(w, model.NewValidationError([]model.FieldError{
			{Field: "definition_id", Code: "REQUIRED", Message: "definition_id is required"},
		}))
		return
	}
	ref := targetRef(r)
	if err := h.deps.Workflows.BindDefinition(r.Context(), ref, body.DefinitionID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"target": ref, "definition_id": body.DefinitionID})
}
