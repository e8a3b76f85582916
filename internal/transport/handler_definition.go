package transport

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/advflow/internal/definition"
	"github.com/pitabwire/advflow/model"
)

type orderRequest struct {
	IDs []string `json:"ids"`
}

// canEdit gates every definition write.
func (h *handlers) canEdit(w http.ResponseWriter, r *http.Request) bool {
	if _, err := h.deps.Identity.Require(r.Context(), CapDefinitionEdit); err != nil {
		WriteError(w, err)
		return false
	}
	return true
}

func (h *handlers) canView(w http.ResponseWriter, r *http.Request) bool {
	if _, err := h.deps.Identity.Require(r.Context(), CapDefinitionView); err != nil {
		WriteError(w, err)
		return false
	}
	return true
}

func (h *handlers) listDefinitions(w http.ResponseWriter, r *http.Request) {
	if !h.canView(w, r) {
		return
	}
	defs, err := h.deps.Definitions.List(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": defs, "total_count": len(defs)})
}

func (h *handlers) getDefinition(w http.ResponseWriter, r *http.Request) {
	if !h.canView(w, r) {
		return
	}
	def, err := h.deps.Definitions.Get(r.Context(), chi.URLParam(r, "definitionId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

func (h *handlers) createDefinition(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	var def model.Definition
	if err := decodeJSON(r, &def, false); err != nil {
		WriteError(w, err)
		return
	}
	created, err := h.deps.Definitions.CreateDefinition(r.Context(), def)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

func (h *handlers) deleteDefinition(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	removed, err := h.deps.Definitions.DeleteDefinition(r.Context(), chi.URLParam(r, "definitionId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"instances_removed": removed})
}

// importDefinition accepts a YAML (or JSON) template body.
func (h *handlers) importDefinition(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, model.NewBadRequestError("request body too large"))
		return
	}
	tpl, err := definition.ParseTemplate(data)
	if err != nil {
		WriteError(w, model.NewBadRequestError(err.Error()))
		return
	}
	def, err := h.deps.Definitions.Import(r.Context(), tpl)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, def)
}

// exportDefinition renders the template form, as YAML when asked for it.
func (h *handlers) exportDefinition(w http.ResponseWriter, r *http.Request) {
	if !h.canView(w, r) {
		return
	}
	tpl, err := h.deps.Definitions.Export(r.Context(), chi.URLParam(r, "definitionId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if r.URL.Query().Get("format") != "yaml" {
		WriteJSON(w, http.StatusOK, tpl)
		return
	}
	out, err := yaml.Marshal(tpl)
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (h *handlers) reorderDefinitions(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	var body orderRequest
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.deps.Definitions.ReorderDefinitions(r.Context(), body.IDs); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) addAction(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	var action model.Action
	if err := decodeJSON(r, &action, false); err != nil {
		WriteError(w, err)
		return
	}
	added, err := h.deps.Definitions.AddAction(r.Context(), chi.URLParam(r, "definitionId"), action)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, added)
}

func (h *handlers) updateAction(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	var action model.Action
	if err := decodeJSON(r, &action, false); err != nil {
		WriteError(w, err)
		return
	}
	action.ID = chi.URLParam(r, "actionId")
	updated, err := h.deps.Definitions.UpdateAction(r.Context(), chi.URLParam(r, "definitionId"), action)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

func (h *handlers) removeAction(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	if err := h.deps.Definitions.RemoveAction(r.Context(), chi.URLParam(r, "definitionId"), chi.URLParam(r, "actionId")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) reorderActions(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	var body orderRequest
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.deps.Definitions.ReorderActions(r.Context(), chi.URLParam(r, "definitionId"), body.IDs); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) reorderTransitions(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	var body orderRequest
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}
	err := h.deps.Definitions.ReorderTransitions(r.Context(), chi.URLParam(r, "definitionId"), chi.URLParam(r, "actionId"), body.IDs)
	if err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) addTransition(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	var tr model.Transition
	if err := decodeJSON(r, &tr, false); err != nil {
		WriteError(w, err)
		return
	}
	added, err := h.deps.Definitions.AddTransition(r.Context(), chi.URLParam(r, "definitionId"), tr)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, added)
}

func (h *handlers) updateTransition(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	var tr model.Transition
	if err := decodeJSON(r, &tr, false); err != nil {
		WriteError(w, err)
		return
	}
	tr.ID = chi.URLParam(r, "transitionId")
	updated, err := h.deps.Definitions.UpdateTransition(r.Context(), chi.URLParam(r, "definitionId"), tr)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

func (h *handlers) removeTransition(w http.ResponseWriter, r *http.Request) {
	if !h.canEdit(w, r) {
		return
	}
	if err := h.deps.Definitions.RemoveTransition(r.Context(), chi.URLParam(r, "definitionId"), chi.URLParam(r, "transitionId")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listBehaviors(w http.ResponseWriter, r *http.Request) {
	if _, err := actorFrom(r); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": h.deps.Behaviors.Describe()})
}
