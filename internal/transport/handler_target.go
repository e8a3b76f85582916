package transport

import (
	"net/http"

	"github.com/pitabwire/advflow/internal/target"
	"github.com/pitabwire/advflow/model"
)

// getTarget returns a registered content record. Only the built-in record
// repository is exposed; hosts with their own content store skip these
// routes by leaving Dependencies.Targets nil.
func (h *handlers) getTarget(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if h.deps.Targets == nil {
		WriteNotFound(w, "target registry is not enabled")
		return
	}
	t, err := h.deps.Targets.Get(r.Context(), targetRef(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	if !t.CanView(actor) {
		WriteForbidden(w, "you may not view this target")
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// putTarget registers or replaces a content record under the path's kind
// and id.
func (h *handlers) putTarget(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Identity.Require(r.Context(), CapTargetEdit); err != nil {
		WriteError(w, err)
		return
	}
	if h.deps.Targets == nil {
		WriteNotFound(w, "target registry is not enabled")
		return
	}
	var rec target.Record
	if err := decodeJSON(r, &rec, true); err != nil {
		WriteError(w, err)
		return
	}
	ref := targetRef(r)
	rec.Kind, rec.ID = ref.Kind, ref.ID
	if rec.Parent == ref {
		WriteError(w, model.NewValidationError([]model.FieldError{
			{Field: "parent", Code: "SELF_PARENT", Message: "a target cannot be its own parent"},
		}))
		return
	}
	h.deps.Targets.Put(&rec)
	WriteJSON(w, http.StatusOK, &rec)
}
