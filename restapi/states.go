package restapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rustyeddy/homehub/internal/errs"
	"github.com/rustyeddy/homehub/service"
)

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.states.Snapshot())
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ent, ok := s.states.Get(id)
	if !ok {
		writeError(w, errs.New(errs.NotFound, "unknown entity %q", id))
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

type setStateRequest struct {
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body setStateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Wrap(errs.Validation, err, "malformed request body"))
		return
	}

	change, _ := s.states.Set(id, body.State, body.Attributes)
	if change == nil {
		// No-op write: state/attributes already matched. Report the
		// current entity rather than claim a change happened.
		ent, _ := s.states.Get(id)
		writeJSON(w, http.StatusOK, ent)
		return
	}
	writeJSON(w, http.StatusOK, change.NewState)
}

func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	svc := chi.URLParam(r, "service")

	var body struct {
		Target service.Target `json:"target"`
		Data   map[string]any `json:"data"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.Wrap(errs.Validation, err, "malformed request body"))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), serviceCallTimeout)
	defer cancel()

	if err := s.services.Call(ctx, domain, svc, body.Target, body.Data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
