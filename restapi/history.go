package restapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rustyeddy/homehub/internal/errs"
)

// handleHistory serves GET /api/history/period/{id}?start=...&end=...&after_seq=...&limit=...
// (spec §4.10/§8 invariant 8: ascending recorded_at within a closed
// [t0, t1] interval). start/end default to the last 24h ending now
// when omitted, matching the common "history for today" REST call
// shape.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, errs.New(errs.NotFound, "recorder is not enabled"))
		return
	}
	id := chi.URLParam(r, "id")

	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, errs.Wrap(errs.Validation, err, "malformed end timestamp"))
			return
		}
		end = t
	}
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, errs.Wrap(errs.Validation, err, "malformed start timestamp"))
			return
		}
		start = t
	}

	var afterSeq int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, errs.Wrap(errs.Validation, err, "malformed after_seq"))
			return
		}
		afterSeq = n
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, errs.Wrap(errs.Validation, err, "malformed limit"))
			return
		}
		limit = n
	}

	records, nextSeq, err := s.recorder.History(r.Context(), id, start, end, afterSeq, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":  records,
		"next_seq": nextSeq,
	})
}
