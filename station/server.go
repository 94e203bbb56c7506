package station

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/OChRA-lab/ochra-sub000/metrics"
	"github.com/OChRA-lab/ochra-sub000/protocol"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(protocol.StatusCode(err))
	json.NewEncoder(w).Encode(protocol.NewErrorBody(err))
}

// NewRouter serves the executor endpoints the scheduler calls.
func NewRouter(s *Station, reg *metrics.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/process_op", s.handleProcessOp)
	r.Get("/ping", s.handlePing)
	if reg != nil {
		r.Handle("/metrics", reg.Handler())
	}
	return r
}

func (s *Station) handleProcessOp(w http.ResponseWriter, r *http.Request) {
	var op protocol.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, protocol.Wrap(protocol.KindConstruction, err, "decode operation"))
		return
	}
	if op.ID == "" {
		writeError(w, protocol.Errorf(protocol.KindConstruction, "operation has no id"))
		return
	}
	resp, err := s.ProcessOp(r.Context(), &op)
	if err != nil {
		s.logFn("station: process_op %s rejected: %v", op.ID, err)
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Station) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"station": s.cfg.Name,
		"id":      s.ID(),
		"uptime":  int64(s.Uptime().Seconds()),
	})
}
