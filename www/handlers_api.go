package www

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/store"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeCreated(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(protocol.StatusCode(err))
	json.NewEncoder(w).Encode(protocol.NewErrorBody(err))
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return protocol.Wrap(protocol.KindConstruction, err, "invalid request body")
	}
	return nil
}

// clientHost is the address the request came from, without the port.
func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireCollection fails the request unless the route's collection is want.
func requireCollection(w http.ResponseWriter, r *http.Request, want string) bool {
	if c := chi.URLParam(r, "collection"); c != want {
		writeError(w, protocol.Errorf(protocol.KindNotFound, "%s does not support %s", c, r.URL.Path))
		return false
	}
	return true
}

func (h *Handlers) apiHealthCheck(w http.ResponseWriter, r *http.Request) {
	storeOK := h.engine.DB().Ping(r.Context()) == nil
	messaging := false
	if c := h.engine.MsgClient(); c != nil {
		messaging = c.IsConnected()
	}
	status := "ok"
	if !storeOK {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":    status,
		"store":     storeOK,
		"messaging": messaging,
		"queued":    len(h.engine.Scheduler().Queue()),
		"in_flight": h.engine.Scheduler().InFlight(),
	})
}

func (h *Handlers) apiConstruct(w http.ResponseWriter, r *http.Request) {
	var req protocol.ConstructRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var doc store.Document
	if err := json.Unmarshal(req.Object, &doc); err != nil {
		writeError(w, protocol.Wrap(protocol.KindConstruction, err, "object must be a JSON object"))
		return
	}
	id, err := h.svc.Construct(r.Context(), chi.URLParam(r, "collection"), doc, clientHost(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, protocol.ConstructResponse{ID: id})
}

// apiFind lists a collection filtered by query parameters. Values are read
// as JSON where they parse, so ?status=0 matches the number 0; anything
// else is matched as a string.
func (h *Handlers) apiFind(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{}
	for field, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		if json.Valid([]byte(v)) {
			filter[field] = json.RawMessage(v)
		} else {
			filter[field] = store.Raw(v)
		}
	}
	docs, err := h.svc.Find(r.Context(), chi.URLParam(r, "collection"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, docs)
}

func (h *Handlers) apiGet(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Get(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, doc)
}

func (h *Handlers) apiDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) apiGetProperty(w http.ResponseWriter, r *http.Request) {
	property := chi.URLParam(r, "property")
	v, err := h.svc.GetProperty(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"), property)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, protocol.PropertyResponse{Property: property, Value: v})
}

func (h *Handlers) apiModifyProperty(w http.ResponseWriter, r *http.Request) {
	var req protocol.PatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Property == "" {
		writeError(w, protocol.Errorf(protocol.KindInvalidPatch, "property is required"))
		return
	}
	if err := h.svc.ModifyProperty(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) apiCallMethod(w http.ResponseWriter, r *http.Request) {
	var req protocol.CallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	op, err := h.svc.CallMethod(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, op)
}

func (h *Handlers) apiLock(w http.ResponseWriter, r *http.Request) {
	if !requireCollection(w, r, protocol.CollectionStations) {
		return
	}
	var req protocol.LockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.Lock(r.Context(), chi.URLParam(r, "id"), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "locked_by": req.SessionID})
}

func (h *Handlers) apiUnlock(w http.ResponseWriter, r *http.Request) {
	if !requireCollection(w, r, protocol.CollectionStations) {
		return
	}
	var req protocol.LockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.Unlock(r.Context(), chi.URLParam(r, "id"), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
