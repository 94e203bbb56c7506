// Package www serves the lab server's HTTP API.
package www

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/OChRA-lab/ochra-sub000/engine"
	"github.com/OChRA-lab/ochra-sub000/labsvc"
	"github.com/OChRA-lab/ochra-sub000/metrics"
)

type Handlers struct {
	engine     *engine.Engine
	svc        *labsvc.Service
	apiKeyHash string
	accepted   sync.Map
}

// NewRouter builds the lab API. reg may be nil to leave /metrics out.
func NewRouter(eng *engine.Engine, reg *metrics.Registry) http.Handler {
	h := &Handlers{
		engine:     eng,
		svc:        eng.Service(),
		apiKeyHash: eng.AppConfig().Web.APIKeyHash,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/health", h.apiHealthCheck)
	if reg != nil {
		r.Handle("/metrics", reg.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)

		r.Put("/{collection}/construct", h.apiConstruct)
		r.Get("/{collection}", h.apiFind)
		r.Get("/{collection}/{id}", h.apiGet)
		r.Delete("/{collection}/{id}", h.apiDelete)
		r.Get("/{collection}/{id}/get_property/{property}", h.apiGetProperty)
		r.Patch("/{collection}/{id}/modify_property", h.apiModifyProperty)
		r.Post("/{collection}/{id}/call_method", h.apiCallMethod)

		// Station locks
		r.Post("/{collection}/{id}/lock", h.apiLock)
		r.Post("/{collection}/{id}/unlock", h.apiUnlock)

		// Result payloads
		r.Patch("/{collection}/{id}/put_data", h.apiPutData)
		r.Get("/{collection}/{id}/get_data", h.apiGetData)
	})

	return r
}
