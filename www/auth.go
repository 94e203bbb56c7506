package www

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// HashAPIKey returns the bcrypt hash stored as web.api_key_hash.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(hash), err
}

func checkAPIKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// requireAPIKey checks X-API-Key against the configured hash. Keys that
// passed once are remembered so polling clients skip the bcrypt cost.
func (h *Handlers) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, protocol.Errorf(protocol.KindUnauthorized, "missing X-API-Key"))
			return
		}
		if _, ok := h.accepted.Load(key); !ok {
			if !checkAPIKey(h.apiKeyHash, key) {
				writeError(w, protocol.Errorf(protocol.KindUnauthorized, "invalid API key"))
				return
			}
			h.accepted.Store(key, struct{}{})
		}
		next.ServeHTTP(w, r)
	})
}
