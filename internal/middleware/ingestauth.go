package middleware

import (
	"crypto/subtle"
	"net/http"
)

const headerIngestSecret = "X-Runforge-Secret"

// IngestAuth returns middleware that authenticates worker event posts with a
// shared secret header, compared in constant time. Auth failures are real
// 401s; the always-200-on-processing-failure policy applies only past this
// gate.
func IngestAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, `{"error":"ingest secret not configured"}`, http.StatusServiceUnavailable)
				return
			}
			got := r.Header.Get(headerIngestSecret)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
