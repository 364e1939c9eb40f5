package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// statusWriter records the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// requestLogging attaches the API logger to the request context and logs
// every response.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := ""
		if current := mux.CurrentRoute(r); current != nil {
			route = current.GetName()
		}

		logger := s.logger.WithFields(map[string]interface{}{
			"route":  route,
			"method": r.Method,
			"path":   r.URL.Path,
		})
		ctx := s.tel.WithContext(r.Context())
		ctx = logger.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(ctx))

		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		entry := logger.WithFields(map[string]interface{}{
			"status":  sw.status,
			"elapsed": time.Since(start).String(),
		})
		if sw.status >= http.StatusInternalServerError {
			entry.Warn("Response sent")
			return
		}
		entry.Debug("Response sent")
	})
}

// requireEngine rejects broker calls for an engine version the catalog does
// not offer.
func (s *Server) requireEngine(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		engine, version := vars["engine"], vars["version"]
		if !s.orch.Catalog().Offers(engine, version) {
			s.logger.WithEngine(engine, version).Warn("Endpoint not available")
			writeError(w, http.StatusInternalServerError, "endpoint not available for "+engine+"("+version+")")
			return
		}
		next(w, r)
	}
}

// removeTrailingSlash lets /resources/x/1.0/ and /resources/x/1.0 reach the
// same route.
func removeTrailingSlash(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) > 1 && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimRight(r.URL.Path, "/")
		}
		next.ServeHTTP(w, r)
	})
}
