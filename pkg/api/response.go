package api

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

type envelope map[string]interface{}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	j, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "cannot create json response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(j)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{"error": message})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case drivers.IsValidation(err):
		return http.StatusBadRequest
	case drivers.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure reports err with its taxonomy reason. Server-side failures
// are logged.
func writeFailure(w http.ResponseWriter, r *http.Request, err error, instance string) {
	status := statusFor(err)
	reason := drivers.Reason(err, instance)
	if status >= http.StatusInternalServerError {
		telemetry.FromContext(r.Context()).WithError(err).Error("Request failed")
	}
	writeError(w, status, reason)
}

func sendNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", r.Method, r.URL.Path))
}

func sendMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path))
}

// isJSON reports whether the request body is declared as JSON.
func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// readFields reads a flat set of string fields from a JSON object or a
// form-encoded body, the two encodings tsuru clients send.
func readFields(r *http.Request) (map[string]string, error) {
	fields := make(map[string]string)
	if isJSON(r) {
		var raw map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("cannot decode request payload: %w", err)
		}
		for k, v := range raw {
			switch val := v.(type) {
			case nil:
			case string:
				fields[k] = val
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		return fields, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("cannot parse request form: %w", err)
	}
	for k, v := range r.Form {
		if len(v) > 0 {
			fields[k] = strings.TrimSpace(v[0])
		}
	}
	return fields, nil
}

// decodeJSON decodes a strict JSON body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if !isJSON(r) {
		return drivers.NewValidationError("Content-Type header must be application/json")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return drivers.NewValidationError(fmt.Sprintf("cannot decode request payload: %v", err))
	}
	return nil
}
