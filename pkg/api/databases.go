package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/provisioning"
	"github.com/dbaas/dbaas/pkg/stores"
)

const maxListLimit = 500

// databaseUpdate is the body of PUT /api/database/{id}. Only the project may
// change; the other fields are accepted so clients can send back what they read.
type databaseUpdate struct {
	Name        *string `json:"name"`
	Plan        *string `json:"plan"`
	Environment *string `json:"environment"`
	Project     *string `json:"project"`
}

func queryInt(q url.Values, key string, def int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, drivers.NewValidationError(fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return n, nil
}

func databaseFilter(q url.Values) (stores.DatabaseFilter, error) {
	filter := stores.DatabaseFilter{
		Name:        q.Get("name"),
		Environment: q.Get("environment"),
		Project:     q.Get("project"),
	}

	if raw := q.Get("state"); raw != "" {
		parts := lo.Filter(strings.Split(raw, ","), func(s string, _ int) bool {
			return strings.TrimSpace(s) != ""
		})
		for _, part := range parts {
			state := models.DatabaseState(strings.ToLower(strings.TrimSpace(part)))
			if err := state.Validate(); err != nil {
				return filter, drivers.NewValidationError(err.Error())
			}
			filter.States = append(filter.States, state)
		}
	}

	var err error
	if filter.Limit, err = queryInt(q, "limit", 100); err != nil {
		return filter, err
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset, err = queryInt(q, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	filter, err := databaseFilter(r.URL.Query())
	if err != nil {
		writeFailure(w, r, err, "")
		return
	}

	dbs, err := s.orch.Store().ListDatabases(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err, "")
		return
	}
	if dbs == nil {
		dbs = []*models.Database{}
	}
	writeJSON(w, http.StatusOK, envelope{"databases": dbs, "count": len(dbs)})
}

func (s *Server) createDatabase(w http.ResponseWriter, r *http.Request) {
	var req provisioning.ProvisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFailure(w, r, err, "")
		return
	}
	if req.Environment == "" {
		req.Environment = s.environment
	}

	db, err := s.orch.Provision(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err, models.ResourceKey(req.Environment, req.Name))
		return
	}
	writeJSON(w, http.StatusCreated, db)
}

func (s *Server) getDatabase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	db, err := s.orch.Database(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, db)
}

func (s *Server) updateDatabase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body databaseUpdate
	if err := decodeJSON(r, &body); err != nil {
		writeFailure(w, r, err, id)
		return
	}

	db, err := s.orch.Database(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err, id)
		return
	}

	changed := func(field *string, current string) bool {
		return field != nil && *field != current
	}
	switch {
	case changed(body.Name, db.Name):
		writeError(w, http.StatusBadRequest, "name is immutable")
		return
	case changed(body.Plan, db.Plan):
		writeError(w, http.StatusBadRequest, "plan is immutable")
		return
	case changed(body.Environment, db.Environment):
		writeError(w, http.StatusBadRequest, "environment is immutable")
		return
	case body.Project == nil:
		writeJSON(w, http.StatusOK, db)
		return
	}

	db, err = s.orch.UpdateProject(r.Context(), id, *body.Project)
	if err != nil {
		writeFailure(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, db)
}

func (s *Server) deleteDatabase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	db, err := s.orch.Database(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err, id)
		return
	}
	db, err = s.orch.Quarantine(r.Context(), db.Name, db.Environment)
	if err != nil {
		writeFailure(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, db)
}

func (s *Server) listBinds(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	db, err := s.orch.Database(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err, id)
		return
	}
	binds, err := s.orch.Store().ListBinds(r.Context(), db.ID)
	if err != nil {
		writeFailure(w, r, err, id)
		return
	}
	if binds == nil {
		binds = []*models.Bind{}
	}
	writeJSON(w, http.StatusOK, envelope{"binds": binds, "count": len(binds)})
}

func (s *Server) purgeDatabase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	db, err := s.orch.Purge(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, db)
}
