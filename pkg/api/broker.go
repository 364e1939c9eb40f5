package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/provisioning"
)

// Form fields of broker calls.
const (
	fieldName        = "name"
	fieldPlan        = "plan"
	fieldTeam        = "team"
	fieldEnvironment = "environment"
	fieldAppHost     = "app-host"
	fieldUnitHost    = "unit-host"
)

func (s *Server) environmentFor(fields map[string]string) string {
	if env := fields[fieldEnvironment]; env != "" {
		return env
	}
	return s.environment
}

// planFor returns the requested plan, or the first plan of engine@version
// offered in environment.
func (s *Server) planFor(engine, version, environment, requested string) (string, error) {
	catalog := s.orch.Catalog()
	if requested != "" {
		plan, ok := catalog.Plan(requested)
		if !ok {
			return "", drivers.NewValidationError(fmt.Sprintf("unknown plan %s", requested))
		}
		if plan.Engine != engine || plan.Version != version {
			return "", drivers.NewValidationError(fmt.Sprintf("plan %s is %s@%s, not %s@%s",
				plan.Name, plan.Engine, plan.Version, engine, version))
		}
		return plan.Name, nil
	}

	names := catalog.PlansFor(engine, version)
	sort.Strings(names)
	for _, name := range names {
		if plan, ok := catalog.Plan(name); ok && plan.AvailableIn(environment) {
			return name, nil
		}
	}
	return "", drivers.NewValidationError(fmt.Sprintf("no plan for %s@%s in environment %s", engine, version, environment))
}

// serviceAdd provisions a new instance: 201 with its location.
func (s *Server) serviceAdd(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	engine, version := vars["engine"], vars["version"]

	fields, err := readFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := fields[fieldName]
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	environment := s.environmentFor(fields)
	if environment == "" {
		writeError(w, http.StatusBadRequest, "environment is required")
		return
	}

	plan, err := s.planFor(engine, version, environment, fields[fieldPlan])
	if err != nil {
		writeFailure(w, r, err, name)
		return
	}

	db, err := s.orch.Provision(r.Context(), provisioning.ProvisionRequest{
		Name:        name,
		Plan:        plan,
		Environment: environment,
		Project:     fields[fieldTeam],
	})
	if err != nil {
		writeFailure(w, r, err, models.ResourceKey(environment, name))
		return
	}

	hostname := ""
	if infra, err := s.orch.Store().GetInfra(r.Context(), db.InfraID); err == nil {
		hostname, _ = infra.HostPort(0)
	}
	writeJSON(w, http.StatusCreated, envelope{
		"hostname":      hostname,
		"engine_type":   engine,
		"version":       version,
		"instance_name": db.Name,
	})
}

// serviceBind binds an application unit: 201 with the variables to export.
func (s *Server) serviceBind(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	fields, err := readFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appHost := fields[fieldAppHost]
	if appHost == "" {
		writeError(w, http.StatusBadRequest, "app-host is required")
		return
	}

	res, err := s.orch.Bind(r.Context(), provisioning.BindRequest{
		Instance:    name,
		Environment: s.environmentFor(fields),
		AppHost:     appHost,
		UnitHost:    fields[fieldUnitHost],
	})
	if drivers.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, envelope{"status": "error", "reason": fmt.Sprintf("instance %s not found", name)})
		return
	}
	if err != nil {
		writeFailure(w, r, err, name)
		return
	}
	writeJSON(w, http.StatusCreated, res.Env)
}

// serviceRemove quarantines an instance: 200, or 404 when unknown.
func (s *Server) serviceRemove(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	_, err := s.orch.Quarantine(r.Context(), name, s.environment)
	if drivers.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, envelope{"status": "not_found"})
		return
	}
	if err != nil {
		writeFailure(w, r, err, name)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"status": "ok"})
}

// serviceUnbind removes the binds of one unit. An unknown database is only
// a warning so tsuru can finish removing the app.
func (s *Server) serviceUnbind(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, host := vars["name"], vars["host"]

	res, err := s.orch.Unbind(r.Context(), provisioning.UnbindRequest{
		Instance:    name,
		Environment: s.environment,
		Host:        host,
	})
	if drivers.IsNotFound(err) {
		writeJSON(w, http.StatusOK, envelope{"status": "warning", "reason": fmt.Sprintf("database %s not found", name)})
		return
	}
	if err != nil {
		writeFailure(w, r, err, name)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		"action":      "service_unbind",
		"removed":     res.Removed,
		"quarantined": res.Quarantined,
	})
}

// serviceStatus answers 204 for a healthy instance, 404 for an unknown one
// and 500 with the reason otherwise.
func (s *Server) serviceStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	snap, err := s.orch.Status(r.Context(), name, s.environment)
	if drivers.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, envelope{"status": "not_found"})
		return
	}
	if err != nil {
		writeFailure(w, r, err, name)
		return
	}
	if !snap.Healthy {
		writeError(w, http.StatusInternalServerError, snap.Reason)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
