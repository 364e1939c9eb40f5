// Package config loads the configuration of the dbaas control plane.
//
// Two inputs are handled here:
//
//   - The service configuration, a YAML file (Load) covering the HTTP
//     listener, the store, retry and timeout tuning of the orchestrator and
//     telemetry. DBAAS_CONFIG, DBAAS_LOG_LEVEL, DBAAS_STORE_PATH,
//     DBAAS_LISTEN and DBAAS_MAX_ATTEMPTS override it, and a .env file in
//     the working directory is honoured.
//   - The provisioning catalog, written in CUE (CUEParser). It declares the
//     engines and versions offered, the plans databases are created from,
//     the environments they live in and the infras seeded at startup. Every
//     entry is checked against struct tags and a closed CUE definition,
//     then cross-referenced.
//
// Plans may carry a Starlark env_script. StarlarkEvaluator runs it at bind
// time with the bind context as `input`; the script assigns extra
// environment variables to `env`:
//
//	env = {"DATABASE_URL": "mysql://%s:%s@%s/%s" % (input["user"], input["password"], input["endpoint"], input["database"])}
package config
