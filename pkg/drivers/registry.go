package drivers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dbaas/dbaas/pkg/models"
)

// Factory constructs a driver bound to infra.
type Factory func(infra *models.Infra) (Driver, error)

// EngineKey identifies a registered adapter.
type EngineKey struct {
	Engine  string `json:"engine"`
	Version string `json:"version"`
}

// String returns the engine@version form used as registry key.
func (k EngineKey) String() string {
	return buildEngineKey(k.Engine, k.Version)
}

// Registry maps (engine, version) pairs to driver factories.
// Registration is explicit and duplicate keys are rejected.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// factories maps engine key (name@version) to factory.
	factories map[string]Factory

	// order records registration order for List.
	order []EngineKey
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory for engine@version.
func (r *Registry) Register(engine, version string, factory Factory) error {
	if engine == "" || version == "" {
		return fmt.Errorf("engine and version are required")
	}
	if factory == nil {
		return fmt.Errorf("factory for %s@%s is nil", engine, version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := buildEngineKey(engine, version)
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("driver %s already registered", key)
	}

	r.factories[key] = factory
	r.order = append(r.order, EngineKey{Engine: engine, Version: version})
	return nil
}

// MustRegister is Register for process initialization. It panics on error.
func (r *Registry) MustRegister(engine, version string, factory Factory) {
	if err := r.Register(engine, version, factory); err != nil {
		panic(err)
	}
}

// Unregister removes a factory.
func (r *Registry) Unregister(engine, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := buildEngineKey(engine, version)
	delete(r.factories, key)
	for i, k := range r.order {
		if k.String() == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get resolves a factory. Version may be exact, "latest", "~1.2" or "^1".
func (r *Registry) Get(engine, version string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, err := r.resolveVersion(engine, version)
	if err != nil {
		return nil, NewDriverNotFoundError(engine, version).WithDetail("cause", err.Error())
	}
	return r.factories[key], nil
}

// Has reports whether an adapter resolves for engine@version.
func (r *Registry) Has(engine, version string) bool {
	_, err := r.Get(engine, version)
	return err == nil
}

// ForInfra returns a driver bound to infra.
func (r *Registry) ForInfra(infra *models.Infra) (Driver, error) {
	if infra == nil {
		return nil, NewValidationError("infra record is required")
	}

	factory, err := r.Get(infra.Engine, infra.EngineVersion)
	if err != nil {
		if de, ok := err.(*DriverError); ok {
			return nil, de.WithInfra(infra.Name)
		}
		return nil, err
	}

	driver, err := factory(infra)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s driver for infra %s: %w", infra.Engine, infra.Name, err)
	}
	return driver, nil
}

// ReservedNames returns the system database names of the adapter that
// resolves for engine@version. Factories must not dial, so the adapter is
// built on a bare infra record and closed again.
func (r *Registry) ReservedNames(engine, version string) ([]string, error) {
	factory, err := r.Get(engine, version)
	if err != nil {
		return nil, err
	}
	driver, err := factory(&models.Infra{Engine: engine, EngineVersion: version})
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s driver: %w", engine, err)
	}
	defer driver.Close()
	return driver.ReservedDatabaseNames(), nil
}

// List returns the registered keys in registration order.
func (r *Registry) List() []EngineKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EngineKey, len(r.order))
	copy(out, r.order)
	return out
}

// Engines returns the sorted set of engine names with at least one adapter.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var engines []string
	for _, k := range r.order {
		if !seen[k.Engine] {
			seen[k.Engine] = true
			engines = append(engines, k.Engine)
		}
	}
	sort.Strings(engines)
	return engines
}

// resolveVersion resolves a version constraint to a registry key.
// Supports:
// - Exact version: "8.0"
// - Latest: "latest" or ""
// - Tilde range: "~8.0" (matches 8.0.x)
// - Caret range: "^8" (matches 8.x)
func (r *Registry) resolveVersion(engine, version string) (string, error) {
	if version == "" || version == "latest" {
		return r.findMatch(engine+"@", fmt.Sprintf("engine %s not registered", engine))
	}

	if strings.HasPrefix(version, "~") {
		parts := strings.Split(version[1:], ".")
		if len(parts) < 2 {
			return "", fmt.Errorf("invalid version format: %s", version)
		}
		prefix := engine + "@" + parts[0] + "." + parts[1]
		return r.findMatch(prefix, fmt.Sprintf("no version matching %s found for engine %s", version, engine))
	}

	if strings.HasPrefix(version, "^") {
		parts := strings.Split(version[1:], ".")
		if parts[0] == "" {
			return "", fmt.Errorf("invalid version format: %s", version)
		}
		prefix := engine + "@" + parts[0]
		return r.findMatch(prefix, fmt.Sprintf("no version matching %s found for engine %s", version, engine))
	}

	key := buildEngineKey(engine, version)
	if _, exists := r.factories[key]; exists {
		return key, nil
	}

	// A patch-level version resolves to the adapter registered for its major.minor.
	parts := strings.Split(version, ".")
	if len(parts) > 2 {
		key = buildEngineKey(engine, parts[0]+"."+parts[1])
		if _, exists := r.factories[key]; exists {
			return key, nil
		}
	}

	return "", fmt.Errorf("driver %s not found", buildEngineKey(engine, version))
}

// findMatch returns the highest registered key with the given prefix.
func (r *Registry) findMatch(prefix, notFound string) (string, error) {
	var match string
	for key := range r.factories {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		// prefix "mysql@8" must not match "mysql@80"
		rest := key[len(prefix):]
		if rest != "" && !strings.HasSuffix(prefix, "@") && rest[0] != '.' {
			continue
		}
		if match == "" || compareVersions(keyVersion(key), keyVersion(match)) > 0 {
			match = key
		}
	}
	if match == "" {
		return "", fmt.Errorf("%s", notFound)
	}
	return match, nil
}

func keyVersion(key string) string {
	if i := strings.LastIndex(key, "@"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// compareVersions compares dotted numeric versions segment by segment.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		if x != y {
			if x > y {
				return 1
			}
			return -1
		}
	}
	return strings.Compare(a, b)
}

// buildEngineKey builds a unique key for an adapter.
func buildEngineKey(engine, version string) string {
	return engine + "@" + version
}

// defaultRegistry is the process-wide registry populated during process init.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a factory to the process-wide registry.
func Register(engine, version string, factory Factory) error {
	return defaultRegistry.Register(engine, version, factory)
}

// ForInfra resolves a driver from the process-wide registry.
func ForInfra(infra *models.Infra) (Driver, error) {
	return defaultRegistry.ForInfra(infra)
}
