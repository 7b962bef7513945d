// Package boundary enforces the static permission boundary: the catalog
// of canonical actions, the banned list, allowed services, and hard
// limits per action category. Pure lookup; it holds no mutable state
// after load.
package boundary

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var (
	ErrActionBanned      = errors.New("action is banned by permission boundary")
	ErrActionUnknown     = errors.New("action not in canonical catalog")
	ErrServiceNotAllowed = errors.New("service not in allowed list")
	ErrHardLimitExceeded = errors.New("hard limit exceeded")
	ErrInvalidParams     = errors.New("action parameters failed schema validation")
	ErrInvalidCatalog    = errors.New("invalid boundary catalog")
)

// Boundary is the compiled, immutable policy.
type Boundary struct {
	catalog  Catalog
	actions  map[string]*CanonicalAction
	banned   map[string]bool
	services map[string]bool
	limits   map[string]HardLimit
	schemas  map[string]*jsonschema.Schema
	guards   map[string]cel.Program

	mu sync.RWMutex // guards rebuilds via Reload
}

// New compiles a catalog into an enforceable boundary.
// Guard expressions and parameter schemas are compiled here so that
// lookups on the hot path never parse anything.
func New(catalog Catalog) (*Boundary, error) {
	b := &Boundary{}
	if err := b.load(catalog); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadFile reads a YAML catalog from disk and compiles it.
func LoadFile(path string) (*Boundary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("boundary: read catalog: %w", err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return New(catalog)
}

func (b *Boundary) load(catalog Catalog) error {
	if err := checkVersion(catalog.Version); err != nil {
		return err
	}

	actions := make(map[string]*CanonicalAction, len(catalog.Actions))
	schemas := make(map[string]*jsonschema.Schema)
	for i := range catalog.Actions {
		a := &catalog.Actions[i]
		if a.ID == "" {
			a.ID = a.Service + ":" + a.Operation
		}
		if a.Service == "" || a.Operation == "" {
			return fmt.Errorf("%w: action %q missing service or operation", ErrInvalidCatalog, a.ID)
		}
		if _, dup := actions[a.ID]; dup {
			return fmt.Errorf("%w: duplicate action %q", ErrInvalidCatalog, a.ID)
		}
		actions[a.ID] = a

		if a.ParamSchema != "" {
			compiled, err := compileSchema(a.ID, a.ParamSchema)
			if err != nil {
				return fmt.Errorf("%w: action %q: %v", ErrInvalidCatalog, a.ID, err)
			}
			schemas[a.ID] = compiled
		}
	}

	guards := make(map[string]cel.Program)
	limits := make(map[string]HardLimit, len(catalog.HardLimits))
	env, err := cel.NewEnv(
		cel.Variable("resource_count", cel.IntType),
		cel.Variable("cost_delta", cel.DoubleType),
	)
	if err != nil {
		return fmt.Errorf("boundary: cel env: %w", err)
	}
	for _, l := range catalog.HardLimits {
		limits[l.Category] = l
		if l.Guard == "" {
			continue
		}
		ast, iss := env.Compile(l.Guard)
		if iss != nil && iss.Err() != nil {
			return fmt.Errorf("%w: limit %q guard: %v", ErrInvalidCatalog, l.Category, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return fmt.Errorf("%w: limit %q guard: %v", ErrInvalidCatalog, l.Category, err)
		}
		guards[l.Category] = prg
	}

	banned := make(map[string]bool, len(catalog.BannedActions))
	for _, id := range catalog.BannedActions {
		banned[id] = true
	}
	services := make(map[string]bool, len(catalog.AllowedServices))
	for _, s := range catalog.AllowedServices {
		services[strings.ToLower(s)] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.catalog = catalog
	b.actions = actions
	b.banned = banned
	b.services = services
	b.limits = limits
	b.schemas = schemas
	b.guards = guards
	return nil
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidCatalog)
	}
	have, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidCatalog, v, err)
	}
	want := semver.MustParse(CatalogVersion)
	if have.Major() != want.Major() {
		return fmt.Errorf("%w: catalog version %s incompatible with supported %s", ErrInvalidCatalog, v, CatalogVersion)
	}
	return nil
}

func compileSchema(actionID, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://stackpilot.schemas.local/actions/%s.schema.json", strings.ReplaceAll(actionID, ":", "_"))
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	return c.Compile(url)
}

// Lookup returns the canonical action for "<service>:<operation>".
func (b *Boundary) Lookup(id string) (*CanonicalAction, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.actions[id]
	return a, ok
}

// Match finds the canonical action for a service/operation pair.
func (b *Boundary) Match(service, operation string) (*CanonicalAction, bool) {
	return b.Lookup(strings.ToLower(service) + ":" + strings.ToLower(operation))
}

// IsBanned reports whether the action is on the banned list.
// Banning is absolute: it cannot be overridden by confidence or role.
func (b *Boundary) IsBanned(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.banned[id]
}

// ServiceAllowed reports whether the service is reachable at all.
func (b *Boundary) ServiceAllowed(service string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.services) == 0 {
		return false
	}
	return b.services[strings.ToLower(service)]
}

// Actions returns the catalog's canonical actions sorted by ID.
func (b *Boundary) Actions() []CanonicalAction {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]CanonicalAction, 0, len(b.actions))
	for _, a := range b.actions {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Banned returns the banned action IDs, sorted.
func (b *Boundary) Banned() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.banned))
	for id := range b.banned {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AllowedServices returns the allowed service names, sorted.
func (b *Boundary) AllowedServices() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.services))
	for s := range b.services {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HardLimits returns the configured hard limits, sorted by category.
func (b *Boundary) HardLimits() []HardLimit {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]HardLimit, 0, len(b.limits))
	for _, l := range b.limits {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// CheckLimit verifies a plan-scoped blast radius against the hard limit
// for the action's category, including the optional CEL guard.
func (b *Boundary) CheckLimit(action *CanonicalAction, resourceCount int, costDelta float64) error {
	b.mu.RLock()
	limit, ok := b.limits[action.Category]
	guard := b.guards[action.Category]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	if limit.MaxResources > 0 && resourceCount > limit.MaxResources {
		return fmt.Errorf("%w: %s touches %d resources, category %q allows %d",
			ErrHardLimitExceeded, action.ID, resourceCount, action.Category, limit.MaxResources)
	}
	if limit.MaxCostDelta > 0 && abs(costDelta) > limit.MaxCostDelta {
		return fmt.Errorf("%w: %s cost delta %.2f exceeds category %q ceiling %.2f",
			ErrHardLimitExceeded, action.ID, costDelta, action.Category, limit.MaxCostDelta)
	}
	if guard != nil {
		out, _, err := guard.Eval(map[string]interface{}{
			"resource_count": int64(resourceCount),
			"cost_delta":     costDelta,
		})
		if err != nil {
			return fmt.Errorf("%w: guard evaluation failed for %q: %v", ErrHardLimitExceeded, action.Category, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return fmt.Errorf("%w: guard %q refused %s", ErrHardLimitExceeded, limit.Guard, action.ID)
		}
	}
	return nil
}

// ValidateParams checks free-form step parameters against the action's
// JSON Schema, if one is declared.
func (b *Boundary) ValidateParams(actionID string, params map[string]interface{}) error {
	b.mu.RLock()
	schema, ok := b.schemas[actionID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := schema.Validate(normalize(params)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, actionID, err)
	}
	return nil
}

// normalize converts params to jsonschema-validatable types
// (map[string]interface{} with float64 numbers is already fine; this
// guards against typed nils).
func normalize(params map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// Version returns the loaded catalog version.
func (b *Boundary) Version() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.catalog.Version
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
