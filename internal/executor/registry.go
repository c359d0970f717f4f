package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/invopop/jsonschema"

	"taskflow/backend/internal/dag"
	"taskflow/backend/pkg/models"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 1
	DefaultBackoff     = 500 * time.Millisecond
)

// Handler executes one attempt of a task with decoded params.
type Handler[P any] func(ctx context.Context, inv Invocation, params P) (any, error)

// Settings tune a kind's timeout and retry policy.
type Settings struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.Backoff <= 0 {
		s.Backoff = DefaultBackoff
	}
	return s
}

// Kind is a registered task kind.
type Kind struct {
	Name     string
	Settings Settings

	prototype any
	decode    func(raw map[string]any) (any, error)
	run       func(ctx context.Context, inv Invocation, params any) (any, error)
}

// Validator is implemented by params structs that check themselves after decoding.
type Validator interface {
	Validate() error
}

// BranchTargets is implemented by params of decision kinds; it names every
// task the decision can select.
type BranchTargets interface {
	Targets() []string
}

// Registry maps kind names to executors.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*Kind)}
}

// Register adds a kind whose params decode into P. Registering an existing
// name replaces it.
func Register[P any](r *Registry, name string, settings Settings, handler Handler[P]) {
	k := &Kind{
		Name:      name,
		Settings:  settings.withDefaults(),
		prototype: new(P),
		decode: func(raw map[string]any) (any, error) {
			return decodeParams[P](raw)
		},
		run: func(ctx context.Context, inv Invocation, params any) (any, error) {
			return handler(ctx, inv, params.(P))
		},
	}

	r.mu.Lock()
	r.kinds[name] = k
	r.mu.Unlock()
}

// Configure overrides the settings of a registered kind; zero fields keep
// their current value.
func (r *Registry) Configure(name string, s Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.kinds[name]
	if !ok {
		return fmt.Errorf("configure %q: %w", name, &UnavailableError{Kind: name})
	}
	if s.Timeout > 0 {
		k.Settings.Timeout = s.Timeout
	}
	if s.MaxAttempts > 0 {
		k.Settings.MaxAttempts = s.MaxAttempts
	}
	if s.Backoff > 0 {
		k.Settings.Backoff = s.Backoff
	}
	return nil
}

// Lookup returns the named kind.
func (r *Registry) Lookup(name string) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Names returns registered kind names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe lists registered kinds with the JSON schema of their params.
func (r *Registry) Describe() []models.TaskKindInfo {
	reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}

	var out []models.TaskKindInfo
	for _, name := range r.Names() {
		k, _ := r.Lookup(name)
		out = append(out, models.TaskKindInfo{
			Name:        name,
			Timeout:     k.Settings.Timeout.String(),
			MaxAttempts: k.Settings.MaxAttempts,
			Params:      reflector.Reflect(k.prototype),
		})
	}
	return out
}

// ValidateTask checks the task's kind is registered and its params decode.
func (r *Registry) ValidateTask(spec models.TaskSpec) (any, error) {
	k, ok := r.Lookup(string(spec.Type))
	if !ok {
		return nil, &UnknownKindError{Task: spec.Name, Kind: string(spec.Type)}
	}
	params, err := k.decode(spec.Params)
	if err != nil {
		return nil, &ParamsError{Task: spec.Name, Kind: k.Name, Err: err}
	}
	return params, nil
}

// ValidateDefinition checks every task against the registry. Decision tasks
// may only select their immediate dependents.
func (r *Registry) ValidateDefinition(def *models.WorkflowDefinition, g *dag.Graph) error {
	for _, spec := range def.Tasks {
		params, err := r.ValidateTask(spec)
		if err != nil {
			return err
		}
		bt, ok := params.(BranchTargets)
		if !ok {
			continue
		}
		for _, target := range bt.Targets() {
			if !g.IsDependent(spec.Name, target) {
				return &dag.InvalidBranchTargetError{Task: spec.Name, Target: target}
			}
		}
	}
	return nil
}

func decodeParams[P any](raw map[string]any) (P, error) {
	var params P
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &params,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return params, err
	}
	if raw != nil {
		if err := decoder.Decode(raw); err != nil {
			return params, err
		}
	}
	if v, ok := any(&params).(Validator); ok {
		if err := v.Validate(); err != nil {
			return params, err
		}
	}
	return params, nil
}
