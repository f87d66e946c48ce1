// Package tools is the process-wide capability registry and the
// sandboxed executor workers use to invoke side-effectful operations.
// Tool modules self-register on import; the executor adds schema
// validation, a policy gate, per-call timeouts, and retry.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/outflowhq/outflow/config"
	"github.com/outflowhq/outflow/store"
)

// Tool categories. Communication tools pass through the policy gate.
const (
	CategoryCommunication = "communication"
	CategoryData          = "data"
	CategoryEscalation    = "escalation"
)

const defaultTimeout = 30 * time.Second

// Call is one tool invocation's context and parameters.
type Call struct {
	TenantID    string
	SubjectID   string
	AgentID     string
	ExecutionID string
	WorkflowID  string
	TaskType    string
	Params      map[string]any
}

// Runtime carries the shared dependencies tools run against.
type Runtime struct {
	Store    *store.Store
	Channels config.ChannelsConfig
	Logger   *slog.Logger
}

// Definition declares a tool: its parameter schema, execution budget,
// and the probe that decides whether it is currently usable.
type Definition struct {
	Name        string
	Description string
	Category    string
	// Parameters is the JSON schema for Call.Params.
	Parameters json.RawMessage
	// Timeout bounds one execution attempt. Zero means the default.
	Timeout time.Duration
	// RetryOnTimeout marks timeouts as retryable for this tool.
	RetryOnTimeout bool
	// MaxRetries is the retry budget after the first attempt.
	MaxRetries int
	// Probe reports nil when the tool's credentials and dependencies
	// are in place. A nil probe means always available.
	Probe func(rt *Runtime) error
	// Run performs the tool's work.
	Run func(ctx context.Context, rt *Runtime, call Call) (map[string]any, error)

	schema *jsonschema.Schema
}

// Registry holds tool definitions and their probe results. Mutation is
// limited to registration at startup and availability refresh.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	unavailable map[string]error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*Definition),
		unavailable: make(map[string]error),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that tool modules register
// into on import.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a tool definition, compiling its parameter schema.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Run == nil {
		return fmt.Errorf("tool %s has no run function", def.Name)
	}
	if def.Timeout <= 0 {
		def.Timeout = defaultTimeout
	}

	if len(def.Parameters) > 0 {
		schema, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: %w", def.Name, err)
		}
		def.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.definitions[def.Name] = def
	return nil
}

// MustRegister registers a tool and panics on failure. Used by the
// init functions of built-in tool modules.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse parameter schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add parameter schema: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return schema, nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns the names of tools whose last probe passed.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		if r.unavailable[name] == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IsAvailable reports whether a tool is registered and its last probe
// passed.
func (r *Registry) IsAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, registered := r.definitions[name]
	return registered && r.unavailable[name] == nil
}

// Schemas renders the parameter schemas of up to n tools as a JSON
// object keyed by tool name, for inclusion in planner prompts.
func (r *Registry) Schemas(n int) string {
	names := r.Available()
	if n > 0 && len(names) > n {
		names = names[:n]
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		def := r.definitions[name]
		if len(def.Parameters) > 0 {
			out[name] = def.Parameters
		}
	}
	data, _ := json.Marshal(out)
	return string(data)
}

// RefreshAvailability re-runs every tool's probe against the runtime.
func (r *Registry) RefreshAvailability(rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, def := range r.definitions {
		if def.Probe == nil {
			delete(r.unavailable, name)
			continue
		}
		if err := def.Probe(rt); err != nil {
			r.unavailable[name] = err
			if rt.Logger != nil {
				rt.Logger.Warn("Tool unavailable", "tool", name, "error", err)
			}
		} else {
			delete(r.unavailable, name)
		}
	}
}
