package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolDesc describes a single tool, including its input schema.
type ToolDesc struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Backend is a tool provider. Init failures mark the backend unhealthy and
// exclude its tools without blocking other backends.
type Backend interface {
	Name() string
	Init(ctx context.Context) error
	Tools() []ToolDesc
	Call(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error)
}

// FaultKind classifies dispatch failures.
type FaultKind string

const (
	FaultNotFound       FaultKind = "not_found"
	FaultUnavailable    FaultKind = "backend_unavailable"
	FaultBackendError   FaultKind = "backend_error"
	FaultSchemaMismatch FaultKind = "schema_mismatch"
)

// Fault is a classified dispatch failure.
type Fault struct {
	Kind    FaultKind
	Tool    string
	Backend string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("dispatch %s: tool %q: %v", f.Kind, f.Tool, f.Err)
	}
	return fmt.Sprintf("dispatch %s: tool %q", f.Kind, f.Tool)
}

func (f *Fault) Unwrap() error { return f.Err }

type backendState struct {
	backend Backend
	healthy bool
	initErr error
}

type catalogEntry struct {
	state  *backendState
	desc   ToolDesc
	schema *jsonschema.Schema
}

// Dispatcher owns the merged tool catalog over all backends. The catalog is
// built once at construction; health flags are read-mostly and safe for
// concurrent sessions.
type Dispatcher struct {
	mu       sync.RWMutex
	backends map[string]*backendState
	catalog  map[string]*catalogEntry
	names    []string
	logger   *log.Logger
}

// QualifiedName returns the backend-scoped form under which every tool
// stays addressable, including duplicates.
func QualifiedName(backend, tool string) string {
	return backend + "/" + tool
}

// NewDispatcher initializes every backend independently and merges their
// catalogs. When two backends advertise the same tool name the unqualified
// name is removed and each copy remains reachable only through its
// qualified backend/tool form.
func NewDispatcher(ctx context.Context, backends []Backend, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags)
	}
	d := &Dispatcher{
		backends: make(map[string]*backendState, len(backends)),
		catalog:  make(map[string]*catalogEntry),
		logger:   logger,
	}

	contested := make(map[string]bool)
	for _, b := range backends {
		state := &backendState{backend: b}
		if err := b.Init(ctx); err != nil {
			state.initErr = err
			logger.Printf("backend %s failed to initialize, excluding: %v", b.Name(), err)
			d.backends[b.Name()] = state
			continue
		}
		state.healthy = true
		d.backends[b.Name()] = state

		for _, desc := range b.Tools() {
			entry := &catalogEntry{state: state, desc: desc}
			if len(desc.InputSchema) > 0 {
				schema, err := compileSchema(desc.Name, desc.InputSchema)
				if err != nil {
					logger.Printf("backend %s tool %s: bad input schema, arguments will not be validated: %v", b.Name(), desc.Name, err)
				} else {
					entry.schema = schema
				}
			}
			d.catalog[QualifiedName(b.Name(), desc.Name)] = entry
			if existing, ok := d.catalog[desc.Name]; ok && existing.state != state {
				contested[desc.Name] = true
			} else if !contested[desc.Name] {
				d.catalog[desc.Name] = entry
			}
		}
	}
	for name := range contested {
		delete(d.catalog, name)
		logger.Printf("tool %s advertised by multiple backends, unqualified name removed from catalog", name)
	}

	for name := range d.catalog {
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d
}

func compileSchema(name string, raw map[string]interface{}) (*jsonschema.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := name + "_args.json"
	if err := compiler.AddResource(resource, strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(resource)
}

// ToolNames returns every addressable name in the merged catalog, sorted.
func (d *Dispatcher) ToolNames() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Catalog returns the descriptors of every addressable tool.
func (d *Dispatcher) Catalog() []ToolDesc {
	out := make([]ToolDesc, 0, len(d.names))
	for _, name := range d.names {
		desc := d.catalog[name].desc
		desc.Name = name
		out = append(out, desc)
	}
	return out
}

// BackendHealth reports each backend's health with its init error, if any.
func (d *Dispatcher) BackendHealth() map[string]error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]error, len(d.backends))
	for name, state := range d.backends {
		if state.healthy {
			out[name] = nil
		} else {
			out[name] = state.initErr
		}
	}
	return out
}

// MarkUnhealthy excludes a backend after a runtime failure. Its catalog
// entries stay resolvable but calls fault with backend_unavailable.
func (d *Dispatcher) MarkUnhealthy(backend string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.backends[backend]; ok {
		state.healthy = false
		state.initErr = err
		d.logger.Printf("backend %s marked unhealthy: %v", backend, err)
	}
}

// CallTool resolves the tool, validates the arguments against the owning
// backend's declared schema, and forwards the call. Failures are mapped to
// a classified Fault.
func (d *Dispatcher) CallTool(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	entry, ok := d.catalog[name]
	if !ok {
		countDispatch(ctx, name, string(FaultNotFound))
		return nil, &Fault{Kind: FaultNotFound, Tool: name}
	}
	backendName := entry.state.backend.Name()

	d.mu.RLock()
	healthy := entry.state.healthy
	initErr := entry.state.initErr
	d.mu.RUnlock()
	if !healthy {
		countDispatch(ctx, name, string(FaultUnavailable))
		return nil, &Fault{Kind: FaultUnavailable, Tool: name, Backend: backendName, Err: initErr}
	}

	if entry.schema != nil {
		if err := validateArgs(entry.schema, args); err != nil {
			countDispatch(ctx, name, string(FaultSchemaMismatch))
			return nil, &Fault{Kind: FaultSchemaMismatch, Tool: name, Backend: backendName, Err: err}
		}
	}

	result, err := entry.state.backend.Call(ctx, entry.desc.Name, args)
	if err != nil {
		countDispatch(ctx, name, string(FaultBackendError))
		return nil, &Fault{Kind: FaultBackendError, Tool: name, Backend: backendName, Err: err}
	}
	countDispatch(ctx, name, "ok")
	return result, nil
}

func validateArgs(schema *jsonschema.Schema, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return schema.Validate(doc)
}
