package codelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ErrToolExists is returned when registering a tool under a taken name.
var ErrToolExists = errors.New("tool already registered")

// defaultInputSchema is the schema of a tool that accepts no arguments.
const defaultInputSchema = `{"type":"object","additionalProperties":false,"required":[]}`

// ToolHandler executes one tool call. Arguments have already passed schema
// validation. The RequestClientFunc lets the handler ask the connected
// client to perform an action and report back before the call completes.
type ToolHandler func(ctx context.Context, args map[string]any, requestClient RequestClientFunc) (CallToolResult, error)

// ToolDef describes a tool: its wire descriptor, its handler, and how the
// server should schedule and cache calls to it.
type ToolDef struct {
	// Name is the tool name used in tools/call.
	Name string
	// Description is surfaced to clients in tools/list.
	Description string
	// InputSchema is a JSON Schema (draft-07) for the arguments object.
	// Empty means the tool takes no arguments.
	InputSchema json.RawMessage
	// Handler executes the call.
	Handler ToolHandler

	// Priority orders calls to this tool in the request queue.
	Priority Priority
	// Timeout bounds one call attempt; zero uses the queue default.
	Timeout time.Duration
	// MaxRetries is how many times a failed attempt is retried.
	MaxRetries int

	// Cacheable marks results safe to serve from cache for repeated calls
	// with equal arguments.
	Cacheable bool
	// CacheTTL bounds the cached result's freshness; zero uses the cache
	// default.
	CacheTTL time.Duration
	// Invalidates is a glob over tool names whose cached results a
	// successful call makes stale. Empty invalidates nothing.
	Invalidates string
}

// ToolRegistry holds the tools a server exposes. Registration compiles each
// tool's input schema once; calls are validated against it before the
// handler runs. A registry is owned by the server that created it.
type ToolRegistry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string

	updates chan struct{}
	closed  chan struct{}
	once    sync.Once
}

type registeredTool struct {
	def    ToolDef
	schema *gojsonschema.Schema
}

// NewToolRegistry creates an empty registry. A nil logger falls back to
// slog.Default.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		logger:  logger.With(slog.String("component", "registry")),
		tools:   make(map[string]*registeredTool),
		updates: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// Register adds a tool. It fails if the name is taken, the handler is nil,
// or the input schema does not compile.
func (r *ToolRegistry) Register(def ToolDef) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if len(def.InputSchema) == 0 {
		def.InputSchema = json.RawMessage(defaultInputSchema)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.InputSchema))
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	if _, ok := r.tools[def.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrToolExists, def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, schema: schema}
	r.order = append(r.order, def.Name)
	r.mu.Unlock()

	r.logger.Debug("tool registered", slog.String("tool", def.Name))
	r.notify()
	return nil
}

// Unregister removes a tool and reports whether it was present.
func (r *ToolRegistry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.tools[name]
	if ok {
		delete(r.tools, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Debug("tool unregistered", slog.String("tool", name))
		r.notify()
	}
	return ok
}

// List returns the wire descriptors of all tools in registration order.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		def := r.tools[name].def
		tools = append(tools, Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return tools
}

// Definition returns the registered definition for name.
func (r *ToolRegistry) Definition(name string) (ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return ToolDef{}, false
	}
	return t.def, true
}

// Validate checks args against the named tool's input schema without
// running its handler.
func (r *ToolRegistry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: "Method not found",
			Data:    map[string]any{"tool": name},
		}
	}
	return t.validate(args)
}

// Call validates args against the tool's schema and runs its handler. An
// unknown name yields a method-not-found error and a validation failure
// yields an invalid-params error; in both cases no handler runs.
func (r *ToolRegistry) Call(
	ctx context.Context,
	params CallToolParams,
	requestClient RequestClientFunc,
) (CallToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[params.Name]
	r.mu.RUnlock()

	if !ok {
		return CallToolResult{}, RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: "Method not found",
			Data:    map[string]any{"tool": params.Name},
		}
	}

	if err := t.validate(params.Arguments); err != nil {
		return CallToolResult{}, err
	}

	return t.def.Handler(ctx, params.Arguments, requestClient)
}

func (t *registeredTool) validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}

	result, err := t.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return RPCError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid params",
			Data:    map[string]any{"error": err.Error()},
		}
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			violations = append(violations, desc.String())
		}
		return RPCError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid params",
			Data:    map[string]any{"violations": violations},
		}
	}
	return nil
}

// ToolListUpdates returns an iterator that emits after every registration
// change. Bursts may coalesce into a single emission. The iteration ends
// when the registry is closed.
func (r *ToolRegistry) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-r.updates:
				if !yield(struct{}{}) {
					return
				}
			case <-r.closed:
				return
			}
		}
	}
}

// Close ends the update iteration. The registry itself remains usable.
func (r *ToolRegistry) Close() {
	r.once.Do(func() {
		close(r.closed)
	})
}

func (r *ToolRegistry) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}
