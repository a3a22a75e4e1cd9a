// Package functions holds the tools the assistant may call during a run.
package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// ErrUnknownFunction is returned when a call names an unregistered function.
var ErrUnknownFunction = errors.New("functions: unknown function")

// ErrInvalidArguments wraps decode and validation failures.
var ErrInvalidArguments = errors.New("functions: invalid arguments")

// Call is a function invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Definition is the tool description advertised to the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Function is a registered tool. Build one with New.
type Function struct {
	Name        string
	Description string
	// Slow functions trigger an interim notice to the user before running.
	Slow bool

	schema *jsonschema.Schema
	invoke func(ctx context.Context, raw json.RawMessage) (any, error)
}

// Handler executes a function with decoded and validated arguments.
type Handler[T any] func(ctx context.Context, args T) (any, error)

// Option customizes a Function.
type Option func(*Function)

// Slow marks a function as long running.
func Slow() Option {
	return func(f *Function) { f.Slow = true }
}

var (
	validate  = validator.New(validator.WithRequiredStructEnabled())
	reflector = &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	// Unnamed types have no definition to expand, so they are reflected inline.
	inlineReflector = &jsonschema.Reflector{
		DoNotReference:            true,
		Anonymous:                 true,
		AllowAdditionalProperties: false,
	}
)

func reflectSchema(t reflect.Type) *jsonschema.Schema {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return &jsonschema.Schema{Type: "object", Properties: jsonschema.NewProperties()}
	}
	if t.Name() == "" {
		return inlineReflector.ReflectFromType(t)
	}
	return reflector.ReflectFromType(t)
}

// New builds a Function whose parameter schema is reflected from T. Arguments
// are decoded into T and checked against its validate tags before handler runs.
func New[T any](name, description string, handler Handler[T], opts ...Option) Function {
	schema := reflectSchema(reflect.TypeOf((*T)(nil)).Elem())
	schema.Version = ""

	fn := Function{
		Name:        name,
		Description: description,
		schema:      schema,
		invoke: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
				}
			}
			if err := validate.Struct(args); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
			}
			return handler(ctx, args)
		},
	}
	for _, opt := range opts {
		opt(&fn)
	}
	return fn
}

// Registry maps function names to implementations. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Function
	slow  map[string]bool
}

// NewRegistry returns a registry holding fns. Names in slowNames are treated
// as slow in addition to functions built with Slow.
func NewRegistry(slowNames []string, fns ...Function) *Registry {
	r := &Registry{
		funcs: make(map[string]Function),
		slow:  make(map[string]bool),
	}
	for _, name := range slowNames {
		if name = strings.TrimSpace(name); name != "" {
			r.slow[name] = true
		}
	}
	for _, fn := range fns {
		r.Register(fn)
	}
	return r
}

// Register adds or replaces fn.
func (r *Registry) Register(fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[fn.Name] = fn
	if fn.Slow {
		r.slow[fn.Name] = true
	}
}

// Definitions lists registered functions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.funcs))
	for _, fn := range r.funcs {
		params, err := json.Marshal(fn.schema)
		if err != nil || fn.schema == nil {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, Definition{Name: fn.Name, Description: fn.Description, Parameters: params})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsSlow reports whether name should trigger an interim notice.
func (r *Registry) IsSlow(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slow[name]
}

// Execute runs the named function. Empty arguments decode as an empty object.
func (r *Registry) Execute(ctx context.Context, call Call) (any, error) {
	r.mu.RLock()
	fn, ok := r.funcs[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, call.Name)
	}

	raw := json.RawMessage(strings.TrimSpace(call.Arguments))
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	return fn.invoke(ctx, raw)
}
