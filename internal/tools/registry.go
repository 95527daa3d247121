// Package tools hosts the tool registry, the hierarchical permission
// manager, and the built-in workspace tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrToolNotFound is returned when a tool name is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrPermissionDenied is returned when the permission manager rejects an
// invocation.
var ErrPermissionDenied = errors.New("permission denied")

// ExecContext carries invocation context into a tool.
type ExecContext struct {
	SessionID string
	RunID     string
	Mode      string // react, code_orchestrated, auto
	Workspace string
}

// Tool is one registered capability.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, params map[string]any, ec ExecContext) (any, error)
}

// PermissionChecker lets tools contribute their own permission logic on top
// of the manager's rules.
type PermissionChecker interface {
	CheckPermissions(params map[string]any, ec ExecContext) Decision
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to tools and validates inputs against their
// compiled schemas before dispatch.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]registered
	permissions *PermissionManager
}

// NewRegistry builds an empty registry backed by the permission manager.
func NewRegistry(pm *PermissionManager) *Registry {
	if pm == nil {
		pm = NewPermissionManager()
	}
	return &Registry{tools: make(map[string]registered), permissions: pm}
}

// Permissions exposes the manager for rule administration.
func (r *Registry) Permissions() *PermissionManager {
	return r.permissions
}

// Register compiles the tool's input schema and adds it to the registry.
// Re-registering a name replaces the previous tool.
func (r *Registry) Register(tool Tool) error {
	schema, err := compileSchema(tool.Name(), tool.InputSchema())
	if err != nil {
		return fmt.Errorf("register tool %s: %w", tool.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = registered{tool: tool, schema: schema}
	return nil
}

// Unregister removes a tool. Removing an absent name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return reg.tool, nil
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// InvokeResult is the outcome of one tool invocation.
type InvokeResult struct {
	Value   any
	Warning string
}

// Invoke validates params, resolves permissions, and executes the tool.
// Permission rewrites are applied to a copy of params before execution.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any, ec ExecContext) (InvokeResult, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return InvokeResult{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if reg.schema != nil {
		if err := validateParams(reg.schema, params); err != nil {
			return InvokeResult{}, fmt.Errorf("invalid params for %s: %w", name, err)
		}
	}

	decision := r.permissions.Resolve(name, params, ec.Mode)
	if decision.Outcome == OutcomeAllow {
		if checker, ok := reg.tool.(PermissionChecker); ok {
			own := checker.CheckPermissions(params, ec)
			if own.Outcome != OutcomeAllow {
				decision = own
			} else if own.Warning != "" && decision.Warning == "" {
				decision.Warning = own.Warning
			}
			if own.Rewrites != nil {
				decision.Rewrites = own.Rewrites
			}
		}
	}
	if decision.Outcome != OutcomeAllow {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by permission rules"
		}
		return InvokeResult{}, fmt.Errorf("%w: %s", ErrPermissionDenied, reason)
	}

	effective := params
	if len(decision.Rewrites) > 0 {
		effective = make(map[string]any, len(params)+len(decision.Rewrites))
		for k, v := range params {
			effective[k] = v
		}
		for k, v := range decision.Rewrites {
			effective[k] = v
		}
	}

	value, err := reg.tool.Execute(ctx, effective, ec)
	if err != nil {
		return InvokeResult{Warning: decision.Warning}, err
	}
	return InvokeResult{Value: value, Warning: decision.Warning}, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateParams(schema *jsonschema.Schema, params map[string]any) error {
	// Round-trip through jsonschema's decoder for json.Number handling.
	encoded, err := json.Marshal(params)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
