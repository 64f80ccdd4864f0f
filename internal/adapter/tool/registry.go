// Package tool holds the tools the model can call and the registry that
// dispatches them.
package tool

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"chatrelay/internal/domain"
)

// Registry holds named tools. Every tool is wrapped with parameter schema
// validation on Register, and a tool whose schema does not compile is
// rejected.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

// Register adds t. It fails when the name is taken or the schema is invalid.
func (r *Registry) Register(t domain.Tool) error {
	name := t.Name()
	if name == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "tool name is empty")
	}

	wrapped, err := WithSchemaValidation(t)
	if err != nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, fmt.Sprintf("tool %q already registered", name))
	}
	r.tools[name] = wrapped
	r.logger.Debug("tool registered", "tool", name)
	return nil
}

// RegisterAll registers each tool, stopping at the first failure.
func (r *Registry) RegisterAll(tools ...domain.Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, "unknown tool "+name)
	}
	return t, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Schemas returns all tool schemas, sorted by name so the provider sees a
// stable tool list across requests.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema())
	}
	slices.SortFunc(schemas, func(a, b domain.ToolSchema) int {
		return strings.Compare(a.Name, b.Name)
	})
	return schemas
}

var _ domain.ToolExecutor = (*Registry)(nil)
