package engine

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/logger"
)

// Registry holds the installed engines and resolves engine ids to
// implementations, including composite ids like "claude:opus" that fall
// back to the base engine when no exact registration exists.
type Registry struct {
	engines   map[string]Engine
	defaultID string
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewRegistry creates an engine registry. defaultID is used by Resolve
// when the requested id is empty.
func NewRegistry(defaultID string, log *logger.Logger) *Registry {
	return &Registry{
		engines:   make(map[string]Engine),
		defaultID: defaultID,
		logger:    log.WithFields(zap.String("component", "engine_registry")),
	}
}

// Register installs an engine under its ID.
func (r *Registry) Register(eng Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := eng.ID()
	if id == "" {
		return fmt.Errorf("engine has empty id")
	}
	if _, exists := r.engines[id]; exists {
		return fmt.Errorf("engine already registered: %s", id)
	}

	r.engines[id] = eng
	r.logger.Info("Registered engine",
		zap.String("engine_id", id),
		zap.Bool("steerable", eng.SupportsSteer()))
	return nil
}

// Get returns the engine registered under exactly id.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eng, exists := r.engines[id]
	if !exists {
		return nil, fmt.Errorf("engine not found: %s", id)
	}
	return eng, nil
}

// Resolve maps a requested engine id to an installed engine. Empty ids
// resolve to the default engine. Composite ids fall back to their base
// segment: "claude:opus" resolves to "claude" when no engine is
// registered under the full id.
func (r *Registry) Resolve(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.defaultID
	}
	if eng, exists := r.engines[id]; exists {
		return eng, nil
	}
	if base, _, found := strings.Cut(id, ":"); found {
		if eng, exists := r.engines[base]; exists {
			return eng, nil
		}
	}
	return nil, fmt.Errorf("engine not found: %s", id)
}

// DefaultID returns the id Resolve substitutes for empty requests.
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// List returns the registered engine ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}
