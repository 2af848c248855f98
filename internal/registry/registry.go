// Package registry tracks the microservices currently eligible to be invited
// into sessions.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/roomsync/coordinator/internal/models"
)

// Registry is a concurrent map of service id to descriptor. Descriptors are
// stored and returned by value so a session's required-service snapshot never
// shares mutable state with the registry.
type Registry struct {
	mu       sync.RWMutex
	services map[string]models.Microservice
	logger   *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		services: make(map[string]models.Microservice),
		logger:   logger,
	}
}

// Register upserts a service descriptor. It has no side effect beyond
// storage; endpoint reachability is never validated here.
func (r *Registry) Register(svc models.Microservice) {
	r.mu.Lock()
	r.services[svc.ID] = svc
	r.mu.Unlock()
	r.logger.Info("microservice registered",
		zap.String("service_id", svc.ID),
		zap.String("endpoint", svc.Endpoint),
	)
}

// Get returns the descriptor for id, if present.
func (r *Registry) Get(id string) (models.Microservice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	return svc, ok
}

// GetMany returns the available descriptors among ids, in id order. Unknown
// or unavailable ids are silently omitted; callers treat omission as partial
// availability, never as an error.
func (r *Registry) GetMany(ids []string) []models.Microservice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Microservice, 0, len(ids))
	for _, id := range ids {
		if svc, ok := r.services[id]; ok && svc.IsAvailable() {
			out = append(out, svc)
		}
	}
	return out
}

// AllAvailable returns every service in an available status. No iteration
// order is guaranteed.
func (r *Registry) AllAvailable() []models.Microservice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Microservice
	for _, svc := range r.services {
		if svc.IsAvailable() {
			out = append(out, svc)
		}
	}
	return out
}

// List returns every registered service regardless of status.
func (r *Registry) List() []models.Microservice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Microservice, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}

// SetStatus updates the registry-scoped status of a service. Unknown ids are
// ignored.
func (r *Registry) SetStatus(id string, status models.ServiceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return
	}
	svc.Status = status
	r.services[id] = svc
}

// Unregister removes a service. Sessions that already snapshotted the
// descriptor are unaffected.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.services, id)
	r.mu.Unlock()
	r.logger.Info("microservice unregistered", zap.String("service_id", id))
}

// Count returns the number of registered services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}
