package models

import (
	"time"
)

// ServiceStatus is the registry-scoped status of a microservice. It is
// informational and distinct from session-scoped readiness.
type ServiceStatus string

const (
	ServiceRegistered   ServiceStatus = "registered"
	ServiceJoining      ServiceStatus = "joining"
	ServiceReady        ServiceStatus = "ready"
	ServiceDisconnected ServiceStatus = "disconnected"
)

// Microservice describes one independently deployed worker service that can
// be invited into a session's room.
type Microservice struct {
	ID           string            `json:"service_id"`
	Endpoint     string            `json:"endpoint"`
	Status       ServiceStatus     `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewMicroservice creates a descriptor in the registered state.
func NewMicroservice(id, endpoint string, metadata map[string]string) Microservice {
	return Microservice{
		ID:           id,
		Endpoint:     endpoint,
		Status:       ServiceRegistered,
		RegisteredAt: time.Now().UTC(),
		Metadata:     metadata,
	}
}

// IsAvailable reports whether the service may be invited into a new session.
func (m Microservice) IsAvailable() bool {
	return m.Status == ServiceRegistered || m.Status == ServiceReady
}
