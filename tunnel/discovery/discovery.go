package discovery

import (
	"context"
	"time"
)

// Service registers the published node with a service catalog so operators can
// find every agent they run.
type Service interface {
	RegisterNode(ctx context.Context, node Node) error
	DeregisterNode(ctx context.Context, nodeID string) error
	UpdateHealth(ctx context.Context, nodeID string, status HealthcheckStatus, message string) error
}

// Node is the catalog entry of one agent.
type Node struct {
	ID        string
	Name      string
	PublicURL string
	Port      int
}

type HealthcheckOptions struct {
	TTL time.Duration
}

type HealthcheckStatus string

// Healthcheck status codes
const (
	HealthcheckCritical HealthcheckStatus = "critical"
	HealthcheckWarning  HealthcheckStatus = "warning"
	HealthcheckPassing  HealthcheckStatus = "passing"
)

// Noop is used when no catalog is configured.
type Noop struct{}

func (Noop) RegisterNode(ctx context.Context, node Node) error {
	return nil
}

func (Noop) DeregisterNode(ctx context.Context, nodeID string) error {
	return nil
}

func (Noop) UpdateHealth(ctx context.Context, nodeID string, status HealthcheckStatus, message string) error {
	return nil
}
