package consul

import (
	"context"
	"fmt"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"

	"github.com/tynkerbase/tynkerbase-agent/tunnel/discovery"
)

// ServiceName is the Consul service every agent registers under.
const ServiceName = "tynkerbase-agent"

type Discovery struct {
	HostAddress string
	Consul      *consul.Client

	HealthcheckTTL time.Duration
}

func (d Discovery) RegisterNode(ctx context.Context, node discovery.Node) error {
	err := d.Consul.Agent().ServiceRegisterOpts(&consul.AgentServiceRegistration{
		ID:   getNodeServiceId(node.ID),
		Name: ServiceName,

		Kind:    consul.ServiceKindTypical,
		Address: d.HostAddress,
		Port:    node.Port,
		Tags:    []string{fmt.Sprintf("node_id:%s", node.ID), fmt.Sprintf("name:%s", node.Name)},
		Meta: map[string]string{
			"name":       node.Name,
			"public_url": node.PublicURL,
		},

		Check: &consul.AgentServiceCheck{
			CheckID: getNodeHealthcheckId(node.ID),
			Name:    "Agent Healthcheck",
			TTL:     fmt.Sprintf("%ds", int(d.HealthcheckTTL.Seconds())),

			// Default to the Critical status before the first healthcheck is processed.
			Status: string(discovery.HealthcheckCritical),
		},
	}, consul.ServiceRegisterOpts{}.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "could not register node %s", node.ID)
	}

	return nil
}

func (d Discovery) DeregisterNode(ctx context.Context, nodeID string) error {
	opts := (&consul.QueryOptions{}).WithContext(ctx)
	if err := d.Consul.Agent().ServiceDeregisterOpts(getNodeServiceId(nodeID), opts); err != nil {
		return errors.Wrapf(err, "could not deregister node %s", nodeID)
	}
	return nil
}

func (d Discovery) UpdateHealth(ctx context.Context, nodeID string, status discovery.HealthcheckStatus, message string) error {
	opts := (&consul.QueryOptions{}).WithContext(ctx)
	if err := d.Consul.Agent().UpdateTTLOpts(getNodeHealthcheckId(nodeID), message, string(status), opts); err != nil {
		return errors.Wrapf(err, "could not update health of node %s", nodeID)
	}
	return nil
}

func getNodeServiceId(id string) string {
	return fmt.Sprintf("%s:%s", ServiceName, id)
}

func getNodeHealthcheckId(id string) string {
	return fmt.Sprintf("%s:check_in", getNodeServiceId(id))
}
