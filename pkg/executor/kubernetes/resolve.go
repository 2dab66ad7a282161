package kubernetes

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// targetRetryDelay is how long a managed URL waits for its target to appear.
const targetRetryDelay = 10 * time.Second

// Backend is where a managed URL sends its traffic.
type Backend struct {
	ServiceName  string
	Port         int32
	UpstreamHost string
	Scheme       string
	// External is set when the backend Service belongs to the managed URL itself.
	External bool
}

// ServiceNode is one runner-owned Service in a workspace namespace.
type ServiceNode struct {
	Name         string
	Kind         engine.Kind
	Ports        []int32
	ExternalName string
}

// ServiceGraph indexes the runner-owned Services of a namespace by resource ID.
type ServiceGraph map[uuid.UUID]ServiceNode

// NewServiceGraph indexes services by their resource label, skipping foreign ones.
func NewServiceGraph(services []corev1.Service) ServiceGraph {
	g := make(ServiceGraph, len(services))
	for _, svc := range services {
		id, err := uuid.Parse(svc.Labels[LabelResourceID])
		if err != nil {
			continue
		}
		node := ServiceNode{
			Name:         svc.Name,
			Kind:         engine.Kind(svc.Labels[LabelKind]),
			ExternalName: svc.Spec.ExternalName,
		}
		for _, p := range svc.Spec.Ports {
			node.Ports = append(node.Ports, p.Port)
		}
		g[id] = node
	}
	return g
}

// Resolve walks from a managed URL to the Service that serves it. A target
// that is not running yet yields a retryable error; a malformed spec yields a
// permanent one.
func (g ServiceGraph) Resolve(r *engine.Resource) (*Backend, error) {
	spec := r.ManagedURL
	switch spec.Target {
	case engine.ManagedURLProxyDeployment:
		if spec.DeploymentID == nil {
			return nil, engine.NewPermanentError("managed url has no deployment", nil).WithCode(engine.ErrCodeValidation)
		}
		node, err := g.lookup(*spec.DeploymentID, engine.KindDeployment)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(node.Ports, int32(spec.Port)) {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("deployment %s does not expose port %d", spec.DeploymentID, spec.Port), nil,
			).WithCode(engine.ErrCodeValidation)
		}
		return &Backend{ServiceName: node.Name, Port: int32(spec.Port), Scheme: "http"}, nil

	case engine.ManagedURLProxyStaticSite:
		if spec.StaticSiteID == nil {
			return nil, engine.NewPermanentError("managed url has no static site", nil).WithCode(engine.ErrCodeValidation)
		}
		node, err := g.lookup(*spec.StaticSiteID, engine.KindStaticSite)
		if err != nil {
			return nil, err
		}
		return &Backend{ServiceName: node.Name, Port: 80, UpstreamHost: node.ExternalName, Scheme: "http"}, nil

	case engine.ManagedURLProxyURL, engine.ManagedURLRedirect:
		u, err := url.Parse(spec.URL)
		if err != nil || u.Host == "" {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid managed url target %q", spec.URL), err).
				WithCode(engine.ErrCodeValidation)
		}
		b := &Backend{
			ServiceName:  managedURLName(r.ID),
			Port:         80,
			UpstreamHost: u.Hostname(),
			Scheme:       "http",
			External:     true,
		}
		if u.Scheme == "https" {
			b.Port, b.Scheme = 443, "https"
		}
		return b, nil

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown managed url target %q", spec.Target), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

func (g ServiceGraph) lookup(id uuid.UUID, kind engine.Kind) (ServiceNode, error) {
	node, ok := g[id]
	if !ok {
		return ServiceNode{}, engine.Retry(targetRetryDelay,
			fmt.Errorf("target %s %s is not running yet", kind, id))
	}
	if node.Kind != kind {
		return ServiceNode{}, engine.NewPermanentError(
			fmt.Sprintf("target %s is a %s, not a %s", id, node.Kind, kind), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	return node, nil
}
