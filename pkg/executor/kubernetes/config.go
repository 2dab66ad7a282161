package kubernetes

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// Config configures the Kubernetes executors.
type Config struct {
	// RunnerID scopes ListRunning to objects of this runner.
	RunnerID uuid.UUID

	// NamespacePrefix is prepended to the workspace ID.
	NamespacePrefix string

	// IngressClass is the ingress class of managed URLs.
	IngressClass string

	// StaticSiteOrigin serves static sites without an explicit bucket host.
	StaticSiteOrigin string

	// ImagePullSecret is attached to pods pulling from the platform registry.
	ImagePullSecret string

	// ReconcileInterval overrides engine.DefaultFullReconciliationInterval.
	ReconcileInterval time.Duration

	// PageSize bounds every list call.
	PageSize int64
}

func (c Config) withDefaults() Config {
	if c.NamespacePrefix == "" {
		c.NamespacePrefix = "ws-"
	}
	if c.IngressClass == "" {
		c.IngressClass = "nginx"
	}
	if c.StaticSiteOrigin == "" {
		c.StaticSiteOrigin = "static.stratus.dev"
	}
	if c.ImagePullSecret == "" {
		c.ImagePullSecret = "stratus-regcred"
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = engine.DefaultFullReconciliationInterval
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	return c
}

// NewScheme returns a scheme with every built-in API group registered.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	return scheme
}

// RESTConfig loads a kubeconfig file, or the in-cluster config when path is empty.
func RESTConfig(path string) (*rest.Config, error) {
	if path == "" {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig %s: %w", path, err)
	}
	return cfg, nil
}

// NewClient builds a controller-runtime client from a kubeconfig path.
func NewClient(kubeconfig string) (client.Client, error) {
	cfg, err := RESTConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	cfg.UserAgent = "stratus-runner"
	c, err := client.New(cfg, client.Options{Scheme: NewScheme()})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return c, nil
}
