package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Kind is the closed set of resource kinds a runner reconciles.
type Kind string

const (
	// KindDeployment is a long-running container workload.
	KindDeployment Kind = "deployment"

	// KindStaticSite is a static site served from object storage.
	KindStaticSite Kind = "static_site"

	// KindDatabase is a managed database instance.
	KindDatabase Kind = "database"

	// KindManagedURL is an ingress rule routing a host/path to a target.
	KindManagedURL Kind = "managed_url"
)

// AllKinds lists every kind in reconciliation order. Managed URLs come last so
// their targets exist before routes are created.
var AllKinds = []Kind{KindDeployment, KindStaticSite, KindDatabase, KindManagedURL}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindDeployment, KindStaticSite, KindDatabase, KindManagedURL:
		return k, nil
	default:
		return "", fmt.Errorf("unknown resource kind: %q", s)
	}
}

// Validate checks if the kind is one of the known kinds.
func (k Kind) Validate() error {
	_, err := ParseKind(string(k))
	return err
}

// Key identifies one resource across kinds.
type Key struct {
	Kind Kind      `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// String renders the key as kind/id.
func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID.String()
}

// Resource is the desired state of one resource as declared by the control server.
// Exactly one spec pointer, matching Kind, is set.
type Resource struct {
	// ID is the unique identifier of the resource within its workspace.
	ID uuid.UUID `json:"id"`

	// Kind is the resource kind.
	Kind Kind `json:"kind"`

	// WorkspaceID is the owning workspace.
	WorkspaceID uuid.UUID `json:"workspace_id"`

	// RunnerID is the runner the resource is assigned to.
	RunnerID uuid.UUID `json:"runner_id"`

	// Name is the human-readable name of the resource.
	Name string `json:"name"`

	// Status is the status last reported for the resource.
	Status Status `json:"status,omitempty"`

	Deployment *DeploymentSpec `json:"deployment,omitempty"`
	StaticSite *StaticSiteSpec `json:"static_site,omitempty"`
	Database   *DatabaseSpec   `json:"database,omitempty"`
	ManagedURL *ManagedURLSpec `json:"managed_url,omitempty"`
}

// Key returns the resource key.
func (r *Resource) Key() Key {
	return Key{Kind: r.Kind, ID: r.ID}
}

// Validate checks that the resource carries a spec matching its kind.
func (r *Resource) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("resource id is required")
	}
	if err := r.Kind.Validate(); err != nil {
		return err
	}

	var ok bool
	switch r.Kind {
	case KindDeployment:
		ok = r.Deployment != nil
	case KindStaticSite:
		ok = r.StaticSite != nil
	case KindDatabase:
		ok = r.Database != nil
	case KindManagedURL:
		ok = r.ManagedURL != nil
	}
	if !ok {
		return fmt.Errorf("resource %s has no %s spec", r.ID, r.Kind)
	}
	return nil
}

// PortType is the protocol exposed on a deployment port.
type PortType string

const (
	PortTypeTCP  PortType = "tcp"
	PortTypeUDP  PortType = "udp"
	PortTypeHTTP PortType = "http"
)

// MachineType is the compute size of one deployment replica.
type MachineType struct {
	ID       uuid.UUID `json:"id"`
	CPUCount int       `json:"cpu_count"`
	MemoryMB int       `json:"memory_mb"`
}

// EnvironmentVariable is either a plain value or a reference to a workspace secret.
type EnvironmentVariable struct {
	Value    string     `json:"value,omitempty"`
	SecretID *uuid.UUID `json:"secret_id,omitempty"`
}

// Probe is an HTTP health probe against a deployment port.
type Probe struct {
	Port uint16 `json:"port"`
	Path string `json:"path"`
}

// VolumeMount is a persistent volume mounted into each replica.
type VolumeMount struct {
	Path   string `json:"path"`
	SizeGB int    `json:"size_gb"`
}

// DeploymentSpec is the desired state of a deployment.
type DeploymentSpec struct {
	// Registry is empty for the platform registry, or an external registry host.
	Registry string `json:"registry,omitempty"`

	// ImageName is the repository path within the registry.
	ImageName string `json:"image_name"`

	// ImageTag is the tag to deploy.
	ImageTag string `json:"image_tag"`

	// ImageDigest pins the image when set, overriding the tag.
	ImageDigest string `json:"image_digest,omitempty"`

	MachineType  MachineType `json:"machine_type"`
	DeployOnPush bool        `json:"deploy_on_push"`

	MinHorizontalScale int `json:"min_horizontal_scale"`
	MaxHorizontalScale int `json:"max_horizontal_scale"`

	Ports                map[uint16]PortType            `json:"ports"`
	EnvironmentVariables map[string]EnvironmentVariable `json:"environment_variables,omitempty"`

	StartupProbe  *Probe `json:"startup_probe,omitempty"`
	LivenessProbe *Probe `json:"liveness_probe,omitempty"`

	// ConfigMounts maps an absolute file path to the file contents.
	ConfigMounts map[string][]byte `json:"config_mounts,omitempty"`

	Volumes map[uuid.UUID]VolumeMount `json:"volumes,omitempty"`
}

// PlatformRegistry is the registry host used when DeploymentSpec.Registry is empty.
const PlatformRegistry = "registry.stratus.dev"

// Image returns the fully qualified image reference.
func (d *DeploymentSpec) Image() string {
	registry := d.Registry
	if registry == "" {
		registry = PlatformRegistry
	}
	ref := registry + "/" + d.ImageName
	if d.ImageDigest != "" {
		return ref + "@" + d.ImageDigest
	}
	return ref + ":" + d.ImageTag
}

// SortedPorts returns the exposed ports in ascending order.
func (d *DeploymentSpec) SortedPorts() []uint16 {
	ports := make([]uint16, 0, len(d.Ports))
	for p := range d.Ports {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// StaticSiteSpec is the desired state of a static site.
type StaticSiteSpec struct {
	// UploadID is the uploaded build currently served.
	UploadID uuid.UUID `json:"upload_id"`

	// Bucket is the object storage bucket host the site is served from.
	Bucket string `json:"bucket"`
}

// DatabaseEngine is the database engine of a managed database.
type DatabaseEngine string

const (
	DatabaseEnginePostgres DatabaseEngine = "postgres"
	DatabaseEngineMySQL    DatabaseEngine = "mysql"
	DatabaseEngineRedis    DatabaseEngine = "redis"
)

// DatabaseSpec is the desired state of a managed database.
type DatabaseSpec struct {
	Engine  DatabaseEngine `json:"engine"`
	Version string         `json:"version"`

	// Plan sizes the database: CPU, memory and volume size.
	Plan DatabasePlan `json:"plan"`
}

// DatabasePlan sizes a managed database.
type DatabasePlan struct {
	CPUCount int `json:"cpu_count"`
	MemoryMB int `json:"memory_mb"`
	VolumeGB int `json:"volume_gb"`
}

// ManagedURLTarget is where a managed URL routes to.
type ManagedURLTarget string

const (
	ManagedURLProxyDeployment ManagedURLTarget = "proxy_deployment"
	ManagedURLProxyStaticSite ManagedURLTarget = "proxy_static_site"
	ManagedURLProxyURL        ManagedURLTarget = "proxy_url"
	ManagedURLRedirect        ManagedURLTarget = "redirect"
)

// ManagedURLSpec is the desired state of a managed URL.
type ManagedURLSpec struct {
	SubDomain string           `json:"sub_domain"`
	Domain    string           `json:"domain"`
	Path      string           `json:"path"`
	Target    ManagedURLTarget `json:"target"`

	// DeploymentID and Port are set for proxy_deployment.
	DeploymentID *uuid.UUID `json:"deployment_id,omitempty"`
	Port         uint16     `json:"port,omitempty"`

	// StaticSiteID is set for proxy_static_site.
	StaticSiteID *uuid.UUID `json:"static_site_id,omitempty"`

	// URL is set for proxy_url and redirect.
	URL string `json:"url,omitempty"`

	// PermanentRedirect selects 308 over 307 for redirect.
	PermanentRedirect bool `json:"permanent_redirect,omitempty"`
}

// Host returns the host name the URL answers on.
func (m *ManagedURLSpec) Host() string {
	if m.SubDomain == "" || m.SubDomain == "@" {
		return m.Domain
	}
	return m.SubDomain + "." + m.Domain
}

// EventType is the type of a control server push event.
type EventType string

const (
	EventResourceCreated EventType = "resource_created"
	EventResourceUpdated EventType = "resource_updated"
	EventResourceDeleted EventType = "resource_deleted"
)

// Event is a push message from the control server naming one changed resource.
type Event struct {
	Type       EventType `json:"type"`
	Kind       Kind      `json:"resource_type"`
	ResourceID uuid.UUID `json:"resource_id"`
}

// Key returns the key of the resource named by the event.
func (e Event) Key() Key {
	return Key{Kind: e.Kind, ID: e.ResourceID}
}

// String renders the event for logs.
func (e Event) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}
