package kubernetes

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/stratus-paas/stratus/pkg/engine"
)

func service(id uuid.UUID, kind engine.Kind, name, externalName string, ports ...int32) corev1.Service {
	svc := corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				LabelResourceID: id.String(),
				LabelKind:       string(kind),
			},
		},
		Spec: corev1.ServiceSpec{ExternalName: externalName},
	}
	for _, p := range ports {
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{Port: p})
	}
	return svc
}

func managedURL(spec engine.ManagedURLSpec) *engine.Resource {
	return &engine.Resource{
		ID:          uuid.MustParse("00000000-0000-0000-0000-0000000000f1"),
		Kind:        engine.KindManagedURL,
		WorkspaceID: testWorkspace,
		RunnerID:    testRunner,
		ManagedURL:  &spec,
	}
}

func TestServiceGraphResolve(t *testing.T) {
	deploymentID := uuid.MustParse("00000000-0000-0000-0000-0000000000d1")
	siteID := uuid.MustParse("00000000-0000-0000-0000-0000000000e1")
	missingID := uuid.MustParse("00000000-0000-0000-0000-0000000000ff")

	graph := NewServiceGraph([]corev1.Service{
		service(deploymentID, engine.KindDeployment, "service-d1", "", 8080),
		service(siteID, engine.KindStaticSite, "static-site-e1", "bucket.example.com", 80),
		{ObjectMeta: metav1.ObjectMeta{Name: "foreign"}},
	})

	tests := map[string]struct {
		spec          engine.ManagedURLSpec
		want          *Backend
		wantPermanent bool
		wantRetry     time.Duration
	}{
		"deployment": {
			spec: engine.ManagedURLSpec{Target: engine.ManagedURLProxyDeployment, DeploymentID: &deploymentID, Port: 8080},
			want: &Backend{ServiceName: "service-d1", Port: 8080, Scheme: "http"},
		},
		"deployment port not exposed": {
			spec:          engine.ManagedURLSpec{Target: engine.ManagedURLProxyDeployment, DeploymentID: &deploymentID, Port: 9090},
			wantPermanent: true,
		},
		"deployment not running yet": {
			spec:      engine.ManagedURLSpec{Target: engine.ManagedURLProxyDeployment, DeploymentID: &missingID, Port: 8080},
			wantRetry: 10 * time.Second,
		},
		"target of the wrong kind": {
			spec:          engine.ManagedURLSpec{Target: engine.ManagedURLProxyDeployment, DeploymentID: &siteID, Port: 80},
			wantPermanent: true,
		},
		"static site": {
			spec: engine.ManagedURLSpec{Target: engine.ManagedURLProxyStaticSite, StaticSiteID: &siteID},
			want: &Backend{ServiceName: "static-site-e1", Port: 80, UpstreamHost: "bucket.example.com", Scheme: "http"},
		},
		"https proxy": {
			spec: engine.ManagedURLSpec{Target: engine.ManagedURLProxyURL, URL: "https://api.example.org/v1"},
			want: &Backend{
				ServiceName:  "managed-url-00000000-0000-0000-0000-0000000000f1",
				Port:         443,
				UpstreamHost: "api.example.org",
				Scheme:       "https",
				External:     true,
			},
		},
		"http redirect": {
			spec: engine.ManagedURLSpec{Target: engine.ManagedURLRedirect, URL: "http://example.org"},
			want: &Backend{
				ServiceName:  "managed-url-00000000-0000-0000-0000-0000000000f1",
				Port:         80,
				UpstreamHost: "example.org",
				Scheme:       "http",
				External:     true,
			},
		},
		"url without host": {
			spec:          engine.ManagedURLSpec{Target: engine.ManagedURLProxyURL, URL: "/relative"},
			wantPermanent: true,
		},
		"unknown target": {
			spec:          engine.ManagedURLSpec{Target: "teleport"},
			wantPermanent: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := graph.Resolve(managedURL(tc.spec))
			switch {
			case tc.wantPermanent:
				if !engine.IsPermanent(err) {
					t.Fatalf("Resolve() error = %v, want permanent", err)
				}
				return
			case tc.wantRetry > 0:
				if !engine.IsTransient(err) {
					t.Fatalf("Resolve() error = %v, want transient", err)
				}
				if d := engine.RetryAfter(err, 0); d != tc.wantRetry {
					t.Errorf("RetryAfter() = %s, want %s", d, tc.wantRetry)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
