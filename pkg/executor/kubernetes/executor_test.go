package kubernetes

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/stratus-paas/stratus/pkg/engine"
)

func setupCluster(t *testing.T, objs ...client.Object) (*Cluster, client.Client) {
	t.Helper()
	c := fake.NewClientBuilder().WithScheme(NewScheme()).WithObjects(objs...).Build()
	return NewCluster(c, Config{RunnerID: testRunner}, nil), c
}

func executorFor(t *testing.T, cl *Cluster, kind engine.Kind) engine.Executor {
	t.Helper()
	for _, e := range cl.Executors() {
		if e.Kind() == kind {
			return e
		}
	}
	t.Fatalf("no executor for %s", kind)
	return nil
}

func listRunning(t *testing.T, e engine.Executor) []uuid.UUID {
	t.Helper()
	var ids []uuid.UUID
	for id, err := range e.ListRunning(context.Background()) {
		if err != nil {
			t.Fatalf("ListRunning() error = %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func key(name string) client.ObjectKey {
	return client.ObjectKey{Namespace: testNamespace, Name: name}
}

func mustNotExist(t *testing.T, c client.Client, obj client.Object, name string) {
	t.Helper()
	err := c.Get(context.Background(), key(name), obj)
	if !apierrors.IsNotFound(err) {
		t.Errorf("Get(%T %s) error = %v, want NotFound", obj, name, err)
	}
}

func TestExecutorsCoverEveryKind(t *testing.T) {
	cl, _ := setupCluster(t)
	var kinds []engine.Kind
	for _, e := range cl.Executors() {
		kinds = append(kinds, e.Kind())
		if e.FullReconciliationInterval() != engine.DefaultFullReconciliationInterval {
			t.Errorf("%s interval = %s", e.Kind(), e.FullReconciliationInterval())
		}
	}
	for _, k := range []engine.Kind{engine.KindDeployment, engine.KindStaticSite, engine.KindDatabase, engine.KindManagedURL} {
		if !slices.Contains(kinds, k) {
			t.Errorf("missing executor for %s", k)
		}
	}
}

func TestDeploymentUpsert(t *testing.T) {
	ctx := context.Background()
	cl, c := setupCluster(t)
	exec := executorFor(t, cl, engine.KindDeployment)

	id := uuid.MustParse("00000000-0000-0000-0000-000000000101")
	r := testDeployment(id)
	r.Deployment.ConfigMounts = map[string][]byte{"/etc/app.conf": []byte("a=1")}

	if err := exec.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	var ns corev1.Namespace
	if err := c.Get(ctx, client.ObjectKey{Name: testNamespace}, &ns); err != nil {
		t.Fatalf("namespace not created: %v", err)
	}

	var dep appsv1.Deployment
	if err := c.Get(ctx, key("deployment-"+id.String()), &dep); err != nil {
		t.Fatalf("Get(Deployment) error = %v", err)
	}
	if *dep.Spec.Replicas != 1 {
		t.Errorf("Replicas = %d, want 1", *dep.Spec.Replicas)
	}
	hash := dep.Spec.Template.Annotations[AnnotationConfigHash]
	if hash != ConfigHash(r.Deployment.ConfigMounts) {
		t.Errorf("config hash = %q", hash)
	}
	for _, obj := range []struct {
		o    client.Object
		name string
	}{
		{&corev1.Service{}, "service-" + id.String()},
		{&corev1.ConfigMap{}, "config-mount-" + id.String()},
		{&autoscalingv2.HorizontalPodAutoscaler{}, "hpa-" + id.String()},
	} {
		if err := c.Get(ctx, key(obj.name), obj.o); err != nil {
			t.Errorf("Get(%s) error = %v", obj.name, err)
		}
	}

	// A second upsert of the same spec writes nothing.
	if err := exec.Upsert(ctx, r); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}
	var again appsv1.Deployment
	if err := c.Get(ctx, key("deployment-"+id.String()), &again); err != nil {
		t.Fatal(err)
	}
	if again.ResourceVersion != dep.ResourceVersion {
		t.Errorf("ResourceVersion changed from %s to %s on a no-op upsert", dep.ResourceVersion, again.ResourceVersion)
	}

	// Changing a config mount rolls the pods.
	r.Deployment.ConfigMounts["/etc/app.conf"] = []byte("a=2")
	if err := exec.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := c.Get(ctx, key("deployment-"+id.String()), &again); err != nil {
		t.Fatal(err)
	}
	if again.Spec.Template.Annotations[AnnotationConfigHash] == hash {
		t.Error("config hash unchanged after config edit")
	}

	if got := listRunning(t, exec); !slices.Equal(got, []uuid.UUID{id}) {
		t.Errorf("ListRunning() = %v, want [%s]", got, id)
	}
}

func TestDeploymentSwitchesWorkloadKind(t *testing.T) {
	ctx := context.Background()
	cl, c := setupCluster(t)
	exec := executorFor(t, cl, engine.KindDeployment)

	id := uuid.MustParse("00000000-0000-0000-0000-000000000102")
	r := testDeployment(id)
	if err := exec.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	r.Deployment.Volumes = map[uuid.UUID]engine.VolumeMount{
		uuid.MustParse("00000000-0000-0000-0000-0000000001f1"): {Path: "/data", SizeGB: 5},
	}
	r.Deployment.MaxHorizontalScale = 0
	r.Deployment.Ports = nil
	if err := exec.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert() with volumes error = %v", err)
	}

	var sts appsv1.StatefulSet
	if err := c.Get(ctx, key("deployment-"+id.String()), &sts); err != nil {
		t.Fatalf("Get(StatefulSet) error = %v", err)
	}
	if len(sts.Spec.VolumeClaimTemplates) != 1 {
		t.Errorf("got %d claim templates, want 1", len(sts.Spec.VolumeClaimTemplates))
	}
	mustNotExist(t, c, &appsv1.Deployment{}, "deployment-"+id.String())
	mustNotExist(t, c, &autoscalingv2.HorizontalPodAutoscaler{}, "hpa-"+id.String())
	mustNotExist(t, c, &corev1.Service{}, "service-"+id.String())

	// Resizing a volume recreates the StatefulSet.
	for vid, v := range r.Deployment.Volumes {
		v.SizeGB = 10
		r.Deployment.Volumes[vid] = v
	}
	if err := exec.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert() after resize error = %v", err)
	}
	if err := c.Get(ctx, key("deployment-"+id.String()), &sts); err != nil {
		t.Fatal(err)
	}
	size := sts.Spec.VolumeClaimTemplates[0].Spec.Resources.Requests[corev1.ResourceStorage]
	if size.Value() != 10*1024*1024*1024 {
		t.Errorf("volume size = %s, want 10Gi", size.String())
	}

	if got := listRunning(t, exec); !slices.Equal(got, []uuid.UUID{id}) {
		t.Errorf("ListRunning() = %v, want [%s]", got, id)
	}
}

func TestDeploymentDelete(t *testing.T) {
	ctx := context.Background()
	cl, c := setupCluster(t)
	exec := executorFor(t, cl, engine.KindDeployment)

	keep := uuid.MustParse("00000000-0000-0000-0000-000000000103")
	gone := uuid.MustParse("00000000-0000-0000-0000-000000000104")
	for _, id := range []uuid.UUID{keep, gone} {
		if err := exec.Upsert(ctx, testDeployment(id)); err != nil {
			t.Fatalf("Upsert(%s) error = %v", id, err)
		}
	}

	if err := exec.Delete(ctx, gone); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := exec.Delete(ctx, gone); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}

	mustNotExist(t, c, &appsv1.Deployment{}, "deployment-"+gone.String())
	mustNotExist(t, c, &corev1.Service{}, "service-"+gone.String())
	mustNotExist(t, c, &autoscalingv2.HorizontalPodAutoscaler{}, "hpa-"+gone.String())

	if got := listRunning(t, exec); !slices.Equal(got, []uuid.UUID{keep}) {
		t.Errorf("ListRunning() = %v, want [%s]", got, keep)
	}
}

func TestListRunningIgnoresOtherRunners(t *testing.T) {
	other := testDeployment(uuid.MustParse("00000000-0000-0000-0000-000000000105"))
	other.RunnerID = uuid.MustParse("00000000-0000-0000-0000-0000000000bb")
	foreign := BuildDeployment(other, testNamespace, Config{}.withDefaults(), "")

	cl, _ := setupCluster(t, foreign)
	exec := executorFor(t, cl, engine.KindDeployment)

	if got := listRunning(t, exec); len(got) != 0 {
		t.Errorf("ListRunning() = %v, want none", got)
	}
}

func TestStaticSiteUpsert(t *testing.T) {
	ctx := context.Background()
	cl, c := setupCluster(t)
	exec := executorFor(t, cl, engine.KindStaticSite)

	id := uuid.MustParse("00000000-0000-0000-0000-000000000201")
	upload := uuid.MustParse("00000000-0000-0000-0000-0000000002f1")
	r := &engine.Resource{
		ID:          id,
		Kind:        engine.KindStaticSite,
		WorkspaceID: testWorkspace,
		RunnerID:    testRunner,
		StaticSite:  &engine.StaticSiteSpec{UploadID: upload},
	}
	if err := exec.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	var svc corev1.Service
	if err := c.Get(ctx, key("static-site-"+id.String()), &svc); err != nil {
		t.Fatalf("Get(Service) error = %v", err)
	}
	if svc.Spec.Type != corev1.ServiceTypeExternalName || svc.Spec.ExternalName != "static.stratus.dev" {
		t.Errorf("Service spec = %+v", svc.Spec)
	}
	if svc.Annotations[AnnotationUploadID] != upload.String() {
		t.Errorf("upload annotation = %q", svc.Annotations[AnnotationUploadID])
	}
	if got := listRunning(t, exec); !slices.Equal(got, []uuid.UUID{id}) {
		t.Errorf("ListRunning() = %v", got)
	}

	if err := exec.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := listRunning(t, exec); len(got) != 0 {
		t.Errorf("ListRunning() after delete = %v", got)
	}
}

func TestDatabaseKeepsPassword(t *testing.T) {
	ctx := context.Background()
	cl, c := setupCluster(t)
	exec := executorFor(t, cl, engine.KindDatabase)

	id := uuid.MustParse("00000000-0000-0000-0000-000000000301")
	r := &engine.Resource{
		ID:          id,
		Kind:        engine.KindDatabase,
		WorkspaceID: testWorkspace,
		RunnerID:    testRunner,
		Database: &engine.DatabaseSpec{
			Engine: engine.DatabaseEngineRedis,
			Plan:   engine.DatabasePlan{CPUCount: 1, MemoryMB: 256, VolumeGB: 1},
		},
	}

	if err := exec.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	var first corev1.Secret
	if err := c.Get(ctx, key("database-"+id.String()+"-credentials"), &first); err != nil {
		t.Fatalf("Get(Secret) error = %v", err)
	}
	if len(first.StringData[PasswordKey]) != 48 {
		t.Errorf("password length = %d, want 48", len(first.StringData[PasswordKey]))
	}

	if err := exec.Upsert(ctx, r); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}
	var second corev1.Secret
	if err := c.Get(ctx, key("database-"+id.String()+"-credentials"), &second); err != nil {
		t.Fatal(err)
	}
	if first.StringData[PasswordKey] != second.StringData[PasswordKey] {
		t.Error("password rotated on upsert")
	}

	if got := listRunning(t, exec); !slices.Equal(got, []uuid.UUID{id}) {
		t.Errorf("ListRunning() = %v", got)
	}

	r.Database.Engine = "oracle"
	invalid := &engine.EngineError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeValidation}
	if err := exec.Upsert(ctx, r); !errors.Is(err, invalid) {
		t.Errorf("Upsert() with unknown engine error = %v, want permanent validation error", err)
	}
}

func TestManagedURLWaitsForTarget(t *testing.T) {
	ctx := context.Background()
	cl, c := setupCluster(t)
	urls := executorFor(t, cl, engine.KindManagedURL)
	deployments := executorFor(t, cl, engine.KindDeployment)

	deploymentID := uuid.MustParse("00000000-0000-0000-0000-000000000401")
	id := uuid.MustParse("00000000-0000-0000-0000-000000000402")
	r := &engine.Resource{
		ID:          id,
		Kind:        engine.KindManagedURL,
		WorkspaceID: testWorkspace,
		RunnerID:    testRunner,
		ManagedURL: &engine.ManagedURLSpec{
			SubDomain:    "app",
			Domain:       "example.com",
			Target:       engine.ManagedURLProxyDeployment,
			DeploymentID: &deploymentID,
			Port:         8080,
		},
	}

	err := urls.Upsert(ctx, r)
	if !engine.IsTransient(err) {
		t.Fatalf("Upsert() before target error = %v, want transient", err)
	}
	if d := engine.RetryAfter(err, 0); d != 10*time.Second {
		t.Errorf("RetryAfter() = %s, want 10s", d)
	}

	if err := deployments.Upsert(ctx, testDeployment(deploymentID)); err != nil {
		t.Fatalf("Upsert(deployment) error = %v", err)
	}
	if err := urls.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	var ing networkingv1.Ingress
	if err := c.Get(ctx, key("managed-url-"+id.String()), &ing); err != nil {
		t.Fatalf("Get(Ingress) error = %v", err)
	}
	backend := ing.Spec.Rules[0].HTTP.Paths[0].Backend.Service
	if backend.Name != "service-"+deploymentID.String() || backend.Port.Number != 8080 {
		t.Errorf("ingress backend = %+v", backend)
	}
	if got := listRunning(t, urls); !slices.Equal(got, []uuid.UUID{id}) {
		t.Errorf("ListRunning() = %v", got)
	}
}

func TestManagedURLRedirect(t *testing.T) {
	ctx := context.Background()
	cl, c := setupCluster(t)
	exec := executorFor(t, cl, engine.KindManagedURL)

	id := uuid.MustParse("00000000-0000-0000-0000-000000000403")
	r := &engine.Resource{
		ID:          id,
		Kind:        engine.KindManagedURL,
		WorkspaceID: testWorkspace,
		RunnerID:    testRunner,
		ManagedURL: &engine.ManagedURLSpec{
			Domain:            "example.com",
			Target:            engine.ManagedURLRedirect,
			URL:               "https://example.org",
			PermanentRedirect: true,
		},
	}
	if err := exec.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	var svc corev1.Service
	if err := c.Get(ctx, key("managed-url-"+id.String()), &svc); err != nil {
		t.Fatalf("Get(Service) error = %v", err)
	}
	if svc.Spec.ExternalName != "example.org" {
		t.Errorf("ExternalName = %q", svc.Spec.ExternalName)
	}

	if err := exec.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	mustNotExist(t, c, &corev1.Service{}, "managed-url-"+id.String())
	mustNotExist(t, c, &networkingv1.Ingress{}, "managed-url-"+id.String())
}

func TestWrapClassifiesAPIErrors(t *testing.T) {
	cl, _ := setupCluster(t)
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}

	tests := map[string]struct {
		err  error
		want time.Duration
	}{
		"conflict":     {apierrors.NewConflict(gr, "x", nil), time.Second},
		"server busy":  {apierrors.NewTooManyRequests("slow down", 7), 7 * time.Second},
		"unavailable":  {apierrors.NewServiceUnavailable("down"), 5 * time.Second},
		"forbidden":    {apierrors.NewForbidden(gr, "x", nil), engine.DefaultFullReconciliationInterval},
		"already done": {engine.Retry(42*time.Second, nil), 42 * time.Second},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := cl.wrap(tc.err)
			if d := engine.RetryAfter(got, 0); d != tc.want {
				t.Errorf("RetryAfter(wrap(%v)) = %s, want %s", tc.err, d, tc.want)
			}
		})
	}

	if cl.wrap(nil) != nil {
		t.Error("wrap(nil) != nil")
	}
}
