package kubernetes

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// Cluster holds the client and settings shared by the per-kind executors.
type Cluster struct {
	client client.Client
	cfg    Config
	logger *telemetry.Logger
}

// NewCluster creates a cluster handle. logger may be nil.
func NewCluster(c client.Client, cfg Config, logger *telemetry.Logger) *Cluster {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Cluster{
		client: c,
		cfg:    cfg.withDefaults(),
		logger: logger.NewComponentLogger("kubernetes"),
	}
}

// Executors returns one executor per resource kind.
func (b *Cluster) Executors() []engine.Executor {
	return []engine.Executor{
		&DeploymentExecutor{b},
		&StaticSiteExecutor{b},
		&DatabaseExecutor{b},
		&ManagedURLExecutor{b},
	}
}

func (b *Cluster) namespace(r *engine.Resource) string {
	return Namespace(b.cfg.NamespacePrefix, r.WorkspaceID)
}

// ensureNamespace creates the workspace namespace when it is missing.
func (b *Cluster) ensureNamespace(ctx context.Context, r *engine.Resource) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: b.namespace(r),
			Labels: map[string]string{
				LabelWorkspaceID:  r.WorkspaceID.String(),
				LabelAppManagedBy: ManagedBy,
			},
		},
	}
	err := b.client.Create(ctx, ns)
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create namespace %s: %w", ns.Name, err)
	}
	return nil
}

// apply creates obj or updates the live copy with mutate. mutate receives the
// live object and copies the desired fields onto it.
func (b *Cluster) apply(ctx context.Context, obj client.Object, mutate func() error) error {
	op, err := controllerutil.CreateOrUpdate(ctx, b.client, obj, mutate)
	if err != nil {
		return fmt.Errorf("failed to apply %T %s: %w", obj, obj.GetName(), err)
	}
	if op != controllerutil.OperationResultNone {
		b.logger.Debugf("%T %s/%s %s", obj, obj.GetNamespace(), obj.GetName(), op)
	}
	return nil
}

// remove deletes obj, ignoring absence.
func (b *Cluster) remove(ctx context.Context, obj client.Object, opts ...client.DeleteOption) error {
	if err := b.client.Delete(ctx, obj, opts...); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete %T %s: %w", obj, obj.GetName(), err)
	}
	return nil
}

// listIDs pages through list, yielding the resource ID of every object of kind
// owned by this runner. Each ID is yielded once.
func (b *Cluster) listIDs(ctx context.Context, kind engine.Kind, newList func() client.ObjectList) iter.Seq2[uuid.UUID, error] {
	return func(yield func(uuid.UUID, error) bool) {
		seen := make(map[uuid.UUID]struct{})
		continueToken := ""
		for {
			list := newList()
			err := b.client.List(ctx, list,
				client.MatchingLabels{LabelRunner: b.cfg.RunnerID.String(), LabelKind: string(kind)},
				client.Limit(b.cfg.PageSize),
				client.Continue(continueToken),
			)
			if err != nil {
				yield(uuid.Nil, b.wrap(fmt.Errorf("failed to list %s objects: %w", kind, err)))
				return
			}

			items, err := meta.ExtractList(list)
			if err != nil {
				yield(uuid.Nil, fmt.Errorf("failed to read %s objects: %w", kind, err))
				return
			}
			for _, item := range items {
				obj, ok := item.(metav1.Object)
				if !ok {
					continue
				}
				id, err := uuid.Parse(obj.GetLabels()[LabelResourceID])
				if err != nil {
					b.logger.Warnf("ignoring %s with invalid resource label", obj.GetName())
					continue
				}
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if !yield(id, nil) {
					return
				}
			}

			continueToken = list.GetContinue()
			if continueToken == "" {
				return
			}
		}
	}
}

// deleteByID removes every object of the given list types labelled with id.
func (b *Cluster) deleteByID(ctx context.Context, id uuid.UUID, lists ...client.ObjectList) error {
	for _, list := range lists {
		if err := b.client.List(ctx, list, client.MatchingLabels{
			LabelResourceID: id.String(),
			LabelRunner:     b.cfg.RunnerID.String(),
		}); err != nil {
			return b.wrap(fmt.Errorf("failed to list objects of %s: %w", id, err))
		}
		items, err := meta.ExtractList(list)
		if err != nil {
			return err
		}
		for _, item := range items {
			obj, ok := item.(client.Object)
			if !ok {
				continue
			}
			if err := b.remove(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil {
				return b.wrap(err)
			}
		}
	}
	return nil
}

// wrap attaches a retry delay to an API error.
func (b *Cluster) wrap(err error) error {
	if err == nil {
		return nil
	}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		if engine.IsPermanent(err) && engErr.RetryAfter == 0 {
			return engErr.WithRetryAfter(b.cfg.ReconcileInterval)
		}
		return err
	}
	switch {
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return engine.Retry(time.Second, err)
	case apierrors.IsInvalid(err), apierrors.IsForbidden(err):
		return engine.Retry(b.cfg.ReconcileInterval, err)
	}
	if seconds, ok := apierrors.SuggestsClientDelay(err); ok {
		return engine.Retry(time.Duration(seconds)*time.Second, err)
	}
	return engine.Retry(5*time.Second, err)
}

func (b *Cluster) interval() time.Duration {
	return b.cfg.ReconcileInterval
}

// DeploymentExecutor runs deployments as Deployments, or StatefulSets when
// they mount volumes.
type DeploymentExecutor struct{ *Cluster }

// Kind implements engine.Executor.
func (e *DeploymentExecutor) Kind() engine.Kind { return engine.KindDeployment }

// FullReconciliationInterval implements engine.Executor.
func (e *DeploymentExecutor) FullReconciliationInterval() time.Duration { return e.interval() }

// ListRunning implements engine.Executor.
func (e *DeploymentExecutor) ListRunning(ctx context.Context) iter.Seq2[uuid.UUID, error] {
	deployments := e.listIDs(ctx, engine.KindDeployment, func() client.ObjectList { return &appsv1.DeploymentList{} })
	statefulSets := e.listIDs(ctx, engine.KindDeployment, func() client.ObjectList { return &appsv1.StatefulSetList{} })
	return func(yield func(uuid.UUID, error) bool) {
		seen := make(map[uuid.UUID]struct{})
		for _, seq := range []iter.Seq2[uuid.UUID, error]{deployments, statefulSets} {
			for id, err := range seq {
				if err != nil {
					yield(id, err)
					return
				}
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if !yield(id, nil) {
					return
				}
			}
		}
	}
}

// Upsert implements engine.Executor.
func (e *DeploymentExecutor) Upsert(ctx context.Context, r *engine.Resource) error {
	return e.wrap(e.upsert(ctx, r))
}

func (e *DeploymentExecutor) upsert(ctx context.Context, r *engine.Resource) error {
	if err := e.ensureNamespace(ctx, r); err != nil {
		return err
	}
	ns := e.namespace(r)
	spec := r.Deployment

	configHash := ""
	if cm := BuildConfigMap(r, ns); cm != nil {
		configHash = ConfigHash(spec.ConfigMounts)
		live := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: cm.Name, Namespace: ns}}
		if err := e.apply(ctx, live, func() error {
			live.Labels = cm.Labels
			live.Data = nil
			live.BinaryData = cm.BinaryData
			return nil
		}); err != nil {
			return err
		}
	} else if err := e.remove(ctx, &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: configMapName(r.ID), Namespace: ns}}); err != nil {
		return err
	}

	name := deploymentName(r.ID)
	if len(spec.Volumes) > 0 {
		if err := e.remove(ctx, &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns}}); err != nil {
			return err
		}
		if err := e.applyStatefulSet(ctx, BuildDeploymentStatefulSet(r, ns, e.cfg, configHash)); err != nil {
			return err
		}
	} else {
		if err := e.remove(ctx, &appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns}}); err != nil {
			return err
		}
		desired := BuildDeployment(r, ns, e.cfg, configHash)
		live := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns}}
		if err := e.apply(ctx, live, func() error {
			live.Labels = desired.Labels
			// The HPA owns the replica count once it exists.
			if live.Spec.Replicas == nil || spec.MaxHorizontalScale == 0 {
				live.Spec.Replicas = desired.Spec.Replicas
			}
			if live.Spec.Selector == nil {
				live.Spec.Selector = desired.Spec.Selector
			}
			live.Spec.Template = desired.Spec.Template
			return nil
		}); err != nil {
			return err
		}
	}

	if svc := BuildService(r, ns); svc != nil {
		if err := e.applyService(ctx, svc); err != nil {
			return err
		}
	} else if err := e.remove(ctx, &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: serviceName(r.ID), Namespace: ns}}); err != nil {
		return err
	}

	if hpa := BuildHPA(r, ns); hpa != nil {
		live := &autoscalingv2.HorizontalPodAutoscaler{ObjectMeta: metav1.ObjectMeta{Name: hpa.Name, Namespace: ns}}
		return e.apply(ctx, live, func() error {
			live.Labels = hpa.Labels
			live.Spec = hpa.Spec
			return nil
		})
	}
	return e.remove(ctx, &autoscalingv2.HorizontalPodAutoscaler{ObjectMeta: metav1.ObjectMeta{Name: hpaName(r.ID), Namespace: ns}})
}

// applyStatefulSet updates a StatefulSet in place, recreating it without
// touching its pods when the immutable claim templates change.
func (b *Cluster) applyStatefulSet(ctx context.Context, desired *appsv1.StatefulSet) error {
	live := &appsv1.StatefulSet{}
	err := b.client.Get(ctx, client.ObjectKeyFromObject(desired), live)
	switch {
	case apierrors.IsNotFound(err):
	case err != nil:
		return fmt.Errorf("failed to get StatefulSet %s: %w", desired.Name, err)
	case !equality.Semantic.DeepEqual(claimSpecs(live.Spec.VolumeClaimTemplates), claimSpecs(desired.Spec.VolumeClaimTemplates)):
		if err := b.remove(ctx, live, client.PropagationPolicy(metav1.DeletePropagationOrphan)); err != nil {
			return err
		}
	}

	obj := &appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	return b.apply(ctx, obj, func() error {
		obj.Labels = desired.Labels
		if obj.ResourceVersion == "" {
			obj.Spec = desired.Spec
			return nil
		}
		if obj.Spec.Replicas == nil {
			obj.Spec.Replicas = desired.Spec.Replicas
		}
		obj.Spec.Template = desired.Spec.Template
		return nil
	})
}

type claimSpec struct {
	Name string
	Spec corev1.PersistentVolumeClaimSpec
}

func claimSpecs(claims []corev1.PersistentVolumeClaim) []claimSpec {
	out := make([]claimSpec, 0, len(claims))
	for _, c := range claims {
		out = append(out, claimSpec{Name: c.Name, Spec: c.Spec})
	}
	return out
}

func (b *Cluster) applyService(ctx context.Context, desired *corev1.Service) error {
	live := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	return b.apply(ctx, live, func() error {
		live.Labels = desired.Labels
		live.Annotations = desired.Annotations
		live.Spec.Type = desired.Spec.Type
		live.Spec.ExternalName = desired.Spec.ExternalName
		live.Spec.Selector = desired.Spec.Selector
		live.Spec.Ports = desired.Spec.Ports
		return nil
	})
}

// Delete implements engine.Executor.
func (e *DeploymentExecutor) Delete(ctx context.Context, id uuid.UUID) error {
	return e.deleteByID(ctx, id,
		&autoscalingv2.HorizontalPodAutoscalerList{},
		&appsv1.DeploymentList{},
		&appsv1.StatefulSetList{},
		&corev1.ServiceList{},
		&corev1.ConfigMapList{},
	)
}

// StaticSiteExecutor serves static sites through ExternalName Services.
type StaticSiteExecutor struct{ *Cluster }

// Kind implements engine.Executor.
func (e *StaticSiteExecutor) Kind() engine.Kind { return engine.KindStaticSite }

// FullReconciliationInterval implements engine.Executor.
func (e *StaticSiteExecutor) FullReconciliationInterval() time.Duration { return e.interval() }

// ListRunning implements engine.Executor.
func (e *StaticSiteExecutor) ListRunning(ctx context.Context) iter.Seq2[uuid.UUID, error] {
	return e.listIDs(ctx, engine.KindStaticSite, func() client.ObjectList { return &corev1.ServiceList{} })
}

// Upsert implements engine.Executor.
func (e *StaticSiteExecutor) Upsert(ctx context.Context, r *engine.Resource) error {
	if err := e.ensureNamespace(ctx, r); err != nil {
		return e.wrap(err)
	}
	return e.wrap(e.applyService(ctx, BuildStaticSiteService(r, e.namespace(r), e.cfg)))
}

// Delete implements engine.Executor.
func (e *StaticSiteExecutor) Delete(ctx context.Context, id uuid.UUID) error {
	return e.deleteByID(ctx, id, &corev1.ServiceList{})
}

// DatabaseExecutor runs managed databases as single-replica StatefulSets.
type DatabaseExecutor struct{ *Cluster }

// Kind implements engine.Executor.
func (e *DatabaseExecutor) Kind() engine.Kind { return engine.KindDatabase }

// FullReconciliationInterval implements engine.Executor.
func (e *DatabaseExecutor) FullReconciliationInterval() time.Duration { return e.interval() }

// ListRunning implements engine.Executor.
func (e *DatabaseExecutor) ListRunning(ctx context.Context) iter.Seq2[uuid.UUID, error] {
	return e.listIDs(ctx, engine.KindDatabase, func() client.ObjectList { return &appsv1.StatefulSetList{} })
}

// Upsert implements engine.Executor.
func (e *DatabaseExecutor) Upsert(ctx context.Context, r *engine.Resource) error {
	return e.wrap(e.upsert(ctx, r))
}

func (e *DatabaseExecutor) upsert(ctx context.Context, r *engine.Resource) error {
	sts, err := BuildDatabaseStatefulSet(r, e.namespace(r))
	if err != nil {
		return engine.NewPermanentError("invalid database spec", err).WithCode(engine.ErrCodeValidation)
	}
	svc, err := BuildDatabaseService(r, e.namespace(r))
	if err != nil {
		return engine.NewPermanentError("invalid database spec", err).WithCode(engine.ErrCodeValidation)
	}

	if err := e.ensureNamespace(ctx, r); err != nil {
		return err
	}

	password, err := randomPassword()
	if err != nil {
		return err
	}
	secret := BuildDatabaseSecret(r, e.namespace(r), password)
	if err := e.client.Create(ctx, secret); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create database credentials: %w", err)
	}

	if err := e.applyService(ctx, svc); err != nil {
		return err
	}
	return e.applyStatefulSet(ctx, sts)
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Delete implements engine.Executor. Data volumes are left behind.
func (e *DatabaseExecutor) Delete(ctx context.Context, id uuid.UUID) error {
	return e.deleteByID(ctx, id,
		&appsv1.StatefulSetList{},
		&corev1.ServiceList{},
		&corev1.SecretList{},
	)
}

// ManagedURLExecutor routes managed URLs with Ingresses.
type ManagedURLExecutor struct{ *Cluster }

// Kind implements engine.Executor.
func (e *ManagedURLExecutor) Kind() engine.Kind { return engine.KindManagedURL }

// FullReconciliationInterval implements engine.Executor.
func (e *ManagedURLExecutor) FullReconciliationInterval() time.Duration { return e.interval() }

// ListRunning implements engine.Executor.
func (e *ManagedURLExecutor) ListRunning(ctx context.Context) iter.Seq2[uuid.UUID, error] {
	return e.listIDs(ctx, engine.KindManagedURL, func() client.ObjectList { return &networkingv1.IngressList{} })
}

// Upsert implements engine.Executor.
func (e *ManagedURLExecutor) Upsert(ctx context.Context, r *engine.Resource) error {
	return e.wrap(e.upsert(ctx, r))
}

func (e *ManagedURLExecutor) upsert(ctx context.Context, r *engine.Resource) error {
	ns := e.namespace(r)

	var services corev1.ServiceList
	if err := e.client.List(ctx, &services,
		client.InNamespace(ns),
		client.MatchingLabels{LabelRunner: e.cfg.RunnerID.String()},
	); err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	backend, err := NewServiceGraph(services.Items).Resolve(r)
	if err != nil {
		return err
	}

	if err := e.ensureNamespace(ctx, r); err != nil {
		return err
	}
	if backend.External {
		if err := e.applyService(ctx, BuildExternalService(r, ns, backend)); err != nil {
			return err
		}
	} else if err := e.remove(ctx, &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: managedURLName(r.ID), Namespace: ns}}); err != nil {
		return err
	}

	desired := BuildIngress(r, ns, e.cfg, backend)
	live := &networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: ns}}
	return e.apply(ctx, live, func() error {
		live.Labels = desired.Labels
		live.Annotations = desired.Annotations
		live.Spec = desired.Spec
		return nil
	})
}

// Delete implements engine.Executor.
func (e *ManagedURLExecutor) Delete(ctx context.Context, id uuid.UUID) error {
	return e.deleteByID(ctx, id, &networkingv1.IngressList{}, &corev1.ServiceList{})
}
