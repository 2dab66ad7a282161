package kubernetes

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/stratus-paas/stratus/pkg/engine"
)

const (
	// ContainerName is the name of the single application container.
	ContainerName = "app"

	// ConfigMountPath is where config mounts are projected.
	ConfigMountPath = "/etc/config"

	configVolumeName = "config-mounts"

	// TargetCPUUtilization is the HPA CPU target in percent.
	TargetCPUUtilization int32 = 80
)

// Requests kept small so replicas are not starved of scheduling.
var (
	requestCPU    = resource.MustParse("50m")
	requestMemory = resource.MustParse("25M")
)

// configMapKey turns a mount path into a valid ConfigMap key.
func configMapKey(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "_")
}

// ConfigHash returns the SHA-512 of the config mounts, stable across map order.
func ConfigHash(mounts map[string][]byte) string {
	paths := make([]string, 0, len(mounts))
	for p := range mounts {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha512.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s\x00%d\x00", p, len(mounts[p]))
		h.Write(mounts[p])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildConfigMap creates the ConfigMap holding the config mounts of a deployment.
// It returns nil when there are none.
func BuildConfigMap(r *engine.Resource, namespace string) *corev1.ConfigMap {
	spec := r.Deployment
	if len(spec.ConfigMounts) == 0 {
		return nil
	}
	data := make(map[string][]byte, len(spec.ConfigMounts))
	for path, content := range spec.ConfigMounts {
		data[configMapKey(path)] = content
	}
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      configMapName(r.ID),
			Namespace: namespace,
			Labels:    BuildLabels(r),
		},
		BinaryData: data,
	}
}

// BuildService exposes the ports of a deployment inside the cluster. It returns
// nil when the deployment exposes no port.
func BuildService(r *engine.Resource, namespace string) *corev1.Service {
	spec := r.Deployment
	if len(spec.Ports) == 0 {
		return nil
	}
	ports := make([]corev1.ServicePort, 0, len(spec.Ports))
	for _, p := range spec.SortedPorts() {
		ports = append(ports, corev1.ServicePort{
			Name:       "port-" + strconv.Itoa(int(p)),
			Port:       int32(p),
			TargetPort: intstr.FromInt32(int32(p)),
			Protocol:   protocol(spec.Ports[p]),
		})
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      serviceName(r.ID),
			Namespace: namespace,
			Labels:    BuildLabels(r),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: SelectorLabels(r),
			Ports:    ports,
		},
	}
}

func protocol(t engine.PortType) corev1.Protocol {
	if t == engine.PortTypeUDP {
		return corev1.ProtocolUDP
	}
	return corev1.ProtocolTCP
}

// BuildPodTemplate creates the pod template shared by the Deployment and
// StatefulSet forms of a deployment.
func BuildPodTemplate(r *engine.Resource, cfg Config, configHash string) corev1.PodTemplateSpec {
	spec := r.Deployment

	container := corev1.Container{
		Name:            ContainerName,
		Image:           spec.Image(),
		ImagePullPolicy: corev1.PullIfNotPresent,
		Ports:           containerPorts(spec),
		Env:             envVars(spec.EnvironmentVariables),
		StartupProbe:    httpProbe(spec.StartupProbe),
		LivenessProbe:   httpProbe(spec.LivenessProbe),
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    *resource.NewQuantity(int64(max(spec.MachineType.CPUCount, 1)), resource.DecimalSI),
				corev1.ResourceMemory: *resource.NewQuantity(int64(max(spec.MachineType.MemoryMB, 64))*1024*1024, resource.BinarySI),
			},
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    requestCPU,
				corev1.ResourceMemory: requestMemory,
			},
		},
	}

	var volumes []corev1.Volume
	if len(spec.ConfigMounts) > 0 {
		items := make([]corev1.KeyToPath, 0, len(spec.ConfigMounts))
		paths := make([]string, 0, len(spec.ConfigMounts))
		for p := range spec.ConfigMounts {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			items = append(items, corev1.KeyToPath{Key: configMapKey(p), Path: strings.TrimPrefix(p, "/")})
		}
		volumes = append(volumes, corev1.Volume{
			Name: configVolumeName,
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: configMapName(r.ID)},
					Items:                items,
				},
			},
		})
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      configVolumeName,
			MountPath: ConfigMountPath,
		})
	}
	for _, id := range sortedVolumeIDs(spec.Volumes) {
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      pvcName(id),
			MountPath: spec.Volumes[id].Path,
		})
	}

	tmpl := corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{
			Labels: MergeLabels(BuildLabels(r), SelectorLabels(r)),
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{container},
			Volumes:    volumes,
		},
	}
	if configHash != "" {
		tmpl.Annotations = map[string]string{AnnotationConfigHash: configHash}
	}
	if spec.Registry == "" {
		tmpl.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: cfg.ImagePullSecret}}
	}
	return tmpl
}

func containerPorts(spec *engine.DeploymentSpec) []corev1.ContainerPort {
	var ports []corev1.ContainerPort
	for _, p := range spec.SortedPorts() {
		ports = append(ports, corev1.ContainerPort{
			Name:          "port-" + strconv.Itoa(int(p)),
			ContainerPort: int32(p),
			Protocol:      protocol(spec.Ports[p]),
		})
	}
	return ports
}

func envVars(vars map[string]engine.EnvironmentVariable) []corev1.EnvVar {
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)

	var env []corev1.EnvVar
	for _, n := range names {
		v := vars[n]
		if v.SecretID != nil {
			env = append(env, corev1.EnvVar{
				Name: n,
				ValueFrom: &corev1.EnvVarSource{
					SecretKeyRef: &corev1.SecretKeySelector{
						LocalObjectReference: corev1.LocalObjectReference{Name: secretName(*v.SecretID)},
						Key:                  "value",
					},
				},
			})
			continue
		}
		env = append(env, corev1.EnvVar{Name: n, Value: v.Value})
	}
	return env
}

func httpProbe(p *engine.Probe) *corev1.Probe {
	if p == nil {
		return nil
	}
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: p.Path,
				Port: intstr.FromInt32(int32(p.Port)),
			},
		},
		FailureThreshold: 15,
		PeriodSeconds:    5,
		TimeoutSeconds:   3,
	}
}

func sortedVolumeIDs(vols map[uuid.UUID]engine.VolumeMount) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(vols))
	for id := range vols {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// BuildDeployment creates the Deployment of a deployment without volumes.
func BuildDeployment(r *engine.Resource, namespace string, cfg Config, configHash string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      deploymentName(r.ID),
			Namespace: namespace,
			Labels:    BuildLabels(r),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(r.Deployment.MinHorizontalScale)),
			Selector: &metav1.LabelSelector{MatchLabels: SelectorLabels(r)},
			Template: BuildPodTemplate(r, cfg, configHash),
		},
	}
}

// BuildVolumeClaims creates one claim template per volume of a deployment.
func BuildVolumeClaims(r *engine.Resource) []corev1.PersistentVolumeClaim {
	var claims []corev1.PersistentVolumeClaim
	for _, id := range sortedVolumeIDs(r.Deployment.Volumes) {
		claims = append(claims, volumeClaim(pvcName(id), r.Deployment.Volumes[id].SizeGB))
	}
	return claims
}

func volumeClaim(name string, sizeGB int) corev1.PersistentVolumeClaim {
	return corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(int64(max(sizeGB, 1))*1024*1024*1024, resource.BinarySI),
				},
			},
		},
	}
}

// BuildDeploymentStatefulSet creates the StatefulSet of a deployment with volumes.
func BuildDeploymentStatefulSet(r *engine.Resource, namespace string, cfg Config, configHash string) *appsv1.StatefulSet {
	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      deploymentName(r.ID),
			Namespace: namespace,
			Labels:    BuildLabels(r),
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:             ptr.To(int32(r.Deployment.MinHorizontalScale)),
			ServiceName:          serviceName(r.ID),
			Selector:             &metav1.LabelSelector{MatchLabels: SelectorLabels(r)},
			Template:             BuildPodTemplate(r, cfg, configHash),
			VolumeClaimTemplates: BuildVolumeClaims(r),
		},
	}
}

// BuildHPA scales a deployment between its min and max scale on CPU. It
// returns nil when the deployment is scaled to zero.
func BuildHPA(r *engine.Resource, namespace string) *autoscalingv2.HorizontalPodAutoscaler {
	spec := r.Deployment
	if spec.MaxHorizontalScale == 0 {
		return nil
	}
	kind := "Deployment"
	if len(spec.Volumes) > 0 {
		kind = "StatefulSet"
	}
	return &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:      hpaName(r.ID),
			Namespace: namespace,
			Labels:    BuildLabels(r),
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       kind,
				Name:       deploymentName(r.ID),
			},
			MinReplicas: ptr.To(int32(max(spec.MinHorizontalScale, 1))),
			MaxReplicas: int32(spec.MaxHorizontalScale),
			Metrics: []autoscalingv2.MetricSpec{{
				Type: autoscalingv2.ResourceMetricSourceType,
				Resource: &autoscalingv2.ResourceMetricSource{
					Name: corev1.ResourceCPU,
					Target: autoscalingv2.MetricTarget{
						Type:               autoscalingv2.UtilizationMetricType,
						AverageUtilization: ptr.To(TargetCPUUtilization),
					},
				},
			}},
		},
	}
}
