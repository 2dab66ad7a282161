package kubernetes

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/stratus-paas/stratus/pkg/engine"
)

const (
	// DataVolumeName is the name of the database data volume.
	DataVolumeName = "data"

	// PasswordKey is the key of the password in the credentials Secret.
	PasswordKey = "password"
)

// engineProfile describes how one database engine runs.
type engineProfile struct {
	image          string
	defaultVersion string
	port           int32
	dataPath       string
	passwordEnv    string
	args           []string
	extraEnv       []corev1.EnvVar
}

var engineProfiles = map[engine.DatabaseEngine]engineProfile{
	engine.DatabaseEnginePostgres: {
		image:          "postgres",
		defaultVersion: "16",
		port:           5432,
		dataPath:       "/var/lib/postgresql/data",
		passwordEnv:    "POSTGRES_PASSWORD",
		extraEnv:       []corev1.EnvVar{{Name: "PGDATA", Value: "/var/lib/postgresql/data/pgdata"}},
	},
	engine.DatabaseEngineMySQL: {
		image:          "mysql",
		defaultVersion: "8.4",
		port:           3306,
		dataPath:       "/var/lib/mysql",
		passwordEnv:    "MYSQL_ROOT_PASSWORD",
	},
	engine.DatabaseEngineRedis: {
		image:          "redis",
		defaultVersion: "7",
		port:           6379,
		dataPath:       "/data",
		passwordEnv:    "REDIS_PASSWORD",
		args:           []string{"--requirepass", "$(REDIS_PASSWORD)", "--appendonly", "yes"},
	},
}

func profileFor(e engine.DatabaseEngine) (engineProfile, error) {
	p, ok := engineProfiles[e]
	if !ok {
		return engineProfile{}, fmt.Errorf("unsupported database engine %q", e)
	}
	return p, nil
}

// DatabaseImage returns the container image of a database.
func DatabaseImage(spec *engine.DatabaseSpec) (string, error) {
	p, err := profileFor(spec.Engine)
	if err != nil {
		return "", err
	}
	version := spec.Version
	if version == "" {
		version = p.defaultVersion
	}
	return p.image + ":" + version, nil
}

// BuildDatabaseSecret creates the credentials Secret of a database. It is
// only ever created, never updated, so the password is stable.
func BuildDatabaseSecret(r *engine.Resource, namespace, password string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      databaseSecretName(r.ID),
			Namespace: namespace,
			Labels:    BuildLabels(r),
		},
		Type:       corev1.SecretTypeOpaque,
		StringData: map[string]string{PasswordKey: password},
	}
}

// BuildDatabaseService exposes a database inside the cluster.
func BuildDatabaseService(r *engine.Resource, namespace string) (*corev1.Service, error) {
	p, err := profileFor(r.Database.Engine)
	if err != nil {
		return nil, err
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      databaseName(r.ID),
			Namespace: namespace,
			Labels:    BuildLabels(r),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: SelectorLabels(r),
			Ports: []corev1.ServicePort{{
				Name:       string(r.Database.Engine),
				Port:       p.port,
				TargetPort: intstr.FromInt32(p.port),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}, nil
}

// BuildDatabaseStatefulSet creates the single-replica StatefulSet of a database.
func BuildDatabaseStatefulSet(r *engine.Resource, namespace string) (*appsv1.StatefulSet, error) {
	spec := r.Database
	p, err := profileFor(spec.Engine)
	if err != nil {
		return nil, err
	}
	image, _ := DatabaseImage(spec)

	env := []corev1.EnvVar{{
		Name: p.passwordEnv,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: databaseSecretName(r.ID)},
				Key:                  PasswordKey,
			},
		},
	}}
	env = append(env, p.extraEnv...)

	container := corev1.Container{
		Name:  string(spec.Engine),
		Image: image,
		Args:  p.args,
		Env:   env,
		Ports: []corev1.ContainerPort{{
			Name:          string(spec.Engine),
			ContainerPort: p.port,
			Protocol:      corev1.ProtocolTCP,
		}},
		VolumeMounts: []corev1.VolumeMount{{Name: DataVolumeName, MountPath: p.dataPath}},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(p.port)},
			},
			PeriodSeconds: 5,
		},
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    *resource.NewQuantity(int64(max(spec.Plan.CPUCount, 1)), resource.DecimalSI),
				corev1.ResourceMemory: *resource.NewQuantity(int64(max(spec.Plan.MemoryMB, 128))*1024*1024, resource.BinarySI),
			},
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    requestCPU,
				corev1.ResourceMemory: requestMemory,
			},
		},
	}

	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      databaseName(r.ID),
			Namespace: namespace,
			Labels:    BuildLabels(r),
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:    ptr.To(int32(1)),
			ServiceName: databaseName(r.ID),
			Selector:    &metav1.LabelSelector{MatchLabels: SelectorLabels(r)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: MergeLabels(BuildLabels(r), SelectorLabels(r))},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{container}},
			},
			VolumeClaimTemplates: []corev1.PersistentVolumeClaim{volumeClaim(DataVolumeName, spec.Plan.VolumeGB)},
		},
	}, nil
}
