package kubernetes

import (
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// Ingress annotations understood by ingress-nginx.
const (
	annotationUpstreamVhost     = "nginx.ingress.kubernetes.io/upstream-vhost"
	annotationBackendProtocol   = "nginx.ingress.kubernetes.io/backend-protocol"
	annotationPermanentRedirect = "nginx.ingress.kubernetes.io/permanent-redirect"
	annotationTemporalRedirect  = "nginx.ingress.kubernetes.io/temporal-redirect"
)

// BuildStaticSiteService creates the ExternalName Service fronting the bucket
// a static site is served from.
func BuildStaticSiteService(r *engine.Resource, namespace string, cfg Config) *corev1.Service {
	host := r.StaticSite.Bucket
	if host == "" {
		host = cfg.StaticSiteOrigin
	}
	return externalService(r, staticSiteName(r.ID), namespace, host, 80, map[string]string{
		AnnotationUploadID: r.StaticSite.UploadID.String(),
	})
}

// BuildExternalService creates the ExternalName Service a proxy or redirect
// managed URL routes through.
func BuildExternalService(r *engine.Resource, namespace string, b *Backend) *corev1.Service {
	return externalService(r, b.ServiceName, namespace, b.UpstreamHost, b.Port, nil)
}

func externalService(r *engine.Resource, name, namespace, host string, port int32, annotations map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   namespace,
			Labels:      BuildLabels(r),
			Annotations: annotations,
		},
		Spec: corev1.ServiceSpec{
			Type:         corev1.ServiceTypeExternalName,
			ExternalName: host,
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       port,
				TargetPort: intstr.FromInt32(port),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// BuildIngress routes the host and path of a managed URL to its resolved backend.
func BuildIngress(r *engine.Resource, namespace string, cfg Config, b *Backend) *networkingv1.Ingress {
	spec := r.ManagedURL
	path := spec.Path
	if path == "" {
		path = "/"
	}

	annotations := map[string]string{}
	switch spec.Target {
	case engine.ManagedURLProxyStaticSite:
		annotations[annotationUpstreamVhost] = b.UpstreamHost
	case engine.ManagedURLProxyURL:
		annotations[annotationUpstreamVhost] = b.UpstreamHost
		if b.Scheme == "https" {
			annotations[annotationBackendProtocol] = "HTTPS"
		}
	case engine.ManagedURLRedirect:
		if spec.PermanentRedirect {
			annotations[annotationPermanentRedirect] = spec.URL
		} else {
			annotations[annotationTemporalRedirect] = spec.URL
		}
	}

	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        managedURLName(r.ID),
			Namespace:   namespace,
			Labels:      BuildLabels(r),
			Annotations: annotations,
		},
		Spec: networkingv1.IngressSpec{
			IngressClassName: ptr.To(cfg.IngressClass),
			Rules: []networkingv1.IngressRule{{
				Host: spec.Host(),
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     path,
							PathType: ptr.To(networkingv1.PathTypePrefix),
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: b.ServiceName,
									Port: networkingv1.ServiceBackendPort{Number: b.Port},
								},
							},
						}},
					},
				},
			}},
		},
	}
}
