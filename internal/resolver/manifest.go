package resolver

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/aelpxy/roll/pkg/models"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/yaml"
)

const (
	LabelName      = "app.kubernetes.io/name"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	ManagedBy      = "roll"

	AnnotationVersion  = "roll.dev/spec-version"
	AnnotationChecksum = "roll.dev/checksum"
)

// SelectorLabels are the labels pods are matched by. They never change for
// a workload, since a Deployment's selector is immutable.
func SelectorLabels(spec models.DeploymentSpec) map[string]string {
	return map[string]string{
		LabelName:      spec.Name,
		LabelManagedBy: ManagedBy,
	}
}

func objectLabels(spec models.DeploymentSpec) map[string]string {
	labels := make(map[string]string, len(spec.Labels)+2)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	for k, v := range SelectorLabels(spec) {
		labels[k] = v
	}
	return labels
}

func annotations(spec models.DeploymentSpec) map[string]string {
	return map[string]string{
		AnnotationVersion:  strconv.Itoa(spec.Version),
		AnnotationChecksum: spec.Checksum,
	}
}

// Deployment builds the apps/v1 Deployment for a resolved spec.
func Deployment(spec models.DeploymentSpec) *appsv1.Deployment {
	replicas := int32(spec.Replicas)

	container := corev1.Container{
		Name:  spec.Name,
		Image: spec.Image.String(),
		Ports: []corev1.ContainerPort{{
			Name:          "http",
			ContainerPort: int32(spec.Port),
			Protocol:      corev1.ProtocolTCP,
		}},
		Env: envVars(spec.Env),
	}

	if spec.HealthPath != "" {
		container.ReadinessProbe = &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: spec.HealthPath,
					Port: intstr.FromInt32(int32(spec.Port)),
				},
			},
			PeriodSeconds:    5,
			FailureThreshold: 3,
		}
	}

	if spec.Resources.MemoryMB > 0 || spec.Resources.CPU > 0 {
		limits := corev1.ResourceList{}
		if spec.Resources.MemoryMB > 0 {
			limits[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dMi", spec.Resources.MemoryMB))
		}
		if spec.Resources.CPU > 0 {
			limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(spec.Resources.CPU*1000), resource.DecimalSI)
		}
		container.Resources = corev1.ResourceRequirements{Limits: limits}
	}

	return &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   spec.Namespace,
			Labels:      objectLabels(spec),
			Annotations: annotations(spec),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: SelectorLabels(spec)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      objectLabels(spec),
					Annotations: annotations(spec),
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}
}

// Service exposes the workload inside the cluster, or through a load
// balancer for external exposure.
func Service(spec models.DeploymentSpec) *corev1.Service {
	svcType := corev1.ServiceTypeClusterIP
	if spec.Exposure == models.ExposureExternal {
		svcType = corev1.ServiceTypeLoadBalancer
	}

	return &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   spec.Namespace,
			Labels:      objectLabels(spec),
			Annotations: annotations(spec),
		},
		Spec: corev1.ServiceSpec{
			Type:     svcType,
			Selector: SelectorLabels(spec),
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       80,
				TargetPort: intstr.FromInt32(int32(spec.Port)),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// RenderManifest returns the Deployment and Service as a multi-document
// YAML stream, in the order they are applied.
func RenderManifest(spec models.DeploymentSpec) ([]byte, error) {
	var buf bytes.Buffer
	for i, obj := range []interface{}{Deployment(spec), Service(spec)} {
		data, err := yaml.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to render manifest: %w", err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func envVars(env map[string]string) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return vars
}
