package kubernetes

import (
	"context"
	"fmt"

	"github.com/aelpxy/roll/internal/cluster"
	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/resolver"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	apiapps "k8s.io/api/apps/v1"
	apiv1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta_v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sclient "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Cluster applies workloads as a Deployment plus a Service.
type Cluster struct {
	client           k8sclient.Interface
	defaultNamespace string
	logger           log.Logger
}

var _ cluster.Cluster = (*Cluster)(nil)

func NewCluster(client k8sclient.Interface, defaultNamespace string, logger log.Logger) *Cluster {
	if defaultNamespace == "" {
		defaultNamespace = "default"
	}
	return &Cluster{
		client:           client,
		defaultNamespace: defaultNamespace,
		logger:           log.With(logger, "component", "kubernetes"),
	}
}

// NewClientset loads a kubeconfig the way kubectl does: an explicit path,
// then KUBECONFIG, then ~/.kube/config, then the in-cluster service account.
func NewClientset(kubeconfig, kubeContext string) (k8sclient.Interface, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}

	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	clientset, err := k8sclient.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}

func (c *Cluster) namespace(spec models.DeploymentSpec) string {
	if spec.Namespace != "" {
		return spec.Namespace
	}
	return c.defaultNamespace
}

func (c *Cluster) Apply(ctx context.Context, spec models.DeploymentSpec) error {
	ns := c.namespace(spec)
	spec.Namespace = ns

	if err := c.applyDeployment(ctx, resolver.Deployment(spec)); err != nil {
		return classify(err, "apply deployment")
	}
	if err := c.applyService(ctx, resolver.Service(spec)); err != nil {
		return classify(err, "apply service")
	}

	level.Debug(c.logger).Log("msg", "applied deployment and service", "namespace", ns, "name", spec.Name, "version", spec.Version)
	return nil
}

func (c *Cluster) applyDeployment(ctx context.Context, desired *apiapps.Deployment) error {
	deployments := c.client.AppsV1().Deployments(desired.Namespace)

	existing, err := deployments.Get(ctx, desired.Name, meta_v1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = deployments.Create(ctx, desired, meta_v1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}

	existing.Labels = desired.Labels
	existing.Annotations = desired.Annotations
	existing.Spec.Replicas = desired.Spec.Replicas
	existing.Spec.Template = desired.Spec.Template
	_, err = deployments.Update(ctx, existing, meta_v1.UpdateOptions{})
	return err
}

func (c *Cluster) applyService(ctx context.Context, desired *apiv1.Service) error {
	services := c.client.CoreV1().Services(desired.Namespace)

	existing, err := services.Get(ctx, desired.Name, meta_v1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = services.Create(ctx, desired, meta_v1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}

	// ClusterIP and node ports are allocated by the API server; keep them.
	existing.Labels = desired.Labels
	existing.Annotations = desired.Annotations
	existing.Spec.Type = desired.Spec.Type
	existing.Spec.Selector = desired.Spec.Selector
	for i := range desired.Spec.Ports {
		if i < len(existing.Spec.Ports) {
			desired.Spec.Ports[i].NodePort = existing.Spec.Ports[i].NodePort
		}
	}
	if desired.Spec.Type == apiv1.ServiceTypeClusterIP {
		for i := range desired.Spec.Ports {
			desired.Spec.Ports[i].NodePort = 0
		}
	}
	existing.Spec.Ports = desired.Spec.Ports
	_, err = services.Update(ctx, existing, meta_v1.UpdateOptions{})
	return err
}

func (c *Cluster) Status(ctx context.Context, spec models.DeploymentSpec) (models.WorkloadStatus, error) {
	if err := ctx.Err(); err != nil {
		return models.WorkloadStatus{}, err
	}
	deployment, err := c.client.AppsV1().Deployments(c.namespace(spec)).Get(ctx, spec.Name, meta_v1.GetOptions{})
	if err != nil {
		return models.WorkloadStatus{}, fmt.Errorf("failed to get deployment %s: %w", spec.Workload(), err)
	}
	return deploymentStatus(deployment), nil
}

func deploymentErrors(d *apiapps.Deployment) []string {
	var errs []string
	for _, cond := range d.Status.Conditions {
		if (cond.Type == apiapps.DeploymentProgressing && cond.Status == apiv1.ConditionFalse) ||
			(cond.Type == apiapps.DeploymentReplicaFailure && cond.Status == apiv1.ConditionTrue) {
			errs = append(errs, cond.Message)
		}
	}
	return errs
}

func deploymentStatus(deployment *apiapps.Deployment) models.WorkloadStatus {
	var desired int32 = 1
	if deployment.Spec.Replicas != nil {
		desired = *deployment.Spec.Replicas
	}
	st := deployment.Status

	return models.WorkloadStatus{
		Desired:   desired,
		Updated:   st.UpdatedReplicas,
		Ready:     st.ReadyReplicas,
		Available: st.AvailableReplicas,
		Outdated:  st.Replicas - st.UpdatedReplicas,
		Stale:     st.ObservedGeneration < deployment.Generation,
		Messages:  deploymentErrors(deployment),
	}
}

// Every API error is an apply failure; rejections carry a hint.
func classify(err error, op string) error {
	switch {
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return &fault.Error{Kind: fault.Apply, Op: op, Help: "the generated manifest was rejected; check the spec with: roll resolve", Err: err}
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return &fault.Error{Kind: fault.Apply, Op: op, Help: "check the kubeconfig credentials and RBAC for this namespace", Err: err}
	default:
		return fault.New(fault.Apply, op, err)
	}
}
