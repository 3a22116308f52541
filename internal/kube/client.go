// internal/kube/client.go
package kube

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/FairForge/recoverd/internal/recovery"
)

const managedByLabel = "app.kubernetes.io/managed-by"

// Client adapts a Kubernetes clientset to the orchestration surface the
// controller consumes: pod health and disposable-namespace lifecycle.
type Client struct {
	clientset kubernetes.Interface
	logger    *zap.Logger
}

// NewClient builds a client from a kubeconfig path, or from the in-cluster
// service account when the path is empty.
func NewClient(kubeconfigPath string, logger *zap.Logger) (*Client, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfigPath == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	if err != nil {
		return nil, fmt.Errorf("kube: load config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kube: create clientset: %w", err)
	}
	return NewWithClientset(clientset, logger), nil
}

// NewWithClientset wraps an existing clientset.
func NewWithClientset(clientset kubernetes.Interface, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{clientset: clientset, logger: logger}
}

// ListPods returns every pod in the namespace with its readiness.
func (c *Client) ListPods(ctx context.Context, namespace string) ([]recovery.PodStatus, error) {
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("kube: list pods in %s: %w", namespace, err)
	}

	out := make([]recovery.PodStatus, 0, len(pods.Items))
	for _, pod := range pods.Items {
		out = append(out, recovery.PodStatus{
			Name:  pod.Name,
			Ready: podReady(&pod),
		})
	}
	return out, nil
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// CreateNamespace creates a namespace labeled as managed by this service so
// leaked validation namespaces are identifiable.
func (c *Client) CreateNamespace(ctx context.Context, name string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{managedByLabel: "recoverd"},
		},
	}
	if _, err := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("kube: create namespace %s: %w", name, err)
	}
	return nil
}

// DeleteNamespace removes a namespace. Deleting one that is already gone is
// not an error; cleanup must be idempotent.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("kube: delete namespace %s: %w", name, err)
	}
	return nil
}

// NamespaceExists reports whether the namespace is present.
func (c *Client) NamespaceExists(ctx context.Context, name string) (bool, error) {
	_, err := c.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kube: get namespace %s: %w", name, err)
	}
	return true, nil
}

// CountResources counts the workload and config objects in a namespace.
// The count is compared against the backup manifest after a validation
// restore, so it covers the kinds the engine restores.
func (c *Client) CountResources(ctx context.Context, namespace string) (int, error) {
	total := 0

	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("kube: count pods in %s: %w", namespace, err)
	}
	total += len(pods.Items)

	services, err := c.clientset.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("kube: count services in %s: %w", namespace, err)
	}
	total += len(services.Items)

	configmaps, err := c.clientset.CoreV1().ConfigMaps(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("kube: count configmaps in %s: %w", namespace, err)
	}
	total += len(configmaps.Items)

	secrets, err := c.clientset.CoreV1().Secrets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("kube: count secrets in %s: %w", namespace, err)
	}
	total += len(secrets.Items)

	pvcs, err := c.clientset.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("kube: count volume claims in %s: %w", namespace, err)
	}
	total += len(pvcs.Items)

	deployments, err := c.clientset.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("kube: count deployments in %s: %w", namespace, err)
	}
	total += len(deployments.Items)

	statefulsets, err := c.clientset.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("kube: count statefulsets in %s: %w", namespace, err)
	}
	total += len(statefulsets.Items)

	return total, nil
}
