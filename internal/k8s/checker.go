package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Checker confirms a target pod exists and is running before the gateway
// pays for a kubectl exec spawn against it.
type Checker struct {
	client    *kubernetes.Clientset
	namespace string
}

func NewChecker(client *kubernetes.Clientset, namespace string) *Checker {
	if namespace == "" {
		namespace = "default"
	}
	return &Checker{client: client, namespace: namespace}
}

// CheckReady returns nil when the pod exists, is in the Running phase, and
// carries the named container.
func (c *Checker) CheckReady(ctx context.Context, pod, container string) error {
	if c == nil || c.client == nil {
		return nil
	}

	p, err := c.client.CoreV1().Pods(c.namespace).Get(ctx, pod, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if p.Status.Phase != corev1.PodRunning {
		return fmt.Errorf("pod %s is %s, not Running", pod, p.Status.Phase)
	}

	for _, spec := range p.Spec.Containers {
		if spec.Name == container {
			return nil
		}
	}
	return fmt.Errorf("pod %s has no container %s", pod, container)
}
