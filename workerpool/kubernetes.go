package workerpool

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/kubernetes"
)

// KubernetesProvider provisions workers as bare Pods in a single namespace,
// one Pod per worker. No Deployment/ReplicaSet indirection: the pool itself
// already owns scale-up/scale-down policy, so a Pod is the right-sized unit.
type KubernetesProvider struct {
	clientset *kubernetes.Clientset
	namespace string
}

func NewKubernetesProvider(clientset *kubernetes.Clientset, namespace string) *KubernetesProvider {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesProvider{clientset: clientset, namespace: namespace}
}

func (k *KubernetesProvider) Name() string { return "kubernetes" }

func (k *KubernetesProvider) Provision(ctx context.Context, spec Spec) (WorkerID, error) {
	image := spec.Image
	if image == "" {
		image = "forge-worker:latest"
	}

	podSpec := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "forge-worker-",
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "forge.build",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    "worker",
					Image:   image,
					Command: []string{"forge", "worker", "run"},
					Resources: corev1.ResourceRequirements{
						Requests: resourceList(spec),
						Limits:   resourceList(spec),
					},
				},
			},
		},
	}

	created, err := k.clientset.CoreV1().Pods(k.namespace).Create(ctx, podSpec, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("workerpool: creating pod: %w", err)
	}
	return WorkerID(created.Name), nil
}

func (k *KubernetesProvider) Decommission(ctx context.Context, id WorkerID) error {
	err := k.clientset.CoreV1().Pods(k.namespace).Delete(ctx, string(id), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("workerpool: deleting pod %s: %w", id, err)
	}
	return nil
}

func resourceList(spec Spec) corev1.ResourceList {
	list := corev1.ResourceList{}
	if spec.CPUCores > 0 {
		list[corev1.ResourceCPU] = *resource.NewQuantity(int64(spec.CPUCores), resource.DecimalSI)
	}
	if spec.MemoryMB > 0 {
		list[corev1.ResourceMemory] = *resource.NewQuantity(int64(spec.MemoryMB)*1024*1024, resource.BinarySI)
	}
	return list
}
