package kube

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const defaultPollInterval = 2 * time.Second

// NewClient builds a clientset from a kubeconfig path. An empty path
// resolves credentials the way kubectl does ($KUBECONFIG, then
// ~/.kube/config) and falls back to the in-cluster service account.
func NewClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = defaultConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("load cluster credentials: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

func defaultConfig() (*rest.Config, error) {
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	)
	cfg, err := loader.ClientConfig()
	if err == nil {
		return cfg, nil
	}
	inCluster, inClusterErr := rest.InClusterConfig()
	if inClusterErr != nil {
		return nil, fmt.Errorf("no kubeconfig (%v) and not in a cluster: %w", err, inClusterErr)
	}
	return inCluster, nil
}

// RolloutOptions selects the deployment to wait for.
type RolloutOptions struct {
	Namespace  string
	Deployment string
	// Image, when set, must be running in one of the pod template containers.
	Image string
	// Timeout of zero waits until ctx is done.
	Timeout  time.Duration
	Interval time.Duration
}

// RolloutStatus is the last observed state of the deployment.
type RolloutStatus struct {
	Desired   int32
	Updated   int32
	Available int32
	Images    []string
}

func (s RolloutStatus) String() string {
	return fmt.Sprintf("%d/%d updated, %d/%d available", s.Updated, s.Desired, s.Available, s.Desired)
}

// WaitForRollout blocks until the deployment has fully rolled out, like
// `kubectl rollout status`.
func WaitForRollout(ctx context.Context, client kubernetes.Interface, opts RolloutOptions) (RolloutStatus, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	var status RolloutStatus
	condition := func(ctx context.Context) (bool, error) {
		deployment, err := client.AppsV1().Deployments(opts.Namespace).Get(ctx, opts.Deployment, metav1.GetOptions{})
		if kubeerrors.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		var done bool
		status, done, err = evaluate(deployment, opts.Image)
		return done, err
	}

	var err error
	if opts.Timeout > 0 {
		err = wait.PollUntilContextTimeout(ctx, interval, opts.Timeout, true, condition)
	} else {
		err = wait.PollUntilContextCancel(ctx, interval, true, condition)
	}
	if err != nil {
		return status, fmt.Errorf("deployment %s/%s not rolled out (%s): %w", opts.Namespace, opts.Deployment, status, err)
	}
	return status, nil
}

func evaluate(d *appsv1.Deployment, image string) (RolloutStatus, bool, error) {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	status := RolloutStatus{
		Desired:   desired,
		Updated:   d.Status.UpdatedReplicas,
		Available: d.Status.AvailableReplicas,
	}
	for _, c := range d.Spec.Template.Spec.Containers {
		status.Images = append(status.Images, c.Image)
	}

	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse && cond.Reason == "ProgressDeadlineExceeded" {
			return status, false, fmt.Errorf("progress deadline exceeded: %s", cond.Message)
		}
	}

	if image != "" && !containsImage(status.Images, image) {
		return status, false, nil
	}
	if d.Status.ObservedGeneration < d.Generation {
		return status, false, nil
	}
	if status.Updated < desired || status.Available < desired {
		return status, false, nil
	}
	// old replicas still terminating
	if d.Status.Replicas > status.Updated {
		return status, false, nil
	}
	return status, true, nil
}

func containsImage(images []string, image string) bool {
	for _, img := range images {
		if img == image {
			return true
		}
	}
	return false
}
