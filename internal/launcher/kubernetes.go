package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/pipevane-labs/pipevane/internal/platform/k8s"
)

// KubernetesLauncher runs task containers as batch/v1 Jobs.
type KubernetesLauncher struct {
	client        *k8s.Client
	namespace     string
	jobTTLSeconds int32
}

func NewKubernetesLauncher(client *k8s.Client, namespace string, jobTTLSeconds int32) (*KubernetesLauncher, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}
	if jobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	return &KubernetesLauncher{
		client:        client,
		namespace:     namespace,
		jobTTLSeconds: jobTTLSeconds,
	}, nil
}

func (l *KubernetesLauncher) Kind() string {
	return "kubernetes_job"
}

func (l *KubernetesLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	jobName := strings.TrimSpace(spec.Name)
	if jobName == "" {
		return Handle{}, errors.New("job name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return Handle{}, errors.New("image is required")
	}

	labels := map[string]string{
		"app.kubernetes.io/name":      "pipevane",
		"app.kubernetes.io/component": "task",
	}
	for key, value := range spec.Annotations {
		key = strings.TrimSpace(key)
		if key == "" || strings.HasPrefix(key, "app.kubernetes.io/") {
			continue
		}
		labels[key] = value
	}

	container := k8s.Container{
		Name:    "task",
		Image:   spec.Image,
		Command: spec.Command,
		Args:    spec.Args,
	}
	for _, key := range sortedKeys(spec.Env) {
		container.Env = append(container.Env, k8s.EnvVar{Name: key, Value: spec.Env[key]})
	}

	backoff := int32(0)
	var ttl *int32
	if l.jobTTLSeconds > 0 {
		ttl = &l.jobTTLSeconds
	}

	job := k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:      jobName,
			Namespace: l.namespace,
			Labels:    labels,
		},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: ttl,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec: k8s.PodSpec{
					RestartPolicy: "Never",
					Containers:    []k8s.Container{container},
				},
			},
		},
	}

	err := l.client.CreateJob(ctx, l.namespace, job)
	if err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		if apiUnreachable(err) {
			return Handle{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return Handle{}, fmt.Errorf("create job: %w", err)
	}
	return Handle{Backend: l.Kind(), Namespace: l.namespace, JobName: jobName}, nil
}

func (l *KubernetesLauncher) Poll(ctx context.Context, handle Handle) (Observation, error) {
	jobName := strings.TrimSpace(handle.JobName)
	if jobName == "" {
		return Observation{}, errors.New("job name is required")
	}
	namespace := strings.TrimSpace(handle.Namespace)
	if namespace == "" {
		namespace = l.namespace
	}

	job, err := l.client.GetJob(ctx, namespace, jobName)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return Observation{Status: StatusUnknown, Message: "job not found"}, nil
		}
		if apiUnreachable(err) {
			return Observation{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return Observation{}, err
	}

	if cond, ok := findCondition(job.Status.Conditions, "Failed"); ok && strings.EqualFold(cond.Status, "True") {
		return Observation{Status: StatusFailed, Message: conditionMessage(cond)}, nil
	}
	if cond, ok := findCondition(job.Status.Conditions, "Complete"); ok && strings.EqualFold(cond.Status, "True") {
		return Observation{Status: StatusSucceeded, Message: conditionMessage(cond)}, nil
	}
	if job.Status.Active > 0 {
		return Observation{Status: StatusRunning}, nil
	}
	return Observation{Status: StatusPending}, nil
}

func (l *KubernetesLauncher) Cancel(ctx context.Context, handle Handle) (bool, error) {
	jobName := strings.TrimSpace(handle.JobName)
	if jobName == "" {
		return false, errors.New("job name is required")
	}
	namespace := strings.TrimSpace(handle.Namespace)
	if namespace == "" {
		namespace = l.namespace
	}
	err := l.client.DeleteJob(ctx, namespace, jobName)
	if err == nil || errors.Is(err, k8s.ErrNotFound) {
		return true, nil
	}
	if apiUnreachable(err) {
		return false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return false, fmt.Errorf("delete job: %w", err)
}

func findCondition(conditions []k8s.JobCondition, conditionType string) (k8s.JobCondition, bool) {
	for _, cond := range conditions {
		if strings.EqualFold(strings.TrimSpace(cond.Type), conditionType) {
			return cond, true
		}
	}
	return k8s.JobCondition{}, false
}

func conditionMessage(cond k8s.JobCondition) string {
	if message := strings.TrimSpace(cond.Message); message != "" {
		return message
	}
	return strings.TrimSpace(cond.Reason)
}

func apiUnreachable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
