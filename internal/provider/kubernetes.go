package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesConfig holds configuration for the Kubernetes provider.
type KubernetesConfig struct {
	// Namespace where session workloads will be created
	Namespace string
	// Image for workload pods
	Image string
	// ServiceAccount for workload pods (optional)
	ServiceAccount string
	// Default resource limits for workload pods
	CPULimit    string
	MemoryLimit string
}

// KubernetesProvider implements Provider using Kubernetes Jobs. A session
// scopes the Jobs it creates through a shared label, so teardown can clean
// up everything the session started.
type KubernetesProvider struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesProvider creates a Kubernetes-based provider.
// Tries in-cluster configuration first, falls back to kubeconfig for local
// development.
func NewKubernetesProvider(cfg KubernetesConfig) (*KubernetesProvider, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	return newKubernetesProvider(clientset, cfg), nil
}

func newKubernetesProvider(clientset kubernetes.Interface, cfg KubernetesConfig) *KubernetesProvider {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Image == "" {
		cfg.Image = "alpine:latest"
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = "500m"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "256Mi"
	}
	return &KubernetesProvider{clientset: clientset, config: cfg}
}

// Connect implements Provider.Connect. The pod list doubles as an auth and
// connectivity probe; a credential without namespace access fails here,
// before any workload is created.
func (p *KubernetesProvider) Connect(ctx context.Context, credential string) (Session, error) {
	_, err := p.clientset.CoreV1().Pods(p.config.Namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to reach namespace %s: %w", p.config.Namespace, err)
	}

	return &kubernetesSession{
		clientset: p.clientset,
		config:    p.config,
		id:        fmt.Sprintf("fleet-%s", uuid.NewString()[:8]),
	}, nil
}

type kubernetesSession struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	id        string

	mu     sync.Mutex
	closed bool
	jobs   []string
}

func (s *kubernetesSession) ID() string {
	return s.id
}

// RunBackground creates a Job running the command.
func (s *kubernetesSession) RunBackground(ctx context.Context, command string) (Handle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("session %s is closed", s.id)
	}

	jobName := fmt.Sprintf("%s-%d", s.id, time.Now().UnixNano())

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(s.config.CPULimit),
			corev1.ResourceMemory: resource.MustParse(s.config.MemoryLimit),
		},
	}

	backoffLimit := int32(0) // lifecycle loop owns retries, not the Job
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: s.config.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "sandfleet",
				"sandfleet.io/session":         s.id,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"job-name":                     jobName,
						"app.kubernetes.io/managed-by": "sandfleet",
						"sandfleet.io/session":         s.id,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      "workload",
							Image:     s.config.Image,
							Command:   []string{"sh", "-c", command},
							Env:       []corev1.EnvVar{{Name: "SANDFLEET_SESSION_ID", Value: s.id}},
							Resources: resources,
						},
					},
				},
			},
		},
	}

	if s.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = s.config.ServiceAccount
	}

	created, err := s.clientset.BatchV1().Jobs(s.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, created.Name)
	s.mu.Unlock()

	return &kubernetesHandle{
		clientset: s.clientset,
		namespace: s.config.Namespace,
		jobName:   created.Name,
	}, nil
}

// Close deletes every Job the session created, with foreground propagation
// so pods are cleaned up too. Deleting an already-closed session is a no-op,
// and a job that is already gone does not count as a failure.
func (s *kubernetesSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	jobs := s.jobs
	s.jobs = nil
	s.mu.Unlock()

	propagation := metav1.DeletePropagationForeground
	for _, name := range jobs {
		err := s.clientset.BatchV1().Jobs(s.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{
			PropagationPolicy: &propagation,
		})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete job %s: %w", name, err)
		}
	}
	return nil
}

type kubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	podName   string // Populated after pod starts
}

// Wait blocks until the job's pod completes or the context expires.
func (h *kubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	podName, err := h.waitForPod(ctx)
	if err != nil {
		return ExitResult{ExitCode: -1}, err
	}
	h.podName = podName

	watcher, err := h.clientset.CoreV1().Pods(h.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", podName),
	})
	if err != nil {
		return ExitResult{ExitCode: -1}, err
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		if event.Type == watch.Error {
			return ExitResult{ExitCode: -1}, fmt.Errorf("watch error")
		}

		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			continue
		}

		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			return ExitResult{ExitCode: 0, Stdout: h.podLogs(ctx)}, nil

		case corev1.PodFailed:
			exitCode := -1
			if len(pod.Status.ContainerStatuses) > 0 {
				cs := pod.Status.ContainerStatuses[0]
				if cs.State.Terminated != nil {
					exitCode = int(cs.State.Terminated.ExitCode)
				}
			}
			return ExitResult{ExitCode: exitCode, Stderr: h.podLogs(ctx)}, nil
		}
	}

	// Watch channel closed: the context expired or the watch was broken.
	if ctx.Err() != nil {
		return ExitResult{ExitCode: -1}, ctx.Err()
	}
	return ExitResult{ExitCode: -1}, fmt.Errorf("watch closed before pod completed")
}

// waitForPod waits for the job's pod to be created and returns its name.
func (h *kubernetesHandle) waitForPod(ctx context.Context) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
			})
			if err != nil {
				return "", err
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
		}
	}
}

// podLogs fetches the completed pod's logs, bounded by captureLimit.
// Log retrieval is best-effort; Wait already has the exit status.
func (h *kubernetesHandle) podLogs(ctx context.Context) string {
	if h.podName == "" {
		return ""
	}
	req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.podName, &corev1.PodLogOptions{
		Container: "workload",
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return ""
	}
	defer stream.Close()

	buf := newBoundedBuffer(captureLimit)
	_, _ = io.Copy(buf, stream)
	return buf.String()
}
