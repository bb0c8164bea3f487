// Package k8sengine implements the Kubernetes backend of
// engine.ContainerEngine: one batchv1.Job (with a single-container Pod
// template) per rulebook worker, optionally fronted by a Service and an
// image-pull Secret. Grounded on the Job/Pod construction and pod-phase
// polling in other_examples' catalystcommunity-reactorcide Kubernetes
// runner, with status mapping per spec.md §4.2.
package k8sengine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	eng "github.com/ansible/rulebook-orchestrator/internal/engine"
)

const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Extra carries Kubernetes-specific request fields.
type Extra struct {
	// ServiceAccount the pod runs under; "default" if empty.
	ServiceAccount string
	// ExposeService creates a ClusterIP Service fronting all of the pod's
	// port mappings, for event sources that need an inbound address.
	ExposeService bool
}

func extraOf(req *eng.ContainerRequest) Extra {
	if x, ok := req.Extra.(Extra); ok {
		return x
	}
	return Extra{}
}

// Engine implements engine.ContainerEngine against a Kubernetes cluster.
type Engine struct {
	clientset *kubernetes.Clientset
	namespace string
}

// New builds an Engine from in-cluster config, reading the namespace
// from the service account projection (falling back to "default").
func New() (*Engine, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, eng.NewError(eng.KindInit, "failed to load in-cluster config", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, eng.NewError(eng.KindInit, "failed to build Kubernetes client", err)
	}

	namespace := "default"
	if b, err := os.ReadFile(serviceAccountNamespaceFile); err == nil {
		if ns := strings.TrimSpace(string(b)); ns != "" {
			namespace = ns
		}
	}

	return &Engine{clientset: clientset, namespace: namespace}, nil
}

func jobName(req *eng.ContainerRequest) string {
	return "rulebook-" + req.Name
}

// Start creates (optionally) a pull secret, the Job, and (optionally) a
// Service, returning the Job name as the opaque handle.
func (e *Engine) Start(ctx context.Context, req *eng.ContainerRequest, logs eng.LogHandler) (string, error) {
	extra := extraOf(req)
	name := jobName(req)

	var pullSecrets []corev1.LocalObjectReference
	if req.Credential != nil {
		secretName := name + "-pull"
		if err := e.createPullSecret(ctx, secretName, req); err != nil {
			return "", eng.NewError(eng.KindLogin, "failed to create image pull secret", err)
		}
		pullSecrets = append(pullSecrets, corev1.LocalObjectReference{Name: secretName})
	}

	envVars := make([]corev1.EnvVar, 0, len(req.Env))
	for k, v := range req.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	var ports []corev1.ContainerPort
	for _, p := range req.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p.Port)})
	}

	resources := corev1.ResourceRequirements{}
	if req.MemoryLimit > 0 {
		qty := resourceQuantity(req.MemoryLimit)
		resources.Limits = corev1.ResourceList{corev1.ResourceMemory: qty}
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for i, m := range req.Mounts {
		volName := fmt.Sprintf("mount-%d", i)
		hostPathType := corev1.HostPathDirectoryOrCreate
		volumes = append(volumes, corev1.Volume{
			Name: volName,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: m.Source, Type: &hostPathType},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: volName, MountPath: m.Target, ReadOnly: m.ReadOnly})
	}

	serviceAccount := extra.ServiceAccount
	if serviceAccount == "" {
		serviceAccount = "default"
	}

	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: e.namespace,
			Labels:    map[string]string{"app": "rulebook-worker", "rulebook-process": req.Name},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit, // retries are the activation manager's job, not the Job's
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": "rulebook-worker", "rulebook-process": req.Name},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: serviceAccount,
					ImagePullSecrets:   pullSecrets,
					Containers: []corev1.Container{
						{
							Name:            "worker",
							Image:           req.ImageURL,
							ImagePullPolicy: pullPolicyOf(req.PullPolicy),
							Command:         req.CommandLine,
							Env:             envVars,
							Ports:           ports,
							Resources:       resources,
							VolumeMounts:    mounts,
						},
					},
					Volumes: volumes,
				},
			},
		},
	}

	if _, err := e.clientset.BatchV1().Jobs(e.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", eng.NewError(eng.KindStart, fmt.Sprintf("failed to create job %s", name), err)
	}

	if extra.ExposeService && len(ports) > 0 {
		if err := e.createService(ctx, name, req, ports); err != nil {
			return "", eng.NewError(eng.KindStart, "failed to create service", err)
		}
	}

	return name, nil
}

func pullPolicyOf(p eng.PullPolicy) corev1.PullPolicy {
	switch p {
	case eng.PullAlways:
		return corev1.PullAlways
	case eng.PullNever:
		return corev1.PullNever
	default:
		return corev1.PullIfNotPresent
	}
}

func (e *Engine) createPullSecret(ctx context.Context, name string, req *eng.ContainerRequest) error {
	dockerConfig := fmt.Sprintf(
		`{"auths":{%q:{"username":%q,"password":%q}}}`,
		registryHost(req.ImageURL), req.Credential.Username, req.Credential.Secret,
	)
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: e.namespace},
		Type:       corev1.SecretTypeDockerConfigJson,
		Data:       map[string][]byte{corev1.DockerConfigJsonKey: []byte(dockerConfig)},
	}
	_, err := e.clientset.CoreV1().Secrets(e.namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func registryHost(imageURL string) string {
	if i := strings.Index(imageURL, "/"); i > 0 && strings.ContainsAny(imageURL[:i], ".:") {
		return imageURL[:i]
	}
	return "docker.io"
}

func (e *Engine) createService(ctx context.Context, name string, req *eng.ContainerRequest, ports []corev1.ContainerPort) error {
	var svcPorts []corev1.ServicePort
	for _, p := range ports {
		svcPorts = append(svcPorts, corev1.ServicePort{Port: p.ContainerPort, TargetPort: intOrStringFromPort(p.ContainerPort)})
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: e.namespace},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"rulebook-process": req.Name},
			Ports:    svcPorts,
		},
	}
	_, err := e.clientset.CoreV1().Services(e.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// GetStatus maps the Job's single Pod phase to an activation status per
// spec.md §4.2, special-casing waiting reasons that indicate a pull
// failure the way a terminal container state would.
func (e *Engine) GetStatus(ctx context.Context, handle string) (eng.EngineStatus, error) {
	job, err := e.clientset.BatchV1().Jobs(e.namespace).Get(ctx, handle, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return eng.EngineStatus{}, eng.NewError(eng.KindNotFound, fmt.Sprintf("job %s not found", handle), err)
	}
	if err != nil {
		return eng.EngineStatus{}, eng.NewError(eng.KindGeneric, "failed to get job", err)
	}

	pod, err := e.findPod(ctx, handle)
	if err != nil {
		return eng.EngineStatus{}, err
	}
	if pod == nil {
		if job.Status.StartTime != nil {
			// A pod was scheduled at some point but none remains and the
			// Job never recorded completion: it disappeared out from
			// under us rather than simply not having started yet.
			return eng.EngineStatus{}, eng.NewError(eng.KindNotFound, fmt.Sprintf("job %s's pod disappeared", handle), nil)
		}
		return eng.EngineStatus{Status: eng.StatusStarting, Message: "pod not yet scheduled"}, nil
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil {
			switch cs.State.Waiting.Reason {
			case "InvalidImageName", "ImagePullBackOff", "ErrImagePull":
				return eng.EngineStatus{
					Status:  eng.StatusFailed,
					Message: fmt.Sprintf("%s: %s", cs.State.Waiting.Reason, cs.State.Waiting.Message),
				}, nil
			}
		}
	}

	switch pod.Status.Phase {
	case corev1.PodPending:
		return eng.EngineStatus{Status: eng.StatusStarting, Message: "pod pending"}, nil
	case corev1.PodRunning:
		return eng.EngineStatus{Status: eng.StatusRunning, Message: "pod running"}, nil
	case corev1.PodSucceeded:
		return eng.EngineStatus{Status: eng.StatusCompleted, Message: "pod succeeded"}, nil
	case corev1.PodFailed:
		return eng.EngineStatus{Status: eng.StatusFailed, Message: fmt.Sprintf("pod failed: %s", pod.Status.Reason)}, nil
	default:
		return eng.EngineStatus{Status: eng.StatusError, Message: fmt.Sprintf("pod in unrecognized phase %s", pod.Status.Phase)}, nil
	}
}

func (e *Engine) findPod(ctx context.Context, handle string) (*corev1.Pod, error) {
	pods, err := e.clientset.CoreV1().Pods(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "rulebook-process=" + strings.TrimPrefix(handle, "rulebook-"),
	})
	if err != nil {
		return nil, eng.NewError(eng.KindGeneric, "failed to list pods", err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	return &pods.Items[0], nil
}

// UpdateLogs delegates to the shared log-sync algorithm. handle is the
// Job name FetchLines resolves back to a Pod; processID is the
// RulebookProcess the LogHandler's log_read_at cursor is keyed by.
func (e *Engine) UpdateLogs(ctx context.Context, handle, processID string, logs eng.LogHandler) error {
	return eng.SyncLogs(ctx, e, handle, processID, logs)
}

// FetchLines implements engine.LineSource over the Kubernetes pod-logs
// API, requesting only lines at or after since (the server supports
// this natively via SinceTime, unlike the local-daemon backend).
func (e *Engine) FetchLines(ctx context.Context, handle string, since time.Time) ([]eng.LogLine, error) {
	pod, err := e.findPod(ctx, handle)
	if err != nil {
		return nil, err
	}
	if pod == nil {
		return nil, nil
	}

	sinceTime := metav1.NewTime(since)
	req := e.clientset.CoreV1().Pods(e.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container:  "worker",
		Timestamps: true,
		SinceTime:  &sinceTime,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, eng.NewError(eng.KindGeneric, "failed to stream pod logs", err)
	}
	defer stream.Close()

	return parseTimestampedLogs(stream)
}

// Cleanup deletes the Job (background propagation removes its Pod), the
// pull secret, and any Service. Idempotent: a not-found error is not
// surfaced, matching invariant 5.
func (e *Engine) Cleanup(ctx context.Context, handle string, logs eng.LogHandler) error {
	propagation := metav1.DeletePropagationBackground
	err := e.clientset.BatchV1().Jobs(e.namespace).Delete(ctx, handle, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		return eng.NewError(eng.KindCleanup, fmt.Sprintf("failed to delete job %s", handle), err)
	}

	secretName := handle + "-pull"
	if err := e.clientset.CoreV1().Secrets(e.namespace).Delete(ctx, secretName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return eng.NewError(eng.KindCleanup, "failed to delete pull secret", err)
	}

	if err := e.clientset.CoreV1().Services(e.namespace).Delete(ctx, handle, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return eng.NewError(eng.KindCleanup, "failed to delete service", err)
	}

	return nil
}
