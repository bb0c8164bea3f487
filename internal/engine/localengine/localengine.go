// Package localengine implements the local-daemon ("podman"-class)
// backend of engine.ContainerEngine. Grounded on the teacher's
// pkg/runtime/containerd.go pull/create/start/status/kill/delete
// sequence, adapted from types.Container to engine.ContainerRequest and
// extended with registry login and the activation-status mapping table
// spec.md §4.2 requires.
package localengine

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/remotes"
	"github.com/containerd/containerd/remotes/docker"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	eng "github.com/ansible/rulebook-orchestrator/internal/engine"
)

// DefaultNamespace is the containerd namespace this engine runs under.
const DefaultNamespace = "rulebook-orchestrator"

// DefaultSocketPath is the default rootless/rootful container socket.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// Engine implements engine.ContainerEngine against a containerd-compatible
// local daemon socket.
type Engine struct {
	client    *containerd.Client
	namespace string
}

// New connects to socketPath (DefaultSocketPath if empty).
func New(socketPath string) (*Engine, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, eng.NewError(eng.KindInit, "failed to connect to local container daemon", err)
	}

	return &Engine{client: client, namespace: DefaultNamespace}, nil
}

// Close releases the daemon connection.
func (e *Engine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// Extra carries local-engine-specific request fields.
type Extra struct {
	// StopTimeout defaults to 10s when unset. Cleanup does not read it:
	// Cleanup receives only the handle and always waits 10 seconds after
	// SIGTERM before sending SIGKILL.
	StopTimeout time.Duration
}

func extraOf(req *eng.ContainerRequest) Extra {
	if req.Extra == nil {
		return Extra{StopTimeout: 10 * time.Second}
	}
	if x, ok := req.Extra.(Extra); ok {
		return x
	}
	return Extra{StopTimeout: 10 * time.Second}
}

// Start pulls (per PullPolicy), logs in if a registry credential is
// present, creates, and starts the container; returns containerd's
// container id as the opaque handle.
func (e *Engine) Start(ctx context.Context, req *eng.ContainerRequest, logs eng.LogHandler) (string, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	resolver, err := e.resolver(req)
	if err != nil {
		return "", eng.NewError(eng.KindLogin, "registry login failed", err)
	}

	if req.PullPolicy != eng.PullNever {
		pullOpts := []containerd.RemoteOpt{containerd.WithPullUnpack}
		if resolver != nil {
			pullOpts = append(pullOpts, containerd.WithResolver(resolver))
		}
		if _, err := e.client.Pull(ctx, req.ImageURL, pullOpts...); err != nil {
			return "", eng.NewError(eng.KindImagePull, fmt.Sprintf("failed to pull image %s", req.ImageURL), err)
		}
	}

	image, err := e.client.GetImage(ctx, req.ImageURL)
	if err != nil {
		return "", eng.NewError(eng.KindImagePull, fmt.Sprintf("image %s not present after pull", req.ImageURL), err)
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithProcessArgs(req.CommandLine...),
	}
	if req.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(req.MemoryLimit)))
	}

	var mounts []specs.Mount
	for _, m := range req.Mounts {
		options := []string{"bind"}
		if m.ReadOnly {
			options = append(options, "ro")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
			Options:     options,
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := e.client.NewContainer(
		ctx,
		req.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(req.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", eng.NewError(eng.KindStart, "failed to create container", err)
	}

	task, err := container.NewTask(ctx, cio.LogFile(logFilePath(req.Name)))
	if err != nil {
		return "", eng.NewError(eng.KindStart, "failed to create task", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", eng.NewError(eng.KindStart, "failed to start task", err)
	}

	return container.ID(), nil
}

func (e *Engine) resolver(req *eng.ContainerRequest) (remotes.Resolver, error) {
	if req.Credential == nil {
		return nil, nil
	}
	authorizer := docker.NewDockerAuthorizer(docker.WithAuthCreds(
		func(string) (string, string, error) {
			return req.Credential.Username, req.Credential.Secret, nil
		},
	))
	return docker.NewResolver(docker.ResolverOptions{
		Hosts: docker.ConfigureDefaultRegistries(docker.WithAuthorizer(authorizer)),
	}), nil
}

// GetStatus maps containerd task status to an activation status per
// spec.md §4.2's table.
func (e *Engine) GetStatus(ctx context.Context, handle string) (eng.EngineStatus, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, handle)
	if err != nil {
		return eng.EngineStatus{}, eng.NewError(eng.KindNotFound, fmt.Sprintf("container %s not found", handle), err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task: container was created but never started.
		return eng.EngineStatus{
			Status:  eng.StatusFailed,
			Message: fmt.Sprintf("container %s was never started", handle),
		}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return eng.EngineStatus{}, eng.NewError(eng.KindGeneric, "failed to read task status", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Stopping:
		return eng.EngineStatus{Status: eng.StatusRunning, Message: fmt.Sprintf("container %s is %s", handle, status.Status)}, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return eng.EngineStatus{Status: eng.StatusCompleted, Message: fmt.Sprintf("container %s exited 0", handle)}, nil
		}
		return eng.EngineStatus{
			Status:  eng.StatusFailed,
			Message: fmt.Sprintf("container %s exited with code %d", handle, status.ExitStatus),
		}, nil
	case containerd.Paused, containerd.Pausing, containerd.Unknown:
		return eng.EngineStatus{
			Status:  eng.StatusFailed,
			Message: fmt.Sprintf("container %s is in unexpected state %s", handle, status.Status),
		}, nil
	default:
		return eng.EngineStatus{Status: eng.StatusError, Message: fmt.Sprintf("container %s in unrecognized state %s", handle, status.Status)}, nil
	}
}

// UpdateLogs delegates to the shared log-sync algorithm. handle is the
// containerd container id FetchLines reads the log file of; processID is
// the RulebookProcess the LogHandler's log_read_at cursor is keyed by.
func (e *Engine) UpdateLogs(ctx context.Context, handle, processID string, logs eng.LogHandler) error {
	return eng.SyncLogs(ctx, e, handle, processID, logs)
}

// FetchLines implements engine.LineSource. containerd log capture is
// configured at task-create time via a cio.Creator that writes to a
// fifo/file; this backend reads that file incrementally. Left as a
// narrow seam (readLogFile) so tests can substitute a fake file-backed
// reader without a real daemon.
func (e *Engine) FetchLines(ctx context.Context, handle string, since time.Time) ([]eng.LogLine, error) {
	return readLogFile(logFilePath(handle), since)
}

// Cleanup stops (SIGTERM, then SIGKILL on timeout) and deletes the
// container and its snapshot. Idempotent: a missing container is not an
// error (invariant 5: terminal processes only ever see cleanup calls).
func (e *Engine) Cleanup(ctx context.Context, handle string, logs eng.LogHandler) error {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, handle)
	if err != nil {
		return nil // already gone; cleanup is idempotent
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err == nil {
			statusC, waitErr := task.Wait(stopCtx)
			if waitErr == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = task.Kill(ctx, syscall.SIGKILL)
				}
			}
		}
		_, _ = task.Delete(ctx)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return eng.NewError(eng.KindCleanup, "failed to delete container", err)
	}
	return nil
}
