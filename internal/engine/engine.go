// Package engine defines the narrow container-engine capability set the
// activation manager drives, and the request/status types shared by its
// backends (localengine, k8sengine).
package engine

import (
	"context"
	"time"
)

// PullPolicy controls whether the engine re-pulls an image before start.
type PullPolicy string

const (
	PullAlways       PullPolicy = "Always"
	PullIfNotPresent PullPolicy = "IfNotPresent"
	PullNever        PullPolicy = "Never"
)

// RegistryCredential authenticates an image pull against a private
// registry.
type RegistryCredential struct {
	Username  string
	Secret    string
	SSLVerify bool
}

// PortMapping is a (host, port) pair extracted from the rulebook's
// source declarations.
type PortMapping struct {
	Host string
	Port int
}

// BindMount is a host-path to container-path bind mount.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerRequest is the backend-agnostic description of one rulebook
// worker invocation.
type ContainerRequest struct {
	Name       string
	ImageURL   string
	PullPolicy PullPolicy
	// CommandLine is the rulebook worker invocation: websocket URL,
	// ssl-verify flag, process id, heartbeat seconds, log level.
	CommandLine []string
	Credential  *RegistryCredential
	Ports       []PortMapping
	MemoryLimit int64 // bytes, 0 = unset
	Mounts      []BindMount
	Env         map[string]string

	// Extra carries backend-specific fields (§9 design note: tagged
	// variant over runtime type inspection). localengine and k8sengine
	// each define and type-assert their own extra-args struct.
	Extra any
}

// Status is the activation-status a backend's native container/pod state
// maps onto, per spec.md §4.2's mapping table.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
)

// EngineStatus is the result of GetStatus.
type EngineStatus struct {
	Status  Status
	Message string
}

// Kind classifies engine failures so the activation manager can apply
// the right recovery per spec.md §7.
type Kind string

const (
	KindInit       Kind = "container_engine_init"
	KindStart      Kind = "container_start"
	KindImagePull  Kind = "container_image_pull"
	KindLogin      Kind = "container_login"
	KindNotFound   Kind = "container_not_found"
	KindCleanup    Kind = "container_cleanup"
	KindUpdateLogs Kind = "container_update_logs"
	KindGeneric    Kind = "container_engine"
)

// Error is the typed error every backend returns; callers classify it
// with Kind rather than string-matching.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as an engine Error of the given Kind.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind of an engine error, defaulting to KindGeneric
// for errors that did not originate from a backend.
func KindOf(err error) Kind {
	var e *Error
	if err == nil {
		return ""
	}
	if ok := asEngineError(err, &e); ok {
		return e.Kind
	}
	return KindGeneric
}

func asEngineError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// LogLine is one line read back from the engine's log stream, tagged
// with the backend-reported timestamp.
type LogLine struct {
	Timestamp time.Time
	Text      string
}

// LogHandler is the append-only sink container log lines are written to;
// implemented by internal/logstore.
type LogHandler interface {
	Write(ctx context.Context, processID string, lines []LogLine) error
	GetLogReadAt(ctx context.Context, processID string) (time.Time, error)
	SetLogReadAt(ctx context.Context, processID string, t time.Time) error
	Flush(ctx context.Context, processID string) error
}

// ContainerEngine is the capability set of spec.md §4.2, implemented by
// localengine and k8sengine. handle is the backend's own opaque
// container/job identifier (what FetchLines/GetStatus/Cleanup key off
// of); processID is the eda.RulebookProcess.ID the LogHandler and its
// log_read_at cursor are keyed by — the two are not interchangeable.
type ContainerEngine interface {
	Start(ctx context.Context, req *ContainerRequest, logs LogHandler) (handle string, err error)
	GetStatus(ctx context.Context, handle string) (EngineStatus, error)
	UpdateLogs(ctx context.Context, handle, processID string, logs LogHandler) error
	Cleanup(ctx context.Context, handle string, logs LogHandler) error
}

// LineSource is implemented by a backend so the shared log-sync
// algorithm (logsync.go) can fetch new lines without duplicating the
// timestamp-filtering/dedup logic in each backend.
type LineSource interface {
	FetchLines(ctx context.Context, handle string, since time.Time) ([]LogLine, error)
}
