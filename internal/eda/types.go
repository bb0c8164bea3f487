// Package eda holds the data model shared across the orchestrator core:
// activations, their rulebook processes, the request queue, process logs,
// and the audit trail written from the heartbeat endpoint.
package eda

import "time"

// Status is the state machine shared by Activation and RulebookProcess.
type Status string

const (
	StatusPending        Status = "pending"
	StatusStarting       Status = "starting"
	StatusRunning        Status = "running"
	StatusStopping       Status = "stopping"
	StatusStopped        Status = "stopped"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusError          Status = "error"
	StatusDeleting       Status = "deleting"
	StatusUnresponsive   Status = "unresponsive"
	StatusWorkersOffline Status = "workers_offline"
)

// RestartPolicy mirrors the three policies an activation can declare.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Activation is the user-declared desired state for a long-running
// rulebook worker.
type Activation struct {
	ID               string
	Name             string
	IsEnabled        bool
	RestartPolicy    RestartPolicy
	Status           Status
	StatusMessage    string
	StatusUpdatedAt  time.Time
	FailureCount     int
	RestartCount     int
	LatestProcessID  string // weak ref to RulebookProcess.ID, may be ""
	RulebookRulesets string // raw rulebook YAML text
	DecisionEnvID    string
	CredentialIDs    []string
	// RequiresAwxToken marks a rulebook whose sources/actions call back
	// into the controller (e.g. run_job_template) and so cannot start
	// without a resolvable AwxTokenID, the user's delegated controller
	// token (a weak reference, analogous to CredentialIDs).
	RequiresAwxToken bool
	AwxTokenID       string
	ExtraVar         string
	K8sServiceName   string
	LogLevel         string
	SkipAuditEvents  bool
	OrganizationID   string
	RulesetStats     map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RulebookProcess is one attempt to run an Activation; it maps 1:1 to a
// container/Pod instance.
type RulebookProcess struct {
	ID              string
	ActivationID    string
	Status          Status
	StatusMessage   string
	StartedAt       time.Time
	UpdatedAt       time.Time
	EndedAt         *time.Time
	ActivationPodID string // engine-assigned handle, empty when none
	LogReadAt       time.Time
	GitHash         string
}

// IsTerminal reports whether s is one of the terminal process/activation
// statuses from which no further engine calls (besides idempotent
// cleanup) are made.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

// ProcessQueuePin pins a process (and therefore its activation, while
// that process is latest) to the worker queue that started it, so
// monitor cycles land on the same node.
type ProcessQueuePin struct {
	ProcessID string
	QueueName string
}

// RequestKind enumerates the lifecycle actions a caller can queue.
type RequestKind string

const (
	RequestStart     RequestKind = "start"
	RequestStop      RequestKind = "stop"
	RequestRestart   RequestKind = "restart"
	RequestDelete    RequestKind = "delete"
	RequestAutoStart RequestKind = "auto_start"
	RequestMonitor   RequestKind = "monitor"
)

// ParentType identifies what an ActivationRequest targets; today this is
// always an Activation, but the field is kept distinct from ActivationID
// to match the source schema and leave room for future parent kinds.
type ParentType string

const (
	ParentTypeActivation ParentType = "activation"
)

// ActivationRequest is one FIFO row in an activation's request queue.
type ActivationRequest struct {
	ID         string
	Kind       RequestKind
	ParentID   string
	ParentType ParentType
	RequestID  string // caller-supplied trace id, optional
	QueueName  string
	NotBefore  time.Time // delayed-enqueue support for scheduled restarts
	InsertedAt time.Time
}

// ProcessLogLine is one append-only row of container stdout/stderr.
type ProcessLogLine struct {
	ID           string
	ProcessID    string
	Line         string
	LogTimestamp int64 // integer epoch seconds, human-visible
	DedupKeyMs   int64 // millisecond-resolution dedup key, §9 resolution
}

// AuditRule is a persisted record of a rule firing, created the first
// time a given rule/ruleset fires within a process.
type AuditRule struct {
	ID             string
	Name           string
	Status         string
	CreatedAt      time.Time
	FiredAt        time.Time
	RuleUUID       string
	RulesetUUID    string
	RulesetName    string
	ProcessID      string
	JobInstanceID  string
	OrganizationID string
}

// AuditAction is keyed by the external action_uuid reported by the
// running rulebook worker.
type AuditAction struct {
	ID             string // == action_uuid
	Name           string
	Status         string
	URL            string
	FiredAt        time.Time
	RuleFiredAt    time.Time
	StatusMessage  string
	AuditRuleID    string
	OrganizationID string
}

// AuditEvent is one matching event attached to an AuditAction.
type AuditEvent struct {
	ID            string
	SourceName    string
	SourceType    string
	ReceivedAt    time.Time
	Payload       map[string]any
	RuleFiredAt   time.Time
	AuditActionID string
}

// JobInstance represents an Ansible job the rulebook worker is about to
// run, created from a websocket Job message.
type JobInstance struct {
	ID        string
	ProcessID string
	Name      string
	CreatedAt time.Time
}

// AnsibleEventRecord is one event emitted by a running job.
type AnsibleEventRecord struct {
	ID            string
	JobInstanceID string
	Counter       int
	Event         map[string]any
	CreatedAt     time.Time
}
