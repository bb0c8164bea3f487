package wsendpoint

import "time"

// envelope is the common shape every incoming frame is first decoded
// into, so the dispatcher can read Type before committing to a concrete
// message struct (spec.md §4.5: "messages tagged by type").
type envelope struct {
	Type string `json:"type"`
}

// workerMessage is the handshake a started container sends as soon as it
// connects.
type workerMessage struct {
	Type         string `json:"type"`
	ActivationID string `json:"activation_id"`
	ProcessID    string `json:"process_id"`
}

// sessionStatsMessage reports per-ruleset counters from a running worker.
type sessionStatsMessage struct {
	Type         string         `json:"type"`
	ActivationID string         `json:"activation_id"`
	ProcessID    string         `json:"process_id"`
	Stats        map[string]any `json:"stats"`
	ReportedAt   time.Time      `json:"reported_at"`
}

// jobMessage announces a job the worker is about to run.
type jobMessage struct {
	Type      string `json:"type"`
	ProcessID string `json:"process_id"`
	JobID     string `json:"job_id"`
	Name      string `json:"name"`
}

// ansibleEventMessage is one event emitted by a running job.
type ansibleEventMessage struct {
	Type    string         `json:"type"`
	JobID   string         `json:"job_id"`
	Counter int            `json:"counter"`
	Event   map[string]any `json:"event"`
}

// actionMessage is a rule firing, possibly with matching events attached.
type actionMessage struct {
	Type           string                    `json:"type"`
	ProcessID      string                    `json:"process_id"`
	ActionUUID     string                    `json:"action_uuid"`
	RuleUUID       string                    `json:"rule_uuid"`
	RulesetUUID    string                    `json:"ruleset_uuid"`
	RuleName       string                    `json:"rule_name"`
	RulesetName    string                    `json:"ruleset_name"`
	Name           string                    `json:"name"`
	Status         string                    `json:"status"`
	URL            string                    `json:"url"`
	RuleFiredAt    time.Time                 `json:"rule_fired_at"`
	StatusMessage  string                    `json:"status_message"`
	MatchingEvents map[string]map[string]any `json:"matching_events"`
}

// Outbound records, sent in sequence in response to a Worker handshake,
// terminated by endOfResponseRecord.
type rulebookRecord struct {
	Type string `json:"type"`
	Text string `json:"rulebook"`
}

type extraVarsRecord struct {
	Type string `json:"type"`
	Vars string `json:"extra_vars"`
}

type controllerInfoRecord struct {
	Type      string `json:"type"`
	Host      string `json:"host"`
	Token     string `json:"token"`
	SSLVerify bool   `json:"ssl_verify"`
}

type vaultCollectionRecord struct {
	Type      string   `json:"type"`
	Passwords []string `json:"passwords"`
}

type endOfResponseRecord struct {
	Type string `json:"type"`
}
