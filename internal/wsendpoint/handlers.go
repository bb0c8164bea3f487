package wsendpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
)

// handleWorker implements spec.md §4.5's Worker handshake: it streams
// back the rulebook text, resolved ExtraVars, resolved ControllerInfo,
// a VaultCollection, and EndOfResponse, in that order, over the same
// connection.
func (c *session) handleWorker(ctx context.Context, data []byte) error {
	var msg workerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode Worker message: %w", err)
	}

	a, err := c.handler.store.GetActivation(msg.ActivationID)
	if err != nil {
		return fmt.Errorf("resolve activation %s: %w", msg.ActivationID, err)
	}

	if err := c.writeJSON(rulebookRecord{Type: "Rulebook", Text: a.RulebookRulesets}); err != nil {
		return err
	}
	if err := c.writeJSON(extraVarsRecord{Type: "ExtraVars", Vars: a.ExtraVar}); err != nil {
		return err
	}
	cfg := c.handler.cfg
	if err := c.writeJSON(controllerInfoRecord{
		Type:      "ControllerInfo",
		Host:      cfg.ControllerURL,
		Token:     cfg.ControllerToken,
		SSLVerify: cfg.ControllerSSLVerify,
	}); err != nil {
		return err
	}
	// Credential-backed vault passwords are out of scope here (no
	// credential store is modeled in this subsystem); an empty
	// collection tells the worker there is nothing to decrypt with.
	if err := c.writeJSON(vaultCollectionRecord{Type: "VaultCollection", Passwords: nil}); err != nil {
		return err
	}
	return c.writeJSON(endOfResponseRecord{Type: "EndOfResponse"})
}

// handleSessionStats implements spec.md §4.5's SessionStats merge: it is
// the only place outside the orchestrator core that writes
// RulebookProcess.updated_at / Activation.ruleset_stats directly, and
// enqueues a monitor request on every frame that arrives while the
// activation is STARTING, to drive the STARTING->RUNNING transition.
func (c *session) handleSessionStats(ctx context.Context, data []byte) error {
	var msg sessionStatsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode SessionStats message: %w", err)
	}

	reportedAt := msg.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = time.Now()
	}

	if msg.ProcessID != "" {
		if err := c.handler.store.WithProcessLock(msg.ProcessID, func() error {
			p, err := c.handler.store.GetProcess(msg.ProcessID)
			if err != nil {
				return err
			}
			p.UpdatedAt = reportedAt
			return c.handler.store.UpdateProcess(p)
		}); err != nil {
			return fmt.Errorf("stamp process liveness: %w", err)
		}

		// A SessionStats frame is the worker queue's own proof of life:
		// record it against the queue the process was pinned to so the
		// monitor loop's staleness sweep (internal/monitorloop) never
		// marks a queue WORKERS_OFFLINE while it is actively reporting.
		if queueName, err := c.handler.store.GetProcessQueue(msg.ProcessID); err == nil && queueName != "" {
			if err := c.handler.store.RecordQueueHeartbeat(queueName); err != nil {
				return fmt.Errorf("record queue heartbeat: %w", err)
			}
		}
	}

	a, err := c.handler.store.GetActivation(msg.ActivationID)
	if err != nil {
		return fmt.Errorf("resolve activation %s: %w", msg.ActivationID, err)
	}
	if a.RulesetStats == nil {
		a.RulesetStats = make(map[string]any)
	}
	for k, v := range msg.Stats {
		a.RulesetStats[k] = v
	}
	a.UpdatedAt = reportedAt
	if err := c.handler.store.UpdateActivation(a); err != nil {
		return fmt.Errorf("merge ruleset stats: %w", err)
	}

	if a.Status == eda.StatusStarting {
		if err := c.handler.dispatcher.MonitorRulebookProcesses(a.ID); err != nil {
			return fmt.Errorf("enqueue monitor after heartbeat: %w", err)
		}
	}
	return nil
}

// handleJob implements spec.md §4.5's Job message: a JobInstance row
// linked to the current process.
func (c *session) handleJob(ctx context.Context, data []byte) error {
	var msg jobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode Job message: %w", err)
	}

	return c.handler.store.CreateJobInstance(&eda.JobInstance{
		ID:        msg.JobID,
		ProcessID: msg.ProcessID,
		Name:      msg.Name,
		CreatedAt: time.Now(),
	})
}

// handleAnsibleEvent implements spec.md §4.5's AnsibleEvent message:
// append as an event row linked to the JobInstance id carried in the
// message's job_id field.
func (c *session) handleAnsibleEvent(ctx context.Context, data []byte) error {
	var msg ansibleEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode AnsibleEvent message: %w", err)
	}

	return c.handler.store.CreateAnsibleEvent(&eda.AnsibleEventRecord{
		ID:            uuid.NewString(),
		JobInstanceID: msg.JobID,
		Counter:       msg.Counter,
		Event:         msg.Event,
		CreatedAt:     time.Now(),
	})
}

// handleAction implements spec.md §4.5's Action message: create an
// AuditRule if new, upsert an AuditAction keyed by action_uuid, and
// AuditEvent rows from matching_events, rewriting the URL to the gateway
// form first.
func (c *session) handleAction(ctx context.Context, data []byte) error {
	var msg actionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode Action message: %w", err)
	}

	rule, err := c.handler.store.FindAuditRule(msg.ProcessID, msg.RuleUUID)
	if err != nil {
		rule = &eda.AuditRule{
			ID:          uuid.NewString(),
			Name:        msg.RuleName,
			Status:      "active",
			CreatedAt:   time.Now(),
			FiredAt:     msg.RuleFiredAt,
			RuleUUID:    msg.RuleUUID,
			RulesetUUID: msg.RulesetUUID,
			RulesetName: msg.RulesetName,
			ProcessID:   msg.ProcessID,
		}
		if err := c.handler.store.CreateAuditRule(rule); err != nil {
			return fmt.Errorf("create audit rule: %w", err)
		}
	}

	action := &eda.AuditAction{
		ID:            msg.ActionUUID,
		Name:          msg.Name,
		Status:        msg.Status,
		URL:           rewriteControllerURL(msg.URL, c.handler.cfg.GatewayBaseURL),
		FiredAt:       time.Now(),
		RuleFiredAt:   msg.RuleFiredAt,
		StatusMessage: msg.StatusMessage,
		AuditRuleID:   rule.ID,
	}
	if err := c.handler.store.UpsertAuditAction(action); err != nil {
		return fmt.Errorf("upsert audit action: %w", err)
	}

	for sourceName, payload := range msg.MatchingEvents {
		event := &eda.AuditEvent{
			ID:            uuid.NewString(),
			SourceName:    sourceName,
			ReceivedAt:    time.Now(),
			Payload:       payload,
			RuleFiredAt:   msg.RuleFiredAt,
			AuditActionID: action.ID,
		}
		if st, ok := payload["source_type"].(string); ok {
			event.SourceType = st
		}
		if err := c.handler.store.CreateAuditEvent(event); err != nil {
			return fmt.Errorf("create audit event for %s: %w", sourceName, err)
		}
	}

	return nil
}
