// Package wsendpoint implements the "/ws/ansible-rulebook" endpoint
// spec.md §4.5 describes: a websocket accepting JSON frames tagged by
// type, one goroutine per connection, dispatching each frame to an
// independent handler function. Grounded on the teacher's
// connection-per-goroutine idiom from pkg/worker's long-lived stream
// handling, translated from gRPC stream Send/Recv to a gorilla/websocket
// connection guarded by a write mutex (the library does not allow
// concurrent writers on one connection).
package wsendpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ansible/rulebook-orchestrator/internal/config"
	"github.com/ansible/rulebook-orchestrator/internal/engine"
	applog "github.com/ansible/rulebook-orchestrator/internal/log"
	"github.com/ansible/rulebook-orchestrator/internal/metrics"
	"github.com/ansible/rulebook-orchestrator/internal/store"
)

// dispatcher is the subset of internal/orchestrator.Orchestrator this
// endpoint needs, kept narrow for the same reason internal/monitorloop
// does.
type dispatcher interface {
	MonitorRulebookProcesses(activationID string) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The worker container connects to this process directly on the
	// cluster-internal network; there is no browser origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves the heartbeat/event websocket endpoint.
type Handler struct {
	store      store.Store
	logs       engine.LogHandler
	dispatcher dispatcher
	cfg        *config.Config
	logger     zerolog.Logger
}

// New constructs a Handler.
func New(st store.Store, logs engine.LogHandler, o dispatcher, cfg *config.Config) *Handler {
	return &Handler{
		store:      st,
		logs:       logs,
		dispatcher: o,
		cfg:        cfg,
		logger:     applog.WithComponent("wsendpoint"),
	}
}

// ServeHTTP upgrades the connection and runs its read loop until the
// client disconnects or sends a frame the connection cannot recover
// from.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	metrics.WebsocketConnectionsTotal.Inc()
	defer metrics.WebsocketConnectionsTotal.Dec()

	c := &session{
		handler: h,
		conn:    conn,
		log:     h.logger,
	}
	c.run(r.Context())
}

// session is one connection's state: the websocket connection itself and
// the mutex guarding writes to it. No other mutable state is shared
// across the per-message handler functions (spec.md §9's "message-passing
// / channel discipline" design note) — each handler reads what it needs
// from the store fresh and writes back through writeJSON.
type session struct {
	handler *Handler
	conn    *websocket.Conn
	writeMu sync.Mutex
	log     zerolog.Logger
}

func (c *session) run(ctx context.Context) {
	defer c.conn.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket connection closed unexpectedly")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("failed to decode frame envelope")
			continue
		}

		metrics.EventsReceivedTotal.WithLabelValues(env.Type).Inc()

		if err := c.dispatch(ctx, env.Type, data); err != nil {
			c.log.Error().Err(err).Str("type", env.Type).Msg("failed to handle frame")
		}
	}
}

func (c *session) dispatch(ctx context.Context, msgType string, data []byte) error {
	switch msgType {
	case "Worker":
		return c.handleWorker(ctx, data)
	case "SessionStats":
		return c.handleSessionStats(ctx, data)
	case "Job":
		return c.handleJob(ctx, data)
	case "AnsibleEvent":
		return c.handleAnsibleEvent(ctx, data)
	case "Action":
		return c.handleAction(ctx, data)
	default:
		c.log.Warn().Str("type", msgType).Msg("unrecognized frame type")
		return nil
	}
}

// writeJSON marshals v and sends it as one text frame, serialized against
// every other write on this connection.
func (c *session) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}
