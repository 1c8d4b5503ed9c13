package eventsink

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// WebSocket broadcaster adapter: a non-blocking publish side fans out to
// connections registered here on a separate goroutine, so a slow or
// disconnected client never blocks the Sink's dispatch loop (spec §5
// "publish call enqueues into an internal buffer; subscriber notification
// runs on a separate task and is best-effort"). Grounded on mbflow's
// internal/infrastructure/websocket.Hub/Client: the register/unregister/send
// channel shape is the same, generalized from user/workflow/execution
// subscription filters to a single predicate over (workflowID, executionID).
// The HTTP upgrade handshake itself belongs to the excluded HTTP surface
// (spec §1); callers wire an already-upgraded *websocket.Conn in via
// Register.
const (
	writeWait      = 10 * time.Second
	pingPeriod     = 54 * time.Second
	clientSendSize = 64
)

// wsClient is one registered connection plus the filter deciding which
// events it receives.
type wsClient struct {
	conn   *websocket.Conn
	send   chan domain.Event
	filter func(workflowID, executionID string) bool
}

// Broadcaster fans Sink events out over WebSocket connections.
type Broadcaster struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewBroadcaster creates a Broadcaster and subscribes it to every topic on
// sink.
func NewBroadcaster(sink *Sink, log zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		log:     log.With().Str("component", "ws_broadcaster").Logger(),
		clients: make(map[*wsClient]struct{}),
	}
	sink.Subscribe("", func(_ string, evt domain.Event) {
		b.broadcast(evt)
	})
	return b
}

// Register adds an already-upgraded WebSocket connection, filtered by
// workflow/execution id (empty string in the filter call means "no
// constraint on that dimension" is the caller's choice to encode). Register
// starts the connection's write pump and returns an unregister func.
func (b *Broadcaster) Register(conn *websocket.Conn, filter func(workflowID, executionID string) bool) func() {
	c := &wsClient{conn: conn, send: make(chan domain.Event, clientSendSize), filter: filter}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	go b.writePump(c)

	return func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		close(c.send)
	}
}

func (b *Broadcaster) broadcast(evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		if c.filter != nil && !c.filter(evt.WorkflowID, evt.ExecutionID) {
			continue
		}
		select {
		case c.send <- evt:
		default:
			b.log.Warn().Msg("websocket client send buffer full, dropping event")
		}
	}
}

func (b *Broadcaster) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
