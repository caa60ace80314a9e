package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cyphera/stripe-sync/internal/stripeapi"
)

const (
	// pongWait is how long a connection may go without a pong before it is
	// declared stale.
	pongWait = 10 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 9 * time.Second
	// connectAttemptWait bounds the WebSocket handshake and paces retries
	// after a failed session creation or dial.
	connectAttemptWait = 10 * time.Second
	// defaultReconnectInterval is the proactive reconnect cadence when the
	// session does not supply one.
	defaultReconnectInterval = 60 * time.Second
	// writeWait bounds every socket write.
	writeWait = 10 * time.Second
)

// SessionCreator opens live-stream sessions at the source provider.
type SessionCreator interface {
	CreateCLISession(ctx context.Context, deviceName string) (*stripeapi.CLISession, error)
}

// EventResult is what the handler reports back over the stream. A zero
// Status is sent as 200.
type EventResult struct {
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	EventType string `json:"event_type,omitempty"`
	EventID   string `json:"event_id,omitempty"`
}

// Handler processes one delivered event payload. Returning an error yields a
// 500 webhook_response; the event was already acknowledged.
type Handler func(ctx context.Context, payload []byte, httpHeaders map[string]string) (*EventResult, error)

// Options configures a Client.
type Options struct {
	DeviceName string
	// OnReady receives each new session before connecting, so the caller
	// can install the session secret for signature verification.
	OnReady func(session *stripeapi.CLISession)
	// OnError observes handler failures. Optional.
	OnError func(err error)
}

// Client maintains a long-lived WebSocket to the source provider's event
// stream. It acknowledges each event before processing, answers with a
// webhook_response, heartbeats with ping/pong, and reconnects on stale or
// closed connections until Close is called.
type Client struct {
	api     SessionCreator
	handler Handler
	opts    Options
	logger  *zap.Logger

	dialer *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	closed  bool
	cancel  context.CancelFunc
}

func NewClient(api SessionCreator, handler Handler, opts Options, logger *zap.Logger) *Client {
	if opts.DeviceName == "" {
		opts.DeviceName = "stripe-sync"
	}
	return &Client{
		api:     api,
		handler: handler,
		opts:    opts,
		logger:  logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectAttemptWait,
		},
	}
}

type incomingMessage struct {
	Type                  string            `json:"type"`
	WebhookID             string            `json:"webhook_id"`
	WebhookConversationID string            `json:"webhook_conversation_id"`
	EventPayload          string            `json:"event_payload"`
	HTTPHeaders           map[string]string `json:"http_headers"`
	Endpoint              json.RawMessage   `json:"endpoint"`
}

type eventAck struct {
	Type                  string `json:"type"`
	WebhookConversationID string `json:"webhook_conversation_id"`
	EventID               string `json:"event_id"`
}

type webhookResponse struct {
	Type                  string `json:"type"`
	WebhookConversationID string `json:"webhook_conversation_id"`
	Status                int    `json:"status"`
	Body                  string `json:"body"`
}

// Run connects and serves until ctx is cancelled or Close is called. Each
// iteration creates a fresh session, since session secrets rotate
// server-side. Failed session creation and failed dials back off; a
// connection that dies after opening is redialed immediately, since the
// outage already cost the time the server took to drop us.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	for {
		if err := ctx.Err(); err != nil || c.isClosed() {
			return nil
		}

		session, err := c.api.CreateCLISession(ctx, c.opts.DeviceName)
		if err != nil {
			c.logger.Warn("Failed to create stream session", zap.Error(err))
			if !c.sleep(ctx, connectAttemptWait) {
				return nil
			}
			continue
		}
		if c.opts.OnReady != nil {
			c.opts.OnReady(session)
		}

		conn, err := c.connect(ctx, session)
		if err != nil {
			c.logger.Warn("Failed to connect stream", zap.Error(err))
			if !c.sleep(ctx, connectAttemptWait) {
				return nil
			}
			continue
		}

		if err := c.serveConn(ctx, session, conn); err != nil {
			c.logger.Warn("Stream connection lost", zap.Error(err))
			continue
		}
		// Clean end: proactive reconnect or server close. Loop immediately.
	}
}

// Close stops the run loop and prevents further reconnects.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// connect dials the session's WebSocket endpoint.
func (c *Client) connect(ctx context.Context, session *stripeapi.CLISession) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.Secret)
	header.Set("Websocket-Id", session.WebSocketID)

	conn, _, err := c.dialer.DialContext(ctx, session.WebSocketURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect stream: %w", err)
	}
	c.logger.Info("Stream connected", zap.String("websocket_id", session.WebSocketID))
	return conn, nil
}

// serveConn pumps one established connection. A nil return means it ended on
// purpose (reconnect timer or caller close); an error means the connection
// died.
func (c *Client) serveConn(ctx context.Context, session *stripeapi.CLISession, conn *websocket.Conn) error {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	reconnectInterval := defaultReconnectInterval
	if session.ReconnectDelay > 0 {
		reconnectInterval = time.Duration(session.ReconnectDelay) * time.Second
	}
	reconnectTimer := time.NewTimer(reconnectInterval)
	defer reconnectTimer.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	readErr := make(chan error, 1)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			c.handleMessage(ctx, conn, payload)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.sendClose(conn)
			return nil
		case <-reconnectTimer.C:
			c.logger.Debug("Proactive stream reconnect")
			c.sendClose(conn)
			return nil
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("failed to ping stream: %w", err)
			}
		case err := <-readErr:
			// A read deadline expiry here means no pong arrived in time.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("stream read failed: %w", err)
		}
	}
}

func (c *Client) sendClose(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// handleMessage acknowledges and processes one inbound message. The ack goes
// out before the handler runs so slow processing never looks like a delivery
// failure to the server.
func (c *Client) handleMessage(ctx context.Context, conn *websocket.Conn, payload []byte) {
	var msg incomingMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("Ignoring malformed stream message", zap.Error(err))
		return
	}
	if msg.Type != "webhook" {
		c.logger.Debug("Ignoring stream message", zap.String("type", msg.Type))
		return
	}

	eventID := eventIDFromPayload(msg.EventPayload)
	c.writeJSON(conn, eventAck{
		Type:                  "event_ack",
		WebhookConversationID: msg.WebhookConversationID,
		EventID:               eventID,
	})

	result, err := c.handler(ctx, []byte(msg.EventPayload), msg.HTTPHeaders)
	if err != nil {
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
		c.logger.Error("Stream event processing failed",
			zap.String("event_id", eventID), zap.Error(err))
		result = &EventResult{Status: http.StatusInternalServerError, Error: err.Error(), EventID: eventID}
	}
	if result == nil {
		result = &EventResult{}
	}
	if result.Status == 0 {
		result.Status = http.StatusOK
	}

	body, err := json.Marshal(result)
	if err != nil {
		body = []byte(`{}`)
	}
	c.writeJSON(conn, webhookResponse{
		Type:                  "webhook_response",
		WebhookConversationID: msg.WebhookConversationID,
		Status:                result.Status,
		Body:                  string(body),
	})
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		c.logger.Warn("Failed to write stream message", zap.Error(err))
	}
}

func eventIDFromPayload(payload string) string {
	var envelope struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal([]byte(payload), &envelope)
	return envelope.ID
}
