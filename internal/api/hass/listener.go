package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventHandler receives every state_changed event from the hub.
type EventHandler func(change StateChange)

// Listener maintains the long-lived event subscription. The hub requires a
// three-step handshake (auth_required hello -> auth -> subscribe ack) before
// events flow. Stream-level failures trigger reconnection with capped
// exponential backoff; they never terminate the process.
type Listener struct {
	logger  *zap.Logger
	wsURL   string
	token   string
	handler EventHandler

	mu          sync.RWMutex
	conn        *websocket.Conn
	connected   bool
	msgID       int
	stopCh      chan struct{}
	reconnectCh chan struct{}

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	currentDelay      time.Duration
	handshakeTimeout  time.Duration

	// OnConnected fires after a successful subscribe; used to re-run a bulk
	// sync so state missed during the outage is recovered.
	OnConnected func()
}

// NewListener builds a listener for the hub event stream.
func NewListener(logger *zap.Logger, wsURL, token string, handler EventHandler) *Listener {
	return &Listener{
		logger:            logger,
		wsURL:             wsURL,
		token:             token,
		handler:           handler,
		stopCh:            make(chan struct{}),
		reconnectCh:       make(chan struct{}, 1),
		reconnectDelay:    2 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		currentDelay:      2 * time.Second,
		handshakeTimeout:  10 * time.Second,
	}
}

// Connect dials the hub, performs the auth handshake, subscribes to
// state_changed events and starts the read loop.
func (l *Listener) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: l.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	if err := l.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.currentDelay = l.reconnectDelay
	l.mu.Unlock()

	l.logger.Info("Hub event stream connected", zap.String("url", l.wsURL))
	if l.OnConnected != nil {
		l.OnConnected()
	}

	go l.readLoop()
	return nil
}

func (l *Listener) handshake(conn *websocket.Conn) error {
	// A hub that upgrades but never speaks would otherwise block these reads
	// forever, with no connection registered for Close to unblock.
	if err := conn.SetReadDeadline(time.Now().Add(l.handshakeTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	var hello wsMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("unexpected hello %q", hello.Type)
	}

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": l.token,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if authResp.Type != "auth_ok" {
		return fmt.Errorf("hub auth failed: %q", authResp.Type)
	}

	l.msgID++
	if err := conn.WriteJSON(map[string]any{
		"id":         l.msgID,
		"type":       "subscribe_events",
		"event_type": "state_changed",
	}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read subscribe ack: %w", err)
	}
	if ack.Type != "result" || ack.Success == nil || !*ack.Success {
		return fmt.Errorf("subscribe rejected: %q", ack.Type)
	}
	return nil
}

func (l *Listener) readLoop() {
	defer func() {
		l.mu.Lock()
		wasConnected := l.connected
		l.connected = false
		l.mu.Unlock()
		if wasConnected {
			l.triggerReconnect()
		}
	}()

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		l.mu.RLock()
		conn := l.conn
		l.mu.RUnlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				l.logger.Debug("Hub stream closed normally")
			} else {
				l.logger.Warn("Hub stream read error", zap.Error(err))
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// malformed frames are skipped, the stream continues
			l.logger.Warn("Malformed hub event", zap.Error(err))
			continue
		}
		if msg.Type != "event" || msg.Event.EventType != "state_changed" {
			continue
		}
		if msg.Event.Data.EntityID == "" {
			continue
		}
		l.handler(msg.Event.Data)
	}
}

// StartWithReconnect runs the connect/backoff loop until ctx ends or Stop
// is called.
func (l *Listener) StartWithReconnect(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				l.Close()
				return
			case <-l.stopCh:
				return
			default:
			}

			if err := l.Connect(ctx); err != nil {
				l.logger.Warn("Hub connect failed, will retry",
					zap.Duration("delay", l.currentDelay),
					zap.Error(err))

				select {
				case <-ctx.Done():
					return
				case <-l.stopCh:
					return
				case <-time.After(l.currentDelay):
				}

				l.currentDelay *= 2
				if l.currentDelay > l.maxReconnectDelay {
					l.currentDelay = l.maxReconnectDelay
				}
				continue
			}

			select {
			case <-ctx.Done():
				l.Close()
				return
			case <-l.stopCh:
				return
			case <-l.reconnectCh:
				l.logger.Info("Reconnecting hub event stream")
				l.closeConn()
				l.mu.Lock()
				l.stopCh = make(chan struct{})
				l.mu.Unlock()
			}
		}
	}()
}

// Close shuts the connection down and stops the reconnect loop.
func (l *Listener) Close() {
	l.mu.Lock()
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	l.mu.Unlock()
	l.closeConn()
}

func (l *Listener) closeConn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}

// IsConnected reports the current stream state.
func (l *Listener) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

func (l *Listener) triggerReconnect() {
	select {
	case l.reconnectCh <- struct{}{}:
	default:
	}
}
