package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BridgeConfig holds switch bridge connection settings.
type BridgeConfig struct {
	// URL is the bridge websocket endpoint on the switch host.
	URL string

	// Password authenticates the control connection.
	Password string

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// bridgeFrame is the JSON control frame exchanged with the switch
// bridge. Audio travels as binary frames, prefixed with the session ID
// (one length byte, then the ID bytes).
type bridgeFrame struct {
	Type       string `json:"type"`
	Password   string `json:"password,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	CallerID   string `json:"caller_id,omitempty"`
	EntryPoint string `json:"entry_point,omitempty"`
	Callee     string `json:"callee,omitempty"`
}

// Bridge is a Transport over the switch's websocket bridge. Control
// frames are JSON; call audio in both directions is binary with a
// session-ID prefix, the same framing the recognizer client uses for
// its audio leg.
//
// Inbound traffic (new calls, caller audio, switch-side hangups) is
// delivered through the callback fields, which must be set before
// Dial.
type Bridge struct {
	cfg    BridgeConfig
	logger *slog.Logger

	// OnIncomingCall is invoked when the switch offers a new call.
	OnIncomingCall func(sessionID, callerID, entryPoint string)

	// OnAudio is invoked for each inbound caller audio frame.
	OnAudio func(sessionID string, pcm []byte)

	// OnHangup is invoked when the switch reports a caller hangup.
	OnHangup func(sessionID string)

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// NewBridge creates a bridge transport for one switch instance.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "router.bridge"),
	}
}

// Dial connects, authenticates, and starts the read pump.
func (b *Bridge) Dial(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", b.cfg.URL, err)
	}

	b.conn = conn
	b.connected = true

	if err := b.writeFrame(bridgeFrame{Type: "auth", Password: b.cfg.Password}); err != nil {
		conn.Close()
		b.conn = nil
		b.connected = false
		return fmt.Errorf("bridge: auth: %w", err)
	}

	go b.readPump(conn)
	b.logger.Info("bridge connected", "url", b.cfg.URL)
	return nil
}

// Ping probes connection liveness with a websocket control ping.
func (b *Bridge) Ping(ctx context.Context) error {
	conn, err := b.current()
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("bridge: ping: %w", err)
	}
	return nil
}

// Originate asks the switch to place an outbound call tagged with
// sessionID.
func (b *Bridge) Originate(ctx context.Context, sessionID, callee string) error {
	return b.writeFrameConnected(bridgeFrame{
		Type:      "originate",
		SessionID: sessionID,
		Callee:    callee,
	})
}

// SendAudio writes one synthesized audio frame to a call leg.
func (b *Bridge) SendAudio(sessionID string, pcm []byte) error {
	conn, err := b.current()
	if err != nil {
		return err
	}
	if len(sessionID) > 255 {
		return fmt.Errorf("bridge: session id too long: %d bytes", len(sessionID))
	}

	frame := make([]byte, 0, 1+len(sessionID)+len(pcm))
	frame = append(frame, byte(len(sessionID)))
	frame = append(frame, sessionID...)
	frame = append(frame, pcm...)

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Hangup asks the switch to terminate a call leg.
func (b *Bridge) Hangup(sessionID string) error {
	return b.writeFrameConnected(bridgeFrame{Type: "hangup", SessionID: sessionID})
}

// Close tears the connection down.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

func (b *Bridge) current() (*websocket.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.conn == nil {
		return nil, fmt.Errorf("bridge: not connected")
	}
	return b.conn, nil
}

func (b *Bridge) writeFrameConnected(f bridgeFrame) error {
	if _, err := b.current(); err != nil {
		return err
	}
	return b.writeFrame(f)
}

func (b *Bridge) writeFrame(f bridgeFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump delivers inbound frames until the connection drops. The
// router's keepalive notices the dead connection and redials.
func (b *Bridge) readPump(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			stillCurrent := b.conn == conn
			if stillCurrent {
				b.connected = false
				b.conn = nil
			}
			b.mu.Unlock()
			if stillCurrent {
				b.logger.Warn("bridge connection lost", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			b.handleAudio(data)
		case websocket.TextMessage:
			b.handleControl(data)
		}
	}
}

func (b *Bridge) handleAudio(data []byte) {
	if len(data) < 1 {
		return
	}
	idLen := int(data[0])
	if len(data) < 1+idLen {
		b.logger.Debug("discarding malformed audio frame", "len", len(data))
		return
	}
	if b.OnAudio != nil {
		b.OnAudio(string(data[1:1+idLen]), data[1+idLen:])
	}
}

func (b *Bridge) handleControl(data []byte) {
	var f bridgeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		b.logger.Debug("discarding malformed control frame", "error", err)
		return
	}
	switch f.Type {
	case "call_incoming":
		if b.OnIncomingCall != nil {
			b.OnIncomingCall(f.SessionID, f.CallerID, f.EntryPoint)
		}
	case "call_hangup":
		if b.OnHangup != nil {
			b.OnHangup(f.SessionID)
		}
	default:
		b.logger.Debug("ignoring control frame", "type", f.Type)
	}
}

// Verify Bridge implements Transport at compile time.
var _ Transport = (*Bridge)(nil)
