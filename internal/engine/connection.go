package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Label string

const (
	LabelA Label = "A" // faces the call's originating user
	LabelB Label = "B" // faces the call recipient
)

const defaultHandshakeTimeout = 10 * time.Second

// Config describes one engine session. The system prompt and language pair
// are what make A and B behave differently; the protocol is shared.
type Config struct {
	URL    string
	APIKey string
	Model  string

	SystemPrompt   string
	SourceLanguage string
	TargetLanguage string
	Voice          string

	HandshakeTimeout time.Duration
}

// Connection is one live engine websocket. At most one open Connection may
// exist per label per call; a reconnect must supersede the prior one.
type Connection struct {
	label Label

	conn      *websocket.Conn
	sessionID string

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	lastPong  atomic.Int64 // unix nanos of the most recent pong

	errMu sync.Mutex
	err   error

	log *logrus.Entry
}

// Dial connects, waits for session.created under the handshake timeout, then
// configures the session with the call-specific prompt and language pair.
func Dial(ctx context.Context, label Label, cfg Config, log *logrus.Entry) (*Connection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("engine %s: url is required", label)
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	headers := make(http.Header)
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := cfg.URL
	if cfg.Model != "" {
		url += "?model=" + cfg.Model
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("engine %s: dial: %w", label, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	sessionID, err := awaitSessionCreated(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("engine %s: %w", label, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Connection{
		label:     label,
		conn:      conn,
		sessionID: sessionID,
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
		log:       log.WithField("engine", string(label)),
	}
	c.lastPong.Store(time.Now().UnixNano())

	if err := c.sendJSON(sessionUpdateMsg(cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("engine %s: configure session: %w", label, err)
	}

	go c.readLoop()
	c.log.WithField("session_id", sessionID).Info("engine session established")
	return c, nil
}

func awaitSessionCreated(conn *websocket.Conn) (string, error) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("await session.created: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		event, err := decodeEventFrame(payload)
		if err != nil {
			return "", err
		}
		switch e := event.(type) {
		case SessionCreatedEvent:
			return e.SessionID, nil
		case ErrorEvent:
			return "", fmt.Errorf("session rejected: %s (%s)", e.Message, e.Code)
		default:
			// Pre-handshake noise; keep waiting until the deadline.
		}
	}
}

func sessionUpdateMsg(cfg Config) map[string]any {
	session := map[string]any{
		"instructions":        cfg.SystemPrompt,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"turn_detection":      map[string]any{"type": "server_vad"},
		"input_audio_transcription": map[string]any{
			"language": cfg.SourceLanguage,
		},
	}
	if cfg.Voice != "" {
		session["voice"] = cfg.Voice
	}
	return map[string]any{"type": "session.update", "session": session}
}

func (c *Connection) Label() Label      { return c.label }
func (c *Connection) SessionID() string { return c.sessionID }

// Events yields decoded engine events. Closed when the connection dies.
func (c *Connection) Events() <-chan Event {
	if c == nil {
		return nil
	}
	return c.events
}

// AppendAudio pushes raw audio into the engine's input buffer.
func (c *Connection) AppendAudio(pcm []byte) error {
	return c.sendJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio commits buffered input audio and triggers generation.
func (c *Connection) CommitAudio() error {
	if err := c.sendJSON(map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return c.sendJSON(map[string]any{"type": "response.create"})
}

// InjectText adds a user text item and triggers generation.
func (c *Connection) InjectText(text string) error {
	return c.injectItem("user", text)
}

// InjectDirective adds a system item and triggers generation. Used for the
// AI-disclosure greeting handshake.
func (c *Connection) InjectDirective(text string) error {
	return c.injectItem("system", text)
}

func (c *Connection) injectItem(role, text string) error {
	msg := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": role,
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := c.sendJSON(msg); err != nil {
		return err
	}
	return c.sendJSON(map[string]any{"type": "response.create"})
}

// CancelResponse cancels any in-flight generation. The engine treats a cancel
// with nothing in flight as a no-op, so this is always safe to call.
func (c *Connection) CancelResponse() error {
	return c.sendJSON(map[string]any{"type": "response.cancel"})
}

// Ping sends a liveness probe. The matching pong updates LastPong.
func (c *Connection) Ping() error {
	return c.sendJSON(map[string]any{"type": "ping"})
}

// LastPong reports when the engine last acknowledged a probe.
func (c *Connection) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

func (c *Connection) Closed() bool { return c == nil || c.closed.Load() }

func (c *Connection) sendJSON(v any) error {
	if c == nil {
		return fmt.Errorf("engine connection is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("engine %s: connection is closed", c.label)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Close shuts the websocket down and waits for the read loop to drain.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal connection error, if any.
func (c *Connection) Err() error {
	if c == nil {
		return nil
	}
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Connection) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Connection) readLoop() {
	defer close(c.done)
	defer close(c.events)
	defer c.closed.Store(true)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, err := decodeEventFrame(data)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed engine frame")
			continue
		}
		if pong, ok := event.(PongEvent); ok {
			c.lastPong.Store(pong.At.UnixNano())
			continue
		}
		c.emit(event)
	}
}

func (c *Connection) emit(event Event) {
	select {
	case c.events <- event:
	default:
		// Never block the read loop on a slow consumer.
	}
}
