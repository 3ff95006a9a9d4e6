package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/relayvox/relayvox/internal/services"
	"github.com/relayvox/relayvox/internal/utils"
)

// ClientWSHandler is the user's live channel during a call: microphone audio
// and commands inbound, transcripts, translated audio, and call events
// outbound, forwarded from the call's redis pub/sub channel.
type ClientWSHandler struct {
	calls    services.CallService
	redis    *redis.Client
	upgrader websocket.Upgrader
}

func NewClientWSHandler(calls services.CallService, rdb *redis.Client) *ClientWSHandler {
	return &ClientWSHandler{
		calls: calls,
		redis: rdb,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

type clientMsg struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"` // base64 audio for audio.chunk
	Text    string `json:"text,omitempty"`
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeText(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) writeErrorMsg(code utils.Code, message string) {
	b, _ := json.Marshal(map[string]any{
		"type":    "error",
		"code":    code,
		"message": message,
	})
	_ = w.writeText(b)
}

func (h *ClientWSHandler) CallWS(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	callID := c.Param("call_id")
	if callID == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, "ClientWSHandler.CallWS", "missing call_id", nil))
		return
	}

	call, err := h.calls.Get(c.Request.Context(), callID)
	if err != nil {
		writeError(c, err)
		return
	}
	if call.UserID != userID {
		writeError(c, utils.E(utils.CodeForbidden, "ClientWSHandler.CallWS", "forbidden", nil))
		return
	}

	bridge, err := h.calls.Bridge(callID)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	pubsub := h.redis.Subscribe(ctx, services.EventsChannel(callID))
	defer pubsub.Close()

	// reader: WS -> bridge
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})

		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}

			var msg clientMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				wc.writeErrorMsg(utils.CodeInvalidArgument, "invalid json")
				continue
			}

			switch msg.Type {
			case "audio.chunk":
				pcm, err := base64.StdEncoding.DecodeString(msg.Payload)
				if err != nil || len(pcm) == 0 {
					wc.writeErrorMsg(utils.CodeInvalidArgument, "payload must be base64 audio")
					continue
				}
				if err := bridge.HandleClientAudio(pcm); err != nil {
					wc.writeErrorMsg(utils.CodeUnavailable, "audio not accepted")
				}

			case "audio.commit":
				if err := bridge.HandleClientCommit(); err != nil {
					wc.writeErrorMsg(utils.CodeUnavailable, "commit not accepted")
				}

			case "text.send":
				if msg.Text == "" {
					wc.writeErrorMsg(utils.CodeInvalidArgument, "text is required")
					continue
				}
				if err := bridge.HandleClientText(msg.Text); err != nil {
					wc.writeErrorMsg(utils.CodeUnavailable, "text not accepted")
				}

			case "vad.speech_start":
				bridge.HandleClientVAD(true)

			case "vad.speech_end":
				bridge.HandleClientVAD(false)

			case "call.end":
				_ = h.calls.End(ctx, callID)
				return

			default:
				wc.writeErrorMsg(utils.CodeInvalidArgument, "unknown message type")
			}
		}
	}()

	// writer: redis pub/sub -> WS
	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		default:
			m, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			if werr := wc.writeText([]byte(m.Payload)); werr != nil {
				return
			}
		}
	}
}
