package handlers

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/relayvox/relayvox/internal/services"
	"github.com/relayvox/relayvox/internal/telephony"
)

// TelephonyWSHandler terminates the carrier's media-stream socket. The
// carrier is configured with a per-call stream URL, authenticated by a
// shared token rather than a user JWT.
type TelephonyWSHandler struct {
	calls    services.CallService
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func NewTelephonyWSHandler(calls services.CallService, log *logrus.Logger) *TelephonyWSHandler {
	return &TelephonyWSHandler{
		calls: calls,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *TelephonyWSHandler) MediaWS(c *gin.Context) {
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if secret := os.Getenv("CARRIER_WS_TOKEN"); secret != "" && c.Query("token") != secret {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	bridge, err := h.calls.Bridge(callID)
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := h.log.WithField("call_id", callID)

	var stream *telephony.Stream
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := telephony.ParseMessage(data)
		if err != nil {
			log.WithError(err).Warn("malformed carrier frame dropped")
			continue
		}

		switch env.Event {
		case telephony.EventStart:
			if env.Start == nil {
				log.Warn("start frame missing payload, dropped")
				continue
			}
			stream = telephony.NewStream(conn, env.Start.StreamSID, log)
			bridge.HandleTelephoneStart(env.Start.CallSID, stream)

		case telephony.EventMedia:
			pcm, derr := telephony.DecodeMediaPayload(env)
			if derr != nil {
				log.WithError(derr).Warn("malformed media frame dropped")
				continue
			}
			if err := bridge.HandleTelephoneMedia(pcm); err != nil {
				log.WithError(err).Warn("telephone audio not accepted")
			}

		case telephony.EventStop:
			bridge.HandleTelephoneStop()
			return
		}
	}
}
