package telephony

import (
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Stream is the outbound half of one carrier media socket. Sends on a closed
// stream are dropped silently: the carrier tears the socket down on hangup
// and in-flight audio racing that teardown is expected.
type Stream struct {
	conn      *websocket.Conn
	streamSID string

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	log *logrus.Entry
}

func NewStream(conn *websocket.Conn, streamSID string, log *logrus.Entry) *Stream {
	return &Stream{conn: conn, streamSID: streamSID, log: log}
}

func (s *Stream) Connected() bool { return s != nil && !s.closed.Load() }

// SendMedia queues audio for playback on the telephone leg.
func (s *Stream) SendMedia(payload []byte) error {
	return s.send(Envelope{
		Event:     EventMedia,
		StreamSID: s.streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// SendClear flushes any audio the carrier has queued but not yet played.
// Used on barge-in so the recipient stops hearing the interrupted response.
func (s *Stream) SendClear() error {
	return s.send(Envelope{Event: EventClear, StreamSID: s.streamSID})
}

func (s *Stream) send(env Envelope) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteJSON(env); err != nil {
		s.log.WithError(err).Debug("media stream write dropped")
		return err
	}
	return nil
}

// Close marks the stream dead and closes the socket.
func (s *Stream) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.conn.Close()
	})
}
