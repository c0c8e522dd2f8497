package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/r3e-labs/instrument-gateway/internal/app"
	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
	"github.com/r3e-labs/instrument-gateway/internal/lock"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundMessage is the C→S envelope; fields are interpreted per Type, per
// §6's duplex message type table.
type inboundMessage struct {
	Type        string `json:"type"`
	EquipmentID string `json:"equipment_id"`
	StreamType  string `json:"stream_type"`
	IntervalMS  int    `json:"interval_ms"`
	Mode        string `json:"mode"`
	TimeoutS    int    `json:"timeout_s"`
}

// outboundMessage is the S→C envelope, covering every message type this
// connection may emit.
type outboundMessage struct {
	Type        string             `json:"type"`
	EquipmentID string             `json:"equipment_id,omitempty"`
	StreamType  string             `json:"stream_type,omitempty"`
	SampledAt   time.Time          `json:"sampled_at,omitempty"`
	Data        any                `json:"data,omitempty"`
	Error       *gwerrors.Envelope `json:"error,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
	Mode        string             `json:"mode,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// serveDuplex upgrades the connection and runs its read/write loops until
// either side closes or the heartbeat window elapses with no traffic.
func (gw *Gateway) serveDuplex(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		gw.log.WithError(err).Warn("duplex upgrade failed")
		return
	}
	defer conn.Close()

	sessionID := gw.app.Clients.Create("duplex-client", c.ClientIP(), nil)
	defer gw.app.Clients.End(sessionID)

	outbox := make(chan outboundMessage, 64)
	lockEvents := make(chan app.LockEvent, 16)
	unsubscribeLocks := gw.app.SubscribeLockEvents(lockEvents)
	defer unsubscribeLocks()

	done := make(chan struct{})
	go gw.duplexWriteLoop(conn, outbox, lockEvents, done)
	gw.duplexReadLoop(conn, sessionID, outbox)
	close(done)
}

// duplexReadLoop owns reading C→S frames and resetting the heartbeat
// read-deadline; it returns when the connection closes or goes silent for
// 2x the configured heartbeat interval, per §6's heartbeat rule.
func (gw *Gateway) duplexReadLoop(conn *websocket.Conn, sessionID string, outbox chan<- outboundMessage) {
	idleLimit := 2 * gw.cfg.HeartbeatInterval
	conn.SetReadDeadline(time.Now().Add(idleLimit))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleLimit))
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleLimit))
		gw.app.Clients.Touch(sessionID)

		switch msg.Type {
		case "ping":
			outbox <- outboundMessage{Type: "pong"}

		case "start_stream":
			if err := gw.app.Streams.Start(sessionID, msg.EquipmentID, msg.StreamType, msg.IntervalMS, nil); err != nil {
				outbox <- outboundMessage{Type: "stream_stopped", EquipmentID: msg.EquipmentID, StreamType: msg.StreamType, Error: envelope(err)}
				continue
			}
			outbox <- outboundMessage{Type: "stream_started", EquipmentID: msg.EquipmentID, StreamType: msg.StreamType}
			go gw.pumpStreamMessages(sessionID, msg.EquipmentID, msg.StreamType, outbox)

		case "stop_stream":
			gw.app.Streams.StopSubscription(sessionID, msg.EquipmentID, msg.StreamType)
			outbox <- outboundMessage{Type: "stream_stopped", EquipmentID: msg.EquipmentID, StreamType: msg.StreamType}

		case "resume":
			mode := lock.ModeObserver
			if msg.Mode == string(lock.ModeExclusive) {
				mode = lock.ModeExclusive
			}
			res, err := gw.app.Locks.Acquire(msg.EquipmentID, sessionID, mode, msg.TimeoutS, false)
			if err != nil {
				outbox <- outboundMessage{Type: "lock_event", EquipmentID: msg.EquipmentID, SessionID: sessionID, Reason: err.Error()}
				continue
			}
			outbox <- outboundMessage{Type: "lock_event", EquipmentID: msg.EquipmentID, SessionID: sessionID, Mode: msg.Mode, Reason: string(res.Outcome)}
		}
	}
}

// pumpStreamMessages forwards one subscription's delivered samples onto the
// connection's shared outbox until the subscription is torn down (stopped,
// suspended past its grace window, or the connection itself closes).
func (gw *Gateway) pumpStreamMessages(sessionID, equipmentID, streamType string, outbox chan<- outboundMessage) {
	ch, ok := gw.app.Streams.Messages(sessionID, equipmentID, streamType)
	if !ok {
		return
	}
	for msg := range ch {
		outbox <- outboundMessage{
			Type:        "stream_data",
			EquipmentID: msg.EquipmentID,
			StreamType:  msg.StreamType,
			SampledAt:   msg.SampledAt,
			Data:        msg.Data,
			Error:       msg.Error,
		}
	}
}

// duplexWriteLoop serializes every outbound write (app messages, lock
// events, and heartbeat pings) onto the single connection, which
// gorilla/websocket requires to come from one goroutine at a time.
func (gw *Gateway) duplexWriteLoop(conn *websocket.Conn, outbox <-chan outboundMessage, lockEvents <-chan app.LockEvent, done <-chan struct{}) {
	ticker := time.NewTicker(gw.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-lockEvents:
			if err := conn.WriteJSON(outboundMessage{Type: "lock_event", EquipmentID: ev.EquipmentID, SessionID: ev.SessionID, Mode: string(ev.Mode), Reason: ev.Reason}); err != nil {
				return
			}
		case msg := <-outbox:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func envelope(err error) *gwerrors.Envelope {
	e := gwerrors.ToEnvelope(err)
	return &e
}
