package http

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendQueueSize = 256
)

var (
	errMessageTooLarge = errors.New("message too large")
	errSendQueueFull   = errors.New("send queue full")
)

// WSClient is one participant's signaling connection. Envelopes from the
// hub are queued and written by writePump.
type WSClient struct {
	id   domain.ParticipantID
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason ws.CloseReason
}

func newWSClient(id domain.ParticipantID, conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		log:    log.With().Str("participant", id.String()).Logger(),
		closed: make(chan struct{}),
	}
}

func (c *WSClient) ID() domain.ParticipantID {
	return c.id
}

func (c *WSClient) Send(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return domain.ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close asks writePump to say goodbye and drop the connection. Safe to
// call more than once and from any goroutine; the first reason wins.
func (c *WSClient) Close(reason ws.CloseReason) error {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.closed)
	})
	return nil
}

func closeCode(reason ws.CloseReason) int {
	switch reason {
	case ws.CloseShutdown:
		return websocket.CloseGoingAway
	case ws.CloseSlowConsumer:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseNormalClosure
	}
}

// ServeWS upgrades the request and registers the participant named by
// the participant query parameter with the hub.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseParticipantID(r.URL.Query().Get("participant"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(id, conn)
	client.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Participant connected")

	h.Hub.Register(client)
	go client.writePump()

	defer func() {
		h.Hub.Unregister(client)
		client.Close(ws.CloseGone)
		client.log.Info().Msg("Participant disconnected")
	}()

	h.readPump(client)
}

func (h *Handler) readPump(c *WSClient) {
	limiter := rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.MessagesPerSecond)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, reader, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) && !isTimeout(err) {
				c.log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		if !limiter.Allow() {
			ws.DroppedTotal.WithLabelValues("rate_limited").Inc()
			writeClose(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(c.conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(reader, h.opts.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				ws.DroppedTotal.WithLabelValues("too_large").Inc()
				writeClose(c.conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(c.conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Type == "" {
			ws.DroppedTotal.WithLabelValues("malformed").Inc()
			c.log.Warn().Err(err).Msg("Dropping malformed envelope")
			continue
		}
		h.Hub.Inbound(c, env)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			writeClose(c.conn, closeCode(c.closeReason), string(c.closeReason))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("Error writing to websocket")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("Error sending ping")
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
