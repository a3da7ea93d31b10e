package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	relay "github.com/Wyydra/ya/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	sendQueueSize = 256

	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 3 * time.Second
)

// ErrSuperseded is returned by Run when another connection registered
// under the same participant id.
var ErrSuperseded = errors.New("relay connection superseded")

// Handler receives what the relay delivers.
type Handler interface {
	HandleEnvelope(env domain.Envelope)
	// RelayLost is called every time an established connection drops.
	RelayLost()
}

// Conn is a participant's connection to the signaling relay. It
// implements port.RealTimeGateway.
type Conn struct {
	url      string
	dialer   *websocket.Dialer
	clock    clock.Clock
	attempts int
	delay    time.Duration
	log      zerolog.Logger

	mu   sync.Mutex
	send chan []byte // nil while disconnected
}

type Option func(*Conn)

func WithClock(c clock.Clock) Option {
	return func(conn *Conn) { conn.clock = c }
}

// WithReconnect bounds how many consecutive failed dials Run tolerates
// and how long it waits between them.
func WithReconnect(attempts int, delay time.Duration) Option {
	return func(conn *Conn) {
		conn.attempts = attempts
		conn.delay = delay
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(conn *Conn) { conn.dialer = d }
}

func NewConn(relayURL string, self domain.ParticipantID, opts ...Option) (*Conn, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay url %q: scheme must be ws or wss", relayURL)
	}
	q := u.Query()
	q.Set("participant", self.String())
	u.RawQuery = q.Encode()

	c := &Conn{
		url:      u.String(),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		clock:    clock.New(),
		attempts: DefaultReconnectAttempts,
		delay:    DefaultReconnectDelay,
		log:      log.With().Str("participant", self.String()).Str("component", "relay-conn").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send queues env for the relay. It never blocks on the network.
func (c *Conn) Send(ctx context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return fmt.Errorf("%w: relay not connected", domain.ErrUnreachable)
	}
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: relay send queue full", domain.ErrUnreachable)
	}
}

// Run keeps a connection to the relay open until ctx is done. Dropped
// connections are redialed; after more than the configured number of
// consecutive failed dials Run gives up with domain.ErrUnreachable.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	failures := 0
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			failures = 0
			c.log.Info().Str("url", c.url).Msg("Connected to relay")
			err = c.serve(ctx, conn, h)
			h.RelayLost()
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrSuperseded) {
				c.log.Warn().Msg("Another connection took over this participant id")
				return err
			}
			c.log.Warn().Err(err).Msg("Relay connection lost")
		} else {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.log.Warn().Err(err).Int("attempt", failures).Msg("Relay dial failed")
			if failures > c.attempts {
				return fmt.Errorf("%w: giving up after %d attempts: %v", domain.ErrUnreachable, failures, err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(c.delay):
		}
	}
}

func (c *Conn) serve(ctx context.Context, conn *websocket.Conn, h Handler) error {
	send := make(chan []byte, sendQueueSize)
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()

	leaving := make(chan struct{})
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn, send, leaving, readerDone)
	}()
	stop := context.AfterFunc(ctx, func() { close(leaving) })

	err := c.readPump(conn, h)

	stop()
	c.mu.Lock()
	c.send = nil
	c.mu.Unlock()
	close(readerDone)
	<-writerDone
	conn.Close()
	return err
}

func (c *Conn) readPump(conn *websocket.Conn, h Handler) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Text == string(relay.CloseSuperseded) {
				return ErrSuperseded
			}
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				c.log.Warn().Err(err).Msg("Dropping malformed envelope from relay")
				continue
			}
			return err
		}
		h.HandleEnvelope(env)
	}
}

// writePump owns all data writes. When leaving is closed it flushes what
// is queued, says goodbye and gives the relay writeWait to close.
func (c *Conn) writePump(conn *websocket.Conn, send <-chan []byte, leaving, readerDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Warn().Err(err).Msg("Error writing to relay")
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-readerDone:
			return
		case <-leaving:
		flush:
			for {
				select {
				case data := <-send:
					if !write(data) {
						return
					}
				default:
					break flush
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.SetReadDeadline(time.Now().Add(writeWait))
			return
		case data := <-send:
			if !write(data) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
