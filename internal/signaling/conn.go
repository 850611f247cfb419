// Package signaling is the guest's side of the room's WebSocket channel.
//
// One Conn wraps one dialed session. Inbound frames are decoded and
// dispatched in arrival order to per-kind subscriptions; outbound frames go
// through a buffered send queue and a single writer goroutine. The Conn
// does not reconnect; when the session dies, Done fires and the owner
// decides whether to dial again.
package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/henteko/maycast-recorder-sub000/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
)

// Conn is one live signaling session. Safe for concurrent use.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	log  *zap.Logger

	mu      sync.Mutex
	subs    map[protocol.Kind]map[int]chan protocol.Envelope
	nextSub int

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the coordinator's signaling endpoint and starts the
// read and write pumps.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}

	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		log:    log,
		subs:   make(map[protocol.Kind]map[int]chan protocol.Envelope),
		closed: make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	log.Info("signaling: connected", zap.String("url", url))
	return c, nil
}

// Subscribe returns an ordered feed of envelopes of one kind plus its
// cleanup func. Frames arrive in the order the socket delivered them. A
// full buffer drops the frame; the periodic snapshot poll re-converges any
// state lost that way.
func (c *Conn) Subscribe(kind protocol.Kind, buffer int) (<-chan protocol.Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan protocol.Envelope, buffer)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := c.nextSub
	c.nextSub++
	m := c.subs[kind]
	if m == nil {
		m = make(map[int]chan protocol.Envelope)
		c.subs[kind] = m
	}
	m[id] = ch
	c.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			c.mu.Lock()
			if cur, ok := c.subs[kind][id]; ok {
				delete(c.subs[kind], id)
				close(cur)
			}
			c.mu.Unlock()
		})
	}
	return ch, cleanup
}

// Send encodes and queues one frame. It blocks while the send buffer is
// full and fails once the connection has died.
func (c *Conn) Send(kind protocol.Kind, roomID string, payload any) error {
	frame, err := protocol.Encode(kind, roomID, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return fmt.Errorf("signaling: send %s: connection closed", kind)
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return fmt.Errorf("signaling: send %s: connection closed", kind)
	}
}

// Done is closed when the session has ended, whichever side ended it.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the error that ended the session, nil for a local Close.
// Only meaningful after Done.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close ends the session. Safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		close(c.closed)
		for kind, m := range c.subs {
			for id, ch := range m {
				delete(m, id)
				close(ch)
			}
			delete(c.subs, kind)
		}
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("signaling: session ended", zap.Error(err))
		}
	})
}

func (c *Conn) readPump() {
	defer c.shutdown(nil)
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(err)
			}
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.log.Warn("signaling: undecodable frame", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

// dispatch runs on the single read goroutine, so subscribers observe frames
// in socket order.
func (c *Conn) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs[env.Kind] {
		select {
		case ch <- env:
		default:
			c.log.Warn("signaling: subscriber buffer full, dropping frame",
				zap.String("kind", string(env.Kind)),
				zap.Int("subscriber", id))
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
