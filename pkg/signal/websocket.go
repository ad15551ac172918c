package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/pion/ion-log"
)

const (
	defaultDialAttempts = 5
	defaultDialBackoff  = 500 * time.Millisecond
	maxDialBackoff      = 8 * time.Second
	writeWait           = 10 * time.Second
	outboundBuffer      = 64
	sendRetryAttempts   = 3
	sendRetryBackoff    = 50 * time.Millisecond
)

// WebsocketTransport dials a signaling server's websocket endpoint.
type WebsocketTransport struct {
	// BaseURL is the server root, e.g. "ws://signal.example.com:7000".
	BaseURL string
	// Token, when set, is sent as a bearer token on the upgrade request.
	Token string
	// DialAttempts bounds connection retries. Zero means the default.
	DialAttempts int
	// DialBackoff is the initial retry delay, doubled per attempt.
	DialBackoff time.Duration

	Dialer *websocket.Dialer
}

// Join dials the room endpoint with capped exponential backoff.
func (t *WebsocketTransport) Join(ctx context.Context, roomID, localID string) (Channel, error) {
	attempts := t.DialAttempts
	if attempts <= 0 {
		attempts = defaultDialAttempts
	}
	backoff := t.DialBackoff
	if backoff <= 0 {
		backoff = defaultDialBackoff
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	url := fmt.Sprintf("%s/ws/%s?peer=%s", t.BaseURL, roomID, localID)
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, _, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			ch := newWSChannel(conn, roomID, localID)
			return ch, nil
		}
		lastErr = err
		log.Warnf("signal: dial %s attempt %d/%d failed: %v", url, i+1, attempts, err)

		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindChannelUnreachable, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxDialBackoff {
			backoff = maxDialBackoff
		}
	}
	return nil, &Error{Kind: KindChannelUnreachable, Err: lastErr}
}

type wsChannel struct {
	conn    *websocket.Conn
	roomID  string
	localID string

	in   chan Message
	out  chan Message
	done chan struct{}
	once sync.Once
}

func newWSChannel(conn *websocket.Conn, roomID, localID string) *wsChannel {
	c := &wsChannel{
		conn:    conn,
		roomID:  roomID,
		localID: localID,
		in:      make(chan Message, busBuffer),
		out:     make(chan Message, outboundBuffer),
		done:    make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c
}

// Send queues msg for the writer. A full queue is retried with backoff for a
// bounded number of attempts before surfacing send-failed.
func (c *wsChannel) Send(msg Message) error {
	if msg.RoomID == "" {
		msg.RoomID = c.roomID
	}
	if msg.From == "" {
		msg.From = c.localID
	}

	backoff := sendRetryBackoff
	for attempt := 0; ; attempt++ {
		select {
		case <-c.done:
			return ErrChannelClosed
		default:
		}

		select {
		case c.out <- msg:
			return nil
		default:
		}

		if attempt == sendRetryAttempts-1 {
			return &Error{Kind: KindSendFailed, Err: errors.New("outbound queue full")}
		}
		log.Debugf("signal: outbound queue full, retrying %s in %s", msg.Type, backoff)

		select {
		case <-c.done:
			return ErrChannelClosed
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *wsChannel) Messages() <-chan Message { return c.in }

// Leave closes the channel. The leave envelope and close frame are flushed by
// the writer before the connection drops.
func (c *wsChannel) Leave() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// readPump delivers validated inbound messages until the connection ends, then
// guarantees Leave has run.
func (c *wsChannel) readPump() {
	defer func() {
		_ = c.Leave()
		close(c.in)
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("signal: read from room %s: %v", c.roomID, err)
			}
			return
		}
		if msg.RoomID != c.roomID {
			log.Debugf("signal: dropping message for room %s on channel %s", msg.RoomID, c.roomID)
			continue
		}
		if err := msg.Validate(); err != nil {
			log.Warnf("signal: dropping invalid message from %s: %v", msg.From, err)
			continue
		}
		select {
		case c.in <- msg:
		default:
			log.Warnf("signal: inbound buffer full, dropping %s from %s", msg.Type, msg.From)
		}
	}
}

// writePump is the single writer for the connection, preserving send order.
func (c *wsChannel) writePump() {
	for {
		select {
		case <-c.done:
			// queued envelopes go out before the leave, keeping send order
			c.drainOutbound()
			leave := Message{Type: TypeLeave, RoomID: c.roomID, From: c.localID}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(leave); err != nil {
				log.Debugf("signal: leave write: %v", err)
			}
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.conn.Close()
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Warnf("signal: write %s failed: %v", msg.Type, err)
				_ = c.Leave()
			}
		}
	}
}

func (c *wsChannel) drainOutbound() {
	for {
		select {
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debugf("signal: flush %s: %v", msg.Type, err)
				return
			}
		default:
			return
		}
	}
}
