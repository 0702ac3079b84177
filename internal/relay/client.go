package relay

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/meshlink/internal/proto"
	"github.com/petervdpas/meshlink/internal/state"
)

// Client is a peer's connection to a relay. It feeds inbound envelopes
// into the state reducer and offers the two submissions the relay
// accepts. There is no reconnect: when the socket dies the client
// reports it once through onDown and stays dead until replaced.
type Client struct {
	url   string
	store *state.Store

	// Called once when the connection fails or closes unexpectedly.
	onDown func(err error)

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// Dial connects to the relay and starts the read loop. The first frame
// the relay sends is the room-list snapshot, applied like any other
// inbound envelope.
func Dial(ctx context.Context, url string, store *state.Store, onDown func(err error)) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Client{url: url, store: store, onDown: onDown, ws: ws}
	go c.readLoop()

	log.Printf("RELAY: connected to %s", url)
	return c, nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.down(err)
			return
		}

		env, err := proto.Decode(data)
		if err != nil {
			log.Printf("RELAY: dropping inbound message: %v", err)
			continue
		}
		c.store.Apply("", env)
	}
}

// SubmitRoom publishes a freshly created room to the relay cache.
func (c *Client) SubmitRoom(room proto.Room) error {
	return c.send(&proto.CreateRoom{Room: room})
}

// SubmitMessage publishes a room message for relay fan-out. The relay
// echoes it back; the store's dedup absorbs the echo.
func (c *Client) SubmitMessage(msg *proto.RoomMsg) error {
	return c.send(msg)
}

func (c *Client) send(env proto.Envelope) error {
	data, err := proto.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("relay connection is down")
	}
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()

	if err != nil {
		c.down(err)
		return fmt.Errorf("relay send %s: %w", env.Kind(), err)
	}
	return nil
}

// down marks the client dead and reports the failure exactly once.
func (c *Client) down(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.ws.Close()
	log.Printf("RELAY: connection lost: %v", err)
	if c.onDown != nil {
		c.onDown(err)
	}
}

// Close shuts the connection down without invoking onDown.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}
