package mesh

import (
	"encoding/json"
	"io"
	"log"
	"sync"

	"github.com/petervdpas/meshlink/internal/proto"
)

// Channel is one bidirectional peer link: a JSON envelope stream with a
// serialized writer. At most one exists per peer id; the registry owns
// its lifecycle.
type Channel struct {
	peerID string
	rwc    io.ReadWriteCloser
	enc    *json.Encoder

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newChannel(peerID string, rwc io.ReadWriteCloser) *Channel {
	return &Channel{
		peerID: peerID,
		rwc:    rwc,
		enc:    json.NewEncoder(rwc),
	}
}

// PeerID returns the remote peer id this channel is keyed by.
func (c *Channel) PeerID() string { return c.peerID }

// Send encodes and writes one envelope. Writes are serialized so
// concurrent senders cannot interleave frames.
func (c *Channel) Send(env proto.Envelope) error {
	data, err := proto.Encode(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(json.RawMessage(data))
}

// Close tears the link down. Safe to call from both the read loop and
// the registry.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		_ = c.rwc.Close()
	})
}

// readLoop decodes envelopes until the link dies and hands each one to
// handle. An envelope that parses as JSON but has an unknown or
// malformed body is logged and skipped; a framing-level error ends the
// channel.
func (c *Channel) readLoop(handle func(peerID string, env proto.Envelope)) {
	dec := json.NewDecoder(c.rwc)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return // disconnect
		}

		env, err := proto.Decode(raw)
		if err != nil {
			log.Printf("MESH: dropping envelope from %s: %v", c.peerID, err)
			continue
		}
		handle(c.peerID, env)
	}
}
