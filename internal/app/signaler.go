package app

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/meshlink/internal/call"
	"github.com/petervdpas/meshlink/internal/p2p"
	"github.com/petervdpas/meshlink/internal/proto"
	"github.com/petervdpas/meshlink/internal/util"
)

// p2pSignaler carries call signaling over short-lived libp2p streams,
// one stream per message. It is the adapter between the standalone call
// package and the node; channel ids are remote peer ids.
type p2pSignaler struct {
	node *p2p.Node

	mu   sync.Mutex
	subs []chan *call.Envelope
}

func newP2PSignaler(node *p2p.Node) *p2pSignaler {
	s := &p2pSignaler{node: node}
	node.Host.SetStreamHandler(protocol.ID(proto.CallProtoID), s.handleStream)
	return s
}

func (s *p2pSignaler) handleStream(st network.Stream) {
	defer st.Close()

	var env call.Envelope
	if err := json.NewDecoder(st).Decode(&env); err != nil {
		log.Printf("CALL: bad signal from %s: %v", st.Conn().RemotePeer(), err)
		return
	}
	// The transport knows the sender; never trust the payload's claim.
	env.From = st.Conn().RemotePeer().String()
	env.Channel = env.From

	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- &env:
		default:
		}
	}
}

func (s *p2pSignaler) Send(channelID string, payload map[string]any) error {
	pid, err := peer.Decode(channelID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
	defer cancel()

	st, err := s.node.Host.NewStream(ctx, pid, protocol.ID(proto.CallProtoID))
	if err != nil {
		return err
	}
	defer st.Close()

	return json.NewEncoder(st).Encode(call.Envelope{
		Channel: channelID,
		From:    s.node.ID(),
		Payload: payload,
	})
}

func (s *p2pSignaler) Subscribe() (chan *call.Envelope, func()) {
	ch := make(chan *call.Envelope, 32)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(sub)
				return
			}
		}
	}
	return ch, cancel
}
