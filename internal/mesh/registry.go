// Package mesh owns the peer channels: opening, handshake, inbound
// dispatch, and teardown. Envelope semantics live in the state reducer;
// this layer only moves envelopes and keeps the one-channel-per-peer
// invariant.
package mesh

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/petervdpas/meshlink/internal/proto"
	"github.com/petervdpas/meshlink/internal/state"
)

// Dialer opens a raw channel link to a peer. The p2p node satisfies it
// with a libp2p stream; tests use in-memory pipes.
type Dialer interface {
	Dial(ctx context.Context, peerID string) (io.ReadWriteCloser, error)
}

// Registry tracks open channels keyed by peer id.
type Registry struct {
	store *state.Store
	dial  Dialer

	mu       sync.RWMutex
	channels map[string]*Channel
}

func New(store *state.Store, dial Dialer) *Registry {
	return &Registry{
		store:    store,
		dial:     dial,
		channels: make(map[string]*Channel),
	}
}

// Connect opens an outbound channel to peerID. A no-op if one is
// already open. There is no retry: a failed dial surfaces once and the
// peer stays unconnected until the next discovery announce.
func (r *Registry) Connect(ctx context.Context, peerID string) error {
	r.mu.RLock()
	_, exists := r.channels[peerID]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	rwc, err := r.dial.Dial(ctx, peerID)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", peerID, err)
	}

	r.adopt(peerID, rwc)
	log.Printf("MESH: connected to %s", peerID)
	return nil
}

// OnIncoming adopts an inbound channel. When a channel for the peer
// already exists the new link is dropped, keeping one channel per peer
// regardless of which side dialed.
func (r *Registry) OnIncoming(peerID string, rwc io.ReadWriteCloser) {
	r.mu.RLock()
	_, exists := r.channels[peerID]
	r.mu.RUnlock()
	if exists {
		log.Printf("MESH: duplicate channel from %s, dropping", peerID)
		_ = rwc.Close()
		return
	}

	r.adopt(peerID, rwc)
	log.Printf("MESH: accepted channel from %s", peerID)
}

// adopt registers the channel, starts its read loop, and runs the open
// handshake: the identity snapshot followed by every room visible to
// the peer.
func (r *Registry) adopt(peerID string, rwc io.ReadWriteCloser) {
	ch := newChannel(peerID, rwc)

	r.mu.Lock()
	if _, exists := r.channels[peerID]; exists {
		// Lost a race with the other direction's dial.
		r.mu.Unlock()
		_ = rwc.Close()
		return
	}
	channels := make(map[string]*Channel, len(r.channels)+1)
	for k, v := range r.channels {
		channels[k] = v
	}
	channels[peerID] = ch
	r.channels = channels
	r.mu.Unlock()

	go func() {
		ch.readLoop(r.dispatch)
		r.drop(ch)
	}()

	r.handshake(ch)
}

// handshake replicates local state the new peer is entitled to see.
func (r *Registry) handshake(ch *Channel) {
	self := r.store.Self()
	err := ch.Send(&proto.Identity{
		Username:      self.Username,
		Status:        self.Status,
		StatusMessage: self.StatusMessage,
		BlockedUsers:  r.store.BlockedIDs(),
	})
	if err != nil {
		log.Printf("MESH: handshake with %s failed: %v", ch.PeerID(), err)
		ch.Close()
		return
	}

	for _, room := range r.store.Rooms() {
		if !room.VisibleTo(ch.PeerID()) {
			continue
		}
		if err := ch.Send(&proto.RoomCreated{Room: room}); err != nil {
			log.Printf("MESH: room replication to %s failed: %v", ch.PeerID(), err)
			ch.Close()
			return
		}
	}
}

func (r *Registry) dispatch(peerID string, env proto.Envelope) {
	r.store.Apply(peerID, env)
}

// drop removes a dead channel and its peer identity.
func (r *Registry) drop(ch *Channel) {
	r.mu.Lock()
	cur, ok := r.channels[ch.PeerID()]
	if !ok || cur != ch {
		r.mu.Unlock()
		return
	}
	channels := make(map[string]*Channel, len(r.channels))
	for k, v := range r.channels {
		if k != ch.PeerID() {
			channels[k] = v
		}
	}
	r.channels = channels
	r.mu.Unlock()

	ch.Close()
	r.store.RemovePeer(ch.PeerID())
	log.Printf("MESH: channel to %s closed", ch.PeerID())
}

// Send delivers one envelope to a single peer. A missing channel is
// reported to the caller; there is no queueing for offline peers.
func (r *Registry) Send(peerID string, env proto.Envelope) error {
	r.mu.RLock()
	ch, ok := r.channels[peerID]
	r.mu.RUnlock()
	if !ok {
		log.Printf("MESH: no channel to %s, dropping %s", peerID, env.Kind())
		return fmt.Errorf("no open channel to %s", peerID)
	}
	if err := ch.Send(env); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Kind(), peerID, err)
	}
	return nil
}

// Broadcast sends an envelope to every open channel except the excluded
// peer ids. Failed sends are logged per peer and do not stop the fan-out.
func (r *Registry) Broadcast(env proto.Envelope, exclude ...string) {
	r.mu.RLock()
	channels := r.channels
	r.mu.RUnlock()

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	for id, ch := range channels {
		if _, ok := skip[id]; ok {
			continue
		}
		if err := ch.Send(env); err != nil {
			log.Printf("MESH: broadcast %s to %s failed: %v", env.Kind(), id, err)
		}
	}
}

// BroadcastTo sends an envelope to every open channel whose peer id
// passes the filter. Used for room replication where only allowed peers
// may see the envelope.
func (r *Registry) BroadcastTo(env proto.Envelope, allowed func(peerID string) bool) {
	r.mu.RLock()
	channels := r.channels
	r.mu.RUnlock()

	for id, ch := range channels {
		if !allowed(id) {
			continue
		}
		if err := ch.Send(env); err != nil {
			log.Printf("MESH: broadcast %s to %s failed: %v", env.Kind(), id, err)
		}
	}
}

// Connected reports whether a channel to peerID is open.
func (r *Registry) Connected(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[peerID]
	return ok
}

// Peers returns the ids of all open channels.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	return out
}

// CloseAll tears down every channel, e.g. on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
