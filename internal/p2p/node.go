package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/meshlink/internal/proto"
	"github.com/petervdpas/meshlink/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// Announce is the discovery message published on the gossip topic. It
// carries reachability only; identity and presence travel over the
// direct channel after connect.
type Announce struct {
	PeerID string   `json:"peerId"`
	Addrs  []string `json:"addrs,omitempty"`
	TS     int64    `json:"ts"`
}

// Node wraps the libp2p host, mDNS discovery, and the gossip announce
// topic. Peer channels are opened through it but owned by the mesh
// registry.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts the libp2p host with mDNS discovery and joins the announce
// topic.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag, announceTopic string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	// LAN discovery via mDNS.
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	topic, err := ps.Join(announceTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Node{Host: h, ps: ps, topic: topic, sub: sub}, nil
}

func (n *Node) Close() error {
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// SetChannelHandler registers the inbound peer channel stream handler.
func (n *Node) SetChannelHandler(handler func(network.Stream)) {
	n.Host.SetStreamHandler(protocol.ID(proto.ChannelProtoID), handler)
}

// OpenChannelStream dials a peer by id and opens a channel stream.
// mDNS or a prior announce usually left addresses in the peerstore.
func (n *Node) OpenChannelStream(ctx context.Context, peerID string) (network.Stream, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("decode peer id %q: %w", peerID, err)
	}

	// Best effort connect (mDNS usually already connected).
	_ = n.Host.Connect(ctx, peer.AddrInfo{ID: pid})

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.ChannelProtoID))
	if err != nil {
		return nil, fmt.Errorf("open channel to %s: %w", peerID, err)
	}
	return s, nil
}

// PublishAnnounce broadcasts this node's reachability on the gossip topic.
func (n *Node) PublishAnnounce(ctx context.Context) {
	msg := Announce{
		PeerID: n.ID(),
		Addrs:  n.lanAddrs(),
		TS:     proto.NowMillis(),
	}
	b, _ := json.Marshal(msg)
	_ = n.topic.Publish(ctx, b)
}

// RunAnnounceLoop publishes at the given interval and invokes onPeer for
// every announce heard from another node. onPeer is called from a single
// goroutine.
func (n *Node) RunAnnounceLoop(ctx context.Context, interval time.Duration, onPeer func(peerID string)) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		n.PublishAnnounce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n.PublishAnnounce(ctx)
			}
		}
	}()

	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var am Announce
			if err := json.Unmarshal(m.Data, &am); err != nil {
				continue
			}
			if am.PeerID == "" || am.PeerID == n.ID() {
				continue
			}

			n.addPeerAddrs(am.PeerID, am.Addrs)
			if onPeer != nil {
				onPeer(am.PeerID)
			}
		}
	}()
}

// lanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses.
func (n *Node) lanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var parsed []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		parsed = append(parsed, a)
	}
	if len(parsed) > 0 {
		n.Host.Peerstore().AddAddrs(pid, parsed, 10*time.Minute)
	}
}
