// Package app wires the process together: node, store, registry, relay,
// call manager, notification feed, and the config watcher.
package app

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/petervdpas/meshlink/internal/call"
	"github.com/petervdpas/meshlink/internal/client"
	"github.com/petervdpas/meshlink/internal/config"
	"github.com/petervdpas/meshlink/internal/mesh"
	"github.com/petervdpas/meshlink/internal/notify"
	"github.com/petervdpas/meshlink/internal/p2p"
	"github.com/petervdpas/meshlink/internal/proto"
	"github.com/petervdpas/meshlink/internal/relay"
	"github.com/petervdpas/meshlink/internal/state"
	"github.com/petervdpas/meshlink/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// announceInterval is how often the node republishes its discovery
// announce.
const announceInterval = 15 * time.Second

// Run starts either a relay host or a full peer, depending on the
// config, and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	if opt.Cfg.Relay.Host {
		return runRelay(ctx, opt.Cfg)
	}
	return runPeer(ctx, opt)
}

func runRelay(ctx context.Context, cfg config.Config) error {
	srv := relay.NewServer(cfg.Relay.Bind, cfg.Relay.Port)
	if err := srv.Start(); err != nil {
		return err
	}
	log.Printf("Relay ready at %s", srv.URL())

	<-ctx.Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// nodeDialer adapts the p2p node to the registry's Dialer.
type nodeDialer struct {
	node *p2p.Node
}

func (d nodeDialer) Dial(ctx context.Context, peerID string) (io.ReadWriteCloser, error) {
	return d.node.OpenChannelStream(ctx, peerID)
}

func runPeer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	keyFile := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyFile, cfg.P2P.MdnsTag, cfg.P2P.AnnounceTopic)
	if err != nil {
		return err
	}
	defer node.Close()
	log.Printf("Peer id: %s", node.ID())

	store := state.New(state.Profile{
		ID:            node.ID(),
		Username:      cfg.Profile.Username,
		Status:        cfg.Profile.Status,
		StatusMessage: cfg.Profile.StatusMessage,
	})

	feed := notify.NewFeed(200)
	feed.Watch(ctx, store)

	registry := mesh.New(store, nodeDialer{node: node})
	defer registry.CloseAll()

	node.SetChannelHandler(func(s network.Stream) {
		registry.OnIncoming(s.Conn().RemotePeer().String(), s)
	})

	sig := newP2PSignaler(node)
	callMgr := call.New(sig, node.ID(), func(phase, remotePeer string) {
		store.SetCall(phase, remotePeer)
	})
	defer callMgr.Close()

	cl := client.New(store, registry, feed)
	defer cl.Close()

	// Every discovery announce from an unconnected peer triggers one
	// dial. Connect is idempotent and does not retry failures.
	node.RunAnnounceLoop(ctx, announceInterval, func(peerID string) {
		if registry.Connected(peerID) {
			return
		}
		dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		_ = cl.ConnectToPeer(dialCtx, peerID)
	})

	if cfg.Relay.URL != "" {
		relayCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		_ = cl.ConnectRelay(relayCtx, cfg.Relay.URL)
		cancel()
	}

	watchConfig(ctx, opt.CfgPath, store, registry, cl)

	<-ctx.Done()
	return nil
}

// watchConfig re-reads the config file on change and pushes profile
// edits to connected peers: a fresh identity snapshot plus a presence
// update.
func watchConfig(ctx context.Context, cfgPath string, store *state.Store, registry *mesh.Registry, cl *client.Client) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("config watch unavailable: %v", err)
		return
	}
	// Watch the directory: editors replace the file, which would kill a
	// direct file watch.
	if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
		log.Printf("config watch unavailable: %v", err)
		_ = watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != cfgPath {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				cfg, err := config.Load(cfgPath)
				if err != nil {
					log.Printf("config reload failed: %v", err)
					continue
				}
				applyProfile(cfg.Profile, store, registry, cl)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher error: %v", err)
			}
		}
	}()
}

func applyProfile(p config.Profile, store *state.Store, registry *mesh.Registry, cl *client.Client) {
	self := store.Self()
	if p.Username != self.Username {
		store.SetUsername(p.Username)
		registry.Broadcast(&proto.Identity{
			Username:      p.Username,
			Status:        p.Status,
			StatusMessage: p.StatusMessage,
			BlockedUsers:  store.BlockedIDs(),
		})
		log.Printf("profile username changed to %q", p.Username)
	}
	if p.Status != self.Status || p.StatusMessage != self.StatusMessage {
		cl.SetStatus(p.Status, p.StatusMessage)
	}
}
