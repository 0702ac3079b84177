// Package notify keeps the user-facing notification feed: short-lived
// entries derived from store events plus anything the client posts
// directly (relay failures, channel errors).
package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/petervdpas/meshlink/internal/proto"
	"github.com/petervdpas/meshlink/internal/state"
	"github.com/petervdpas/meshlink/internal/util"
)

// Levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelError   = "error"
)

// Notification is one feed entry.
type Notification struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Feed holds the most recent notifications; older entries fall off the
// ring.
type Feed struct {
	buf *util.RingBuffer[Notification]
}

func NewFeed(capacity int) *Feed {
	return &Feed{buf: util.NewRingBuffer[Notification](capacity)}
}

// Post appends an entry to the feed.
func (f *Feed) Post(level, format string, args ...any) {
	n := Notification{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: proto.NowMillis(),
	}
	f.buf.Push(n)
	log.Printf("NOTIFY: [%s] %s", n.Level, n.Message)
}

// Recent returns the feed oldest-first.
func (f *Feed) Recent() []Notification {
	return f.buf.Snapshot()
}

// Watch converts store events into feed entries until ctx is done.
func (f *Feed) Watch(ctx context.Context, store *state.Store) {
	events := store.Subscribe()
	go func() {
		defer store.Unsubscribe(events)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				f.consume(store, evt)
			}
		}
	}()
}

func (f *Feed) consume(store *state.Store, evt state.Event) {
	switch evt.Type {
	case state.EvtPeerUpdated:
		if p, ok := store.Peer(evt.PeerID); ok {
			f.Post(LevelInfo, "%s is %s", p.Username, p.Status)
		}
	case state.EvtPeerRemoved:
		f.Post(LevelInfo, "peer %s went offline", evt.PeerID)
	case state.EvtRoomAdded:
		if room, ok := store.Room(evt.RoomID); ok {
			f.Post(LevelInfo, "room %q is available", room.Name)
		}
	case state.EvtDirectMessage:
		if evt.Message != nil && evt.Message.SenderID != store.Self().ID {
			f.Post(LevelInfo, "message from %s", evt.Message.SenderUsername)
		}
	case state.EvtRoomMessage:
		if evt.Message != nil && evt.Message.SenderID != store.Self().ID {
			name := evt.RoomID
			if room, ok := store.Room(evt.RoomID); ok {
				name = room.Name
			}
			f.Post(LevelInfo, "%s in %q: new message", evt.Message.SenderUsername, name)
		}
	case state.EvtGameInvite:
		if evt.Invite != nil {
			f.Post(LevelInfo, "%s invited you to a game", evt.Invite.FromUsername)
		}
	case state.EvtGameAccepted:
		f.Post(LevelSuccess, "game on")
	case state.EvtGameEnded:
		f.Post(LevelInfo, "game over")
	}
}
