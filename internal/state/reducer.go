package state

import (
	"log"

	"github.com/petervdpas/meshlink/internal/game"
	"github.com/petervdpas/meshlink/internal/proto"
)

// Apply folds an inbound envelope into the store. from is the peer id of
// the channel the envelope arrived on; for relay-delivered envelopes it
// is empty and the payload sender id is used where one exists.
//
// The switch is exhaustive over the envelope sum. Unknown session ids,
// room ids, and invite ids are silent no-ops; blocked senders are
// discarded before any collection or unread marker changes.
func (s *Store) Apply(from string, env proto.Envelope) {
	switch e := env.(type) {
	case *proto.Identity:
		s.UpsertPeer(PeerIdentity{
			ID:            from,
			Username:      e.Username,
			Status:        e.Status,
			StatusMessage: e.StatusMessage,
			BlockedUsers:  e.BlockedUsers,
		})

	case *proto.Presence:
		s.UpdatePeerPresence(from, e.Status, e.StatusMessage)

	case *proto.DirectMsg:
		if s.IsBlocked(from) {
			log.Printf("STORE: dropping direct message from blocked peer %s", from)
			return
		}
		if s.AppendDirectMessage(from, e.Message(from)) {
			s.markUnreadPeer(from)
		}

	case *proto.RoomMsg:
		// Room messages arrive over channels and the relay; blocking
		// keys off the payload sender since the relay carries no
		// channel identity.
		if s.IsBlocked(e.SenderID) {
			log.Printf("STORE: dropping room message from blocked peer %s", e.SenderID)
			return
		}
		if s.AppendRoomMessage(e.RoomID, e.Message()) && e.SenderID != s.Self().ID {
			s.markUnreadRoom(e.RoomID)
		}

	case *proto.RoomCreated:
		if !e.Room.VisibleTo(s.Self().ID) {
			return
		}
		s.AddRoom(e.Room)

	case *proto.RoomJoin:
		s.AddRoomMember(e.RoomID, e.UserID)

	case *proto.BlockNotice:
		// Advisory only. The sender already stopped accepting our
		// traffic; nothing changes on this side.
		log.Printf("STORE: peer %s reports it blocked %s", from, e.BlockedUserID)

	case *proto.FriendAdd:
		s.AddFriend(from)

	case *proto.FriendRemove:
		s.RemoveFriend(from)

	case *proto.GameInvite:
		if s.IsBlocked(from) {
			return
		}
		s.AddInvite(GameInvite{
			ID:           e.InviteID,
			From:         from,
			FromUsername: e.FromUsername,
			GameID:       e.GameID,
			Timestamp:    e.Timestamp,
		})

	case *proto.GameAccept:
		s.RemoveInvite(e.InviteID)
		s.PutSession(GameSession{
			ID:            e.SessionID,
			GameID:        e.GameID,
			Player1:       e.Player1,
			Player2:       e.Player2,
			Player1Symbol: e.Player1Symbol,
			Player2Symbol: e.Player2Symbol,
			CurrentPlayer: e.CurrentPlayer,
			Status:        game.StatusActive,
			CreatedAt:     e.CreatedAt,
			DMPeerID:      from,
		})

	case *proto.GameMove:
		s.ApplyMove(e)

	case *proto.GameEnd:
		s.EndSession(e.SessionID)

	case *proto.RoomList:
		for _, room := range e.Rooms {
			if room.VisibleTo(s.Self().ID) {
				s.AddRoom(room)
			}
		}

	case *proto.CreateRoom:
		// Relay-bound only; a client never receives it. Ignore.

	default:
		log.Printf("STORE: no reducer case for envelope %T", env)
	}
}
