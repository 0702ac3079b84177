// Package proto defines the closed set of envelopes exchanged between
// peers over mesh channels and with the relay. Every envelope is a flat
// JSON object with a "type" discriminator; Decode returns the concrete
// struct for exhaustive dispatch in the reducers.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/petervdpas/meshlink/internal/game"
)

// Envelope types carried over peer channels.
const (
	TypeIdentity     = "user-info"
	TypePresence     = "status-update"
	TypeDirectMsg    = "direct-message"
	TypeRoomMsg      = "room-message"
	TypeRoomCreated  = "room-created"
	TypeRoomJoin     = "room-join"
	TypeBlockNotice  = "block-user"
	TypeFriendAdd    = "add-friend"
	TypeFriendRemove = "remove-friend"
	TypeGameInvite   = "game-invite"
	TypeGameAccept   = "game-accept"
	TypeGameMove     = "game-move"
	TypeGameEnd      = "game-end"
)

// Envelope types used only on the relay socket. TypeRoomCreated and
// TypeRoomMsg travel over both surfaces.
const (
	TypeRoomList   = "room-list"
	TypeCreateRoom = "create-room"
)

// libp2p stream protocol IDs.
const (
	ChannelProtoID = "/meshlink/peer/1.0.0"
	CallProtoID    = "/meshlink/call/1.0.0"
)

// gossipsub topic for peer discovery announcements.
const AnnounceTopic = "meshlink.announce.v1"

// Presence statuses.
const (
	StatusOnline    = "online"
	StatusBusy      = "busy"
	StatusInvisible = "invisible"
)

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
)

// ResetCell is the sentinel cell index a game-move carries when it
// re-initializes the board instead of claiming a cell.
const ResetCell = -1

// Envelope is the closed sum of wire messages. Concrete types are the
// pointer structs below; adding a kind means adding a case to Decode and
// to every reducer switch.
type Envelope interface {
	Kind() string
}

// ChatMessage is a direct or room message as stored and replicated.
// Immutable once created; ID is the dedup key.
type ChatMessage struct {
	ID             string `json:"id"`
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	RoomID         string `json:"roomId,omitempty"`
	Kind           string `json:"type"`
}

// Room is replicated whole in room-created envelopes. Messages are
// append-only; Members grows by explicit join only.
type Room struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	CreatedBy    string        `json:"createdBy"`
	Members      []string      `json:"members"`
	Messages     []ChatMessage `json:"messages"`
	CreatedAt    int64         `json:"createdAt"`
	IsPublic     bool          `json:"isPublic"`
	AllowedUsers []string      `json:"allowedUsers,omitempty"`
}

// VisibleTo reports whether the room may be replicated to peerID.
func (r Room) VisibleTo(peerID string) bool {
	if r.IsPublic {
		return true
	}
	for _, id := range r.AllowedUsers {
		if id == peerID {
			return true
		}
	}
	return false
}

// Identity is the snapshot sent once per channel open.
type Identity struct {
	Username      string   `json:"username"`
	Status        string   `json:"status"`
	StatusMessage string   `json:"statusMessage"`
	BlockedUsers  []string `json:"blockedUsers,omitempty"`
}

func (*Identity) Kind() string { return TypeIdentity }

// Presence is a push-broadcast status change.
type Presence struct {
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage"`
}

func (*Presence) Kind() string { return TypePresence }

// DirectMsg carries a 1-to-1 message. The sender id is implied by the
// channel it arrives on.
type DirectMsg struct {
	ID             string `json:"id"`
	SenderUsername string `json:"senderUsername"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	MessageType    string `json:"messageType"`
}

func (*DirectMsg) Kind() string { return TypeDirectMsg }

// Message converts the wire form to the stored form. The sender id comes
// from the channel, not the payload.
func (m *DirectMsg) Message(senderID string) ChatMessage {
	return ChatMessage{
		ID:             m.ID,
		SenderID:       senderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
		Kind:           messageKind(m.MessageType),
	}
}

// RoomMsg carries a group message over both channels and the relay.
type RoomMsg struct {
	ID             string `json:"id"`
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	RoomID         string `json:"roomId"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	MessageType    string `json:"messageType"`
}

func (*RoomMsg) Kind() string { return TypeRoomMsg }

// Message converts the wire form to the stored form.
func (m *RoomMsg) Message() ChatMessage {
	return ChatMessage{
		ID:             m.ID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
		RoomID:         m.RoomID,
		Kind:           messageKind(m.MessageType),
	}
}

func messageKind(k string) string {
	if k == KindImage {
		return KindImage
	}
	return KindText
}

// RoomCreated replicates a full room snapshot.
type RoomCreated struct {
	Room Room `json:"room"`
}

func (*RoomCreated) Kind() string { return TypeRoomCreated }

// RoomJoin announces a member addition.
type RoomJoin struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (*RoomJoin) Kind() string { return TypeRoomJoin }

// BlockNotice is advisory only; receipt changes no state.
type BlockNotice struct {
	BlockedUserID string `json:"blockedUserId"`
}

func (*BlockNotice) Kind() string { return TypeBlockNotice }

// FriendAdd marks the sending peer as a friend.
type FriendAdd struct {
	FriendID string `json:"friendId"`
}

func (*FriendAdd) Kind() string { return TypeFriendAdd }

// FriendRemove undoes FriendAdd.
type FriendRemove struct {
	FriendID string `json:"friendId"`
}

func (*FriendRemove) Kind() string { return TypeFriendRemove }

// GameInvite proposes a session. No session exists until accept.
type GameInvite struct {
	InviteID     string `json:"inviteId"`
	GameID       string `json:"gameId"`
	FromUsername string `json:"fromUsername"`
	Timestamp    int64  `json:"timestamp"`
}

func (*GameInvite) Kind() string { return TypeGameInvite }

// GameAccept converts an invite into a session. The acceptor fixes the
// symbol assignment: inviter is player1/X, acceptor player2/O, X opens.
type GameAccept struct {
	InviteID      string    `json:"inviteId"`
	SessionID     string    `json:"sessionId"`
	GameID        string    `json:"gameId"`
	Player1       string    `json:"player1"`
	Player2       string    `json:"player2"`
	Player1Symbol game.Mark `json:"player1Symbol"`
	Player2Symbol game.Mark `json:"player2Symbol"`
	CurrentPlayer game.Mark `json:"currentPlayer"`
	FromUsername  string    `json:"fromUsername"`
	CreatedAt     int64     `json:"createdAt"`
}

func (*GameAccept) Kind() string { return TypeGameAccept }

// GameMove carries the fully resolved next state, not just the move, so
// the counterpart applies it verbatim instead of recomputing. A
// CellIndex of ResetCell re-initializes the board.
type GameMove struct {
	SessionID  string      `json:"sessionId"`
	CellIndex  int         `json:"cellIndex"`
	Symbol     game.Mark   `json:"symbol"`
	NextPlayer game.Mark   `json:"nextPlayer"`
	Status     string      `json:"status"`
	Winner     game.Result `json:"winner"`
	Timestamp  int64       `json:"timestamp"`
}

func (*GameMove) Kind() string { return TypeGameMove }

// GameEnd terminates a session from either side.
type GameEnd struct {
	SessionID string `json:"sessionId"`
	Result    string `json:"result"`
	Timestamp int64  `json:"timestamp"`
}

func (*GameEnd) Kind() string { return TypeGameEnd }

// RoomList is the relay's snapshot sent on every new relay connection.
type RoomList struct {
	Rooms []Room `json:"rooms"`
}

func (*RoomList) Kind() string { return TypeRoomList }

// CreateRoom submits a public room to the relay cache.
type CreateRoom struct {
	Room Room `json:"room"`
}

func (*CreateRoom) Kind() string { return TypeCreateRoom }

type header struct {
	Type string `json:"type"`
}

// Decode parses a wire envelope into its concrete type. Unknown types
// and unparsable payloads return an error; callers log and discard.
func Decode(data []byte) (Envelope, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var env Envelope
	switch h.Type {
	case TypeIdentity:
		env = new(Identity)
	case TypePresence:
		env = new(Presence)
	case TypeDirectMsg:
		env = new(DirectMsg)
	case TypeRoomMsg:
		env = new(RoomMsg)
	case TypeRoomCreated:
		env = new(RoomCreated)
	case TypeRoomJoin:
		env = new(RoomJoin)
	case TypeBlockNotice:
		env = new(BlockNotice)
	case TypeFriendAdd:
		env = new(FriendAdd)
	case TypeFriendRemove:
		env = new(FriendRemove)
	case TypeGameInvite:
		env = new(GameInvite)
	case TypeGameAccept:
		env = new(GameAccept)
	case TypeGameMove:
		env = new(GameMove)
	case TypeGameEnd:
		env = new(GameEnd)
	case TypeRoomList:
		env = new(RoomList)
	case TypeCreateRoom:
		env = new(CreateRoom)
	default:
		return nil, fmt.Errorf("unknown envelope type %q", h.Type)
	}

	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", h.Type, err)
	}
	return env, nil
}

// Encode serializes an envelope with its "type" discriminator spliced in.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["type"] = env.Kind()
	return json.Marshal(m)
}

func NowMillis() int64 { return time.Now().UnixMilli() }
