// Package state holds the authoritative local view of the mesh: known
// peers, rooms, conversations, unread markers, friend/block sets, game
// invites and sessions, and the call phase. The Store is an explicitly
// constructed service owned by the client and shared with the protocol
// handlers; there is no package-level state.
//
// Every mutation replaces the owning collection with a fresh copy, so a
// snapshot handed to a reader is never observed mid-update.
package state

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/meshlink/internal/game"
	"github.com/petervdpas/meshlink/internal/proto"
)

// ErrInviteNotFound is returned when accepting an invite that does not
// exist (already accepted, declined, or never received).
var ErrInviteNotFound = errors.New("game invite not found")

// Profile is the local user's identity.
type Profile struct {
	ID            string
	Username      string
	Status        string
	StatusMessage string
}

// PeerIdentity is the last known identity of a connected peer. It exists
// only while the peer's channel is open.
type PeerIdentity struct {
	ID            string
	Username      string
	Status        string
	StatusMessage string
	BlockedUsers  []string
}

// GameInvite is a pending invitation. It lives until accepted (converted
// to a session) or declined.
type GameInvite struct {
	ID           string
	From         string
	FromUsername string
	GameID       string
	Timestamp    int64
	Accepted     bool
}

// GameSession is an active or finished tic-tac-toe session. DMPeerID is
// the counterpart's peer id from this client's perspective.
type GameSession struct {
	ID            string
	GameID        string
	Player1       string
	Player2       string
	Player1Symbol game.Mark
	Player2Symbol game.Mark
	Board         game.Board
	CurrentPlayer game.Mark
	Status        string
	Winner        game.Result
	CreatedAt     int64
	DMPeerID      string
}

// Call phases tracked by the core. Media internals live in the call
// session manager.
const (
	CallIdle     = "idle"
	CallIncoming = "incoming"
	CallDialing  = "dialing"
	CallActive   = "active"
)

// CallState is the core's view of the single call slot.
type CallState struct {
	Phase      string
	RemotePeer string
}

// Event is emitted to store listeners after a mutation.
type Event struct {
	Type    string
	PeerID  string
	RoomID  string
	Message *proto.ChatMessage
	Invite  *GameInvite
	Session *GameSession
}

// Event types.
const (
	EvtPeerUpdated   = "peer-updated"
	EvtPeerRemoved   = "peer-removed"
	EvtRoomAdded     = "room-added"
	EvtRoomMessage   = "room-message"
	EvtDirectMessage = "direct-message"
	EvtFriendAdded   = "friend-added"
	EvtFriendRemoved = "friend-removed"
	EvtGameInvite    = "game-invite"
	EvtGameAccepted  = "game-accepted"
	EvtGameMove      = "game-move"
	EvtGameEnded     = "game-ended"
	EvtCallChanged   = "call-changed"
)

// Store is the single authoritative in-process state structure.
type Store struct {
	mu   sync.RWMutex
	self Profile

	peers     map[string]PeerIdentity
	rooms     map[string]proto.Room
	directMsg map[string][]proto.ChatMessage

	friends map[string]struct{}
	blocked map[string]struct{}

	unreadPeers map[string]struct{}
	unreadRooms map[string]struct{}

	invites  map[string]GameInvite
	sessions map[string]GameSession

	call CallState

	listeners []chan Event
}

// New creates a Store for the given local identity. The peer id is
// minted here if empty; it is stable for the process lifetime.
func New(self Profile) *Store {
	if self.ID == "" {
		self.ID = uuid.NewString()
	}
	if self.Status == "" {
		self.Status = proto.StatusOnline
	}
	return &Store{
		self:        self,
		peers:       map[string]PeerIdentity{},
		rooms:       map[string]proto.Room{},
		directMsg:   map[string][]proto.ChatMessage{},
		friends:     map[string]struct{}{},
		blocked:     map[string]struct{}{},
		unreadPeers: map[string]struct{}{},
		unreadRooms: map[string]struct{}{},
		invites:     map[string]GameInvite{},
		sessions:    map[string]GameSession{},
		call:        CallState{Phase: CallIdle},
	}
}

// ─── Local identity ──────────────────────────────────────────────────────────

func (s *Store) Self() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

func (s *Store) SetUsername(name string) {
	s.mu.Lock()
	s.self.Username = name
	s.mu.Unlock()
}

func (s *Store) SetStatus(status, message string) {
	s.mu.Lock()
	s.self.Status = status
	s.self.StatusMessage = message
	s.mu.Unlock()
}

// ─── Peers ───────────────────────────────────────────────────────────────────

func (s *Store) UpsertPeer(p PeerIdentity) {
	s.mu.Lock()
	peers := make(map[string]PeerIdentity, len(s.peers)+1)
	for k, v := range s.peers {
		peers[k] = v
	}
	peers[p.ID] = p
	s.peers = peers
	s.mu.Unlock()
	s.notify(Event{Type: EvtPeerUpdated, PeerID: p.ID})
}

// UpdatePeerPresence applies a presence-update envelope. Unknown peers
// are ignored: presence only refreshes identities created by handshake.
func (s *Store) UpdatePeerPresence(id, status, message string) {
	s.mu.Lock()
	p, ok := s.peers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.Status = status
	p.StatusMessage = message
	peers := make(map[string]PeerIdentity, len(s.peers))
	for k, v := range s.peers {
		peers[k] = v
	}
	peers[id] = p
	s.peers = peers
	s.mu.Unlock()
	s.notify(Event{Type: EvtPeerUpdated, PeerID: id})
}

// RemovePeer drops a peer's identity when its channel closes.
func (s *Store) RemovePeer(id string) {
	s.mu.Lock()
	if _, ok := s.peers[id]; !ok {
		s.mu.Unlock()
		return
	}
	peers := make(map[string]PeerIdentity, len(s.peers))
	for k, v := range s.peers {
		if k != id {
			peers[k] = v
		}
	}
	s.peers = peers
	s.mu.Unlock()
	s.notify(Event{Type: EvtPeerRemoved, PeerID: id})
}

func (s *Store) Peer(id string) (PeerIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *Store) Peers() map[string]PeerIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]PeerIdentity, len(s.peers))
	for k, v := range s.peers {
		cp[k] = v
	}
	return cp
}

// ─── Rooms ───────────────────────────────────────────────────────────────────

// CreateRoom mints a locally owned room. Private rooms start with the
// creator as the only allowed user; callers extend AllowedUsers before
// broadcasting.
func (s *Store) CreateRoom(name string, isPublic bool, allowed []string) proto.Room {
	s.mu.Lock()
	room := proto.Room{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: s.self.ID,
		Members:   []string{s.self.ID},
		Messages:  []proto.ChatMessage{},
		CreatedAt: proto.NowMillis(),
		IsPublic:  isPublic,
	}
	if !isPublic {
		room.AllowedUsers = append([]string{s.self.ID}, allowed...)
	}
	s.putRoomLocked(room)
	s.mu.Unlock()
	s.notify(Event{Type: EvtRoomAdded, RoomID: room.ID})
	return room
}

// AddRoom inserts a replicated room if its id is unknown. First writer
// wins: a second room-created for the same id is dropped with no field
// merge. Returns whether the room was inserted.
func (s *Store) AddRoom(room proto.Room) bool {
	s.mu.Lock()
	if _, exists := s.rooms[room.ID]; exists {
		s.mu.Unlock()
		return false
	}
	if room.Members == nil {
		room.Members = []string{}
	}
	if room.Messages == nil {
		room.Messages = []proto.ChatMessage{}
	}
	s.putRoomLocked(room)
	s.mu.Unlock()
	s.notify(Event{Type: EvtRoomAdded, RoomID: room.ID})
	return true
}

// AddRoomMember appends userID to a room's member list if absent.
func (s *Store) AddRoomMember(roomID, userID string) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for _, m := range room.Members {
		if m == userID {
			s.mu.Unlock()
			return
		}
	}
	room.Members = append(append([]string{}, room.Members...), userID)
	s.putRoomLocked(room)
	s.mu.Unlock()
}

// LeaveRoom removes the local user from a room's member list. Local-only:
// membership is never removed by remote envelopes.
func (s *Store) LeaveRoom(roomID string) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	members := make([]string, 0, len(room.Members))
	for _, m := range room.Members {
		if m != s.self.ID {
			members = append(members, m)
		}
	}
	room.Members = members
	s.putRoomLocked(room)
	s.mu.Unlock()
}

// AppendRoomMessage appends a message unless the room is unknown or a
// message with the same id is already present. The bool reports whether
// the message was stored; duplicate delivery via the second path is the
// expected false case.
func (s *Store) AppendRoomMessage(roomID string, msg proto.ChatMessage) bool {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	for _, m := range room.Messages {
		if m.ID == msg.ID {
			s.mu.Unlock()
			return false
		}
	}
	room.Messages = append(append([]proto.ChatMessage{}, room.Messages...), msg)
	s.putRoomLocked(room)
	s.mu.Unlock()
	s.notify(Event{Type: EvtRoomMessage, RoomID: roomID, Message: &msg})
	return true
}

func (s *Store) Room(id string) (proto.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

func (s *Store) Rooms() []proto.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proto.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// putRoomLocked replaces the room map with a copy holding room.
func (s *Store) putRoomLocked(room proto.Room) {
	rooms := make(map[string]proto.Room, len(s.rooms)+1)
	for k, v := range s.rooms {
		rooms[k] = v
	}
	rooms[room.ID] = room
	s.rooms = rooms
}

// ─── Direct messages ─────────────────────────────────────────────────────────

// AppendDirectMessage appends a message to the conversation with peerID,
// deduplicating by message id.
func (s *Store) AppendDirectMessage(peerID string, msg proto.ChatMessage) bool {
	s.mu.Lock()
	for _, m := range s.directMsg[peerID] {
		if m.ID == msg.ID {
			s.mu.Unlock()
			return false
		}
	}
	msgs := make(map[string][]proto.ChatMessage, len(s.directMsg)+1)
	for k, v := range s.directMsg {
		msgs[k] = v
	}
	msgs[peerID] = append(append([]proto.ChatMessage{}, s.directMsg[peerID]...), msg)
	s.directMsg = msgs
	s.mu.Unlock()
	s.notify(Event{Type: EvtDirectMessage, PeerID: peerID, Message: &msg})
	return true
}

func (s *Store) DirectMessages(peerID string) []proto.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]proto.ChatMessage{}, s.directMsg[peerID]...)
}

// ─── Unread markers ──────────────────────────────────────────────────────────

func (s *Store) markUnreadPeer(id string) {
	s.mu.Lock()
	s.unreadPeers = copySetWith(s.unreadPeers, id)
	s.mu.Unlock()
}

func (s *Store) markUnreadRoom(id string) {
	s.mu.Lock()
	s.unreadRooms = copySetWith(s.unreadRooms, id)
	s.mu.Unlock()
}

// MarkDirectRead clears the unread flag for a peer conversation; called
// when the conversation is opened.
func (s *Store) MarkDirectRead(peerID string) {
	s.mu.Lock()
	s.unreadPeers = copySetWithout(s.unreadPeers, peerID)
	s.mu.Unlock()
}

// MarkRoomRead clears the unread flag for a room.
func (s *Store) MarkRoomRead(roomID string) {
	s.mu.Lock()
	s.unreadRooms = copySetWithout(s.unreadRooms, roomID)
	s.mu.Unlock()
}

func (s *Store) HasUnreadDirect(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.unreadPeers[peerID]
	return ok
}

func (s *Store) HasUnreadRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.unreadRooms[roomID]
	return ok
}

// ─── Friends and blocklist ───────────────────────────────────────────────────

func (s *Store) AddFriend(peerID string) {
	s.mu.Lock()
	s.friends = copySetWith(s.friends, peerID)
	s.mu.Unlock()
	s.notify(Event{Type: EvtFriendAdded, PeerID: peerID})
}

func (s *Store) RemoveFriend(peerID string) {
	s.mu.Lock()
	s.friends = copySetWithout(s.friends, peerID)
	s.mu.Unlock()
	s.notify(Event{Type: EvtFriendRemoved, PeerID: peerID})
}

func (s *Store) IsFriend(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.friends[peerID]
	return ok
}

// Block stops ingestion of peerID's content. Unilateral: the remote peer
// may keep sending; its envelopes are discarded before reaching state.
func (s *Store) Block(peerID string) {
	s.mu.Lock()
	s.blocked = copySetWith(s.blocked, peerID)
	s.mu.Unlock()
}

func (s *Store) Unblock(peerID string) {
	s.mu.Lock()
	s.blocked = copySetWithout(s.blocked, peerID)
	s.mu.Unlock()
}

func (s *Store) IsBlocked(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocked[peerID]
	return ok
}

func (s *Store) BlockedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blocked))
	for id := range s.blocked {
		out = append(out, id)
	}
	return out
}

// ─── Game invites and sessions ───────────────────────────────────────────────

func (s *Store) AddInvite(inv GameInvite) {
	s.mu.Lock()
	invites := make(map[string]GameInvite, len(s.invites)+1)
	for k, v := range s.invites {
		invites[k] = v
	}
	invites[inv.ID] = inv
	s.invites = invites
	s.mu.Unlock()
	s.notify(Event{Type: EvtGameInvite, Invite: &inv})
}

func (s *Store) RemoveInvite(inviteID string) {
	s.mu.Lock()
	s.removeInviteLocked(inviteID)
	s.mu.Unlock()
}

func (s *Store) removeInviteLocked(inviteID string) {
	if _, ok := s.invites[inviteID]; !ok {
		return
	}
	invites := make(map[string]GameInvite, len(s.invites))
	for k, v := range s.invites {
		if k != inviteID {
			invites[k] = v
		}
	}
	s.invites = invites
}

func (s *Store) Invite(id string) (GameInvite, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invites[id]
	return inv, ok
}

func (s *Store) Invites() []GameInvite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GameInvite, 0, len(s.invites))
	for _, inv := range s.invites {
		out = append(out, inv)
	}
	return out
}

// AcceptInvite deletes the invite and creates the session with the fixed
// symbol assignment: inviter is player1 with X and opens, the local user
// is player2 with O. This is one of the few operations that surfaces an
// error to the caller.
func (s *Store) AcceptInvite(inviteID string) (GameSession, error) {
	s.mu.Lock()
	inv, ok := s.invites[inviteID]
	if !ok {
		s.mu.Unlock()
		return GameSession{}, ErrInviteNotFound
	}
	sess := GameSession{
		ID:            uuid.NewString(),
		GameID:        inv.GameID,
		Player1:       inv.From,
		Player2:       s.self.ID,
		Player1Symbol: game.MarkX,
		Player2Symbol: game.MarkO,
		CurrentPlayer: game.MarkX,
		Status:        game.StatusActive,
		CreatedAt:     proto.NowMillis(),
		DMPeerID:      inv.From,
	}
	s.removeInviteLocked(inviteID)
	s.putSessionLocked(sess)
	s.mu.Unlock()
	s.notify(Event{Type: EvtGameAccepted, Session: &sess})
	return sess, nil
}

// PutSession inserts a session announced by a game-accept envelope.
func (s *Store) PutSession(sess GameSession) {
	s.mu.Lock()
	s.putSessionLocked(sess)
	s.mu.Unlock()
	s.notify(Event{Type: EvtGameAccepted, Session: &sess})
}

func (s *Store) putSessionLocked(sess GameSession) {
	sessions := make(map[string]GameSession, len(s.sessions)+1)
	for k, v := range s.sessions {
		sessions[k] = v
	}
	sessions[sess.ID] = sess
	s.sessions = sessions
}

// ApplyMove applies a resolved game-move verbatim: the cell (or a board
// reset for the sentinel index), the next turn, status, and winner all
// come from the payload. There is no arbitration here; out-of-turn or
// overwriting moves from a misbehaving peer land as sent. Unknown
// sessions are a no-op.
func (s *Store) ApplyMove(mv *proto.GameMove) {
	s.mu.Lock()
	sess, ok := s.sessions[mv.SessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if mv.CellIndex == proto.ResetCell {
		sess.Board = game.Board{}
	} else if mv.CellIndex >= 0 && mv.CellIndex < 9 {
		sess.Board[mv.CellIndex] = mv.Symbol
	}
	sess.CurrentPlayer = mv.NextPlayer
	if mv.Status != "" {
		sess.Status = mv.Status
	} else {
		sess.Status = game.StatusActive
	}
	sess.Winner = mv.Winner
	s.putSessionLocked(sess)
	s.mu.Unlock()
	s.notify(Event{Type: EvtGameMove, Session: &sess})
}

// EndSession removes a session. Idempotent: both sides call it on
// game-end.
func (s *Store) EndSession(sessionID string) {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return
	}
	sessions := make(map[string]GameSession, len(s.sessions))
	for k, v := range s.sessions {
		if k != sessionID {
			sessions[k] = v
		}
	}
	s.sessions = sessions
	s.mu.Unlock()
	s.notify(Event{Type: EvtGameEnded})
}

func (s *Store) Session(id string) (GameSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Store) Sessions() []GameSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GameSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// ─── Call state ──────────────────────────────────────────────────────────────

func (s *Store) SetCall(phase, remotePeer string) {
	s.mu.Lock()
	s.call = CallState{Phase: phase, RemotePeer: remotePeer}
	s.mu.Unlock()
	s.notify(Event{Type: EvtCallChanged, PeerID: remotePeer})
}

func (s *Store) Call() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.call
}

// ─── Listeners ───────────────────────────────────────────────────────────────

// Subscribe returns a channel receiving store events. Slow consumers are
// skipped, not queued.
func (s *Store) Subscribe() chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, 32)
	s.listeners = append(s.listeners, ch)
	return ch
}

func (s *Store) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Store) notify(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func copySetWith(set map[string]struct{}, id string) map[string]struct{} {
	cp := make(map[string]struct{}, len(set)+1)
	for k := range set {
		cp[k] = struct{}{}
	}
	cp[id] = struct{}{}
	return cp
}

func copySetWithout(set map[string]struct{}, id string) map[string]struct{} {
	cp := make(map[string]struct{}, len(set))
	for k := range set {
		if k != id {
			cp[k] = struct{}{}
		}
	}
	return cp
}
