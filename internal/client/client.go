// Package client is the local action surface: everything the user can
// do maps to a method here. Each action mutates local state first
// (optimistic, the store dedups the echo) and then pushes the matching
// envelope out over the mesh and, for public room traffic, the relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/petervdpas/meshlink/internal/game"
	"github.com/petervdpas/meshlink/internal/mesh"
	"github.com/petervdpas/meshlink/internal/notify"
	"github.com/petervdpas/meshlink/internal/proto"
	"github.com/petervdpas/meshlink/internal/relay"
	"github.com/petervdpas/meshlink/internal/state"
)

var (
	ErrUnknownRoom    = errors.New("unknown room")
	ErrUnknownSession = errors.New("unknown game session")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrInvalidMove    = errors.New("invalid move")
)

// GameID of the only game currently shipped.
const GameTicTacToe = "tic-tac-toe"

type Client struct {
	store *state.Store
	mesh  *mesh.Registry
	feed  *notify.Feed

	relay *relay.Client
}

func New(store *state.Store, reg *mesh.Registry, feed *notify.Feed) *Client {
	return &Client{store: store, mesh: reg, feed: feed}
}

func (c *Client) Store() *state.Store { return c.store }

// ─── Connectivity ────────────────────────────────────────────────────────────

// ConnectToPeer opens a channel to the peer if none exists.
func (c *Client) ConnectToPeer(ctx context.Context, peerID string) error {
	if err := c.mesh.Connect(ctx, peerID); err != nil {
		c.feed.Post(notify.LevelError, "could not reach peer %s", peerID)
		return err
	}
	return nil
}

// ConnectRelay joins a relay. A dead relay is reported once and not
// retried; call ConnectRelay again to rejoin.
func (c *Client) ConnectRelay(ctx context.Context, url string) error {
	rc, err := relay.Dial(ctx, url, c.store, func(err error) {
		c.feed.Post(notify.LevelError, "relay connection lost: %v", err)
	})
	if err != nil {
		c.feed.Post(notify.LevelError, "relay unreachable: %v", err)
		return err
	}
	// Rejoining replaces the connection; the old one is shut down so
	// its read loop stops feeding the store.
	if c.relay != nil {
		c.relay.Close()
	}
	c.relay = rc
	c.feed.Post(notify.LevelSuccess, "connected to relay %s", url)
	return nil
}

// ─── Presence and profile ────────────────────────────────────────────────────

// SetStatus updates the local presence and pushes it to every channel.
func (c *Client) SetStatus(status, message string) {
	c.store.SetStatus(status, message)
	c.mesh.Broadcast(&proto.Presence{Status: status, StatusMessage: message})
}

// ─── Direct messages ─────────────────────────────────────────────────────────

// SendDirectMessage appends the message locally and delivers it over
// the peer channel. A missing channel surfaces as an error and a feed
// entry; nothing is queued.
func (c *Client) SendDirectMessage(peerID, content, kind string) (proto.ChatMessage, error) {
	self := c.store.Self()
	msg := proto.ChatMessage{
		ID:             uuid.NewString(),
		SenderID:       self.ID,
		SenderUsername: self.Username,
		Content:        content,
		Timestamp:      proto.NowMillis(),
		Kind:           kind,
	}
	if msg.Kind == "" {
		msg.Kind = proto.KindText
	}
	c.store.AppendDirectMessage(peerID, msg)

	err := c.mesh.Send(peerID, &proto.DirectMsg{
		ID:             msg.ID,
		SenderUsername: msg.SenderUsername,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		MessageType:    msg.Kind,
	})
	if err != nil {
		c.feed.Post(notify.LevelError, "message to %s not delivered", peerID)
		return msg, err
	}
	return msg, nil
}

// OpenConversation clears the unread marker for a peer conversation.
func (c *Client) OpenConversation(peerID string) {
	c.store.MarkDirectRead(peerID)
}

// ─── Rooms ───────────────────────────────────────────────────────────────────

// CreateRoom mints a room, replicates it to every allowed connected
// peer, and submits public rooms to the relay cache.
func (c *Client) CreateRoom(name string, isPublic bool, allowed []string) proto.Room {
	room := c.store.CreateRoom(name, isPublic, allowed)

	c.mesh.BroadcastTo(&proto.RoomCreated{Room: room}, room.VisibleTo)

	if isPublic && c.relay != nil {
		if err := c.relay.SubmitRoom(room); err != nil {
			log.Printf("CLIENT: relay room submit failed: %v", err)
		}
	}
	return room
}

// SendRoomMessage appends locally, fans out to allowed peers, and
// submits to the relay for public rooms. Receivers dedup by id, so
// dual delivery converges.
func (c *Client) SendRoomMessage(roomID, content, kind string) (proto.ChatMessage, error) {
	room, ok := c.store.Room(roomID)
	if !ok {
		return proto.ChatMessage{}, ErrUnknownRoom
	}

	self := c.store.Self()
	wire := &proto.RoomMsg{
		ID:             uuid.NewString(),
		SenderID:       self.ID,
		SenderUsername: self.Username,
		RoomID:         roomID,
		Content:        content,
		Timestamp:      proto.NowMillis(),
		MessageType:    kind,
	}
	c.store.AppendRoomMessage(roomID, wire.Message())

	c.mesh.BroadcastTo(wire, room.VisibleTo)

	if room.IsPublic && c.relay != nil {
		if err := c.relay.SubmitMessage(wire); err != nil {
			log.Printf("CLIENT: relay message submit failed: %v", err)
		}
	}
	return wire.Message(), nil
}

// JoinRoom adds the local user to the member list and announces it.
func (c *Client) JoinRoom(roomID string) error {
	room, ok := c.store.Room(roomID)
	if !ok {
		return ErrUnknownRoom
	}
	self := c.store.Self()
	c.store.AddRoomMember(roomID, self.ID)
	c.mesh.BroadcastTo(&proto.RoomJoin{RoomID: roomID, UserID: self.ID}, room.VisibleTo)
	return nil
}

// LeaveRoom removes the local user from the member list. The room and
// its history stay; no envelope is sent.
func (c *Client) LeaveRoom(roomID string) {
	c.store.LeaveRoom(roomID)
}

// OpenRoom clears the unread marker for a room.
func (c *Client) OpenRoom(roomID string) {
	c.store.MarkRoomRead(roomID)
}

// ─── Social graph ────────────────────────────────────────────────────────────

// Block discards all future content from the peer and sends an advisory
// notice. The remote side does not have to honor it.
func (c *Client) Block(peerID string) {
	c.store.Block(peerID)
	if err := c.mesh.Send(peerID, &proto.BlockNotice{BlockedUserID: peerID}); err != nil {
		log.Printf("CLIENT: block notice to %s not delivered: %v", peerID, err)
	}
}

// Unblock is local only; there is no unblock envelope.
func (c *Client) Unblock(peerID string) {
	c.store.Unblock(peerID)
}

// AddFriend marks the peer locally and tells them.
func (c *Client) AddFriend(peerID string) {
	c.store.AddFriend(peerID)
	if err := c.mesh.Send(peerID, &proto.FriendAdd{FriendID: c.store.Self().ID}); err != nil {
		log.Printf("CLIENT: friend add to %s not delivered: %v", peerID, err)
	}
}

// RemoveFriend undoes AddFriend on both sides.
func (c *Client) RemoveFriend(peerID string) {
	c.store.RemoveFriend(peerID)
	if err := c.mesh.Send(peerID, &proto.FriendRemove{FriendID: c.store.Self().ID}); err != nil {
		log.Printf("CLIENT: friend remove to %s not delivered: %v", peerID, err)
	}
}

// ─── Games ───────────────────────────────────────────────────────────────────

// InviteToGame proposes a tic-tac-toe session. No session exists until
// the invite is accepted; the inviter just waits for game-accept.
func (c *Client) InviteToGame(peerID string) (string, error) {
	inviteID := uuid.NewString()
	err := c.mesh.Send(peerID, &proto.GameInvite{
		InviteID:     inviteID,
		GameID:       GameTicTacToe,
		FromUsername: c.store.Self().Username,
		Timestamp:    proto.NowMillis(),
	})
	if err != nil {
		c.feed.Post(notify.LevelError, "game invite to %s not delivered", peerID)
		return "", err
	}
	return inviteID, nil
}

// AcceptInvite converts a pending invite into a session and announces
// it to the inviter. The inviter plays X and opens.
func (c *Client) AcceptInvite(inviteID string) (state.GameSession, error) {
	sess, err := c.store.AcceptInvite(inviteID)
	if err != nil {
		return state.GameSession{}, err
	}

	err = c.mesh.Send(sess.DMPeerID, &proto.GameAccept{
		InviteID:      inviteID,
		SessionID:     sess.ID,
		GameID:        sess.GameID,
		Player1:       sess.Player1,
		Player2:       sess.Player2,
		Player1Symbol: sess.Player1Symbol,
		Player2Symbol: sess.Player2Symbol,
		CurrentPlayer: sess.CurrentPlayer,
		FromUsername:  c.store.Self().Username,
		CreatedAt:     sess.CreatedAt,
	})
	if err != nil {
		return sess, fmt.Errorf("announce accepted game: %w", err)
	}
	return sess, nil
}

// DeclineInvite drops a pending invite. Local only; the inviter never
// learns and its invite simply goes unanswered.
func (c *Client) DeclineInvite(inviteID string) {
	c.store.RemoveInvite(inviteID)
}

// PlayMove validates the local player's move, resolves the next state,
// applies it, and sends the resolved state to the counterpart. Only
// outbound moves are validated; inbound ones land verbatim.
func (c *Client) PlayMove(sessionID string, cell int) error {
	sess, ok := c.store.Session(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	mark := c.localMark(sess)
	if sess.CurrentPlayer != mark {
		return ErrNotYourTurn
	}
	if !game.ValidMove(sess.Board, sess.CurrentPlayer, mark, cell) {
		return ErrInvalidMove
	}

	_, next, status, winner := game.Apply(sess.Board, mark, cell)
	mv := &proto.GameMove{
		SessionID:  sessionID,
		CellIndex:  cell,
		Symbol:     mark,
		NextPlayer: next,
		Status:     status,
		Winner:     winner,
		Timestamp:  proto.NowMillis(),
	}
	c.store.ApplyMove(mv)

	if err := c.mesh.Send(sess.DMPeerID, mv); err != nil {
		return fmt.Errorf("send move: %w", err)
	}
	return nil
}

// ResetGame clears the board for a rematch in the same session. X opens
// again.
func (c *Client) ResetGame(sessionID string) error {
	sess, ok := c.store.Session(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	mv := &proto.GameMove{
		SessionID:  sessionID,
		CellIndex:  proto.ResetCell,
		NextPlayer: game.MarkX,
		Status:     game.StatusActive,
		Timestamp:  proto.NowMillis(),
	}
	c.store.ApplyMove(mv)

	if err := c.mesh.Send(sess.DMPeerID, mv); err != nil {
		return fmt.Errorf("send reset: %w", err)
	}
	return nil
}

// EndGame tears the session down on both sides.
func (c *Client) EndGame(sessionID string) error {
	sess, ok := c.store.Session(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	c.store.EndSession(sessionID)
	err := c.mesh.Send(sess.DMPeerID, &proto.GameEnd{
		SessionID: sessionID,
		Result:    string(sess.Winner),
		Timestamp: proto.NowMillis(),
	})
	if err != nil {
		return fmt.Errorf("send game end: %w", err)
	}
	return nil
}

func (c *Client) localMark(sess state.GameSession) game.Mark {
	if sess.Player1 == c.store.Self().ID {
		return sess.Player1Symbol
	}
	return sess.Player2Symbol
}

// Close tears down the relay connection, if any. Mesh channels are
// owned by the registry.
func (c *Client) Close() {
	if c.relay != nil {
		c.relay.Close()
	}
}
