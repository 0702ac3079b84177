package state

import (
	"testing"

	"github.com/petervdpas/meshlink/internal/game"
	"github.com/petervdpas/meshlink/internal/proto"
)

func newTestStore() *Store {
	return New(Profile{ID: "local", Username: "alice"})
}

func TestIdentityAndPresence(t *testing.T) {
	s := newTestStore()
	s.Apply("p1", &proto.Identity{Username: "bob", Status: proto.StatusOnline})

	p, ok := s.Peer("p1")
	if !ok || p.Username != "bob" {
		t.Fatalf("identity not applied: %+v ok=%v", p, ok)
	}

	s.Apply("p1", &proto.Presence{Status: proto.StatusBusy, StatusMessage: "lunch"})
	p, _ = s.Peer("p1")
	if p.Status != proto.StatusBusy || p.StatusMessage != "lunch" {
		t.Fatalf("presence not applied: %+v", p)
	}

	// Presence for a peer with no open channel changes nothing.
	s.Apply("ghost", &proto.Presence{Status: proto.StatusOnline})
	if _, ok := s.Peer("ghost"); ok {
		t.Fatal("presence must not create a peer entry")
	}

	s.RemovePeer("p1")
	if _, ok := s.Peer("p1"); ok {
		t.Fatal("peer not removed on channel close")
	}
}

func TestDirectMessageDedupAndUnread(t *testing.T) {
	s := newTestStore()
	msg := &proto.DirectMsg{ID: "m1", SenderUsername: "bob", Content: "hi", Timestamp: 1}

	s.Apply("p1", msg)
	s.Apply("p1", msg) // replay via second path

	if got := s.DirectMessages("p1"); len(got) != 1 {
		t.Fatalf("expected 1 message after replay, got %d", len(got))
	}
	if !s.HasUnreadDirect("p1") {
		t.Fatal("inbound direct message must mark conversation unread")
	}

	s.MarkDirectRead("p1")
	if s.HasUnreadDirect("p1") {
		t.Fatal("opening the conversation must clear unread")
	}

	// A replayed duplicate after reading must not re-raise unread.
	s.Apply("p1", msg)
	if s.HasUnreadDirect("p1") {
		t.Fatal("duplicate must not mark unread")
	}
}

func TestBlockedSenderDiscarded(t *testing.T) {
	s := newTestStore()
	s.Block("p1")

	s.Apply("p1", &proto.DirectMsg{ID: "m1", Content: "hi"})
	if len(s.DirectMessages("p1")) != 0 {
		t.Fatal("blocked direct message must be discarded")
	}
	if s.HasUnreadDirect("p1") {
		t.Fatal("blocked message must not mark unread")
	}

	s.AddRoom(proto.Room{ID: "r1", Name: "general", IsPublic: true})
	s.Apply("", &proto.RoomMsg{ID: "m2", SenderID: "p1", RoomID: "r1", Content: "yo"})
	room, _ := s.Room("r1")
	if len(room.Messages) != 0 {
		t.Fatal("blocked room message must be discarded")
	}

	s.Apply("p1", &proto.GameInvite{InviteID: "i1", GameID: "tic-tac-toe"})
	if len(s.Invites()) != 0 {
		t.Fatal("blocked game invite must be discarded")
	}

	// Unblocking restores ingestion.
	s.Unblock("p1")
	s.Apply("p1", &proto.DirectMsg{ID: "m3", Content: "again"})
	if len(s.DirectMessages("p1")) != 1 {
		t.Fatal("message after unblock must land")
	}
}

func TestRoomReplication(t *testing.T) {
	s := newTestStore()

	public := proto.Room{ID: "r1", Name: "general", CreatedBy: "p1", IsPublic: true}
	s.Apply("p1", &proto.RoomCreated{Room: public})
	if _, ok := s.Room("r1"); !ok {
		t.Fatal("public room must be accepted")
	}

	// First writer wins: a conflicting snapshot for the same id is dropped.
	s.Apply("p2", &proto.RoomCreated{Room: proto.Room{ID: "r1", Name: "hijacked", IsPublic: true}})
	room, _ := s.Room("r1")
	if room.Name != "general" {
		t.Fatalf("room snapshot overwritten: %q", room.Name)
	}

	// Private room without the local id in allowedUsers is invisible.
	s.Apply("p1", &proto.RoomCreated{Room: proto.Room{ID: "r2", Name: "secret", AllowedUsers: []string{"p1", "p9"}}})
	if _, ok := s.Room("r2"); ok {
		t.Fatal("private room must not be accepted without allowance")
	}

	s.Apply("p1", &proto.RoomCreated{Room: proto.Room{ID: "r3", Name: "invited", AllowedUsers: []string{"p1", "local"}}})
	if _, ok := s.Room("r3"); !ok {
		t.Fatal("allowed private room must be accepted")
	}
}

func TestRoomJoinAndLeave(t *testing.T) {
	s := newTestStore()
	room := s.CreateRoom("general", true, nil)

	s.Apply("p1", &proto.RoomJoin{RoomID: room.ID, UserID: "p1"})
	s.Apply("p1", &proto.RoomJoin{RoomID: room.ID, UserID: "p1"}) // idempotent

	got, _ := s.Room(room.ID)
	if len(got.Members) != 2 {
		t.Fatalf("expected 2 members, got %v", got.Members)
	}

	s.LeaveRoom(room.ID)
	got, _ = s.Room(room.ID)
	for _, m := range got.Members {
		if m == "local" {
			t.Fatal("local user still a member after leave")
		}
	}
	// Room and history survive leaving.
	if _, ok := s.Room(room.ID); !ok {
		t.Fatal("leaving must not delete the room")
	}
}

func TestRoomMessageDedupAcrossPaths(t *testing.T) {
	s := newTestStore()
	s.AddRoom(proto.Room{ID: "r1", Name: "general", IsPublic: true})

	msg := &proto.RoomMsg{ID: "m1", SenderID: "p1", SenderUsername: "bob", RoomID: "r1", Content: "hello"}
	s.Apply("p1", msg) // channel path
	s.Apply("", msg)   // relay path

	room, _ := s.Room("r1")
	if len(room.Messages) != 1 {
		t.Fatalf("expected 1 message after dual delivery, got %d", len(room.Messages))
	}
	if !s.HasUnreadRoom("r1") {
		t.Fatal("inbound room message must mark room unread")
	}

	// A message for an unknown room is dropped silently.
	s.Apply("", &proto.RoomMsg{ID: "m2", SenderID: "p1", RoomID: "nowhere", Content: "?"})
}

func TestOwnRelayEchoDoesNotMarkUnread(t *testing.T) {
	s := newTestStore()
	s.AddRoom(proto.Room{ID: "r1", Name: "general", IsPublic: true})

	// The relay fans room messages back to the sender.
	s.Apply("", &proto.RoomMsg{ID: "m1", SenderID: "local", RoomID: "r1", Content: "mine"})
	if s.HasUnreadRoom("r1") {
		t.Fatal("own echoed message must not mark room unread")
	}
}

func TestFriendLifecycle(t *testing.T) {
	s := newTestStore()
	s.Apply("p1", &proto.FriendAdd{FriendID: "local"})
	if !s.IsFriend("p1") {
		t.Fatal("friend-add must mark the sending peer")
	}
	s.Apply("p1", &proto.FriendRemove{FriendID: "local"})
	if s.IsFriend("p1") {
		t.Fatal("friend-remove must clear the mark")
	}
	// Removing a never-added friend is a no-op.
	s.Apply("p2", &proto.FriendRemove{FriendID: "local"})
}

func TestGameInviteAcceptFlow(t *testing.T) {
	s := newTestStore()
	s.Apply("p1", &proto.GameInvite{InviteID: "i1", GameID: "tic-tac-toe", FromUsername: "bob", Timestamp: 5})

	inv, ok := s.Invite("i1")
	if !ok || inv.From != "p1" {
		t.Fatalf("invite not stored: %+v ok=%v", inv, ok)
	}

	sess, err := s.AcceptInvite("i1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if sess.Player1 != "p1" || sess.Player2 != "local" {
		t.Fatalf("wrong player assignment: %+v", sess)
	}
	if sess.Player1Symbol != game.MarkX || sess.Player2Symbol != game.MarkO {
		t.Fatalf("wrong symbol assignment: %+v", sess)
	}
	if sess.CurrentPlayer != game.MarkX {
		t.Fatal("X must open")
	}
	if _, ok := s.Invite("i1"); ok {
		t.Fatal("invite must be consumed by accept")
	}

	if _, err := s.AcceptInvite("i1"); err != ErrInviteNotFound {
		t.Fatalf("expected ErrInviteNotFound, got %v", err)
	}
}

func TestGameAcceptEnvelopeCreatesSession(t *testing.T) {
	s := newTestStore()
	// Inviter side: the acceptor announces the session it created.
	s.Apply("p2", &proto.GameAccept{
		InviteID: "i1", SessionID: "s1", GameID: "tic-tac-toe",
		Player1: "local", Player2: "p2",
		Player1Symbol: game.MarkX, Player2Symbol: game.MarkO,
		CurrentPlayer: game.MarkX,
	})

	sess, ok := s.Session("s1")
	if !ok {
		t.Fatal("session not created from game-accept")
	}
	if sess.DMPeerID != "p2" {
		t.Fatalf("counterpart peer = %q, want p2", sess.DMPeerID)
	}
	if sess.Status != game.StatusActive {
		t.Fatalf("status = %q, want active", sess.Status)
	}
}

func TestGameMoveAppliedVerbatim(t *testing.T) {
	s := newTestStore()
	s.PutSession(GameSession{ID: "s1", Player1: "p1", Player2: "local",
		Player1Symbol: game.MarkX, Player2Symbol: game.MarkO,
		CurrentPlayer: game.MarkX, Status: game.StatusActive})

	s.Apply("p1", &proto.GameMove{SessionID: "s1", CellIndex: 4, Symbol: game.MarkX,
		NextPlayer: game.MarkO, Status: game.StatusActive})

	sess, _ := s.Session("s1")
	if sess.Board[4] != game.MarkX || sess.CurrentPlayer != game.MarkO {
		t.Fatalf("move not applied: %+v", sess)
	}

	// A finishing move carries the resolved outcome.
	s.Apply("p1", &proto.GameMove{SessionID: "s1", CellIndex: 0, Symbol: game.MarkX,
		NextPlayer: game.MarkO, Status: game.StatusFinished, Winner: game.ResultXWins})
	sess, _ = s.Session("s1")
	if sess.Status != game.StatusFinished || sess.Winner != game.ResultXWins {
		t.Fatalf("outcome not applied: %+v", sess)
	}

	// Unknown session ids are a silent no-op.
	s.Apply("p1", &proto.GameMove{SessionID: "nope", CellIndex: 1})
}

func TestGameMoveResetClearsBoard(t *testing.T) {
	s := newTestStore()
	s.PutSession(GameSession{ID: "s1", Board: game.Board{game.MarkX, game.MarkO},
		CurrentPlayer: game.MarkO, Status: game.StatusFinished, Winner: game.ResultXWins})

	s.Apply("p1", &proto.GameMove{SessionID: "s1", CellIndex: proto.ResetCell,
		NextPlayer: game.MarkX, Status: game.StatusActive})

	sess, _ := s.Session("s1")
	if sess.Board != (game.Board{}) {
		t.Fatalf("board not cleared: %+v", sess.Board)
	}
	if sess.CurrentPlayer != game.MarkX || sess.Status != game.StatusActive {
		t.Fatalf("reset state wrong: %+v", sess)
	}
	if sess.Winner != game.ResultNone {
		t.Fatalf("winner must clear on reset, got %q", sess.Winner)
	}
}

func TestGameEndRemovesSession(t *testing.T) {
	s := newTestStore()
	s.PutSession(GameSession{ID: "s1", Status: game.StatusActive})

	s.Apply("p1", &proto.GameEnd{SessionID: "s1", Result: "x-wins"})
	if _, ok := s.Session("s1"); ok {
		t.Fatal("session must be removed on game-end")
	}
	// Idempotent.
	s.Apply("p1", &proto.GameEnd{SessionID: "s1"})
}

func TestRoomListInsertsUnknownRooms(t *testing.T) {
	s := newTestStore()
	s.AddRoom(proto.Room{ID: "r1", Name: "general", IsPublic: true})

	s.Apply("", &proto.RoomList{Rooms: []proto.Room{
		{ID: "r1", Name: "stale-copy", IsPublic: true},
		{ID: "r2", Name: "lobby", IsPublic: true},
		{ID: "r3", Name: "secret", AllowedUsers: []string{"p9"}},
	}})

	room, _ := s.Room("r1")
	if room.Name != "general" {
		t.Fatal("known room must not be overwritten by relay snapshot")
	}
	if _, ok := s.Room("r2"); !ok {
		t.Fatal("unknown public room must be inserted")
	}
	if _, ok := s.Room("r3"); ok {
		t.Fatal("invisible private room must be skipped")
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	s := newTestStore()
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	s.Apply("p1", &proto.Identity{Username: "bob"})

	select {
	case evt := <-ch:
		if evt.Type != EvtPeerUpdated || evt.PeerID != "p1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("expected a buffered event")
	}
}
