package mesh

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/petervdpas/meshlink/internal/proto"
	"github.com/petervdpas/meshlink/internal/state"
)

type dialerFunc func(ctx context.Context, peerID string) (io.ReadWriteCloser, error)

func (f dialerFunc) Dial(ctx context.Context, peerID string) (io.ReadWriteCloser, error) {
	return f(ctx, peerID)
}

var noDial = dialerFunc(func(context.Context, string) (io.ReadWriteCloser, error) {
	panic("unexpected dial")
})

// connectPair wires two registries over an in-memory pipe, as if a had
// dialed b.
func connectPair(t *testing.T, a, b *Registry, aID, bID string) {
	t.Helper()
	p1, p2 := net.Pipe()

	go b.OnIncoming(aID, p2)

	dial := dialerFunc(func(context.Context, string) (io.ReadWriteCloser, error) {
		return p1, nil
	})
	a.dial = dial
	if err := a.Connect(context.Background(), bID); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeExchangesIdentityAndRooms(t *testing.T) {
	storeA := state.New(state.Profile{ID: "a", Username: "alice"})
	storeB := state.New(state.Profile{ID: "b", Username: "bob"})

	public := storeA.CreateRoom("general", true, nil)
	storeA.CreateRoom("hidden", false, []string{"someone-else"})

	regA := New(storeA, noDial)
	regB := New(storeB, noDial)
	defer regA.CloseAll()
	defer regB.CloseAll()

	connectPair(t, regA, regB, "a", "b")

	eventually(t, "identities exchanged", func() bool {
		pa, okA := storeA.Peer("b")
		pb, okB := storeB.Peer("a")
		return okA && okB && pa.Username == "bob" && pb.Username == "alice"
	})

	eventually(t, "public room replicated", func() bool {
		_, ok := storeB.Room(public.ID)
		return ok
	})

	// The private room never reaches a peer outside its allow list.
	time.Sleep(50 * time.Millisecond)
	if len(storeB.Rooms()) != 1 {
		t.Fatalf("expected only the public room at b, got %d", len(storeB.Rooms()))
	}
}

func TestSendWithoutChannel(t *testing.T) {
	reg := New(state.New(state.Profile{ID: "a"}), noDial)
	if err := reg.Send("nobody", &proto.Presence{Status: proto.StatusOnline}); err == nil {
		t.Fatal("expected error for missing channel")
	}
}

func TestDirectMessageDelivery(t *testing.T) {
	storeA := state.New(state.Profile{ID: "a", Username: "alice"})
	storeB := state.New(state.Profile{ID: "b", Username: "bob"})

	regA := New(storeA, noDial)
	regB := New(storeB, noDial)
	defer regA.CloseAll()
	defer regB.CloseAll()

	connectPair(t, regA, regB, "a", "b")
	eventually(t, "handshake", func() bool {
		_, ok := storeB.Peer("a")
		return ok
	})

	err := regA.Send("b", &proto.DirectMsg{ID: "m1", SenderUsername: "alice", Content: "hi", Timestamp: 1})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	eventually(t, "message stored at b", func() bool {
		msgs := storeB.DirectMessages("a")
		return len(msgs) == 1 && msgs[0].Content == "hi" && msgs[0].SenderID == "a"
	})
	if !storeB.HasUnreadDirect("a") {
		t.Fatal("delivered message must mark conversation unread")
	}
}

func TestDuplicateChannelDropped(t *testing.T) {
	storeB := state.New(state.Profile{ID: "b", Username: "bob"})
	regB := New(storeB, noDial)
	defer regB.CloseAll()

	p1, p2 := net.Pipe()
	go func() {
		// Drain b's handshake on the first link.
		_, _ = io.Copy(io.Discard, p1)
	}()
	regB.OnIncoming("a", p2)

	eventually(t, "first channel adopted", func() bool { return regB.Connected("a") })

	q1, q2 := net.Pipe()
	regB.OnIncoming("a", q2)

	// The duplicate link must be closed immediately.
	q1.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := q1.Read(make([]byte, 1)); err != io.EOF && err != io.ErrClosedPipe {
		t.Fatalf("expected closed duplicate link, got %v", err)
	}
	if got := len(regB.Peers()); got != 1 {
		t.Fatalf("expected 1 channel, got %d", got)
	}
}

func TestChannelCloseRemovesPeer(t *testing.T) {
	storeA := state.New(state.Profile{ID: "a", Username: "alice"})
	storeB := state.New(state.Profile{ID: "b", Username: "bob"})

	regA := New(storeA, noDial)
	regB := New(storeB, noDial)
	defer regB.CloseAll()

	connectPair(t, regA, regB, "a", "b")
	eventually(t, "handshake", func() bool {
		_, ok := storeB.Peer("a")
		return ok
	})

	regA.CloseAll()

	eventually(t, "peer removed on close", func() bool {
		_, ok := storeB.Peer("a")
		return !ok && !regB.Connected("a")
	})
}

func TestConnectIsIdempotent(t *testing.T) {
	storeA := state.New(state.Profile{ID: "a", Username: "alice"})
	storeB := state.New(state.Profile{ID: "b", Username: "bob"})

	regA := New(storeA, noDial)
	regB := New(storeB, noDial)
	defer regA.CloseAll()
	defer regB.CloseAll()

	connectPair(t, regA, regB, "a", "b")

	// A second connect to an already-linked peer must not dial.
	regA.dial = noDial
	if err := regA.Connect(context.Background(), "b"); err != nil {
		t.Fatalf("idempotent connect: %v", err)
	}
}
