package call

import (
	"sync"
	"testing"
	"time"
)

// fakeSig is an in-memory signaler; two linked instances deliver each
// Send into the other's subscription channels.
type fakeSig struct {
	self string
	peer *fakeSig

	mu   sync.Mutex
	sent []map[string]any
	subs []chan *Envelope
}

func linkedSignalers(a, b string) (*fakeSig, *fakeSig) {
	sa := &fakeSig{self: a}
	sb := &fakeSig{self: b}
	sa.peer = sb
	sb.peer = sa
	return sa, sb
}

func (f *fakeSig) Send(channelID string, payload map[string]any) error {
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	f.mu.Unlock()

	if f.peer != nil {
		f.peer.deliver(&Envelope{Channel: channelID, From: f.self, Payload: payload})
	}
	return nil
}

func (f *fakeSig) deliver(env *Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- env:
		default:
		}
	}
}

func (f *fakeSig) Subscribe() (chan *Envelope, func()) {
	ch := make(chan *Envelope, 32)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSig) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, p := range f.sent {
		t, _ := p["type"].(string)
		out = append(out, t)
	}
	return out
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewSubscribesBeforeReturning(t *testing.T) {
	sig, _ := linkedSignalers("a", "b")
	mgr := New(sig, "a", nil)
	defer mgr.Close()

	sig.mu.Lock()
	subs := len(sig.subs)
	sig.mu.Unlock()
	if subs != 1 {
		t.Fatalf("manager must be subscribed once New returns, got %d subscriptions", subs)
	}

	// A call-request delivered immediately, with no manager on the far
	// side and no settling delay, must still reach the handler.
	incoming := make(chan *IncomingCall, 1)
	mgr.OnIncoming(func(ic *IncomingCall) { incoming <- ic })
	sig.deliver(&Envelope{Channel: "chan1", From: "b", Payload: map[string]any{"type": SigRequest}})

	select {
	case ic := <-incoming:
		if ic.RemotePeer != "b" {
			t.Fatalf("unexpected caller: %+v", ic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("immediate call-request lost")
	}
}

func TestStartCallRingsRemote(t *testing.T) {
	sigA, sigB := linkedSignalers("a", "b")
	mgrA := New(sigA, "a", nil)
	defer mgrA.Close()
	mgrB := New(sigB, "b", nil)
	defer mgrB.Close()

	incoming := make(chan *IncomingCall, 1)
	mgrB.OnIncoming(func(ic *IncomingCall) { incoming <- ic })

	sess, err := mgrA.StartCall("chan1", "b")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	defer sess.Hangup()

	select {
	case ic := <-incoming:
		if ic.RemotePeer != "a" || ic.ChannelID != "chan1" {
			t.Fatalf("unexpected incoming call: %+v", ic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call-request never arrived")
	}
}

func TestRejectSendsHangup(t *testing.T) {
	sigA, sigB := linkedSignalers("a", "b")

	var phases []string
	var phaseMu sync.Mutex
	mgrA := New(sigA, "a", func(phase, _ string) {
		phaseMu.Lock()
		phases = append(phases, phase)
		phaseMu.Unlock()
	})
	defer mgrA.Close()
	mgrB := New(sigB, "b", nil)
	defer mgrB.Close()

	mgrB.OnIncoming(func(ic *IncomingCall) { ic.Reject() })

	sess, err := mgrA.StartCall("chan1", "b")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	defer sess.Hangup()

	eventually(t, "hangup from callee", func() bool {
		return hasType(sigB.sentTypes(), SigHangup)
	})
	phaseMu.Lock()
	defer phaseMu.Unlock()
	if len(phases) == 0 || phases[0] != PhaseDialing {
		t.Fatalf("caller must report dialing first: %v", phases)
	}
}

func TestAcceptNegotiatesOfferAnswer(t *testing.T) {
	sigA, sigB := linkedSignalers("a", "b")
	mgrA := New(sigA, "a", nil)
	defer mgrA.Close()
	mgrB := New(sigB, "b", nil)
	defer mgrB.Close()

	mgrB.OnIncoming(func(ic *IncomingCall) {
		if _, err := ic.Accept(); err != nil {
			t.Errorf("accept: %v", err)
		}
	})

	sess, err := mgrA.StartCall("chan1", "b")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	defer sess.Hangup()

	// Accept triggers the caller's offer; the callee answers it.
	eventually(t, "offer from caller", func() bool {
		return hasType(sigA.sentTypes(), SigOffer)
	})
	eventually(t, "answer from callee", func() bool {
		return hasType(sigB.sentTypes(), SigAnswer)
	})

	if _, ok := mgrB.GetSession("chan1"); !ok {
		t.Fatal("callee must track the session")
	}
}
