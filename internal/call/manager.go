// Package call manages WebRTC call sessions using Pion. It imports
// only Pion and stdlib; coupling to the rest of meshlink is via the
// Signaler interface only.
package call

import (
	"fmt"
	"log"
	"sync"
)

// Manager owns active call sessions and bridges signaling to them.
type Manager struct {
	sig     Signaler
	selfID  string
	onPhase func(phase, remotePeer string)

	mu       sync.RWMutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	done chan struct{}
}

// New creates a Manager attached to sig and starts listening for
// signaling messages immediately. onPhase reports call phase changes
// for the core state; it may be nil.
func New(sig Signaler, selfID string, onPhase func(phase, remotePeer string)) *Manager {
	m := &Manager{
		sig:      sig,
		selfID:   selfID,
		onPhase:  onPhase,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	// Subscribe before returning; a signal arriving the moment New
	// returns must not slip past the loop.
	ch, cancel := sig.Subscribe()
	go m.dispatchLoop(ch, cancel)
	return m
}

// OnIncoming registers a callback fired for each inbound call-request.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// StartCall rings remotePeer on channelID and prepares the outbound
// session. The offer is sent once the remote side accepts.
func (m *Manager) StartCall(channelID, remotePeer string) (*Session, error) {
	sess, err := m.addSession(channelID, remotePeer)
	if err != nil {
		return nil, err
	}

	if err := m.sig.Send(channelID, map[string]any{"type": SigRequest}); err != nil {
		m.removeSession(channelID)
		return nil, fmt.Errorf("send call request: %w", err)
	}

	m.phase(PhaseDialing, remotePeer)
	log.Printf("CALL: started %s → %s", channelID, remotePeer)
	return sess, nil
}

// AcceptCall creates a session for an incoming call and tells the
// caller to proceed with its offer.
func (m *Manager) AcceptCall(channelID, remotePeer string) (*Session, error) {
	sess, err := m.addSession(channelID, remotePeer)
	if err != nil {
		return nil, err
	}

	if err := m.sig.Send(channelID, map[string]any{"type": SigAccept}); err != nil {
		m.removeSession(channelID)
		return nil, fmt.Errorf("send call accept: %w", err)
	}

	log.Printf("CALL: accepted %s from %s", channelID, remotePeer)
	return sess, nil
}

func (m *Manager) addSession(channelID, remotePeer string) (*Session, error) {
	sess, err := newSession(channelID, remotePeer, m.sig, func(phase string) {
		m.phase(phase, remotePeer)
		if phase == PhaseIdle {
			m.removeSession(channelID)
		}
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[channelID] = sess
	m.mu.Unlock()
	return sess, nil
}

// GetSession returns the active session for channelID, if any.
func (m *Manager) GetSession(channelID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[channelID]
	m.mu.RUnlock()
	return s, ok
}

func (m *Manager) removeSession(channelID string) {
	m.mu.Lock()
	delete(m.sessions, channelID)
	m.mu.Unlock()
}

func (m *Manager) phase(phase, remotePeer string) {
	if m.onPhase != nil {
		m.onPhase(phase, remotePeer)
	}
}

// Close shuts down the manager and hangs up all active sessions.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Hangup()
	}
}

// dispatchLoop reads signaling envelopes from the Signaler and routes
// them.
func (m *Manager) dispatchLoop(ch chan *Envelope, cancel func()) {
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

func (m *Manager) dispatch(env *Envelope) {
	msgType, _ := env.Payload["type"].(string)

	switch msgType {
	case SigRequest:
		ic := &IncomingCall{
			ChannelID:  env.Channel,
			RemotePeer: env.From,
			Accept: func() (*Session, error) {
				return m.AcceptCall(env.Channel, env.From)
			},
			Reject: func() {
				_ = m.sig.Send(env.Channel, map[string]any{"type": SigHangup})
				m.phase(PhaseIdle, env.From)
			},
		}
		m.phase(PhaseIncoming, env.From)
		m.incomingMu.RLock()
		handlers := make([]func(*IncomingCall), len(m.incoming))
		copy(handlers, m.incoming)
		m.incomingMu.RUnlock()
		for _, fn := range handlers {
			fn(ic)
		}
		return

	case SigAccept:
		// Callee is ready; the caller's session opens negotiation.
		m.mu.RLock()
		sess, ok := m.sessions[env.Channel]
		m.mu.RUnlock()
		if ok {
			if err := sess.Offer(); err != nil {
				log.Printf("CALL: offer on %s failed: %v", env.Channel, err)
			}
		}
		return
	}

	// Route offer, answer, ice-candidate, and hangup to the session.
	m.mu.RLock()
	sess, ok := m.sessions[env.Channel]
	m.mu.RUnlock()
	if ok {
		sess.handleSignal(msgType, env.Payload)
	}
}
