package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Session is one active call between two peers: a Pion peer connection
// whose SDP and ICE exchange rides the Signaler. Media tracks are
// negotiated recvonly; capture and rendering live outside this package.
type Session struct {
	channelID  string
	remotePeer string
	sig        Signaler
	pc         *webrtc.PeerConnection
	onPhase    func(phase string)

	mu   sync.Mutex
	hung bool
}

func newSession(channelID, remotePeer string, sig Signaler, onPhase func(phase string)) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &Session{
		channelID:  channelID,
		remotePeer: remotePeer,
		sig:        sig,
		pc:         pc,
		onPhase:    onPhase,
	}

	// Recvonly transceivers so CreateOffer/CreateAnswer always produce
	// valid m-lines with ICE credentials.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video) error: %v", channelID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", channelID, err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = s.sig.Send(s.channelID, map[string]any{
			"type":      SigCandidate,
			"candidate": init.Candidate,
		})
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", channelID, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.phase(PhaseActive)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.Hangup()
		}
	})

	return s, nil
}

func (s *Session) phase(p string) {
	if s.onPhase != nil {
		s.onPhase(p)
	}
}

// Offer starts SDP negotiation from this side.
func (s *Session) Offer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return s.sig.Send(s.channelID, map[string]any{
		"type": SigOffer,
		"sdp":  offer.SDP,
	})
}

// Hangup tears down this session and sends a hangup signal to the
// remote peer. Idempotent.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.hung = true
	s.mu.Unlock()

	_ = s.sig.Send(s.channelID, map[string]any{"type": SigHangup})
	_ = s.pc.Close()
	s.phase(PhaseIdle)
	log.Printf("CALL [%s]: hangup sent to %s", s.channelID, s.remotePeer)
}

// handleSignal processes one inbound signaling message.
func (s *Session) handleSignal(msgType string, payload map[string]any) {
	switch msgType {
	case SigOffer:
		sdp, _ := payload["sdp"].(string)
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: sdp,
		}); err != nil {
			log.Printf("CALL [%s]: set remote offer: %v", s.channelID, err)
			return
		}
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			log.Printf("CALL [%s]: create answer: %v", s.channelID, err)
			return
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			log.Printf("CALL [%s]: set local answer: %v", s.channelID, err)
			return
		}
		_ = s.sig.Send(s.channelID, map[string]any{
			"type": SigAnswer,
			"sdp":  answer.SDP,
		})

	case SigAnswer:
		sdp, _ := payload["sdp"].(string)
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: sdp,
		}); err != nil {
			log.Printf("CALL [%s]: set remote answer: %v", s.channelID, err)
		}

	case SigCandidate:
		var init webrtc.ICECandidateInit
		raw, _ := json.Marshal(payload)
		var body struct {
			Candidate string `json:"candidate"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.Candidate == "" {
			return
		}
		init.Candidate = body.Candidate
		if err := s.pc.AddICECandidate(init); err != nil {
			log.Printf("CALL [%s]: add candidate: %v", s.channelID, err)
		}

	case SigHangup:
		s.Hangup()

	default:
		log.Printf("CALL [%s]: unknown signal %q from %s", s.channelID, msgType, s.remotePeer)
	}
}
