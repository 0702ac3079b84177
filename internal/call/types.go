package call

// Signaler is the only surface the call package needs from the mesh
// layer. The concrete adapter lives in the app wiring, the one place
// that imports both packages.
type Signaler interface {
	// Send routes a signaling payload to the peer owning channelID.
	Send(channelID string, payload map[string]any) error
	Subscribe() (ch chan *Envelope, cancel func())
}

// Envelope is one inbound signaling message.
type Envelope struct {
	Channel string         `json:"channel"`
	From    string         `json:"from"`
	Payload map[string]any `json:"payload"`
}

// Signal message types carried in the payload "type" field.
const (
	SigRequest   = "call-request"
	SigAccept    = "call-accept"
	SigOffer     = "offer"
	SigAnswer    = "answer"
	SigCandidate = "ice-candidate"
	SigHangup    = "call-hangup"
)

// Call phases reported through the Manager's phase hook.
const (
	PhaseIdle     = "idle"
	PhaseIncoming = "incoming"
	PhaseDialing  = "dialing"
	PhaseActive   = "active"
)

// IncomingCall is handed to OnIncoming handlers; exactly one of Accept
// or Reject should be invoked.
type IncomingCall struct {
	ChannelID  string
	RemotePeer string
	Accept     func() (*Session, error)
	Reject     func()
}
