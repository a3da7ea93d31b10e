package domain

type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// Capabilities is the normalized result of a device probe.
type Capabilities struct {
	HasMicrophone bool
	HasCamera     bool
	Microphone    PermissionState
	Camera        PermissionState
}

// CanCall reports whether a call attempt may proceed at all.
func (c Capabilities) CanCall() bool {
	return c.HasMicrophone && c.Microphone != PermissionDenied
}

// CanVideo reports whether video capture is worth attempting.
func (c Capabilities) CanVideo() bool {
	return c.HasCamera && c.Camera != PermissionDenied
}

type MediaRequest struct {
	Audio bool
	Video bool
}

type OfferOptions struct {
	// Video adds an outgoing video track to the offer.
	Video bool
	// ReceiveVideo keeps a receive-only video section when Video is false.
	ReceiveVideo bool
	ICERestart   bool
}

// LinkState is the connectivity of one peer-to-peer leg as reported by the
// transport.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// Disturbed reports whether the state should start the grace period.
func (s LinkState) Disturbed() bool {
	return s == LinkDisconnected || s == LinkFailed
}
