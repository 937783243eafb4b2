// Package signal is the signaling bus adapter: typed envelopes, presence
// snapshots, and the room channel contract the call negotiation runs on.
// The bus guarantees at most best-effort broadcast to current subscribers;
// no delivery order, no persistence.
package signal

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind discriminates the signaling envelope variants.
type Kind string

const (
	KindJoin   Kind = "join"
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
	KindICE    Kind = "ice"
	KindLeave  Kind = "leave"
)

// Envelope is one step of call negotiation. Offer/answer carry an SDP,
// ice carries a candidate; join/leave carry neither and are unaddressed.
type Envelope struct {
	Kind      Kind                       `json:"kind"`
	From      string                     `json:"from"`
	To        string                     `json:"to,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// JoinMeta is the presence metadata tracked for each room member.
type JoinMeta struct {
	JoinedAt int64 `json:"joinedAt"` // unix millis
}

var errNoFrom = errors.New("envelope has no sender")

// Validate rejects malformed envelopes before they reach the coordinator.
func (e *Envelope) Validate() error {
	if e.From == "" {
		return errNoFrom
	}
	switch e.Kind {
	case KindOffer, KindAnswer:
		if e.SDP == nil {
			return fmt.Errorf("%s envelope without sdp", e.Kind)
		}
		if e.To == "" {
			return fmt.Errorf("%s envelope without target", e.Kind)
		}
	case KindICE:
		if e.Candidate == nil {
			return errors.New("ice envelope without candidate")
		}
		if e.To == "" {
			return errors.New("ice envelope without target")
		}
	case KindJoin, KindLeave:
		// Unaddressed by design.
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil
}
