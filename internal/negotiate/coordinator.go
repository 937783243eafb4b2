// Package negotiate decides who offers to whom and drives each pairwise
// offer/answer/ICE exchange. It reacts to presence snapshots and incoming
// envelopes from the signaling bus; it never talks to a transport directly,
// only through the pool's session contract.
package negotiate

import (
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callmesh/internal/pool"
	"github.com/petervdpas/callmesh/internal/signal"
)

// earlyCandidateCap bounds the per-peer buffer for ICE candidates that
// arrive before the peer's remote description is ready; oldest are dropped.
const earlyCandidateCap = 32

// Phase is one peer's negotiation state as seen from this side.
type Phase int

const (
	PhaseNone      Phase = iota
	PhaseOffering        // building and sending our offer
	PhaseOffered         // local description set, awaiting the answer
	PhaseConnected       // both descriptions applied
)

func (p Phase) String() string {
	switch p {
	case PhaseOffering:
		return "offering"
	case PhaseOffered:
		return "offered"
	case PhaseConnected:
		return "connected"
	default:
		return "none"
	}
}

// Coordinator is the per-room negotiation state machine. All handlers are
// invoked from the bus's single dispatch goroutine; the internal maps need
// no locking because of that, but every handler still re-validates session
// state at entry since async transport work may have completed in between.
type Coordinator struct {
	selfID string
	pool   *pool.Pool
	send   func(env signal.Envelope) error

	phase map[string]Phase
	early map[string][]webrtc.ICECandidateInit
}

// New creates a coordinator for the local participant selfID. send
// broadcasts envelopes on the room's signaling channel.
func New(selfID string, p *pool.Pool, send func(env signal.Envelope) error) *Coordinator {
	return &Coordinator{
		selfID: selfID,
		pool:   p,
		send:   send,
		phase:  make(map[string]Phase),
		early:  make(map[string][]webrtc.ICECandidateInit),
	}
}

// HandlePresenceSync diffs the snapshot against known peers and initiates
// an offer toward every new peer this side is responsible for.
//
// Initiator rule: the participant with the strictly greater identifier
// (plain string ordering) is the offerer for the pair; the other side waits
// for the offer. Presence syncs fire near-simultaneously on both sides, and
// this deterministic tie-break is the single mechanism preventing both from
// offering at once (glare).
func (c *Coordinator) HandlePresenceSync(peers map[string]signal.JoinMeta) {
	for peerID := range peers {
		if peerID == c.selfID {
			continue
		}
		if c.selfID > peerID {
			c.maybeOffer(peerID)
		}
	}
}

// HandlePresenceLeave closes the departed peer's session.
func (c *Coordinator) HandlePresenceLeave(peerID string) {
	if peerID == c.selfID {
		return
	}
	c.pool.Close(peerID)
	delete(c.phase, peerID)
	delete(c.early, peerID)
}

// HandleEnvelope dispatches one signaling envelope. Failures are contained
// to the sending peer: logged, state dropped for that exchange, everyone
// else unaffected.
func (c *Coordinator) HandleEnvelope(env signal.Envelope) {
	if env.From == c.selfID {
		return
	}
	if env.To != "" && env.To != c.selfID {
		return // addressed to another participant
	}
	if err := env.Validate(); err != nil {
		log.Printf("NEGOTIATE: dropping envelope from %s: %v", short(env.From), err)
		return
	}

	defer func() {
		// A malformed payload or a session in an unexpected state must not
		// take down coordination for the remaining peers.
		if r := recover(); r != nil {
			log.Printf("NEGOTIATE: contained failure handling %s from %s: %v", env.Kind, short(env.From), r)
		}
	}()

	var err error
	switch env.Kind {
	case signal.KindJoin:
		// Membership hint; presence sync is authoritative but a join from a
		// peer we should call can start negotiation a beat earlier.
		if c.selfID > env.From {
			c.maybeOffer(env.From)
		}
	case signal.KindOffer:
		err = c.handleOffer(env)
	case signal.KindAnswer:
		err = c.handleAnswer(env)
	case signal.KindICE:
		err = c.handleCandidate(env)
	case signal.KindLeave:
		c.HandlePresenceLeave(env.From)
	}
	if err != nil {
		log.Printf("NEGOTIATE: %s from %s failed: %v", env.Kind, short(env.From), err)
	}
}

// Reset drops all negotiation state. Called on teardown after the pool has
// closed the sessions.
func (c *Coordinator) Reset() {
	c.phase = make(map[string]Phase)
	c.early = make(map[string][]webrtc.ICECandidateInit)
}

// Phase reports the negotiation phase for peerID.
func (c *Coordinator) Phase(peerID string) Phase {
	return c.phase[peerID]
}

// maybeOffer starts an outbound negotiation toward peerID unless a session
// already exists. Re-validated here rather than trusted from the caller:
// presence syncs repeat and must stay idempotent.
func (c *Coordinator) maybeOffer(peerID string) {
	if _, exists := c.pool.Get(peerID); exists {
		return
	}
	c.phase[peerID] = PhaseOffering

	if err := c.offer(peerID); err != nil {
		log.Printf("NEGOTIATE: offer to %s failed: %v", short(peerID), err)
		c.pool.Close(peerID)
		delete(c.phase, peerID)
	}
}

func (c *Coordinator) offer(peerID string) error {
	sess, err := c.pool.GetOrCreate(peerID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	offer, err := sess.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := sess.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	c.phase[peerID] = PhaseOffered

	log.Printf("NEGOTIATE: offering to %s", short(peerID))
	return c.send(signal.Envelope{
		Kind: signal.KindOffer,
		From: c.selfID,
		To:   peerID,
		SDP:  &offer,
	})
}

// handleOffer answers unconditionally: the sender already decided the
// tie-break by construction, so this side never re-checks it.
func (c *Coordinator) handleOffer(env signal.Envelope) error {
	from := env.From
	sess, err := c.pool.GetOrCreate(from)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := sess.SetRemoteDescription(*env.SDP); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	c.flushEarly(from, sess)

	answer, err := sess.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := sess.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	c.phase[from] = PhaseConnected

	log.Printf("NEGOTIATE: answering %s", short(from))
	return c.send(signal.Envelope{
		Kind: signal.KindAnswer,
		From: c.selfID,
		To:   from,
		SDP:  &answer,
	})
}

// handleAnswer applies the answer only when no remote description is set
// yet; duplicated or replayed answers are no-ops, not errors.
func (c *Coordinator) handleAnswer(env signal.Envelope) error {
	sess, ok := c.pool.Get(env.From)
	if !ok {
		return nil // stale answer for a session already gone
	}
	if sess.HasRemoteDescription() {
		return nil
	}
	if err := sess.SetRemoteDescription(*env.SDP); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	c.phase[env.From] = PhaseConnected
	c.flushEarly(env.From, sess)
	log.Printf("NEGOTIATE: connected to %s", short(env.From))
	return nil
}

// handleCandidate adds the candidate if the peer's session can accept it,
// otherwise buffers it. Candidates legitimately race ahead of the
// offer/answer on an unordered bus; dropping them would stall ICE whenever
// the reorder happens, so they wait here until the remote description lands.
func (c *Coordinator) handleCandidate(env signal.Envelope) error {
	from := env.From
	sess, ok := c.pool.Get(from)
	if ok && sess.HasRemoteDescription() {
		return sess.AddCandidate(*env.Candidate)
	}

	buf := c.early[from]
	if len(buf) >= earlyCandidateCap {
		buf = buf[1:]
	}
	c.early[from] = append(buf, *env.Candidate)
	return nil
}

// flushEarly replays buffered candidates once a remote description is set.
func (c *Coordinator) flushEarly(peerID string, sess *pool.Session) {
	buf := c.early[peerID]
	if len(buf) == 0 {
		return
	}
	delete(c.early, peerID)
	for _, cand := range buf {
		if err := sess.AddCandidate(cand); err != nil {
			log.Printf("NEGOTIATE: flush candidate for %s: %v", short(peerID), err)
		}
	}
	log.Printf("NEGOTIATE: flushed %d early candidates for %s", len(buf), short(peerID))
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
