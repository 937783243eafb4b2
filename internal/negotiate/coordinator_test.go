package negotiate

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callmesh/internal/media"
	"github.com/petervdpas/callmesh/internal/pool"
	"github.com/petervdpas/callmesh/internal/rtc"
	"github.com/petervdpas/callmesh/internal/signal"
)

type fakeTransport struct {
	mu         sync.Mutex
	remoteSet  bool
	remoteSets int
	candidates []webrtc.ICECandidateInit
	closed     bool

	failOffer   bool
	panicRemote bool
}

func (f *fakeTransport) AddTrack(*media.Track) error { return nil }

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	if f.failOffer {
		return webrtc.SessionDescription{}, errors.New("offer refused")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (f *fakeTransport) SetRemoteDescription(webrtc.SessionDescription) error {
	if f.panicRemote {
		panic("transport wedged")
	}
	f.mu.Lock()
	f.remoteSet = true
	f.remoteSets++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSet
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (f *fakeTransport) OnTrack(func(media.RemoteTrack))             {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

type fakeFactory struct {
	mu   sync.Mutex
	made []*fakeTransport

	failNextOffer   bool
	panicNextRemote bool
}

func (ff *fakeFactory) new(rtc.Config) (rtc.Transport, error) {
	ff.mu.Lock()
	tr := &fakeTransport{failOffer: ff.failNextOffer, panicRemote: ff.panicNextRemote}
	ff.failNextOffer = false
	ff.panicNextRemote = false
	ff.made = append(ff.made, tr)
	ff.mu.Unlock()
	return tr, nil
}

func (ff *fakeFactory) last() *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.made) == 0 {
		return nil
	}
	return ff.made[len(ff.made)-1]
}

// harness wires a coordinator to a fresh pool and captures sent envelopes.
type harness struct {
	coord *Coordinator
	pool  *pool.Pool
	ff    *fakeFactory
	sent  []signal.Envelope
}

func newHarness(selfID string) *harness {
	h := &harness{ff: &fakeFactory{}}
	h.pool = pool.New(h.ff.new)
	h.pool.Configure(rtc.Config{}, nil)
	h.coord = New(selfID, h.pool, func(env signal.Envelope) error {
		h.sent = append(h.sent, env)
		return nil
	})
	return h
}

func (h *harness) sentKinds() []signal.Kind {
	out := make([]signal.Kind, len(h.sent))
	for i, env := range h.sent {
		out[i] = env.Kind
	}
	return out
}

func offerEnvelope(from, to string) signal.Envelope {
	return signal.Envelope{
		Kind: signal.KindOffer,
		From: from,
		To:   to,
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
	}
}

func answerEnvelope(from, to string) signal.Envelope {
	return signal.Envelope{
		Kind: signal.KindAnswer,
		From: from,
		To:   to,
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
	}
}

func iceEnvelope(from, to, cand string) signal.Envelope {
	return signal.Envelope{
		Kind:      signal.KindICE,
		From:      from,
		To:        to,
		Candidate: &webrtc.ICECandidateInit{Candidate: cand},
	}
}

func TestGreaterIDOffers(t *testing.T) {
	h := newHarness("bob")
	h.coord.HandlePresenceSync(map[string]signal.JoinMeta{"bob": {}, "alice": {}})

	if len(h.sent) != 1 || h.sent[0].Kind != signal.KindOffer || h.sent[0].To != "alice" {
		t.Fatalf("sent = %+v, want one offer to alice", h.sent)
	}
	if got := h.coord.Phase("alice"); got != PhaseOffered {
		t.Fatalf("phase = %s, want offered", got)
	}
}

func TestLesserIDWaits(t *testing.T) {
	h := newHarness("alice")
	h.coord.HandlePresenceSync(map[string]signal.JoinMeta{"alice": {}, "bob": {}})

	if len(h.sent) != 0 {
		t.Fatalf("lesser id sent %v, want nothing", h.sentKinds())
	}
	if h.pool.Len() != 0 {
		t.Fatal("lesser id created a session without an offer")
	}
}

func TestRepeatedSyncIsIdempotent(t *testing.T) {
	h := newHarness("bob")
	peers := map[string]signal.JoinMeta{"bob": {}, "alice": {}}
	h.coord.HandlePresenceSync(peers)
	h.coord.HandlePresenceSync(peers)
	h.coord.HandlePresenceSync(peers)

	if len(h.sent) != 1 {
		t.Fatalf("sent %d envelopes across repeated syncs, want 1", len(h.sent))
	}
	if h.pool.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", h.pool.Len())
	}
}

func TestOfferIsAnsweredUnconditionally(t *testing.T) {
	// alice has the lesser id; she still answers bob's offer without
	// re-checking the tie-break.
	h := newHarness("alice")
	h.coord.HandleEnvelope(offerEnvelope("bob", "alice"))

	if len(h.sent) != 1 || h.sent[0].Kind != signal.KindAnswer || h.sent[0].To != "bob" {
		t.Fatalf("sent = %+v, want one answer to bob", h.sent)
	}
	if got := h.coord.Phase("bob"); got != PhaseConnected {
		t.Fatalf("phase = %s, want connected", got)
	}
	if !h.ff.last().HasRemoteDescription() {
		t.Fatal("offer was not applied")
	}
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	h := newHarness("bob")
	h.coord.HandlePresenceSync(map[string]signal.JoinMeta{"alice": {}})

	h.coord.HandleEnvelope(answerEnvelope("alice", "bob"))
	h.coord.HandleEnvelope(answerEnvelope("alice", "bob"))

	tr := h.ff.last()
	tr.mu.Lock()
	sets := tr.remoteSets
	tr.mu.Unlock()
	if sets != 1 {
		t.Fatalf("remote description applied %d times, want 1", sets)
	}
	if got := h.coord.Phase("alice"); got != PhaseConnected {
		t.Fatalf("phase = %s, want connected", got)
	}
}

func TestAnswerWithoutSessionIgnored(t *testing.T) {
	h := newHarness("bob")
	h.coord.HandleEnvelope(answerEnvelope("alice", "bob"))
	if h.pool.Len() != 0 {
		t.Fatal("stale answer created a session")
	}
}

func TestEarlyCandidatesBufferedAndFlushed(t *testing.T) {
	h := newHarness("alice")

	// Candidates arrive before the offer: nothing to apply them to yet.
	h.coord.HandleEnvelope(iceEnvelope("bob", "alice", "cand-1"))
	h.coord.HandleEnvelope(iceEnvelope("bob", "alice", "cand-2"))
	if h.pool.Len() != 0 {
		t.Fatal("early candidate created a session")
	}

	h.coord.HandleEnvelope(offerEnvelope("bob", "alice"))

	tr := h.ff.last()
	if got := tr.candidateCount(); got != 2 {
		t.Fatalf("flushed %d candidates, want 2", got)
	}

	// Later candidates go straight through.
	h.coord.HandleEnvelope(iceEnvelope("bob", "alice", "cand-3"))
	if got := tr.candidateCount(); got != 3 {
		t.Fatalf("candidates = %d, want 3", got)
	}
}

func TestEarlyCandidateBufferCapped(t *testing.T) {
	h := newHarness("alice")
	for i := 0; i < earlyCandidateCap+8; i++ {
		h.coord.HandleEnvelope(iceEnvelope("bob", "alice", fmt.Sprintf("cand-%d", i)))
	}

	h.coord.HandleEnvelope(offerEnvelope("bob", "alice"))

	tr := h.ff.last()
	if got := tr.candidateCount(); got != earlyCandidateCap {
		t.Fatalf("flushed %d candidates, want %d", got, earlyCandidateCap)
	}
	// Oldest were discarded: the first surviving candidate is cand-8.
	tr.mu.Lock()
	first := tr.candidates[0].Candidate
	tr.mu.Unlock()
	if first != "cand-8" {
		t.Fatalf("first flushed candidate = %s, want cand-8", first)
	}
}

func TestLeaveClosesSession(t *testing.T) {
	h := newHarness("bob")
	h.coord.HandlePresenceSync(map[string]signal.JoinMeta{"alice": {}})
	if h.pool.Len() != 1 {
		t.Fatal("no session after sync")
	}

	h.coord.HandleEnvelope(signal.Envelope{Kind: signal.KindLeave, From: "alice"})
	if h.pool.Len() != 0 {
		t.Fatal("session survived peer leave")
	}
	if got := h.coord.Phase("alice"); got != PhaseNone {
		t.Fatalf("phase = %s after leave, want none", got)
	}
}

func TestPresenceLeaveClosesSession(t *testing.T) {
	h := newHarness("bob")
	h.coord.HandlePresenceSync(map[string]signal.JoinMeta{"alice": {}})
	h.coord.HandlePresenceLeave("alice")
	if h.pool.Len() != 0 {
		t.Fatal("session survived presence leave")
	}
}

func TestMisaddressedAndOwnEnvelopesIgnored(t *testing.T) {
	h := newHarness("alice")
	h.coord.HandleEnvelope(offerEnvelope("bob", "carol")) // not for us
	h.coord.HandleEnvelope(offerEnvelope("alice", "bob")) // our own echo
	if len(h.sent) != 0 || h.pool.Len() != 0 {
		t.Fatalf("reacted to foreign traffic: sent=%v sessions=%d", h.sentKinds(), h.pool.Len())
	}
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	h := newHarness("alice")
	h.coord.HandleEnvelope(signal.Envelope{Kind: signal.KindOffer, From: "bob", To: "alice"})
	if h.pool.Len() != 0 {
		t.Fatal("offer without sdp created a session")
	}
}

func TestFailedOfferCleansUp(t *testing.T) {
	h := newHarness("bob")
	h.ff.failNextOffer = true
	h.coord.HandlePresenceSync(map[string]signal.JoinMeta{"alice": {}})

	if len(h.sent) != 0 {
		t.Fatalf("sent %v despite failed offer", h.sentKinds())
	}
	if h.pool.Len() != 0 {
		t.Fatal("failed offer left a session behind")
	}
	if got := h.coord.Phase("alice"); got != PhaseNone {
		t.Fatalf("phase = %s after failed offer, want none", got)
	}

	// A later sync retries from scratch.
	h.coord.HandlePresenceSync(map[string]signal.JoinMeta{"alice": {}})
	if len(h.sent) != 1 || h.sent[0].Kind != signal.KindOffer {
		t.Fatalf("retry sent %v, want one offer", h.sentKinds())
	}
}

func TestFailureContainedToOnePeer(t *testing.T) {
	h := newHarness("alice")
	h.ff.panicNextRemote = true

	// bob's offer lands on a wedged transport; the panic must not escape.
	h.coord.HandleEnvelope(offerEnvelope("bob", "alice"))

	// carol's offer still negotiates normally.
	h.coord.HandleEnvelope(offerEnvelope("carol", "alice"))
	if len(h.sent) != 1 || h.sent[0].To != "carol" {
		t.Fatalf("sent = %+v, want one answer to carol", h.sent)
	}
}

func TestResetDropsState(t *testing.T) {
	h := newHarness("bob")
	h.coord.HandlePresenceSync(map[string]signal.JoinMeta{"alice": {}})
	h.coord.HandleEnvelope(iceEnvelope("carol", "bob", "early"))

	h.coord.Reset()
	if got := h.coord.Phase("alice"); got != PhaseNone {
		t.Fatalf("phase = %s after reset", got)
	}

	// Buffered candidates are gone: a fresh offer from carol flushes nothing.
	h.coord.HandleEnvelope(offerEnvelope("carol", "bob"))
	if got := h.ff.last().candidateCount(); got != 0 {
		t.Fatalf("reset left %d buffered candidates", got)
	}
}
