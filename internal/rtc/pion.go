package rtc

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callmesh/internal/media"
)

const (
	// pliInterval is how often a keyframe is requested per remote video
	// track so late joiners and lossy paths recover a full picture.
	pliInterval = 3 * time.Second

	// packetRingCap bounds the per-track RTP buffer for late consumers.
	packetRingCap = 512
)

// NewPion builds a Transport on a pion PeerConnection.
func NewPion(cfg Config) (Transport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.Engine != nil {
		if err := cfg.Engine(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the session. The default disconnectedTimeout of 5s is far
	// too short for paths that re-key or fail over.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	t := &pionTransport{pc: pc, done: make(chan struct{})}

	// Recvonly transceivers guarantee the offer/answer carries audio and
	// video m-lines with ICE credentials even before local tracks attach.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("RTC: AddTransceiver(%s) error: %v", kind, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of candidates
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		ring := media.NewPacketRing(packetRingCap)
		go t.readLoop(tr, ring)
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			go t.pliLoop(tr)
		}

		t.mu.Lock()
		fn := t.onTrack
		t.mu.Unlock()
		if fn != nil {
			fn(media.RemoteTrack{
				ID:      tr.ID(),
				Kind:    tr.Kind(),
				Source:  tr,
				Packets: ring,
			})
		}
	})

	return t, nil
}

type pionTransport struct {
	pc   *webrtc.PeerConnection
	done chan struct{}

	mu          sync.Mutex
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(media.RemoteTrack)
}

func (t *pionTransport) AddTrack(tr *media.Track) error {
	local := tr.Local()
	if local == nil {
		return nil // placeholder track, nothing to send
	}
	_, err := t.pc.AddTrack(local)
	return err
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(sd webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sd)
}

func (t *pionTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sd)
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnTrack(fn func(media.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
	return t.pc.Close()
}

// readLoop drains RTP from a remote track into its ring buffer until the
// track or transport ends.
func (t *pionTransport) readLoop(tr *webrtc.TrackRemote, ring *media.PacketRing) {
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			return
		}
		ring.Push(pkt)
	}
}

// pliLoop periodically requests a keyframe for a remote video track.
func (t *pionTransport) pliLoop(tr *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			err := t.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
			})
			if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
				return
			}
		}
	}
}
