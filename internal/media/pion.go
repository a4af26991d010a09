package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"peercall/internal/signal"
)

// DefaultSTUNURL is used when no ICE servers are configured.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

// PionConfig controls the Pion-backed transport.
type PionConfig struct {
	// STUNURLs lists ICE server URLs. Empty means DefaultSTUNURL.
	STUNURLs []string
	// Video adds a video transceiver in addition to audio.
	Video bool
}

// PionTransport implements Transport over a pion/webrtc PeerConnection.
// Pion is the pre-existing transport library; this adapter only moves
// session parameters across the boundary.
type PionTransport struct {
	pc  *pion.PeerConnection
	log *slog.Logger

	// candidateCh feeds the pump goroutine; quit tells it to exit on its own
	// schedule, pumpDone reports that it has.
	candidateCh chan signal.Candidate
	quit        chan struct{}
	pumpDone    chan struct{}

	remoteDescSet chan struct{}
	remoteOnce    sync.Once

	mu        sync.Mutex
	onCand    func(signal.Candidate)
	onState   func(ConnectionState)
	onTrack   func(RemoteTrack)
	closeOnce sync.Once
	closeErr  error
}

func NewPionTransport(cfg PionConfig, log *slog.Logger) (*PionTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	urls := cfg.STUNURLs
	if len(urls) == 0 {
		urls = []string{DefaultSTUNURL}
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{
		ICEServers: []pion.ICEServer{{URLs: urls}},
	})
	if err != nil {
		return nil, fmt.Errorf("media: create peer connection: %w", err)
	}

	t := &PionTransport{
		pc:            pc,
		log:           log.With("component", "media.pion"),
		candidateCh:   make(chan signal.Candidate, 32),
		quit:          make(chan struct{}),
		pumpDone:      make(chan struct{}),
		remoteDescSet: make(chan struct{}),
	}

	if _, err := pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("media: add audio transceiver: %w", err)
	}
	if cfg.Video {
		if _, err := pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("media: add video transceiver: %w", err)
		}
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			t.log.Debug("ice gathering complete")
			return
		}
		j := c.ToJSON()
		cand := signal.Candidate{Candidate: j.Candidate}
		if j.SDPMid != nil {
			cand.Mid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			cand.MLineIndex = int(*j.SDPMLineIndex)
		}
		select {
		case t.candidateCh <- cand:
		case <-t.quit:
		}
	})

	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		t.log.Debug("connection state", "state", s.String())
		if fn := t.stateSink(); fn != nil {
			fn(mapPionState(s))
		}
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		t.log.Debug("remote track", "kind", track.Kind().String(), "id", track.ID())
		if fn := t.trackSink(); fn != nil {
			fn(RemoteTrack{ID: track.ID(), Kind: track.Kind().String()})
		}
	})

	go t.pumpCandidates()
	return t, nil
}

// pumpCandidates forwards locally discovered candidates to the registered
// sink on the pump's own goroutine, so sinks never run on Pion's internal
// threads and the pump can be shut down without tearing a goroutine down
// from outside.
func (t *PionTransport) pumpCandidates() {
	defer close(t.pumpDone)
	for {
		select {
		case <-t.quit:
			return
		case c := <-t.candidateCh:
			if fn := t.candSink(); fn != nil {
				fn(c)
			}
		}
	}
}

func (t *PionTransport) CreateOffer(ctx context.Context) (signal.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("media: create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return signal.Description{}, fmt.Errorf("media: set local offer: %w", err)
	}
	return signal.Description{Type: signal.DescriptionOffer, SDP: offer.SDP}, nil
}

func (t *PionTransport) CreateAnswer(ctx context.Context) (signal.Description, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("media: create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return signal.Description{}, fmt.Errorf("media: set local answer: %w", err)
	}
	return signal.Description{Type: signal.DescriptionAnswer, SDP: answer.SDP}, nil
}

func (t *PionTransport) SetRemoteDescription(_ context.Context, d signal.Description) error {
	var sdpType pion.SDPType
	switch d.Type {
	case signal.DescriptionOffer:
		sdpType = pion.SDPTypeOffer
	case signal.DescriptionAnswer:
		sdpType = pion.SDPTypeAnswer
	default:
		return fmt.Errorf("media: unsupported description type %q", d.Type)
	}
	if err := t.pc.SetRemoteDescription(pion.SessionDescription{Type: sdpType, SDP: d.SDP}); err != nil {
		return fmt.Errorf("media: set remote description: %w", err)
	}
	t.remoteOnce.Do(func() { close(t.remoteDescSet) })
	return nil
}

// AddCandidate applies a remote candidate once the remote description is in
// place. Candidates that arrive first wait; the protocol tolerates the
// resulting late application.
func (t *PionTransport) AddCandidate(c signal.Candidate) error {
	select {
	case <-t.remoteDescSet:
	case <-t.quit:
		return nil
	}
	mLine := uint16(c.MLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &c.Mid,
		SDPMLineIndex: &mLine,
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("media: add ice candidate: %w", err)
	}
	return nil
}

func (t *PionTransport) OnCandidate(fn func(signal.Candidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCand = fn
}

func (t *PionTransport) OnConnectionState(fn func(ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *PionTransport) OnRemoteTrack(fn func(RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

// Close releases transport resources in fixed order, each step guarded so a
// failing step never skips the ones after it: stop sending media, retire the
// candidate pump on its own goroutine, then close the peer connection.
func (t *PionTransport) Close() error {
	t.closeOnce.Do(func() {
		for _, sender := range t.pc.GetSenders() {
			if err := sender.Stop(); err != nil {
				t.log.Warn("stopping sender failed", "err", err)
			}
		}

		close(t.quit)
		<-t.pumpDone

		if err := t.pc.Close(); err != nil {
			t.log.Warn("closing peer connection failed", "err", err)
			t.closeErr = err
		}
	})
	return t.closeErr
}

func (t *PionTransport) candSink() func(signal.Candidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onCand
}

func (t *PionTransport) stateSink() func(ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onState
}

func (t *PionTransport) trackSink() func(RemoteTrack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onTrack
}

func mapPionState(s pion.PeerConnectionState) ConnectionState {
	switch s {
	case pion.PeerConnectionStateNew:
		return StateNew
	case pion.PeerConnectionStateConnecting:
		return StateConnecting
	case pion.PeerConnectionStateConnected:
		return StateConnected
	case pion.PeerConnectionStateDisconnected:
		return StateDisconnected
	case pion.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}
