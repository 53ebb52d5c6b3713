// Package pion adapts pion/webrtc peer connections to the call relay.
package pion

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/call"
)

// Factory creates receive-only peer connections for headless clients.
type Factory struct {
	STUNServers []string
}

func (f *Factory) NewPeer(peerId string, hooks call.PeerHooks) (call.PeerConnection, error) {
	var cfg webrtc.Configuration
	if len(f.STUNServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: f.STUNServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnCandidate == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Warn().Err(err).Str("peer", peerId).Msg("Failed to encode ICE candidate")
			return
		}
		hooks.OnCandidate(data)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("peer", peerId).Str("state", state.String()).Msg("Peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if hooks.OnConnected != nil {
				hooks.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if hooks.OnFailed != nil {
				hooks.OnFailed()
			}
		}
	})

	// Nobody renders remote media here; drain tracks so the receive buffers
	// do not fill.
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("peer", peerId).Str("kind", track.Kind().String()).Msg("Receiving remote track")
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	return &peer{pc: pc}, nil
}

type peer struct {
	pc *webrtc.PeerConnection
}

func (p *peer) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(p.pc.LocalDescription())
}

func (p *peer) CreateAnswer() (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(p.pc.LocalDescription())
}

func (p *peer) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("parse session description: %w", err)
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *peer) AddICECandidate(candidate json.RawMessage) error {
	var ice webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &ice); err != nil {
		return fmt.Errorf("parse ICE candidate: %w", err)
	}
	return p.pc.AddICECandidate(ice)
}

func (p *peer) Close() error {
	return p.pc.Close()
}
