// Package call relays peer-to-peer call signaling over the room channel.
//
// Every participant keeps one PeerLink per remote participant (full mesh), so
// a call with n members holds n(n-1)/2 links in total. MaxPeers bounds the
// links a single client will open.
package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/protocol"
	"go.uber.org/multierr"
)

const DefaultMaxPeers = 8

var (
	ErrMediaUnavailable = errors.New("camera or microphone unavailable")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrMeshFull         = errors.New("call is full")
)

// SignalError reports a failed signaling step on one link.
type SignalError struct {
	Op   string
	Peer string
	Err  error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("call %s with %s: %v", e.Op, e.Peer, e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }

type LinkState string

const (
	LinkNone      LinkState = "none"
	LinkOffered   LinkState = "offered"
	LinkAnswered  LinkState = "answered"
	LinkConnected LinkState = "connected"
	LinkClosed    LinkState = "closed"
)

// PeerConnection is the part of a WebRTC peer connection the relay drives.
// Descriptions and candidates are opaque JSON.
type PeerConnection interface {
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	Close() error
}

type PeerHooks struct {
	OnCandidate func(candidate json.RawMessage)
	OnConnected func()
	OnFailed    func()
}

type PeerFactory interface {
	NewPeer(peerId string, hooks PeerHooks) (PeerConnection, error)
}

// MediaSource hands out local camera and microphone capture.
type MediaSource interface {
	Acquire() error
	Release() error
}

// ReceiveOnly is a MediaSource for clients that never publish media.
type ReceiveOnly struct{}

func (ReceiveOnly) Acquire() error { return nil }
func (ReceiveOnly) Release() error { return nil }

type PeerLink struct {
	PeerId string
	State  LinkState

	pc                PeerConnection
	hasRemote         bool
	pendingCandidates []json.RawMessage
}

// Invitation is a call started by someone else that we have not joined yet.
type Invitation struct {
	From    string
	Inviter string
}

type Options struct {
	Self     string
	Username string
	RoomId   string
	Factory  PeerFactory
	Media    MediaSource
	MaxPeers int

	Send     func(protocol.Signal)
	OnNotice func(message string)
	OnInvite func(Invitation)
}

type Relay struct {
	opts Options

	mu         sync.Mutex
	inCall     bool
	invitation *Invitation
	links      map[string]*PeerLink
}

func NewRelay(opts Options) *Relay {
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = DefaultMaxPeers
	}
	if opts.Media == nil {
		opts.Media = ReceiveOnly{}
	}
	return &Relay{opts: opts, links: make(map[string]*PeerLink)}
}

func (r *Relay) InCall() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inCall
}

func (r *Relay) Invitation() (Invitation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.invitation == nil {
		return Invitation{}, false
	}
	return *r.invitation, true
}

// Link returns a copy of the link state for peerId.
func (r *Relay) Link(peerId string) (PeerLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[peerId]
	if !ok {
		return PeerLink{}, false
	}
	cp := *l
	cp.pendingCandidates = append([]json.RawMessage(nil), l.pendingCandidates...)
	return cp, true
}

// Peers returns the ids of every open link, sorted.
func (r *Relay) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PendingCandidates returns how many candidates wait for peerId's remote
// description.
func (p PeerLink) PendingCandidates() int { return len(p.pendingCandidates) }

func (p PeerLink) HasRemoteDescription() bool { return p.hasRemote }

// StartInvite acquires local media and announces a new call to the room.
func (r *Relay) StartInvite() error {
	if err := r.join(); err != nil {
		return err
	}
	r.send(protocol.Signal{Type: protocol.TypeStartInvite, Inviter: r.opts.Username})
	r.send(protocol.Signal{Type: protocol.TypeJoin, Username: r.opts.Username})
	return nil
}

// AcceptInvite joins the call someone else started.
func (r *Relay) AcceptInvite() error {
	if err := r.join(); err != nil {
		return err
	}
	r.send(protocol.Signal{Type: protocol.TypeJoin, Username: r.opts.Username})
	return nil
}

func (r *Relay) join() error {
	r.mu.Lock()
	if r.inCall {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.opts.Media.Acquire(); err != nil {
		r.notice("Could not access camera or microphone.")
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	r.mu.Lock()
	r.inCall = true
	r.invitation = nil
	r.mu.Unlock()
	return nil
}

// Handle processes one inbound signaling frame.
func (r *Relay) Handle(sig protocol.Signal) error {
	from := sig.Sender()
	if from == "" || from == r.opts.Self {
		return nil
	}
	if sig.To != "" && sig.To != r.opts.Self {
		return nil
	}

	switch sig.Type {
	case protocol.TypeStartInvite:
		return r.handleStartInvite(from, sig)
	case protocol.TypeJoin:
		return r.handleJoin(from)
	case protocol.TypeOffer:
		return r.handleOffer(from, sig.Offer)
	case protocol.TypeAnswer:
		return r.handleAnswer(from, sig.Answer)
	case protocol.TypeCandidate:
		return r.handleCandidate(from, sig.Candidate)
	case protocol.TypeLeave:
		r.RemovePeer(from)
		return nil
	}
	return fmt.Errorf("unexpected signal type %q", sig.Type)
}

func (r *Relay) handleStartInvite(from string, sig protocol.Signal) error {
	r.mu.Lock()
	if r.inCall {
		r.mu.Unlock()
		return nil
	}
	inv := Invitation{From: from, Inviter: sig.Inviter}
	r.invitation = &inv
	r.mu.Unlock()

	if r.opts.OnInvite != nil {
		r.opts.OnInvite(inv)
	}
	return nil
}

func (r *Relay) handleJoin(from string) error {
	r.mu.Lock()
	if !r.inCall {
		r.mu.Unlock()
		return nil
	}
	link, err := r.linkLocked(from)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	offer, err := link.pc.CreateOffer()
	if err != nil {
		r.mu.Unlock()
		return &SignalError{Op: "offer", Peer: from, Err: err}
	}
	link.State = LinkOffered
	r.mu.Unlock()

	r.send(protocol.Signal{Type: protocol.TypeOffer, To: from, Offer: offer})
	return nil
}

func (r *Relay) handleOffer(from string, offer json.RawMessage) error {
	// An offer means someone wants us in the call: join automatically.
	if err := r.join(); err != nil {
		return err
	}

	r.mu.Lock()
	link, err := r.linkLocked(from)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	if err := link.pc.SetRemoteDescription(offer); err != nil {
		r.mu.Unlock()
		return &SignalError{Op: "set offer", Peer: from, Err: err}
	}
	link.hasRemote = true
	link.State = LinkOffered

	answer, err := link.pc.CreateAnswer()
	if err != nil {
		r.mu.Unlock()
		return &SignalError{Op: "answer", Peer: from, Err: err}
	}
	link.State = LinkAnswered
	r.flushLocked(link)
	r.mu.Unlock()

	r.send(protocol.Signal{Type: protocol.TypeAnswer, To: from, Answer: answer})
	return nil
}

func (r *Relay) handleAnswer(from string, answer json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.links[from]
	if !ok {
		return &SignalError{Op: "set answer", Peer: from, Err: ErrUnknownPeer}
	}
	if err := link.pc.SetRemoteDescription(answer); err != nil {
		return &SignalError{Op: "set answer", Peer: from, Err: err}
	}
	link.hasRemote = true
	link.State = LinkAnswered
	r.flushLocked(link)
	return nil
}

func (r *Relay) handleCandidate(from string, candidate json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.inCall {
		return nil
	}
	link, err := r.linkLocked(from)
	if err != nil {
		return err
	}
	if !link.hasRemote {
		link.pendingCandidates = append(link.pendingCandidates, candidate)
		return nil
	}
	if err := link.pc.AddICECandidate(candidate); err != nil {
		log.Warn().Err(err).Str("peer", from).Msg("Failed to add ICE candidate")
	}
	return nil
}

// flushLocked applies buffered candidates once, in arrival order.
func (r *Relay) flushLocked(link *PeerLink) {
	pending := link.pendingCandidates
	link.pendingCandidates = nil
	for _, c := range pending {
		if err := link.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("peer", link.PeerId).Msg("Failed to add buffered ICE candidate")
		}
	}
}

func (r *Relay) linkLocked(peerId string) (*PeerLink, error) {
	if link, ok := r.links[peerId]; ok {
		return link, nil
	}
	if len(r.links) >= r.opts.MaxPeers {
		log.Warn().Str("peer", peerId).Int("max", r.opts.MaxPeers).Msg("Refusing peer, call is full")
		return nil, &SignalError{Op: "link", Peer: peerId, Err: ErrMeshFull}
	}

	pc, err := r.opts.Factory.NewPeer(peerId, PeerHooks{
		OnCandidate: func(c json.RawMessage) {
			r.send(protocol.Signal{Type: protocol.TypeCandidate, To: peerId, Candidate: c})
		},
		OnConnected: func() { r.MarkConnected(peerId) },
		OnFailed: func() {
			log.Warn().Str("peer", peerId).Msg("Peer connection failed")
		},
	})
	if err != nil {
		return nil, &SignalError{Op: "link", Peer: peerId, Err: err}
	}

	link := &PeerLink{PeerId: peerId, State: LinkNone, pc: pc}
	r.links[peerId] = link
	return link, nil
}

// MarkConnected records that the media path to peerId is up.
func (r *Relay) MarkConnected(peerId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if link, ok := r.links[peerId]; ok {
		link.State = LinkConnected
	}
}

// RemovePeer closes and forgets the link to peerId, discarding its buffered
// candidates. Used for webrtc-leave and user_left.
func (r *Relay) RemovePeer(peerId string) {
	r.mu.Lock()
	link, ok := r.links[peerId]
	delete(r.links, peerId)
	r.mu.Unlock()

	if !ok {
		return
	}
	link.State = LinkClosed
	if err := link.pc.Close(); err != nil {
		log.Warn().Err(err).Str("peer", peerId).Msg("Failed to close peer connection")
	}
}

// Leave announces departure and tears down every link.
func (r *Relay) Leave() error {
	r.mu.Lock()
	wasInCall := r.inCall
	r.mu.Unlock()

	if !wasInCall {
		return nil
	}
	r.send(protocol.Signal{Type: protocol.TypeLeave})
	return r.Close()
}

// Close tears down every link and releases media without signaling.
func (r *Relay) Close() error {
	r.mu.Lock()
	links := r.links
	r.links = make(map[string]*PeerLink)
	wasInCall := r.inCall
	r.inCall = false
	r.invitation = nil
	r.mu.Unlock()

	var err error
	for id, link := range links {
		link.State = LinkClosed
		if cerr := link.pc.Close(); cerr != nil {
			err = multierr.Append(err, &SignalError{Op: "close", Peer: id, Err: cerr})
		}
	}
	if wasInCall {
		err = multierr.Append(err, r.opts.Media.Release())
	}
	return err
}

func (r *Relay) send(sig protocol.Signal) {
	sig.RoomId = r.opts.RoomId
	sig.From = r.opts.Self
	if r.opts.Send != nil {
		r.opts.Send(sig)
	}
}

func (r *Relay) notice(msg string) {
	if r.opts.OnNotice != nil {
		r.opts.OnNotice(msg)
	}
}
