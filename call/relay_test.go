package call

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/sketchroom/protocol"
)

type fakePeer struct {
	mu         sync.Mutex
	remote     json.RawMessage
	candidates []string
	closed     bool
	addErr     error
}

func (p *fakePeer) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"o"}`), nil
}

func (p *fakePeer) CreateAnswer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"a"}`), nil
}

func (p *fakePeer) SetRemoteDescription(desc json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = desc
	return nil
}

func (p *fakePeer) AddICECandidate(c json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, string(c))
	return p.addErr
}

func (p *fakePeer) Close() error {
	p.closed = true
	return nil
}

type fakeFactory struct {
	peers map[string]*fakePeer
	hooks map[string]PeerHooks
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{peers: map[string]*fakePeer{}, hooks: map[string]PeerHooks{}}
}

func (f *fakeFactory) NewPeer(peerId string, hooks PeerHooks) (PeerConnection, error) {
	p := &fakePeer{}
	f.peers[peerId] = p
	f.hooks[peerId] = hooks
	return p, nil
}

type fakeMedia struct {
	err      error
	acquired int
	released int
}

func (m *fakeMedia) Acquire() error {
	if m.err != nil {
		return m.err
	}
	m.acquired++
	return nil
}

func (m *fakeMedia) Release() error {
	m.released++
	return nil
}

type outbox struct {
	sent []protocol.Signal
}

func (o *outbox) send(s protocol.Signal) { o.sent = append(o.sent, s) }

func (o *outbox) types() []string {
	out := make([]string, len(o.sent))
	for i, s := range o.sent {
		out[i] = s.Type
	}
	return out
}

func newTestRelay(media MediaSource) (*Relay, *fakeFactory, *outbox) {
	f := newFakeFactory()
	out := &outbox{}
	r := NewRelay(Options{
		Self:     "alice",
		Username: "Alice",
		RoomId:   "room1",
		Factory:  f,
		Media:    media,
		Send:     out.send,
	})
	return r, f, out
}

func TestStartInvite_SendsInviteThenJoin(t *testing.T) {
	media := &fakeMedia{}
	r, _, out := newTestRelay(media)

	require.NoError(t, r.StartInvite())

	assert.True(t, r.InCall())
	assert.Equal(t, []string{protocol.TypeStartInvite, protocol.TypeJoin}, out.types())
	assert.Equal(t, "Alice", out.sent[0].Inviter)
	assert.Equal(t, "alice", out.sent[1].From)
	assert.Equal(t, "room1", out.sent[1].RoomId)
	assert.Equal(t, 1, media.acquired)
}

func TestStartInvite_MediaDenied(t *testing.T) {
	var notices []string
	out := &outbox{}
	r := NewRelay(Options{
		Self:     "alice",
		Factory:  newFakeFactory(),
		Media:    &fakeMedia{err: errors.New("permission denied")},
		Send:     out.send,
		OnNotice: func(m string) { notices = append(notices, m) },
	})

	err := r.StartInvite()

	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.False(t, r.InCall())
	assert.Empty(t, out.sent)
	assert.Len(t, notices, 1)
}

func TestInvitation_RecordedWhenNotInCall(t *testing.T) {
	r, _, out := newTestRelay(&fakeMedia{})

	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeStartInvite, From: "bob", Inviter: "Bob"}))
	inv, ok := r.Invitation()
	require.True(t, ok)
	assert.Equal(t, "Bob", inv.Inviter)

	require.NoError(t, r.AcceptInvite())
	_, ok = r.Invitation()
	assert.False(t, ok)
	assert.Equal(t, []string{protocol.TypeJoin}, out.types())
}

func TestJoin_InCallSendsOffer(t *testing.T) {
	r, f, out := newTestRelay(&fakeMedia{})
	require.NoError(t, r.StartInvite())
	out.sent = nil

	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeJoin, From: "bob", Username: "Bob"}))

	require.Len(t, out.sent, 1)
	assert.Equal(t, protocol.TypeOffer, out.sent[0].Type)
	assert.Equal(t, "bob", out.sent[0].To)
	assert.NotNil(t, f.peers["bob"])

	link, ok := r.Link("bob")
	require.True(t, ok)
	assert.Equal(t, LinkOffered, link.State)
}

func TestJoin_IgnoredWhenNotInCall(t *testing.T) {
	r, f, out := newTestRelay(&fakeMedia{})

	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeJoin, From: "bob"}))

	assert.Empty(t, out.sent)
	assert.Empty(t, f.peers)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	r, f, out := newTestRelay(&fakeMedia{})
	require.NoError(t, r.StartInvite())

	// Candidates race ahead of the offer
	for _, c := range []string{`"c1"`, `"c2"`, `"c3"`} {
		require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeCandidate, From: "bob", To: "alice", Candidate: json.RawMessage(c)}))
	}
	link, _ := r.Link("bob")
	assert.Equal(t, 3, link.PendingCandidates())
	assert.Empty(t, f.peers["bob"].candidates)

	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeOffer, From: "bob", To: "alice", Offer: json.RawMessage(`{"sdp":"x"}`)}))

	assert.Equal(t, []string{`"c1"`, `"c2"`, `"c3"`}, f.peers["bob"].candidates)
	link, _ = r.Link("bob")
	assert.Equal(t, 0, link.PendingCandidates())
	assert.True(t, link.HasRemoteDescription())
	assert.Equal(t, LinkAnswered, link.State)
	assert.Equal(t, protocol.TypeAnswer, out.sent[len(out.sent)-1].Type)

	// Later candidates apply directly, exactly once
	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeCandidate, From: "bob", To: "alice", Candidate: json.RawMessage(`"c4"`)}))
	assert.Equal(t, []string{`"c1"`, `"c2"`, `"c3"`, `"c4"`}, f.peers["bob"].candidates)
}

func TestOffer_AutoJoins(t *testing.T) {
	media := &fakeMedia{}
	r, _, out := newTestRelay(media)

	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeOffer, From: "bob", To: "alice", Offer: json.RawMessage(`{}`)}))

	assert.True(t, r.InCall())
	assert.Equal(t, 1, media.acquired)
	assert.Equal(t, []string{protocol.TypeAnswer}, out.types())
}

func TestSignalsForOthersIgnored(t *testing.T) {
	r, f, out := newTestRelay(&fakeMedia{})
	require.NoError(t, r.StartInvite())
	out.sent = nil

	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeOffer, From: "bob", To: "carol", Offer: json.RawMessage(`{}`)}))
	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeJoin, From: "alice"}))

	assert.Empty(t, out.sent)
	assert.Empty(t, f.peers)
}

func TestAnswer_UnknownPeer(t *testing.T) {
	r, _, _ := newTestRelay(&fakeMedia{})
	require.NoError(t, r.StartInvite())

	err := r.Handle(protocol.Signal{Type: protocol.TypeAnswer, From: "bob", To: "alice", Answer: json.RawMessage(`{}`)})

	var se *SignalError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "bob", se.Peer)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestAnswer_FlushesBufferedCandidates(t *testing.T) {
	r, f, _ := newTestRelay(&fakeMedia{})
	require.NoError(t, r.StartInvite())
	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeJoin, From: "bob"}))
	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeCandidate, From: "bob", To: "alice", Candidate: json.RawMessage(`"c1"`)}))

	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeAnswer, From: "bob", To: "alice", Answer: json.RawMessage(`{}`)}))

	assert.Equal(t, []string{`"c1"`}, f.peers["bob"].candidates)
	link, _ := r.Link("bob")
	assert.Equal(t, LinkAnswered, link.State)

	f.hooks["bob"].OnConnected()
	link, _ = r.Link("bob")
	assert.Equal(t, LinkConnected, link.State)
}

func TestLeave_ClosesLinkAndDiscardsBuffer(t *testing.T) {
	r, f, _ := newTestRelay(&fakeMedia{})
	require.NoError(t, r.StartInvite())
	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeCandidate, From: "bob", To: "alice", Candidate: json.RawMessage(`"c1"`)}))

	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeLeave, From: "bob"}))

	_, ok := r.Link("bob")
	assert.False(t, ok)
	assert.True(t, f.peers["bob"].closed)
	assert.Empty(t, f.peers["bob"].candidates)
}

func TestLocalLeave_TearsDownEverything(t *testing.T) {
	media := &fakeMedia{}
	r, f, out := newTestRelay(media)
	require.NoError(t, r.StartInvite())
	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeJoin, From: "bob"}))
	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeJoin, From: "carol"}))
	assert.Equal(t, []string{"bob", "carol"}, r.Peers())

	require.NoError(t, r.Leave())

	assert.Equal(t, protocol.TypeLeave, out.sent[len(out.sent)-1].Type)
	assert.Empty(t, r.Peers())
	assert.True(t, f.peers["bob"].closed)
	assert.True(t, f.peers["carol"].closed)
	assert.Equal(t, 1, media.released)
	assert.False(t, r.InCall())
}

func TestMaxPeers(t *testing.T) {
	f := newFakeFactory()
	r := NewRelay(Options{Self: "alice", Factory: f, MaxPeers: 1, Send: func(protocol.Signal) {}})
	require.NoError(t, r.StartInvite())

	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeJoin, From: "bob"}))
	err := r.Handle(protocol.Signal{Type: protocol.TypeJoin, From: "carol"})

	assert.ErrorIs(t, err, ErrMeshFull)
	assert.Equal(t, []string{"bob"}, r.Peers())
}

func TestLocalCandidatesRelayed(t *testing.T) {
	r, f, out := newTestRelay(&fakeMedia{})
	require.NoError(t, r.StartInvite())
	require.NoError(t, r.Handle(protocol.Signal{Type: protocol.TypeJoin, From: "bob"}))
	out.sent = nil

	f.hooks["bob"].OnCandidate(json.RawMessage(`{"candidate":"x"}`))

	require.Len(t, out.sent, 1)
	assert.Equal(t, protocol.TypeCandidate, out.sent[0].Type)
	assert.Equal(t, "bob", out.sent[0].To)
	assert.Equal(t, "alice", out.sent[0].From)
}
