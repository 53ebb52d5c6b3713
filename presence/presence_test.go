package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsConflict_Boundary(t *testing.T) {
	tr := NewTracker("me")
	tr.Update(Cursor{UserId: "bob", X: 100, Y: 100})

	assert.True(t, tr.IsConflict(144, 144))
	assert.True(t, tr.IsConflict(56, 100))
	assert.False(t, tr.IsConflict(145, 100))
	assert.False(t, tr.IsConflict(100, 55))
	assert.False(t, tr.IsConflict(144, 145))
}

func TestTracker_IgnoresSelf(t *testing.T) {
	tr := NewTracker("me")
	tr.Update(Cursor{UserId: "me", X: 10, Y: 10})

	assert.False(t, tr.IsConflict(10, 10))
	assert.Empty(t, tr.Peers())
}

func TestTracker_RemoveClearsConflict(t *testing.T) {
	tr := NewTracker("me")
	tr.Update(Cursor{UserId: "bob", Name: "Bob", X: 10, Y: 10, Tool: "brush"})
	tr.Update(Cursor{UserId: "amy", Name: "Amy", X: 500, Y: 500})

	peers := tr.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "amy", peers[0].UserId)
	assert.Equal(t, "brush", peers[1].Tool)

	tr.Remove("bob")
	assert.False(t, tr.IsConflict(10, 10))
	assert.Len(t, tr.Peers(), 1)
}

func TestTracker_LastWriteWins(t *testing.T) {
	tr := NewTracker("me")
	tr.Update(Cursor{UserId: "bob", X: 10, Y: 10})
	tr.Update(Cursor{UserId: "bob", X: 400, Y: 400})

	assert.False(t, tr.IsConflict(10, 10))
	assert.True(t, tr.IsConflict(400, 400))
}

type positions struct {
	mu  sync.Mutex
	got []Position
}

func (p *positions) emit(pos Position) {
	p.mu.Lock()
	p.got = append(p.got, pos)
	p.mu.Unlock()
}

func (p *positions) All() []Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Position(nil), p.got...)
}

func TestThrottle_CoalescesWithinWindow(t *testing.T) {
	clk := clock.NewMock()
	out := &positions{}
	th := NewThrottle(clk, DefaultInterval, out.emit)
	defer th.Stop()

	th.Move(Position{X: 1})
	th.Move(Position{X: 2})
	th.Move(Position{X: 3})

	// Leading edge goes out immediately
	assert.Equal(t, []Position{{X: 1}}, out.All())

	clk.Add(DefaultInterval)
	require.Eventually(t, func() bool { return len(out.All()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, Position{X: 3}, out.All()[1])
}

func TestThrottle_SpacedMovesAllSent(t *testing.T) {
	clk := clock.NewMock()
	out := &positions{}
	th := NewThrottle(clk, DefaultInterval, out.emit)
	defer th.Stop()

	for i := 0; i < 3; i++ {
		th.Move(Position{X: float64(i)})
		clk.Add(DefaultInterval)
	}

	assert.Len(t, out.All(), 3)
}

func TestThrottle_StopCancelsTrailingSend(t *testing.T) {
	clk := clock.NewMock()
	out := &positions{}
	th := NewThrottle(clk, DefaultInterval, out.emit)

	th.Move(Position{X: 1})
	th.Move(Position{X: 2})
	th.Stop()

	clk.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, out.All(), 1)

	th.Move(Position{X: 3})
	assert.Len(t, out.All(), 1)
}
