// Package conn keeps one room channel alive: it dials, reconnects with
// bounded exponential backoff and buffers outbound frames while the
// transport is down.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateNoAuth       State = "no_auth"
	// StateRoomDeleted is terminal: the room no longer exists on the server.
	StateRoomDeleted  State = "room_deleted"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRoomDeleted  = errors.New("room deleted")
)

// Transport is one live socket. ReadMessage blocks until a frame arrives or
// the socket fails.
type Transport interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, roomId string, token string) (Transport, error)
}

type Options struct {
	RoomId        string
	Token         string
	Clock         clock.Clock
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	FlushDelay    time.Duration
	QueueCapacity int

	// OnMessage receives inbound frames one at a time, in arrival order.
	OnMessage     func(frame []byte)
	OnStateChange func(state State)
	// OnDrop receives payloads that were abandoned by the queue.
	OnDrop func(payload []byte)
}

type Conn struct {
	dialer Dialer
	opts   Options
	clock  clock.Clock

	mu         sync.Mutex
	state      State
	token      string
	attempts   int
	gen        uint64
	transport  Transport
	queue      *Queue
	retryTimer *clock.Timer
	flushTimer *clock.Timer
	cancelDial context.CancelFunc
	closed     bool

	writeMu sync.Mutex
}

func New(dialer Dialer, opts Options) *Conn {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = DefaultFlushDelay
	}

	return &Conn{
		dialer: dialer,
		opts:   opts,
		clock:  opts.Clock,
		state:  StateDisconnected,
		token:  opts.Token,
		queue:  NewQueue(opts.QueueCapacity),
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Queued returns a copy of the pending outbound payloads, oldest first.
func (c *Conn) Queued() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.queue.Items()
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = item.Payload
	}
	return out
}

// SetToken replaces the credential used by the next Connect.
func (c *Conn) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Connect opens the transport unless one is already open or being opened.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.closed || c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}

	if c.opts.RoomId == "" {
		c.state = StateError
		c.mu.Unlock()
		log.Warn().Msg("Connect called without a room id")
		c.notify(StateError)
		return
	}
	if c.token == "" {
		c.state = StateNoAuth
		c.mu.Unlock()
		c.notify(StateNoAuth)
		return
	}

	c.stopTimersLocked()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.state = StateConnecting
	roomId, token := c.opts.RoomId, c.token
	c.mu.Unlock()

	c.notify(StateConnecting)
	go c.dial(ctx, gen, roomId, token)
}

func (c *Conn) dial(ctx context.Context, gen uint64, roomId string, token string) {
	t, err := c.dialer.Dial(ctx, roomId, token)
	if err != nil {
		c.handleClose(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		t.Close()
		return
	}
	c.transport = t
	c.state = StateConnected
	c.attempts = 0
	c.armFlushLocked(gen)
	c.mu.Unlock()

	log.Debug().Str("room", roomId).Msg("Room channel connected")
	c.notify(StateConnected)
	go c.readLoop(gen, t)
}

func (c *Conn) readLoop(gen uint64, t Transport) {
	for {
		frame, err := t.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		if !c.isCurrent(gen) {
			return
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(frame)
		}
	}
}

func (c *Conn) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.closed
}

func (c *Conn) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}

	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}

	states := []State{StateDisconnected}
	var dropped []Item

	switch {
	case errors.Is(cause, ErrUnauthorized):
		c.state = StateNoAuth
		states = append(states, StateNoAuth)
		log.Warn().Err(cause).Str("room", c.opts.RoomId).Msg("Room channel rejected credentials")

	case errors.Is(cause, ErrRoomDeleted):
		c.state = StateRoomDeleted
		states = append(states, StateRoomDeleted)
		dropped = c.queue.Drain()
		log.Info().Str("room", c.opts.RoomId).Msg("Room was deleted")

	case c.attempts < c.opts.MaxAttempts:
		delay := Backoff(c.attempts, c.opts.BaseDelay, c.opts.MaxDelay)
		c.attempts++
		c.state = StateReconnecting
		states = append(states, StateReconnecting)
		c.retryTimer = c.clock.AfterFunc(delay, func() { c.retry(gen) })
		log.Info().Err(cause).Int("attempt", c.attempts).Dur("delay", delay).Msg("Room channel closed, reconnecting")

	default:
		c.state = StateError
		states = append(states, StateError)
		dropped = c.queue.Drain()
		log.Error().Err(cause).Int("attempts", c.attempts).Msg("Room channel gave up reconnecting")
	}
	c.mu.Unlock()

	c.notify(states...)
	c.reportDrops(dropped)
}

func (c *Conn) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.mu.Unlock()

	c.Connect()
}

// Send writes payload now if possible, otherwise queues it. Items already
// queued always go out before payload.
func (c *Conn) Send(payload []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if c.state == StateConnected && c.transport != nil && c.queue.Len() == 0 {
		t := c.transport
		c.mu.Unlock()

		err := c.write(t, payload)
		if err == nil {
			return
		}
		log.Debug().Err(err).Msg("Send failed, queueing")

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
	}

	dropped, ok := c.queue.Push(Item{Payload: payload, Enqueued: c.clock.Now()})
	if c.state == StateConnected && c.transport != nil && c.flushTimer == nil {
		c.armFlushLocked(c.gen)
	}
	c.mu.Unlock()

	if ok {
		c.reportDrops([]Item{dropped})
	}
}

func (c *Conn) flush(gen uint64) {
	for {
		c.mu.Lock()
		if gen != c.gen || c.closed || c.transport == nil {
			c.mu.Unlock()
			return
		}
		item, ok := c.queue.Peek()
		if !ok {
			c.flushTimer = nil
			c.mu.Unlock()
			return
		}
		t := c.transport
		c.mu.Unlock()

		if err := c.write(t, item.Payload); err != nil {
			log.Warn().Err(err).Msg("Flush stopped at first failed send")
			// The socket may still be up; try again after another grace delay
			c.mu.Lock()
			if gen == c.gen && !c.closed && c.transport == t {
				c.armFlushLocked(gen)
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.queue.popIf(item.id)
		c.mu.Unlock()
	}
}

func (c *Conn) armFlushLocked(gen uint64) {
	c.flushTimer = c.clock.AfterFunc(c.opts.FlushDelay, func() { c.flush(gen) })
}

func (c *Conn) write(t Transport, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return t.WriteMessage(payload)
}

// ManualReconnect starts over with a fresh attempt budget, replacing any
// live socket and any pending retry.
func (c *Conn) ManualReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.stopTimersLocked()
	c.gen++
	t := c.transport
	c.transport = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	c.notify(StateDisconnected)
	c.Connect()
}

// Close tears the connection down for good: timers are cancelled, the socket
// is closed and queued payloads are discarded.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimersLocked()
	c.gen++
	t := c.transport
	c.transport = nil
	c.queue.Drain()
	c.state = StateDisconnected
	c.mu.Unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

func (c *Conn) stopTimersLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
}

func (c *Conn) notify(states ...State) {
	if c.opts.OnStateChange == nil {
		return
	}
	for _, s := range states {
		c.opts.OnStateChange(s)
	}
}

func (c *Conn) reportDrops(items []Item) {
	if c.opts.OnDrop == nil {
		return
	}
	for _, item := range items {
		c.opts.OnDrop(item.Payload)
	}
}
