package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/cache"
	"github.com/zlnvch/sketchroom/metrics"
	"github.com/zlnvch/sketchroom/service"
)

const maxConnectionsPerUser = 3

var (
	ErrTooManyConnections = errors.New("too many connections")
	ErrHubStopped         = errors.New("hub stopped")
)

// delivery is one room event received from the pub/sub channel.
type delivery struct {
	roomId string
	event  service.RoomEvent
}

// reply is a frame for a single session.
type reply struct {
	client  *Client
	payload []byte
}

type kick struct {
	client *Client
	reason []byte
}

// Hub maintains the set of active clients and fans room events out to them.
// Every map is owned by the Run goroutine.
type Hub struct {
	roomCache              cache.RoomCache
	OpenCh                 chan *Client
	CloseCh                chan *Client
	ReplyCh                chan reply
	KickCh                 chan kick
	deliverCh              chan delivery
	done                   chan struct{}
	userToClients          map[string]map[*Client]struct{}
	roomToClients          map[string]map[*Client]struct{}
	roomToSubscriberCancel map[string]context.CancelFunc
}

func NewHub(roomCache cache.RoomCache) *Hub {
	return &Hub{
		roomCache:              roomCache,
		OpenCh:                 make(chan *Client, 256),
		CloseCh:                make(chan *Client, 256),
		ReplyCh:                make(chan reply, 1024),
		KickCh:                 make(chan kick, 64),
		deliverCh:              make(chan delivery, 1024),
		done:                   make(chan struct{}),
		userToClients:          make(map[string]map[*Client]struct{}),
		roomToClients:          make(map[string]map[*Client]struct{}),
		roomToSubscriberCancel: make(map[string]context.CancelFunc),
	}
}

func (h *Hub) Run(shutdownCtx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.OpenCh:
			client.joined <- h.register(shutdownCtx, client)

		case client := <-h.CloseCh:
			h.unregister(client)

		case r := <-h.ReplyCh:
			if h.isRegistered(r.client) {
				h.send(r.client, r.payload)
			}

		case k := <-h.KickCh:
			if h.isRegistered(k.client) {
				k.client.closeReason = k.reason
				h.unregister(k.client)
			}

		case d := <-h.deliverCh:
			h.deliver(d)

		case <-shutdownCtx.Done():
			for room, cancel := range h.roomToSubscriberCancel {
				cancel()
				delete(h.roomToSubscriberCancel, room)
			}
			return
		}
	}
}

// Join registers the client with its room. The room channel is subscribed
// before Join returns, so anything published afterwards reaches the client.
func (h *Hub) Join(ctx context.Context, client *Client) error {
	select {
	case h.OpenCh <- client:
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-client.joined:
		return err
	case <-h.done:
		return ErrHubStopped
	}
}

// Reply queues a frame for one client. Frames for clients that already left
// are discarded.
func (h *Hub) Reply(client *Client, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal reply")
		return
	}
	select {
	case h.ReplyCh <- reply{client: client, payload: payload}:
	case <-h.done:
	}
}

// Kick ends one session with the given close frame.
func (h *Hub) Kick(client *Client, reason []byte) {
	select {
	case h.KickCh <- kick{client: client, reason: reason}:
	case <-h.done:
	}
}

func (h *Hub) register(shutdownCtx context.Context, client *Client) error {
	userId := client.user.Id
	if len(h.userToClients[userId]) >= maxConnectionsPerUser {
		log.Warn().Str("user", userId).Int("max", maxConnectionsPerUser).Msg("User reached max connections")
		return ErrTooManyConnections
	}

	if h.roomToClients[client.roomId] == nil {
		log.Debug().Str("room", client.roomId).Msg("Subscriber does not exist, creating")

		ctx, cancel := context.WithCancel(shutdownCtx)
		roomId := client.roomId
		channel := service.RoomChannel(roomId)

		err := h.roomCache.Subscribe(ctx, channel, func(message []byte) {
			var event service.RoomEvent
			if err := json.Unmarshal(message, &event); err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("Dropping malformed room event")
				return
			}
			select {
			case h.deliverCh <- delivery{roomId: roomId, event: event}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			cancel()
			log.Error().Err(err).Str("channel", channel).Msg("Failed to create redis sub")
			return err
		}

		h.roomToClients[roomId] = make(map[*Client]struct{})
		h.roomToSubscriberCancel[roomId] = cancel
		metrics.ActiveRooms.Inc()
	}

	if h.userToClients[userId] == nil {
		h.userToClients[userId] = make(map[*Client]struct{})
	}
	h.userToClients[userId][client] = struct{}{}
	h.roomToClients[client.roomId][client] = struct{}{}
	metrics.ConnectedClients.Inc()

	return nil
}

func (h *Hub) isRegistered(client *Client) bool {
	_, ok := h.roomToClients[client.roomId][client]
	return ok
}

// unregister removes the client and closes its send channel, which makes the
// write pump close the connection. It is safe to call more than once.
func (h *Hub) unregister(client *Client) {
	if !h.isRegistered(client) {
		return
	}

	close(client.Send)

	delete(h.roomToClients[client.roomId], client)
	if len(h.roomToClients[client.roomId]) == 0 {
		if cancel, ok := h.roomToSubscriberCancel[client.roomId]; ok {
			cancel()
			delete(h.roomToSubscriberCancel, client.roomId)
		}
		delete(h.roomToClients, client.roomId)
		metrics.ActiveRooms.Dec()
	}

	delete(h.userToClients[client.user.Id], client)
	if len(h.userToClients[client.user.Id]) == 0 {
		delete(h.userToClients, client.user.Id)
	}
	metrics.ConnectedClients.Dec()
}

// send never blocks the hub. A client that cannot keep up is disconnected
// and recovers its state with a fresh init on reconnect.
func (h *Hub) send(client *Client, payload []byte) {
	select {
	case client.Send <- payload:
	default:
		log.Warn().Str("user", client.user.Id).Str("room", client.roomId).Msg("Send buffer full, dropping client")
		metrics.FramesDropped.WithLabelValues("slow_consumer").Inc()
		h.unregister(client)
	}
}

func (h *Hub) deliver(d delivery) {
	clients := h.roomToClients[d.roomId]
	for client := range clients {
		if d.event.To != "" && client.user.Id != d.event.To {
			continue
		}
		if d.event.Except != "" && client.user.Id == d.event.Except {
			continue
		}
		h.send(client, d.event.Payload)
	}

	if d.event.Close {
		for client := range h.roomToClients[d.roomId] {
			client.closeReason = closeRoomDeleted
			h.unregister(client)
		}
	}
}
