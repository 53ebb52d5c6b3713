package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/metrics"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/protocol"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Snapshots are the largest frames.
	maxMessageSize = 512 * 1024

	// Rate limiting: 100 messages per second with a burst of 200
	messagesPerSecond = 100
	burstLimit        = 200

	sendBufferSize = 256
)

// Close frames written when the hub ends a session.
var (
	closeRoomDeleted = websocket.FormatCloseMessage(protocol.CloseRoomDeleted, "Room deleted")
	closeLoadFailed  = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Failed to load room")
)

type MessageHandler func(client *Client, messageBytes []byte)

func NewClient(hub *Hub, conn *websocket.Conn, user models.User, roomId string, handler MessageHandler) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		user:    user,
		roomId:  roomId,
		handler: handler,
		Send:    make(chan []byte, sendBufferSize),
		joined:  make(chan error, 1),
		limiter: rate.NewLimiter(rate.Limit(messagesPerSecond), burstLimit),
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	user    models.User
	roomId  string
	handler MessageHandler
	Send    chan []byte // Buffered channel of outbound messages.
	joined  chan error
	limiter *rate.Limiter

	// Owned by the read pump
	inCall bool
	tool   string

	// Written by the hub before it closes Send
	closeReason []byte
}

func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.CloseCh <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user", c.user.Id).Msg("WS close error")
			}
			break
		}

		if !c.limiter.Allow() {
			log.Warn().Str("user", c.user.Id).Str("room", c.roomId).Msg("Closing connection: message rate limit exceeded")
			metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
			break
		}

		c.handler(c, messageBytes)
	}
}

func (c *Client) WritePump(shutdownCtx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				reason := c.closeReason
				if reason == nil {
					reason = []byte{}
				}
				c.conn.WriteMessage(websocket.CloseMessage, reason)
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("user", c.user.Id).Msg("WS send error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-shutdownCtx.Done():
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Websocket service shutting down"),
			)
			return
		}
	}
}
