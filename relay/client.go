package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Desco-devs/fleet-realtime/broadcast"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Per-client outbound buffer before a slow consumer is dropped.
	sendBuffer = 64
)

type client struct {
	conn     *websocket.Conn
	identity Identity
	hub      *Hub
	out      chan *broadcast.Packet
	done     chan struct{}
	once     sync.Once
}

func newClient(conn *websocket.Conn, identity Identity, hub *Hub) *client {
	return &client{
		conn:     conn,
		identity: identity,
		hub:      hub,
		out:      make(chan *broadcast.Packet, sendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *client) readLoop() {
	defer func() {
		c.hub.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		mt, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug(fmt.Sprintf("expected close: %v", err))
			} else {
				c.hub.logger.Error(fmt.Sprintf("NextReader: %v", err))
			}
			return
		}

		packet, err := broadcast.DecodePacket(mt, r)
		if err != nil {
			c.hub.logger.Error(fmt.Sprintf("DecodePacket: %v", err))
			continue
		}

		switch packet.Type {
		case broadcast.PacketSubscribe:
			c.hub.subscribe(c, packet.Channel)
		case broadcast.PacketUnsubscribe:
			c.hub.unsubscribe(c, packet.Channel)
		case broadcast.PacketPublish:
			c.hub.Publish(packet.Channel, packet.Event, packet.Payload)
		default:
			c.hub.logger.Debug(fmt.Sprintf("unknown packet type %q", packet.Type))
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case packet := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := broadcast.EncodePacket(c.conn.NextWriter, packet); err != nil {
				c.hub.logger.Error(fmt.Sprintf("EncodePacket: %v", err))
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Error(fmt.Sprintf("WritePing: %v", err))
				return
			}
		}
	}
}
