package broadcast

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

// Packet is the wire envelope exchanged between a websocket transport and
// the relay. Client-to-relay packets carry subscribe/unsubscribe/publish
// commands; relay-to-client packets carry channel events.
type Packet struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	PacketSubscribe   = "subscribe"
	PacketUnsubscribe = "unsubscribe"
	PacketPublish     = "publish"
	PacketEvent       = "event"
	PacketError       = "error"
)

// DecodePacket decodes a single JSON packet from a websocket text frame.
func DecodePacket(mt int, r io.Reader) (*Packet, error) {
	if mt != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected message type: %d", mt)
	}
	var packet Packet
	if err := json.NewDecoder(r).Decode(&packet); err != nil {
		return nil, fmt.Errorf("json.Decoder.Decode: %w", err)
	}
	return &packet, nil
}

// EncodePacket writes a packet as a websocket text frame using the
// connection's NextWriter.
func EncodePacket(next func(mt int) (io.WriteCloser, error), packet *Packet) error {
	w, err := next(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("NextWriter: %w", err)
	}
	defer w.Close()

	if err := json.NewEncoder(w).Encode(packet); err != nil {
		return fmt.Errorf("json.Encoder.Encode: %w", err)
	}
	return nil
}
