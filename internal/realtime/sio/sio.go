// Package sio encodes and decodes the Engine.IO v4 and Socket.IO v4 text
// packets spoken over a WebSocket transport.
package sio

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EngineType is an Engine.IO packet type.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// SocketType is a Socket.IO packet type, carried inside an Engine.IO message.
type SocketType byte

const (
	SocketConnect      SocketType = '0'
	SocketDisconnect   SocketType = '1'
	SocketEvent        SocketType = '2'
	SocketAck          SocketType = '3'
	SocketConnectError SocketType = '4'
)

// ErrEmpty is returned when decoding an empty frame.
var ErrEmpty = errors.New("sio: empty packet")

// Handshake is the payload of the Engine.IO open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// Deadline returns how long the client may go without hearing a ping before
// it should treat the transport as dead.
func (h Handshake) Deadline() time.Duration {
	return time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
}

// Packet is a decoded frame. Socket fields are only set for EngineMessage.
type Packet struct {
	Engine    EngineType
	Socket    SocketType
	Namespace string
	Event     string
	Data      json.RawMessage
}

// URL converts an http(s) server endpoint into the Engine.IO WebSocket URL.
func URL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("sio: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("sio: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("sio: endpoint %q has no host", endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	return u.String(), nil
}

// EncodeConnect builds the Socket.IO CONNECT packet for the default namespace
// with the given auth payload (nil for none).
func EncodeConnect(auth any) (string, error) {
	if auth == nil {
		return "40", nil
	}
	raw, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("sio: encode auth: %w", err)
	}
	return "40" + string(raw), nil
}

// EncodeDisconnect builds the Socket.IO DISCONNECT packet.
func EncodeDisconnect() string { return "41" }

// EncodePong builds the Engine.IO pong reply.
func EncodePong() string { return string(EnginePong) }

// EncodeEvent builds a Socket.IO EVENT packet: 42["name",payload].
func EncodeEvent(event string, payload any) (string, error) {
	if event == "" {
		return "", fmt.Errorf("sio: event name is required")
	}
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("sio: encode %s: %w", event, err)
	}
	return "42" + string(raw), nil
}

// Decode parses a single text frame.
func Decode(frame string) (Packet, error) {
	if frame == "" {
		return Packet{}, ErrEmpty
	}
	p := Packet{Engine: EngineType(frame[0])}
	body := frame[1:]
	switch p.Engine {
	case EngineOpen:
		p.Data = json.RawMessage(body)
		return p, nil
	case EngineClose, EnginePing, EnginePong, EngineUpgrade, EngineNoop:
		return p, nil
	case EngineMessage:
		return decodeSocket(p, body)
	default:
		return Packet{}, fmt.Errorf("sio: unknown engine packet type %q", frame[0])
	}
}

// DecodeHandshake parses the payload of an open packet.
func DecodeHandshake(p Packet) (Handshake, error) {
	if p.Engine != EngineOpen {
		return Handshake{}, fmt.Errorf("sio: expected open packet, got %q", byte(p.Engine))
	}
	var h Handshake
	if err := json.Unmarshal(p.Data, &h); err != nil {
		return Handshake{}, fmt.Errorf("sio: decode handshake: %w", err)
	}
	if h.SID == "" {
		return Handshake{}, fmt.Errorf("sio: handshake has no sid")
	}
	return h, nil
}

func decodeSocket(p Packet, body string) (Packet, error) {
	if body == "" {
		return Packet{}, fmt.Errorf("sio: message packet has no socket type")
	}
	p.Socket = SocketType(body[0])
	body = body[1:]

	// Optional namespace, terminated by a comma.
	if strings.HasPrefix(body, "/") {
		ns, rest, ok := strings.Cut(body, ",")
		if !ok {
			ns, rest = body, ""
		}
		p.Namespace = ns
		body = rest
	}
	// Ack ids are digits before the payload; the agent never requests acks.
	body = strings.TrimLeft(body, "0123456789")

	switch p.Socket {
	case SocketConnect, SocketConnectError:
		if body != "" {
			p.Data = json.RawMessage(body)
		}
	case SocketDisconnect:
	case SocketEvent, SocketAck:
		var args []json.RawMessage
		if err := json.Unmarshal([]byte(body), &args); err != nil {
			return Packet{}, fmt.Errorf("sio: decode event: %w", err)
		}
		if p.Socket == SocketEvent {
			if len(args) == 0 {
				return Packet{}, fmt.Errorf("sio: event packet has no name")
			}
			if err := json.Unmarshal(args[0], &p.Event); err != nil {
				return Packet{}, fmt.Errorf("sio: event name: %w", err)
			}
			args = args[1:]
		}
		if len(args) > 0 {
			p.Data = args[0]
		}
	default:
		return Packet{}, fmt.Errorf("sio: unknown socket packet type %q", byte(p.Socket))
	}
	return p, nil
}

// ConnectError extracts the message from a CONNECT_ERROR payload.
func ConnectError(p Packet) string {
	var e struct {
		Message string `json:"message"`
	}
	if len(p.Data) > 0 && json.Unmarshal(p.Data, &e) == nil && e.Message != "" {
		return e.Message
	}
	return string(p.Data)
}
