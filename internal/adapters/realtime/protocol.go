package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Engine.IO v4 packet types (first byte of every websocket frame).
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// Socket.IO v5 packet types (first byte after an engine message).
const (
	socketConnect      byte = '0'
	socketDisconnect   byte = '1'
	socketEvent        byte = '2'
	socketAck          byte = '3'
	socketConnectError byte = '4'
)

const defaultNamespace = "/"

// openPacket is the JSON body of the engine open packet.
type openPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// liveness is how long the read loop may go without hearing from the server.
func (o openPacket) liveness() time.Duration {
	interval, timeout := o.PingInterval, o.PingTimeout
	if interval <= 0 {
		interval = 25_000
	}
	if timeout <= 0 {
		timeout = 20_000
	}
	return time.Duration(interval+timeout) * time.Millisecond
}

// socketPacket is a decoded Socket.IO packet.
type socketPacket struct {
	Type      byte
	Namespace string
	AckID     string
	Data      json.RawMessage
}

// parseSocketPacket decodes the part of an engine message after the '4'.
// Format: <type>[/<nsp>,][<ackId>][<json>]
func parseSocketPacket(b []byte) (socketPacket, error) {
	if len(b) == 0 {
		return socketPacket{}, fmt.Errorf("%w: empty socket packet", ErrProtocol)
	}
	p := socketPacket{Type: b[0], Namespace: defaultNamespace}
	rest := b[1:]

	if len(rest) > 0 && rest[0] == '/' {
		i := bytes.IndexByte(rest, ',')
		if i < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:i])
		rest = rest[i+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	p.AckID = string(rest[:i])
	rest = rest[i:]

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return socketPacket{}, fmt.Errorf("%w: invalid packet json", ErrProtocol)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// decodeEvent splits an event packet body ["name", arg, ...] into the name and
// its first argument. Missing arguments decode as JSON null.
func decodeEvent(data json.RawMessage) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event body is not a non-empty array", ErrProtocol)
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil || name == "" {
		return "", nil, fmt.Errorf("%w: event name is not a string", ErrProtocol)
	}
	if len(parts) < 2 {
		return name, json.RawMessage("null"), nil
	}
	return name, parts[1], nil
}

// encodeConnect builds the namespace connect packet carrying the auth object.
func encodeConnect(token string) []byte {
	buf := []byte{engineMessage, socketConnect}
	if token == "" {
		return buf
	}
	auth, _ := json.Marshal(map[string]string{"token": token})
	return append(buf, auth...)
}

// connectErrorMessage extracts the reason from a connect_error payload, which
// servers send either as {"message": "..."} or as a bare string.
func connectErrorMessage(data json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return s
	}
	return "connection refused"
}

// EndpointURL turns an http(s) origin plus a Socket.IO mount path into the
// websocket URL the server expects.
func EndpointURL(origin, path string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if path == "" {
		path = "/socket.io"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(path, "/") + "/"
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	return u.String(), nil
}
