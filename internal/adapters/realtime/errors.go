package realtime

import "errors"

// Sentinel kinds for push channel errors.
var (
	ErrInvalidURL         = errors.New("invalid push channel url")
	ErrProtocol           = errors.New("socket.io protocol error")
	ErrAuthRejected       = errors.New("push channel rejected credentials")
	ErrTransportLost      = errors.New("push transport lost")
	ErrServerDisconnect   = errors.New("server closed the namespace")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNoTransports       = errors.New("no transports configured")
)
