package link

import "errors"

var (
	ErrServerFull       = errors.New("server is full")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrNotConnected     = errors.New("not connected")
	ErrClosed           = errors.New("link closed")
)
