package domain

import "errors"

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrSendQueueFull       = errors.New("send queue full")
	ErrUpstreamUnavailable = errors.New("credential upstream unavailable")
	ErrMalformedICEServers = errors.New("malformed ice servers")
	ErrMissingAPIKey       = errors.New("credential api key not configured")
)
