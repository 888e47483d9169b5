package domain

import "time"

// Endpoint is a normalized gRPC target.
type Endpoint struct {
	Address string `json:"address"` // host:port
	TLS     bool   `json:"tls"`
}

func (e Endpoint) String() string {
	if e.TLS {
		return e.Address + " (tls)"
	}
	return e.Address
}

// Connection holds gRPC connection settings
type Connection struct {
	Endpoint Endpoint
	Timeout  time.Duration

	// Keepalive applies to long-lived sessions; zero disables it.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}
