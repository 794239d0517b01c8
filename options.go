package milter

import (
	"time"
)

type options struct {
	maxVersion                uint32
	protocol                  OptProtocol
	readTimeout, writeTimeout time.Duration
	progressInterval          time.Duration
	filter                    Filter
}

// Option can be used to configure the [Server].
type Option func(*options)

// WithFilter sets the [Filter] that receives the events of all connections.
func WithFilter(filter Filter) Option {
	return func(h *options) {
		h.filter = filter
	}
}

// WithProtocol adds protocol to the protocol features the [Server] requests from the MTA.
// Use it to switch off events your [Filter] does not need.
func WithProtocol(protocol OptProtocol) Option {
	return func(h *options) {
		h.protocol = h.protocol | protocol
	}
}

// WithMaximumVersion sets the maximum milter version the [Server] accepts.
// The default is to use the maximum supported version.
func WithMaximumVersion(version uint32) Option {
	return func(h *options) {
		h.maxVersion = version
	}
}

// WithReadTimeout sets how long the [Server] waits for the negotiation packet of a new MTA connection.
// Later reads have no timeout since the MTA only sends events when its SMTP client does something.
// The default is a read-timeout of 10 seconds.
func WithReadTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.readTimeout = timeout
	}
}

// WithWriteTimeout sets the write-timeout for all write operations of the [Server].
// The default is a write-timeout of 10 seconds.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.writeTimeout = timeout
	}
}

// WithProgressInterval sets how often the [Server] sends progress notifications to the MTA while
// [Filter.EndOfMessage] runs. The default is one second.
func WithProgressInterval(interval time.Duration) Option {
	return func(h *options) {
		h.progressInterval = interval
	}
}
