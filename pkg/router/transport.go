package router

import "context"

// Transport is one telephony switch connection. Implementations wrap
// the switch's control protocol; the router only needs dial, liveness,
// audio, and call control.
type Transport interface {
	// Dial establishes the control connection.
	Dial(ctx context.Context) error

	// Ping checks connection liveness.
	Ping(ctx context.Context) error

	// Originate places an outbound call tagged with sessionID.
	Originate(ctx context.Context, sessionID, callee string) error

	// SendAudio writes one synthesized audio frame to a call leg.
	SendAudio(sessionID string, pcm []byte) error

	// Hangup terminates a call leg. Unknown sessions are not an error.
	Hangup(sessionID string) error

	// Close tears the control connection down.
	Close() error
}

// TransportFactory builds the transport for one configured instance.
type TransportFactory func(cfg InstanceConfig) Transport
