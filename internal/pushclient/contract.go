// Package pushclient defines the Push Client Adapter contract (spec §4.5,
// §6.3) — the thin, blocking interface the FCM Worker drives — and ships a
// reference implementation suitable for tests and local development.
//
// The real vendor protocol (MCS framing, Google's checkin/register wire
// format) is explicitly out of scope for this core (spec §1); callers in
// production are expected to supply a Client backed by the actual vendor
// SDK. ReferenceClient here implements the same contract against a
// self-contained JSON-framed protocol so the Worker and Pool can be
// exercised end to end without that external dependency.
package pushclient

import "context"

// Registration is the material returned by a one-shot vendor registration
// call (spec §4.5 register()).
type Registration struct {
	FCMToken      string
	GCMToken      string
	AndroidID     uint64
	SecurityToken uint64
}

// Client is the Push Client Adapter contract consumed by the FCM Worker.
// Register, SubscribeToTopic, and StartListening are blocking calls and
// must be driven from the blocking-operation pool (spec §5), not the
// cooperative scheduler.
type Client interface {
	// CreateNewKeys generates fresh ECDH + auth material for payload
	// decryption and returns it base64-encoded.
	CreateNewKeys() (privateKeyB64, authSecretB64 string, err error)

	// LoadKeys installs previously-generated (or persisted) keys.
	LoadKeys(privateKeyB64, authSecretB64 string) error

	// Register performs the one-shot vendor registration call.
	Register(ctx context.Context) (Registration, error)

	// SetRegistration replays cached registration without re-registering.
	SetRegistration(reg Registration)

	// SubscribeToTopic subscribes to a single topic. Failures are non-fatal
	// to the caller (spec §4.6: log and proceed).
	SubscribeToTopic(ctx context.Context, topic string) error

	// SetDataCallback installs a synchronous callback invoked once per
	// decrypted payload, on the listener's own goroutine. Must be called
	// before StartListening.
	SetDataCallback(cb func(payload []byte))

	// StartListening blocks until the connection terminates, invoking the
	// data callback per decrypted message. Returns nil on clean close, a
	// non-nil error on connection failure.
	StartListening(ctx context.Context) error
}
