package domain

import (
	"context"
	"encoding/json"
	"time"
)

// MessageEnvelope wraps a payload exchanged between two agent identifiers.
// The signature covers the canonical fields {from, to, type, payload,
// timestamp} with the payload in its transmitted form, so a recipient can
// verify authenticity before attempting decryption.
type MessageEnvelope struct {
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id"`
	Encrypted bool            `json:"encrypted"`
	IV        []byte          `json:"iv,omitempty"`
	Signature []byte          `json:"signature,omitempty"`
}

// MessageHandler is invoked once per verified (and, when applicable,
// decrypted) inbound envelope addressed to the registered agent.
type MessageHandler func(ctx context.Context, env MessageEnvelope)

// Signer is the pluggable trust primitive that binds bytes to an agent
// identity. The production implementation uses asymmetric signatures; the
// demo implementation is hash-based. The Secure Channel never assumes
// anything beyond this contract.
type Signer interface {
	// Sign produces a signature over data bound to the given identity.
	Sign(data []byte, identity string) ([]byte, error)
	// Verify reports whether sig is a valid signature over data for identity.
	Verify(data []byte, sig []byte, identity string) bool
}

// PairKeySource hands out the symmetric key bound to an unordered pair of
// agent identifiers. Exactly one key exists per pair at any moment; first
// use generates it and both directions share it.
type PairKeySource interface {
	// KeyFor returns the 32-byte key for the unordered pair {a, b},
	// generating it on first use. created reports whether this call
	// generated the key, decided under the same lock that serializes
	// generation.
	KeyFor(a, b string) (key []byte, created bool, err error)
	// Lookup returns the pair's key without generating one. The inbound
	// path uses this: a message for a pair with no key yet cannot be
	// decrypted and must not mint a key as a side effect.
	Lookup(a, b string) ([]byte, bool)
	// Rotate replaces the pair's key with a fresh one.
	Rotate(a, b string) error
	// Evict drops the pair's key from the cache.
	Evict(a, b string)
	// Len returns the number of cached pair keys.
	Len() int
}

// BrokerMessage is one raw message delivered on a broker topic.
type BrokerMessage struct {
	Topic string
	Data  []byte
}

// BrokerHandler consumes raw messages from a subscribed topic.
type BrokerHandler func(ctx context.Context, msg BrokerMessage)

// Broker is the shared publish/subscribe transport underneath the Secure
// Channel. Delivery is at-least-once per subscriber.
type Broker interface {
	// Connect establishes the transport connection, blocking until it
	// succeeds or ctx expires.
	Connect(ctx context.Context, addr string) error
	// Publish sends data to every subscriber of topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe binds handler to topic and returns an unsubscribe function.
	Subscribe(topic string, handler BrokerHandler) (func(), error)
	// Disconnect releases the transport connection. Idempotent.
	Disconnect() error
}
