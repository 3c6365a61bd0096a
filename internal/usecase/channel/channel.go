// Package channel implements the Secure Channel: authenticated, confidential
// message delivery between agent identifiers over a shared publish/subscribe
// broker. Payloads are encrypted under a per-pair symmetric key, envelopes
// are signed over their canonical fields, and inbound messages that fail
// verification are dropped before any handler sees them.
package channel

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"civicmesh/internal/domain"
	"civicmesh/internal/security"
)

// Topic names derived from agent identifiers. The hash keeps arbitrary
// identifier characters out of topic strings.
const (
	topicPrefix    = "agents."
	BroadcastTopic = "broadcast"
)

// TopicFor returns the deterministic inbox topic for an agent identifier.
func TopicFor(agentID string) string {
	sum := sha256.Sum256([]byte(agentID))
	return topicPrefix + hex.EncodeToString(sum[:8])
}

// Config holds Secure Channel settings.
type Config struct {
	BrokerAddress  string
	ConnectTimeout time.Duration
}

type registration struct {
	agentID string
	handler domain.MessageHandler
	unsub   func()
}

// SecureChannel binds the broker transport to the trust primitives. Signing
// and key derivation are pluggable: the channel depends only on the
// domain.Signer and domain.PairKeySource contracts.
type SecureChannel struct {
	cfg     Config
	broker  domain.Broker
	signer  domain.Signer
	keys    domain.PairKeySource
	bus     domain.EventBus
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]

	mu        sync.Mutex
	handlers  map[string]*registration
	entropy   *ulid.MonotonicEntropy
	connected atomic.Bool
	nowFunc   func() time.Time
}

// New creates a Secure Channel. bus may be nil.
func New(cfg Config, b domain.Broker, signer domain.Signer, keys domain.PairKeySource, bus domain.EventBus, logger *slog.Logger) *SecureChannel {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "channel:publish",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &SecureChannel{
		cfg:      cfg,
		broker:   b,
		signer:   signer,
		keys:     keys,
		bus:      bus,
		logger:   logger,
		breaker:  cb,
		handlers: make(map[string]*registration),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		nowFunc:  time.Now,
	}
}

// Connect establishes the transport connection, blocking until it succeeds
// or the configured timeout elapses, in which case the error carries both
// ErrTransportUnavailable and ErrTimeout.
func (c *SecureChannel) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.broker.Connect(ctx, c.cfg.BrokerAddress); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
		return domain.WrapOp("SecureChannel.Connect", err)
	}
	c.connected.Store(true)
	c.logger.Info("secure channel connected", "broker", c.cfg.BrokerAddress)
	return nil
}

// RegisterHandler subscribes to the agent's inbox topic and binds handler to
// be invoked once per verified (and decrypted, when applicable) inbound
// envelope addressed to that agent.
func (c *SecureChannel) RegisterHandler(agentID string, handler domain.MessageHandler) error {
	if !c.connected.Load() {
		return domain.NewSubSystemError("channel", "SecureChannel.RegisterHandler",
			domain.ErrNotConnected, agentID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.handlers[agentID]; exists {
		return domain.NewSubSystemError("channel", "SecureChannel.RegisterHandler",
			domain.ErrDuplicate, agentID)
	}

	reg := &registration{agentID: agentID, handler: handler}
	unsub, err := c.broker.Subscribe(TopicFor(agentID), func(ctx context.Context, msg domain.BrokerMessage) {
		c.inbound(ctx, reg, msg.Data)
	})
	if err != nil {
		return domain.WrapOp("SecureChannel.RegisterHandler", err)
	}
	reg.unsub = unsub
	c.handlers[agentID] = reg
	c.logger.Debug("handler registered", "agent_id", agentID)
	return nil
}

// Send builds, encrypts, signs, and publishes an envelope to the recipient's
// topic with at-least-once delivery. The pair key for {from, to} is
// generated on first use. Returns the generated message id.
func (c *SecureChannel) Send(ctx context.Context, fromID, toID, msgType string, payload any) (string, error) {
	if !c.connected.Load() {
		return "", domain.NewSubSystemError("channel", "SecureChannel.Send",
			domain.ErrNotConnected, "")
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", domain.NewSubSystemError("channel", "SecureChannel.Send",
			domain.ErrInvalidInput, err.Error())
	}

	key, created, err := c.keys.KeyFor(fromID, toID)
	if err != nil {
		return "", domain.WrapOp("SecureChannel.Send", err)
	}
	if created {
		c.publishEvent(domain.EventPairKeyCreated, "", fromID, toID, "")
	}
	nonce, ciphertext, err := security.Seal(key, plaintext)
	if err != nil {
		return "", domain.WrapOp("SecureChannel.Send", err)
	}

	now := c.nowFunc()
	env := domain.MessageEnvelope{
		From:      fromID,
		To:        toID,
		Type:      msgType,
		Payload:   encodePayload(ciphertext),
		Timestamp: now,
		MessageID: c.newMessageID(now),
		Encrypted: true,
		IV:        nonce,
	}
	env.Signature, err = c.signer.Sign(canonicalBytes(env), fromID)
	if err != nil {
		return "", domain.WrapOp("SecureChannel.Send", err)
	}

	if err := c.publish(ctx, TopicFor(toID), env); err != nil {
		return "", err
	}

	c.publishEvent(domain.EventMessageSent, env.MessageID, fromID, toID, msgType)
	c.logger.Debug("message sent", "from", fromID, "to", toID,
		"type", msgType, "message_id", env.MessageID)
	return env.MessageID, nil
}

// Broadcast publishes an unencrypted, unaddressed envelope to the shared
// broadcast topic. No handler of this layer consumes it; broadcast
// consumption is an external-collaborator concern.
func (c *SecureChannel) Broadcast(ctx context.Context, fromID, msgType string, payload any) (string, error) {
	if !c.connected.Load() {
		return "", domain.NewSubSystemError("channel", "SecureChannel.Broadcast",
			domain.ErrNotConnected, "")
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", domain.NewSubSystemError("channel", "SecureChannel.Broadcast",
			domain.ErrInvalidInput, err.Error())
	}

	now := c.nowFunc()
	env := domain.MessageEnvelope{
		From:      fromID,
		Type:      msgType,
		Payload:   plaintext,
		Timestamp: now,
		MessageID: c.newMessageID(now),
	}
	env.Signature, err = c.signer.Sign(canonicalBytes(env), fromID)
	if err != nil {
		return "", domain.WrapOp("SecureChannel.Broadcast", err)
	}

	if err := c.publish(ctx, BroadcastTopic, env); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// Disconnect releases the transport connection and all handler
// subscriptions. Idempotent.
func (c *SecureChannel) Disconnect() error {
	if !c.connected.Swap(false) {
		return nil
	}

	c.mu.Lock()
	for id, reg := range c.handlers {
		if reg.unsub != nil {
			reg.unsub()
		}
		delete(c.handlers, id)
	}
	c.mu.Unlock()

	err := c.broker.Disconnect()
	c.logger.Info("secure channel disconnected")
	return domain.WrapOp("SecureChannel.Disconnect", err)
}

// inbound is the verification gate for one raw broker message. Envelopes
// that fail signature verification are dropped silently; envelopes for a
// pair with no key fail with UnknownChannel and are dropped; everything else
// reaches the registered handler exactly once per delivery.
func (c *SecureChannel) inbound(ctx context.Context, reg *registration, raw []byte) {
	var env domain.MessageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.drop(env, "malformed envelope", domain.ErrInvalidInput)
		return
	}

	if !c.signer.Verify(canonicalBytes(env), env.Signature, env.From) {
		// Silent drop: no handler, no error to the sender. Logged only.
		c.drop(env, "signature verification failed", domain.ErrSignatureInvalid)
		return
	}

	if env.To != reg.agentID {
		c.logger.Warn("envelope addressed to other agent",
			"agent_id", reg.agentID, "to", env.To, "message_id", env.MessageID)
		return
	}

	if env.Encrypted {
		key, ok := c.keys.Lookup(env.From, env.To)
		if !ok {
			c.drop(env, "no pair key for sender", domain.ErrUnknownChannel)
			return
		}
		ciphertext, err := decodePayload(env.Payload)
		if err != nil {
			c.drop(env, "payload encoding invalid", domain.ErrInvalidInput)
			return
		}
		plaintext, err := security.Open(key, env.IV, ciphertext)
		if err != nil {
			c.drop(env, "decryption failed", domain.ErrUnknownChannel)
			return
		}
		env.Payload = plaintext
		env.Encrypted = false
		env.IV = nil
	}

	c.publishEvent(domain.EventMessageDelivered, env.MessageID, env.From, env.To, env.Type)
	reg.handler(ctx, env)
}

func (c *SecureChannel) publish(ctx context.Context, topic string, env domain.MessageEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return domain.NewSubSystemError("channel", "SecureChannel.publish",
			domain.ErrInvalidInput, err.Error())
	}

	_, err = c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.broker.Publish(ctx, topic, data)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.NewSubSystemError("channel", "SecureChannel.publish",
				domain.ErrTransportError, "circuit open: "+err.Error())
		}
		return domain.WrapOp("SecureChannel.publish", err)
	}
	return nil
}

// drop discards an inbound envelope. cause classifies the drop; its error
// code is carried on the emitted event so observers can distinguish forged
// envelopes from undecryptable ones.
func (c *SecureChannel) drop(env domain.MessageEnvelope, reason string, cause error) {
	c.logger.Warn("inbound envelope dropped",
		"from", env.From, "to", env.To, "message_id", env.MessageID, "reason", reason)
	if c.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"message_id": env.MessageID, "from": env.From, "to": env.To,
		"type": env.Type, "code": string(domain.ErrorCodeOf(cause)),
	})
	c.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventMessageDropped,
		Timestamp: c.nowFunc(),
		Payload:   payload,
	})
}

func (c *SecureChannel) publishEvent(eventType domain.EventType, messageID, from, to, msgType string) {
	if c.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"message_id": messageID, "from": from, "to": to, "type": msgType,
	})
	c.bus.Publish(context.Background(), domain.Event{
		Type:      eventType,
		Timestamp: c.nowFunc(),
		Payload:   payload,
	})
}

func (c *SecureChannel) newMessageID(t time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), c.entropy).String()
}

// canonicalBytes renders the signed fields {from, to, type, payload,
// timestamp} with the payload in its transmitted form. Tampering any
// transmitted byte breaks verification before decryption is attempted.
func canonicalBytes(env domain.MessageEnvelope) []byte {
	return fmt.Appendf(nil, "%s|%s|%s|%s|%d",
		env.From, env.To, env.Type, string(env.Payload), env.Timestamp.UnixNano())
}

// encodePayload wraps ciphertext as a JSON base64 string so the envelope
// stays a valid JSON document on the wire.
func encodePayload(ciphertext []byte) json.RawMessage {
	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(ciphertext))
	return encoded
}

func decodePayload(payload json.RawMessage) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(payload, &encoded); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(encoded)
}
