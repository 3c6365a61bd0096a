// Package network assembles the agent mesh: it enrolls each configured
// agent's signing identity, proves that identity against the keyring before
// anything else runs, registers the agent in the directory, and binds its
// inbound message handler on the secure channel. Startup aborts on the
// first identity-proof failure.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"civicmesh/internal/domain"
	"civicmesh/internal/infra/config"
	"civicmesh/internal/security"
	"civicmesh/internal/usecase/channel"
	"civicmesh/internal/usecase/directory"
	"civicmesh/internal/usecase/ledger"
)

// Agent is one live participant in the mesh.
type Agent struct {
	ID           string
	Name         string
	Role         string
	Capabilities []string

	credential *domain.Credential
	logger     *slog.Logger
}

// Descriptor returns the agent's directory entry. Verified is set by the
// network once the identity proof has passed.
func (a *Agent) Descriptor() domain.AgentDescriptor {
	return domain.AgentDescriptor{
		ID:           a.ID,
		Name:         a.Name,
		Role:         a.Role,
		Capabilities: a.Capabilities,
		Verified:     true,
	}
}

// Network owns the set of agents and their bindings to the directory,
// channel, and trust primitives.
type Network struct {
	directory *directory.Directory
	channel   *channel.SecureChannel
	ledger    *ledger.Ledger
	keyring   security.Keyring
	verifier  *security.StaticVerifier
	logger    *slog.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
}

// New creates an empty agent network.
func New(dir *directory.Directory, ch *channel.SecureChannel, led *ledger.Ledger,
	keyring security.Keyring, verifier *security.StaticVerifier, logger *slog.Logger) *Network {
	return &Network{
		directory: dir,
		channel:   ch,
		ledger:    led,
		keyring:   keyring,
		verifier:  verifier,
		logger:    logger,
		agents:    make(map[string]*Agent),
	}
}

// Start enrolls, proves, registers, and wires every configured agent, in
// config order. The first failure aborts with the cause; a failed identity
// proof is fatal by design of the trust boundary.
func (n *Network) Start(ctx context.Context, configs []config.AgentConfig) error {
	for _, ac := range configs {
		if err := n.startAgent(ctx, ac); err != nil {
			return err
		}
	}
	n.ledger.Log("network started", "system", domain.AuditSuccess,
		map[string]any{"agents": len(configs)})
	return nil
}

func (n *Network) startAgent(ctx context.Context, ac config.AgentConfig) error {
	agent := &Agent{
		ID:           ac.ID,
		Name:         ac.Name,
		Role:         ac.Role,
		Capabilities: ac.Capabilities,
		logger:       n.logger.With("agent_id", ac.ID),
	}
	if len(ac.Credential) > 0 {
		cred, err := config.ParseCredential(ac.Credential)
		if err != nil {
			return domain.WrapOp("Network.Start", err)
		}
		agent.credential = &cred
	}

	// Enroll the signing identity, then prove it: a signature produced for
	// the identity must verify under the same keyring.
	if err := n.keyring.AddIdentity(ac.ID, ac.Secret); err != nil {
		return domain.WrapOp("Network.Start", err)
	}
	if err := n.proveIdentity(ac.ID); err != nil {
		n.ledger.Log("identity proof failed", ac.ID, domain.AuditError, nil)
		return err
	}
	n.verifier.Trust(ac.ID)
	n.ledger.Log("identity proven", ac.ID, domain.AuditSuccess, nil)

	if _, err := n.directory.Register(agent.Descriptor()); err != nil {
		return domain.WrapOp("Network.Start", err)
	}
	if err := n.channel.RegisterHandler(ac.ID, n.inboundFor(agent)); err != nil {
		return domain.WrapOp("Network.Start", err)
	}

	n.mu.Lock()
	n.agents[ac.ID] = agent
	n.order = append(n.order, ac.ID)
	n.mu.Unlock()

	agent.logger.Info("agent online", "role", ac.Role, "capabilities", ac.Capabilities)
	return nil
}

// proveIdentity signs a fixed challenge for id and verifies it back.
func (n *Network) proveIdentity(id string) error {
	challenge := []byte("identity-proof:" + id)
	sig, err := n.keyring.Sign(challenge, id)
	if err != nil {
		return domain.NewSubSystemError("network", "Network.proveIdentity",
			domain.ErrIdentityProof, fmt.Sprintf("%s: %v", id, err))
	}
	if !n.keyring.Verify(challenge, sig, id) {
		return domain.NewSubSystemError("network", "Network.proveIdentity",
			domain.ErrIdentityProof, id)
	}
	return nil
}

// inboundFor builds the agent's message handler: every verified delivery is
// recorded in the ledger attributed to the receiving agent.
func (n *Network) inboundFor(agent *Agent) domain.MessageHandler {
	return func(_ context.Context, env domain.MessageEnvelope) {
		agent.logger.Debug("message received",
			"from", env.From, "type", env.Type, "message_id", env.MessageID)
		n.ledger.Log("message received", agent.ID, domain.AuditInfo, map[string]any{
			"from": env.From, "type": env.Type, "message_id": env.MessageID,
		})
	}
}

// Agent returns the live agent for id.
func (n *Network) Agent(id string) (*Agent, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a, ok := n.agents[id]
	return a, ok
}

// Holder returns the credential holder for the agent with the
// credential-holder capability, usually the citizen agent.
func (n *Network) Holder() (domain.CredentialHolder, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, id := range n.order {
		a := n.agents[id]
		for _, cap := range a.Capabilities {
			if cap == "credential-holder" {
				return &holder{agent: a}, nil
			}
		}
	}
	return nil, domain.NewSubSystemError("network", "Network.Holder",
		domain.ErrNotFound, "no agent holds credentials")
}

// Shutdown unregisters every agent and disconnects the channel. Safe to
// call more than once.
func (n *Network) Shutdown() {
	n.mu.Lock()
	for _, id := range n.order {
		if err := n.directory.Unregister(id); err == nil {
			n.ledger.Log("agent offline", id, domain.AuditInfo, nil)
		}
	}
	n.agents = make(map[string]*Agent)
	n.order = nil
	n.mu.Unlock()

	if err := n.channel.Disconnect(); err != nil {
		n.logger.Warn("channel disconnect", "error", err)
	}
	n.logger.Info("network stopped")
}
