// Command civicmesh runs the trust-gated eligibility mesh: it brings up the
// in-process broker, the secure channel, the configured agents, and the HTTP
// gateway, then serves citizen queries until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"civicmesh/internal/adapter/gateway"
	"civicmesh/internal/adapter/policy"
	"civicmesh/internal/infra/broker"
	"civicmesh/internal/infra/config"
	"civicmesh/internal/infra/logger"
	"civicmesh/internal/infra/tracer"
	"civicmesh/internal/security"
	"civicmesh/internal/usecase/channel"
	"civicmesh/internal/usecase/directory"
	"civicmesh/internal/usecase/eventbus"
	"civicmesh/internal/usecase/ledger"
	"civicmesh/internal/usecase/network"
	"civicmesh/internal/usecase/orchestrator"
	"civicmesh/internal/usecase/rules"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Trust primitives
	keyring, err := security.NewSigner(cfg.Channel.SignerMode)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	pairKeys := security.NewPairKeys(security.PairKeysConfig{
		MaxPairs:     cfg.Channel.MaxPairs,
		MaxIdle:      cfg.Channel.KeyMaxIdle,
		MasterSecret: cfg.Channel.MasterSecret,
	})
	defer pairKeys.Zeroize()

	rotator := security.NewKeyRotator(pairKeys, bus, log)
	if err := rotator.Start(cfg.Channel.RotationSchedule); err != nil {
		return fmt.Errorf("key rotator: %w", err)
	}
	defer rotator.Stop()

	verifier := security.NewStaticVerifier("")

	// 5. Transport: broker + secure channel
	b := broker.New(log)
	ch := channel.New(channel.Config{
		BrokerAddress:  cfg.Broker.Address,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
	}, b, keyring, pairKeys, bus, log)
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("channel: %w", err)
	}

	// 6. Core services
	dir := directory.New(bus, log)
	led := ledger.New(cfg.Ledger.Capacity, bus, log)
	engine := rules.New(rules.Options{}, log)

	// 7. Agent mesh. A failed identity proof aborts startup here.
	mesh := network.New(dir, ch, led, keyring, verifier, log)
	if err := mesh.Start(ctx, cfg.Agents); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	defer mesh.Shutdown()

	// 8. Policy collaborators
	interpreter, err := policy.NewInterpreter(cfg.Policy.Dir, log)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	holder, err := mesh.Holder()
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	citizenID := holderAgentID(cfg)
	guide := policy.NewGuide(guideAgentID(cfg), log)

	// 9. Workflow orchestrator
	orch := orchestrator.New(orchestrator.Deps{
		Directory:   dir,
		Ledger:      led,
		Engine:      engine,
		Interpreter: interpreter,
		Verifier:    verifier,
		Holder:      holder,
		Guide:       guide,
		Messenger:   ch,
		Bus:         bus,
	}, log)

	// 10. Gateway
	srv := gateway.NewServer(cfg.Server, dir, led, orch, bus, citizenID, log)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// holderAgentID returns the id of the first agent with the
// credential-holder capability.
func holderAgentID(cfg *config.Config) string {
	return firstWithCapability(cfg, "credential-holder")
}

// guideAgentID returns the id of the guidance agent, falling back to
// "system" when none is configured.
func guideAgentID(cfg *config.Config) string {
	if id := firstWithCapability(cfg, "guidance"); id != "" {
		return id
	}
	return "system"
}

func firstWithCapability(cfg *config.Config, capability string) string {
	for _, a := range cfg.Agents {
		for _, c := range a.Capabilities {
			if c == capability {
				return a.ID
			}
		}
	}
	return ""
}
