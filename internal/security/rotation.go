package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"civicmesh/internal/domain"
)

// KeyRotator runs a scheduled sweep over the pair-key cache, rotating keys
// that have sat idle past the configured age. This closes the unbounded
// key-cache gap: long-lived processes no longer accumulate stale keys.
type KeyRotator struct {
	cron   *cron.Cron
	keys   *PairKeys
	bus    domain.EventBus
	logger *slog.Logger
}

// NewKeyRotator creates a rotator over keys. bus may be nil. Start must be
// called to begin sweeping.
func NewKeyRotator(keys *PairKeys, bus domain.EventBus, logger *slog.Logger) *KeyRotator {
	return &KeyRotator{
		cron:   cron.New(),
		keys:   keys,
		bus:    bus,
		logger: logger,
	}
}

// Start schedules the sweep with a cron expression (e.g. "@every 1h").
func (r *KeyRotator) Start(schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		rotated := r.keys.SweepIdle()
		if rotated == 0 {
			return
		}
		r.logger.Info("pair keys rotated", "count", rotated, "cached", r.keys.Len())
		if r.bus != nil {
			payload, _ := json.Marshal(map[string]int{"rotated": rotated})
			r.bus.Publish(context.Background(), domain.Event{
				Type:      domain.EventPairKeyRotated,
				Timestamp: time.Now(),
				Payload:   payload,
			})
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule. In-flight sweeps complete before return.
func (r *KeyRotator) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
