package authz

import (
	"context"
	"time"

	"qonsent.org/internal/obs"
)

// Sweeper periodically purges expired grants and flips expired delegations
// to their terminal status. It is hygiene only: read paths evaluate expiry
// themselves and never wait for a sweep.
type Sweeper struct {
	store    Store
	interval time.Duration
}

// NewSweeper constructs a Sweeper. Intervals below one minute are raised
// to one minute.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Sweeper{store: store, interval: interval}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC()
	purged, err := s.store.PurgeExpiredGrants(ctx, now)
	if err != nil {
		obs.Logger().Println(`{"type":"authz","event":"sweep_grants_failed"}`)
	}
	marked, err := s.store.MarkExpiredDelegations(ctx, now)
	if err != nil {
		obs.Logger().Println(`{"type":"authz","event":"sweep_delegations_failed"}`)
	}
	if purged > 0 || marked > 0 {
		obs.LogRequest(map[string]any{
			"type":                "authz",
			"event":               "sweep",
			"grants_purged":       purged,
			"delegations_expired": marked,
		})
	}
}
