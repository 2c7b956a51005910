package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgfeed/pkg/events"
)

// DefaultSweepSchedule is the cron schedule used when none is configured
const DefaultSweepSchedule = "@every 1m"

var expiryNamespace = uuid.MustParse("6f1c7a52-3c1e-4f0b-9d7e-2f6b1c9a8e41")

// ExpirySweeper emits membership.expired for tiers that lapsed since the
// previous sweep. Visibility never waits on it: expiry is applied at read
// time, the sweeper only drives re-bootstrap and notifications.
type ExpirySweeper struct {
	store   *Store
	emitter events.Emitter
	log     logrus.FieldLogger

	mu   sync.Mutex
	last time.Time
	cron *cron.Cron
}

// NewExpirySweeper creates a sweeper that first looks back lookback from now
func NewExpirySweeper(store *Store, emitter events.Emitter, lookback time.Duration, log logrus.FieldLogger) *ExpirySweeper {
	if emitter == nil {
		emitter = events.Discard
	}
	if log == nil {
		log = logrus.New()
	}
	return &ExpirySweeper{
		store:   store,
		emitter: emitter,
		log:     log,
		last:    store.Now().Add(-lookback),
	}
}

// Sweep emits one event per tier that expired in (last sweep, now] and
// returns how many were found
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.store.Now()
	expired, err := s.store.ListExpiredTiers(ctx, s.last, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired tiers: %w", err)
	}

	for _, m := range expired {
		evt := events.New(events.MembershipExpired, m.OrganizationID, "", events.KindMember, m.UserID).
			With(events.AttrTierID, m.TierID)
		// stable id so a re-run over the same window does not double notify
		evt.ID = uuid.NewSHA1(expiryNamespace, []byte(m.OrganizationID+":"+m.UserID+":"+m.TierExpiresAt.Format(time.RFC3339Nano))).String()
		evt.SubjectUserID = m.UserID
		evt.OccurredAt = *m.TierExpiresAt
		if tier, err := s.store.GetTier(ctx, m.TierID); err == nil {
			evt = evt.With(events.AttrTierName, tier.Name)
		}
		s.emitter.Emit(ctx, evt)
	}

	s.last = now
	if len(expired) > 0 {
		s.log.WithField("count", len(expired)).Info("membership tiers expired")
	}
	return len(expired), nil
}

// Start schedules Sweep on spec (DefaultSweepSchedule when empty)
func (s *ExpirySweeper) Start(ctx context.Context, spec string) error {
	if spec == "" {
		spec = DefaultSweepSchedule
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Error("expiry sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.log.WithField("schedule", spec).Info("expiry sweeper started")
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
