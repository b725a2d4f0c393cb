package jam

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/notify"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

// Reminder cooldown windows for unconfirmed registrations.
const (
	daysLeftWindow  = 24 * time.Hour
	hoursLeftWindow = 6 * time.Hour
)

// ReadyFunc reports whether the gateway is healthy enough to act on jam
// lifecycle transitions. The scheduler skips ticks while it returns false.
type ReadyFunc func() bool

// SchedulerConfig for the jam control loop.
type SchedulerConfig struct {
	Tick time.Duration
}

// Scheduler is the periodic jam control loop: it dispatches confirmation
// reminders during registration windows and triggers team formation when a
// topic enters its active window.
type Scheduler struct {
	log      logrus.FieldLogger
	cfg      *SchedulerConfig
	store    store.Store
	notifier notify.Notifier
	engine   *Engine
	ready    ReadyFunc

	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler creates a jam scheduler. ready may be nil, in which case
// every tick runs.
func NewScheduler(
	log logrus.FieldLogger,
	cfg *SchedulerConfig,
	st store.Store,
	notifier notify.Notifier,
	engine *Engine,
	ready ReadyFunc,
) *Scheduler {
	if ready == nil {
		ready = func() bool { return true }
	}

	return &Scheduler{
		log:      log.WithField("component", "scheduler"),
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		engine:   engine,
		ready:    ready,
		done:     make(chan struct{}),
	}
}

// Start launches the control loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.log.WithField("tick", s.cfg.Tick.String()).Info("Starting jam scheduler")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if !s.ready() {
					s.log.Debug("Gateway not ready, skipping tick")

					continue
				}

				s.tick(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the control loop to stop and waits for it.
func (s *Scheduler) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.log.Info("Jam scheduler stopped")

	return nil
}

// tick runs one pass of reminders and team formation. Failures are logged
// per topic and never stop the loop.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	if err := s.sendReminders(ctx, now); err != nil {
		s.log.WithError(err).Error("Reminder pass failed")
	}

	if err := s.formTeams(ctx, now); err != nil {
		s.log.WithError(err).Error("Team formation pass failed")
	}
}

// sendReminders dispatches confirmation reminders for topics inside their
// registration window. A "days left" reminder goes out once per rolling 24h
// window when 1 to 2 days remain, an "hours left" reminder once per rolling
// 6h window when 2 to 24 hours remain. Sent timestamps are persisted so
// cooldowns survive restarts.
func (s *Scheduler) sendReminders(ctx context.Context, now time.Time) error {
	topics, err := s.store.ListTopicsInRegistration(ctx, now)
	if err != nil {
		return fmt.Errorf("listing open topics: %w", err)
	}

	for _, topic := range topics {
		regs, err := s.store.ListUnconfirmedRegistrations(ctx, topic.ID)
		if err != nil {
			s.log.WithError(err).WithField("topic", topic.Title).Error("Listing unconfirmed registrations failed")

			continue
		}

		remaining := topic.RegistrationEnd.Sub(now)

		for _, reg := range regs {
			if reg.IsSolo {
				continue
			}

			text, cooldown, due := reminderFor(topic.Title, remaining)
			if !due {
				continue
			}

			if reg.ReminderSentOn != nil && now.Sub(*reg.ReminderSentOn) < cooldown {
				continue
			}

			if err := s.notifier.SendDirect(ctx, reg.UserID, text); err != nil {
				s.log.WithError(err).WithField("user", reg.UserID).Warn("Reminder delivery failed")

				continue
			}

			if err := s.store.MarkReminderSent(ctx, reg.ID, now); err != nil {
				s.log.WithError(err).WithField("registration", reg.ID).Error("Persisting reminder timestamp failed")
			}
		}
	}

	return nil
}

// reminderFor selects the reminder message and cooldown for the remaining
// registration time, or due=false when no reminder applies.
func reminderFor(topicTitle string, remaining time.Duration) (text string, cooldown time.Duration, due bool) {
	switch {
	case remaining > 24*time.Hour && remaining <= 48*time.Hour:
		days := int(remaining.Hours()) / 24

		return fmt.Sprintf("Only %d day(s) left to confirm your registration for %q!", days, topicTitle),
			daysLeftWindow, true
	case remaining > 2*time.Hour && remaining <= 24*time.Hour:
		hours := int(remaining.Hours())

		return fmt.Sprintf("Only %d hour(s) left to confirm your registration for %q!", hours, topicTitle),
			hoursLeftWindow, true
	default:
		return "", 0, false
	}
}

// formTeams triggers team formation for every (topic, timezone) group of
// confirmed, non-solo, unassigned registrations whose topic has entered its
// active window.
func (s *Scheduler) formTeams(ctx context.Context, now time.Time) error {
	topics, err := s.store.ListTopicsStarted(ctx, now)
	if err != nil {
		return fmt.Errorf("listing started topics: %w", err)
	}

	for i := range topics {
		topic := &topics[i]

		regs, err := s.store.ListUnassignedConfirmed(ctx, topic.ID)
		if err != nil {
			s.log.WithError(err).WithField("topic", topic.Title).Error("Listing unassigned registrations failed")

			continue
		}

		for key, group := range groupByGuildTimezone(regs) {
			formed := s.engine.FormTeams(ctx, key.guildID, topic, key.timezone, group)
			if formed > 0 {
				s.log.WithFields(logrus.Fields{
					"topic":    topic.Title,
					"timezone": key.timezone,
					"teams":    formed,
				}).Info("Teams formed")
			}
		}
	}

	return nil
}

type groupKey struct {
	guildID  string
	timezone string
}

func groupByGuildTimezone(regs []store.Registration) map[groupKey][]store.Registration {
	groups := make(map[groupKey][]store.Registration)

	for _, reg := range regs {
		if reg.IsSolo {
			continue
		}

		key := groupKey{guildID: reg.GuildID, timezone: reg.Timezone}
		groups[key] = append(groups[key], reg)
	}

	return groups
}
