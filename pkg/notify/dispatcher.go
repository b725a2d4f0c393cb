package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Completion is the outcome of one processed submission, published by the
// worker pool and consumed by the dispatcher.
type Completion struct {
	RunID           string
	UserID          string
	Username        string
	ChallengeID     string
	ParentChannelID string

	// Success is false when the sandbox could not produce a usable
	// result; FailureReason then carries a short user-safe explanation.
	Success       bool
	FailureReason string

	Passed   int
	Failed   int
	Total    int
	Points   int
	Attempt  int
	Duration time.Duration

	// Document is the rendered detailed report, delivered as a follow-up
	// file after the short feedback message.
	Document []byte
}

// Archiver uploads delivered report documents to long-term storage.
type Archiver interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Dispatcher consumes completion events and delivers feedback through the
// Notifier, pacing sends with a shared rate limiter.
type Dispatcher interface {
	Start(ctx context.Context) error
	Stop() error

	// Publish hands a completion event to the dispatcher. It blocks only
	// while the event buffer is full; events published after Stop are
	// dropped rather than blocking the caller.
	Publish(c Completion)
}

// DispatcherConfig for the dispatcher.
type DispatcherConfig struct {
	MessagesPerMinute int
	FeedbackDelay     time.Duration
}

// NewDispatcher creates a dispatcher. archiver may be nil.
func NewDispatcher(
	log logrus.FieldLogger,
	cfg *DispatcherConfig,
	notifier Notifier,
	archiver Archiver,
) Dispatcher {
	return &dispatcher{
		log:      log.WithField("component", "dispatcher"),
		cfg:      cfg,
		notifier: notifier,
		archiver: archiver,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.MessagesPerMinute)/60.0), cfg.MessagesPerMinute),
		events:   make(chan Completion, 64),
		done:     make(chan struct{}),
	}
}

type dispatcher struct {
	log      logrus.FieldLogger
	cfg      *DispatcherConfig
	notifier Notifier
	archiver Archiver
	limiter  *rate.Limiter
	events   chan Completion
	done     chan struct{}
	wg       sync.WaitGroup
}

// Ensure interface compliance.
var _ Dispatcher = (*dispatcher)(nil)

// Start launches the delivery goroutine.
func (d *dispatcher) Start(ctx context.Context) error {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for {
			select {
			case c := <-d.events:
				d.deliver(ctx, c)
			case <-d.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	d.log.Debug("Dispatcher started")

	return nil
}

// Stop signals the delivery goroutine to stop and waits for it.
func (d *dispatcher) Stop() error {
	close(d.done)
	d.wg.Wait()

	return nil
}

// Publish hands a completion event to the dispatcher. After Stop the
// event is dropped so a late worker never blocks on a full buffer.
func (d *dispatcher) Publish(c Completion) {
	select {
	case d.events <- c:
	case <-d.done:
		d.log.WithField("run_id", c.RunID).Warn("Dispatcher stopped, dropping completion event")
	}
}

// deliver sends the short feedback message and, after the configured
// delay, the detailed report document. A failure at any step is logged and
// the remaining steps are skipped; already-persisted results are not
// rolled back.
func (d *dispatcher) deliver(ctx context.Context, c Completion) {
	log := d.log.WithFields(logrus.Fields{
		"run_id":    c.RunID,
		"user":      c.UserID,
		"challenge": c.ChallengeID,
	})

	channelID, err := d.resolveResultsChannel(ctx, c)
	if err != nil {
		log.WithError(err).Error("Failed to resolve results channel, dropping notification")

		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	if err := d.notifier.SendMessage(ctx, channelID, summaryLine(c)); err != nil {
		log.WithError(err).Error("Feedback delivery failed after results were persisted")

		return
	}

	if !c.Success || len(c.Document) == 0 {
		return
	}

	// Fixed delay between the two messages to respect gateway limits.
	select {
	case <-time.After(d.cfg.FeedbackDelay):
	case <-ctx.Done():
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	name := fmt.Sprintf("report-%s-%s.md", c.ChallengeID, c.RunID)

	if err := d.notifier.SendFile(ctx, channelID, name, c.Document); err != nil {
		log.WithError(err).Error("Report document delivery failed")

		return
	}

	if d.archiver != nil {
		key := fmt.Sprintf("reports/%s/%s", c.ChallengeID, name)
		if err := d.archiver.Upload(ctx, key, c.Document, "text/markdown"); err != nil {
			log.WithError(err).Warn("Report archive upload failed")
		}
	}

	log.Debug("Feedback delivered")
}

// resolveResultsChannel finds the per-challenge results subchannel,
// creating it on first use.
func (d *dispatcher) resolveResultsChannel(ctx context.Context, c Completion) (string, error) {
	name := resultsChannelName(c.ChallengeID)

	id, found, err := d.notifier.FindSubchannel(ctx, c.ParentChannelID, name)
	if err != nil {
		return "", fmt.Errorf("finding subchannel: %w", err)
	}

	if found {
		return id, nil
	}

	id, err = d.notifier.CreateSubchannel(ctx, c.ParentChannelID, name)
	if err != nil {
		return "", fmt.Errorf("creating subchannel: %w", err)
	}

	return id, nil
}

// resultsChannelName derives the subchannel name for a challenge.
func resultsChannelName(challengeID string) string {
	return "results-" + strings.ToLower(strings.ReplaceAll(challengeID, " ", "-"))
}

// summaryLine is the short feedback message for a completion.
func summaryLine(c Completion) string {
	if !c.Success {
		reason := c.FailureReason
		if reason == "" {
			reason = "something went wrong while running your code"
		}

		return fmt.Sprintf("%s — %s: %s. Please try submitting again.",
			c.Username, c.ChallengeID, reason)
	}

	return fmt.Sprintf("%s — %s: %d/%d tests passed (%d points, attempt %d)",
		c.Username, c.ChallengeID, c.Passed, c.Total, c.Points, c.Attempt)
}
