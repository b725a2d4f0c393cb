// Package queue accepts submissions and drives them through the sandbox
// pipeline with bounded concurrency.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/notify"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/report"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/sandbox"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

// Item is one accepted submission waiting for a worker. Items live only in
// memory: a process restart loses in-flight items, while the submission
// row itself survives for a later resubmit.
type Item struct {
	UserID          string
	Username        string
	ChallengeID     string
	Language        string
	Code            string
	Attempt         int
	ParentChannelID string
	EnqueuedAt      time.Time
	Test            config.ChallengeConfig
}

// Pool is the bounded worker pool processing queued submissions.
type Pool interface {
	Start(ctx context.Context) error
	Stop() error

	// Enqueue appends an item to the queue and returns immediately.
	Enqueue(item *Item)

	// Depth returns the number of queued, not-yet-started items.
	Depth() int

	// OldestWait returns how long the oldest queued item has been
	// waiting, or zero when the queue is empty.
	OldestWait() time.Duration

	// ActiveRunIDs returns the run IDs currently executing.
	ActiveRunIDs() []string
}

// PoolConfig for the worker pool.
type PoolConfig struct {
	MaxConcurrent int
	Tick          time.Duration
}

// NewPool creates a worker pool.
func NewPool(
	log logrus.FieldLogger,
	cfg *PoolConfig,
	exec sandbox.Executor,
	st store.Store,
	dispatcher notify.Dispatcher,
) Pool {
	return &pool{
		log:        log.WithField("component", "queue"),
		cfg:        cfg,
		executor:   exec,
		store:      st,
		dispatcher: dispatcher,
		active:     make(map[string]struct{}, cfg.MaxConcurrent),
		done:       make(chan struct{}),
	}
}

type pool struct {
	log        logrus.FieldLogger
	cfg        *PoolConfig
	executor   sandbox.Executor
	store      store.Store
	dispatcher notify.Dispatcher

	mu     sync.Mutex
	items  []*Item
	active map[string]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// Ensure interface compliance.
var _ Pool = (*pool)(nil)

// Start launches the scheduling loop.
func (p *pool) Start(ctx context.Context) error {
	p.log.WithFields(logrus.Fields{
		"max_concurrent": p.cfg.MaxConcurrent,
		"tick":           p.cfg.Tick.String(),
	}).Info("Starting worker pool")

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.cfg.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.schedule(ctx)
			case <-p.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the scheduling loop to stop and waits for all in-flight
// workers to finish.
func (p *pool) Stop() error {
	close(p.done)
	p.wg.Wait()

	p.log.Info("Worker pool stopped")

	return nil
}

// Enqueue appends an item to the queue. Non-blocking; there is no
// backpressure beyond the externally reported queue depth.
func (p *pool) Enqueue(item *Item) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	p.items = append(p.items, item)
}

// Depth returns the number of queued items.
func (p *pool) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.items)
}

// OldestWait returns the queue age of the item at the head of the line.
func (p *pool) OldestWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.items) == 0 {
		return 0
	}

	return time.Since(p.items[0].EnqueuedAt)
}

// ActiveRunIDs returns the run IDs currently executing.
func (p *pool) ActiveRunIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}

	return ids
}

// schedule dequeues up to the number of free concurrency slots and spawns
// one worker per item.
func (p *pool) schedule(ctx context.Context) {
	p.mu.Lock()

	free := p.cfg.MaxConcurrent - len(p.active)
	if free <= 0 || len(p.items) == 0 {
		p.mu.Unlock()

		return
	}

	if free > len(p.items) {
		free = len(p.items)
	}

	batch := p.items[:free]
	p.items = p.items[free:]

	runIDs := make([]string, len(batch))

	for i := range batch {
		runID := uuid.NewString()[:8]
		runIDs[i] = runID
		p.active[runID] = struct{}{}
	}

	p.mu.Unlock()

	for i, item := range batch {
		p.wg.Add(1)

		go p.process(ctx, runIDs[i], item)
	}
}

// release frees the concurrency slot for a run. This is the only way
// slots are freed, so it runs even when the worker panics.
func (p *pool) release(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, runID)
}

// process drives one submission to completion: execute, persist, publish
// feedback. Every failure is caught and logged; the item is never
// requeued (at-most-once).
func (p *pool) process(ctx context.Context, runID string, item *Item) {
	log := p.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"user":      item.UserID,
		"challenge": item.ChallengeID,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Worker panicked")
		}

		p.release(runID)
		p.wg.Done()
	}()

	run := &sandbox.Run{
		RunID:       runID,
		UserID:      item.UserID,
		ChallengeID: item.ChallengeID,
		Language:    item.Language,
		Code:        item.Code,
		Test:        item.Test,
	}

	rep, err := p.executor.Execute(ctx, run)
	if err != nil {
		log.WithError(err).Error("Sandbox execution error")

		return
	}

	if rep == nil {
		log.Warn("Sandbox produced no usable result, dropping submission")
		p.publishFailure(item, runID, "your code could not be executed")

		return
	}

	points := scorePoints(item.Test.Points, rep)

	stored := &store.Report{
		ChallengeID: item.ChallengeID,
		UserID:      item.UserID,
		Points:      points,
		DurationMs:  rep.Duration.Milliseconds(),
		Results:     toStoredResults(rep),
	}

	if err := p.store.UpsertReport(ctx, stored); err != nil {
		log.WithError(err).Error("Persisting report failed, dropping notification")

		return
	}

	username := item.Username

	if u, err := p.store.GetUserByExternalID(ctx, item.UserID); err == nil {
		username = u.Username
	}

	doc := notify.RenderDocument(username, item.ChallengeID, item.Attempt, rep)

	p.dispatcher.Publish(notify.Completion{
		RunID:           runID,
		UserID:          item.UserID,
		Username:        username,
		ChallengeID:     item.ChallengeID,
		ParentChannelID: item.ParentChannelID,
		Success:         true,
		Passed:          rep.Passed,
		Failed:          rep.Failed,
		Total:           rep.Total,
		Points:          points,
		Attempt:         item.Attempt,
		Duration:        rep.Duration,
		Document:        doc,
	})

	log.WithFields(logrus.Fields{
		"passed": rep.Passed,
		"failed": rep.Failed,
		"points": points,
	}).Info("Submission processed")
}

// publishFailure sends the generic failure notification for a run that
// produced no usable result.
func (p *pool) publishFailure(item *Item, runID, reason string) {
	p.dispatcher.Publish(notify.Completion{
		RunID:           runID,
		UserID:          item.UserID,
		Username:        item.Username,
		ChallengeID:     item.ChallengeID,
		ParentChannelID: item.ParentChannelID,
		Success:         false,
		FailureReason:   reason,
	})
}

// scorePoints awards challenge points proportionally to passed tests.
func scorePoints(challengePoints int, rep *report.Report) int {
	if rep.Total == 0 {
		return 0
	}

	return challengePoints * rep.Passed / rep.Total
}

// toStoredResults converts normalized test results to store rows.
func toStoredResults(rep *report.Report) []store.TestResult {
	results := make([]store.TestResult, 0, len(rep.Results))

	for _, r := range rep.Results {
		results = append(results, store.TestResult{
			TestName:   r.Name,
			Passed:     r.Outcome == report.OutcomePassed,
			DurationMs: r.Duration.Milliseconds(),
			Input:      r.Input,
			Message:    r.Message,
		})
	}

	return results
}
