package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/queue"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/sandbox"
)

// fakePool records enqueued items without processing them.
type fakePool struct {
	mu    sync.Mutex
	items []*queue.Item
}

func (f *fakePool) Start(context.Context) error { return nil }
func (f *fakePool) Stop() error                 { return nil }

func (f *fakePool) Enqueue(item *queue.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.items = append(f.items, item)
}

func (f *fakePool) Depth() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.items)
}

func (f *fakePool) OldestWait() time.Duration { return 0 }

func (f *fakePool) ActiveRunIDs() []string { return nil }

func newTestIntake(t *testing.T) (*queue.Intake, *fakePool) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := setupTestStore(t)
	pool := &fakePool{}

	challenges := []config.ChallengeConfig{
		{ID: "fizzbuzz", Language: "python", Image: "codejam/python:latest", Points: 10},
		{ID: "fizzbuzz", Language: "javascript", Image: "codejam/node:latest", Points: 10},
	}

	intake := queue.NewIntake(log, challenges, st, sandbox.NewRegistry(), pool)

	return intake, pool
}

func TestSubmitEnqueues(t *testing.T) {
	intake, pool := newTestIntake(t)

	sub, err := intake.Submit(context.Background(), &queue.SubmitRequest{
		UserID:      "u1",
		Username:    "alice",
		ChallengeID: "fizzbuzz",
		Language:    "python",
		Code:        "print('hi')",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Attempt)
	assert.False(t, sub.SubmittedAt.IsZero(), "accepted submissions carry a timestamp")
	require.Equal(t, 1, pool.Depth())

	item := pool.items[0]
	assert.Equal(t, "fizzbuzz", item.ChallengeID)
	assert.Equal(t, "codejam/python:latest", item.Test.Image)
}

func TestSubmitResubmissionBumpsAttempt(t *testing.T) {
	intake, pool := newTestIntake(t)
	ctx := context.Background()

	req := &queue.SubmitRequest{
		UserID:      "u1",
		Username:    "alice",
		ChallengeID: "fizzbuzz",
		Language:    "python",
		Code:        "print('v1')",
	}

	_, err := intake.Submit(ctx, req)
	require.NoError(t, err)

	req.Code = "print('v2')"

	sub, err := intake.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Attempt)
	assert.Equal(t, 2, pool.Depth())
}

func TestSubmitValidation(t *testing.T) {
	intake, pool := newTestIntake(t)

	_, err := intake.Submit(context.Background(), &queue.SubmitRequest{
		UserID:      "u1",
		ChallengeID: "unknown-challenge",
		Language:    "cobol",
		Code:        "  ",
	})
	require.Error(t, err)

	var verr *queue.ValidationError
	require.ErrorAs(t, err, &verr)

	// Every problem is reported at once.
	assert.Len(t, verr.Problems, 3)
	assert.Zero(t, pool.Depth(), "rejected requests never reach the queue")
}

func TestSubmitUnknownLanguageVariant(t *testing.T) {
	intake, _ := newTestIntake(t)

	// Challenge exists, but not for this language.
	_, err := intake.Submit(context.Background(), &queue.SubmitRequest{
		UserID:      "u1",
		ChallengeID: "fizzbuzz",
		Language:    "javascript",
		Code:        "console.log('hi')",
	})
	require.NoError(t, err, "javascript variant is configured")

	_, err = intake.Submit(context.Background(), &queue.SubmitRequest{
		UserID:      "u1",
		ChallengeID: "fizzbuzz",
		Language:    "cobol",
		Code:        "DISPLAY 'hi'",
	})

	var verr *queue.ValidationError
	require.ErrorAs(t, err, &verr)
}
