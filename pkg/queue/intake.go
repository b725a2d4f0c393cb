package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/sandbox"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

// SubmitRequest is the structured command input for a code submission,
// already parsed from user interaction by the gateway layer.
type SubmitRequest struct {
	UserID          string
	Username        string
	ChallengeID     string
	Language        string
	Code            string
	ParentChannelID string
}

// ValidationError carries the full list of problems with a rejected
// request. Requests failing validation never reach the queue.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// Intake accepts submission requests: it validates them, records the
// submission row, and enqueues the work item.
type Intake struct {
	log        logrus.FieldLogger
	store      store.Store
	registry   *sandbox.Registry
	pool       Pool
	challenges map[string]map[string]config.ChallengeConfig
}

// NewIntake creates an intake indexing challenge definitions by
// (challenge id, language).
func NewIntake(
	log logrus.FieldLogger,
	challenges []config.ChallengeConfig,
	st store.Store,
	registry *sandbox.Registry,
	pool Pool,
) *Intake {
	index := make(map[string]map[string]config.ChallengeConfig, len(challenges))

	for _, c := range challenges {
		if index[c.ID] == nil {
			index[c.ID] = make(map[string]config.ChallengeConfig, 2)
		}

		index[c.ID][c.Language] = c
	}

	return &Intake{
		log:        log.WithField("component", "intake"),
		store:      st,
		registry:   registry,
		pool:       pool,
		challenges: index,
	}
}

// Submit validates the request, upserts the submission row and enqueues
// the item. The returned submission reflects the updated attempt count.
func (i *Intake) Submit(ctx context.Context, req *SubmitRequest) (*store.Submission, error) {
	test, err := i.validate(req)
	if err != nil {
		return nil, err
	}

	if err := i.store.UpsertUser(ctx, &store.User{
		ExternalID: req.UserID,
		Username:   req.Username,
	}); err != nil {
		return nil, fmt.Errorf("recording user: %w", err)
	}

	sub, err := i.store.UpsertSubmission(ctx, &store.Submission{
		UserID:      req.UserID,
		ChallengeID: req.ChallengeID,
		Language:    req.Language,
		Code:        req.Code,
	})
	if err != nil {
		return nil, fmt.Errorf("recording submission: %w", err)
	}

	i.pool.Enqueue(&Item{
		UserID:          req.UserID,
		Username:        req.Username,
		ChallengeID:     req.ChallengeID,
		Language:        req.Language,
		Code:            req.Code,
		Attempt:         sub.Attempt,
		ParentChannelID: req.ParentChannelID,
		EnqueuedAt:      time.Now(),
		Test:            *test,
	})

	i.log.WithFields(logrus.Fields{
		"user":      req.UserID,
		"challenge": req.ChallengeID,
		"attempt":   sub.Attempt,
	}).Info("Submission accepted")

	return sub, nil
}

// validate checks the request and resolves the matching challenge
// definition. All problems are collected into one error.
func (i *Intake) validate(req *SubmitRequest) (*config.ChallengeConfig, error) {
	var problems []string

	if strings.TrimSpace(req.Code) == "" {
		problems = append(problems, "code must not be empty")
	}

	if _, err := i.registry.Get(req.Language); err != nil {
		problems = append(problems, fmt.Sprintf("unsupported language %q", req.Language))
	}

	byLanguage, ok := i.challenges[req.ChallengeID]
	if !ok {
		problems = append(problems, fmt.Sprintf("unknown challenge %q", req.ChallengeID))
	}

	var test config.ChallengeConfig

	if ok {
		test, ok = byLanguage[req.Language]
		if !ok {
			problems = append(problems, fmt.Sprintf("challenge %q has no %s variant", req.ChallengeID, req.Language))
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	return &test, nil
}
