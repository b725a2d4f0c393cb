package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestUpsertSubmissionIncrementsAttempt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertSubmission(ctx, &store.Submission{
		UserID:      "u1",
		ChallengeID: "fizzbuzz",
		Language:    "python",
		Code:        "print('v1')",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempt)
	assert.False(t, first.SubmittedAt.IsZero(), "first submit must be timestamped")

	second, err := s.UpsertSubmission(ctx, &store.Submission{
		UserID:      "u1",
		ChallengeID: "fizzbuzz",
		Language:    "python",
		Code:        "print('v2')",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.SubmittedAt.Before(first.SubmittedAt), "resubmit must refresh the timestamp")

	// Still exactly one row, holding the latest code.
	got, err := s.GetSubmission(ctx, "u1", "fizzbuzz")
	require.NoError(t, err)
	assert.Equal(t, "print('v2')", got.Code)
	assert.Equal(t, 2, got.Attempt)
}

func TestUpsertSubmissionSeparateChallenges(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSubmission(ctx, &store.Submission{UserID: "u1", ChallengeID: "a", Code: "x"})
	require.NoError(t, err)

	sub, err := s.UpsertSubmission(ctx, &store.Submission{UserID: "u1", ChallengeID: "b", Code: "y"})
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Attempt)
}

func TestUpsertReportReplacesResults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertReport(ctx, &store.Report{
		ChallengeID: "fizzbuzz",
		UserID:      "u1",
		Points:      5,
		Results: []store.TestResult{
			{TestName: "test_a", Passed: true},
			{TestName: "test_b", Passed: false},
			{TestName: "test_c", Passed: false},
		},
	}))

	first, err := s.GetReport(ctx, "u1", "fizzbuzz")
	require.NoError(t, err)

	require.NoError(t, s.UpsertReport(ctx, &store.Report{
		ChallengeID: "fizzbuzz",
		UserID:      "u1",
		Points:      10,
		Results: []store.TestResult{
			{TestName: "test_a", Passed: true},
			{TestName: "test_b", Passed: true},
		},
	}))

	second, err := s.GetReport(ctx, "u1", "fizzbuzz")
	require.NoError(t, err)

	// Same report identity, results mirror the latest run only.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 10, second.Points)
	require.Len(t, second.Results, 2)

	for _, r := range second.Results {
		assert.True(t, r.Passed)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &store.User{ExternalID: "a", Username: "alice"}))
	require.NoError(t, s.UpsertUser(ctx, &store.User{ExternalID: "b", Username: "bob"}))
	require.NoError(t, s.UpsertUser(ctx, &store.User{ExternalID: "c", Username: "carol"}))

	seed := []struct {
		user     string
		points   int
		attempts int
		duration int64
	}{
		{"a", 10, 2, 5},
		{"b", 10, 1, 9},
		{"c", 12, 5, 1},
	}

	for _, row := range seed {
		require.NoError(t, s.UpsertReport(ctx, &store.Report{
			ChallengeID: "fizzbuzz",
			UserID:      row.user,
			Points:      row.points,
			DurationMs:  row.duration,
		}))

		for i := 0; i < row.attempts; i++ {
			_, err := s.UpsertSubmission(ctx, &store.Submission{
				UserID:      row.user,
				ChallengeID: "fizzbuzz",
				Code:        "code",
			})
			require.NoError(t, err)
		}
	}

	entries, err := s.Leaderboard(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// More points wins; among equal points fewer attempts wins.
	assert.Equal(t, "carol", entries[0].Username)
	assert.Equal(t, "bob", entries[1].Username)
	assert.Equal(t, "alice", entries[2].Username)
}

func TestRegistrationConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	reg := &store.Registration{GuildID: "g1", UserID: "u1", TopicID: 1}
	require.NoError(t, s.CreateRegistration(ctx, reg))

	err := s.CreateRegistration(ctx, &store.Registration{GuildID: "g1", UserID: "u1", TopicID: 1})
	assert.ErrorIs(t, err, store.ErrConflict)

	// A different topic is a new registration, not a conflict.
	require.NoError(t, s.CreateRegistration(ctx, &store.Registration{GuildID: "g1", UserID: "u1", TopicID: 2}))
}

func TestConfirmAndAbandonRegistration(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRegistration(ctx, &store.Registration{GuildID: "g1", UserID: "u1", TopicID: 1}))

	require.NoError(t, s.ConfirmRegistration(ctx, "g1", "u1", 1, "yes"))

	regs, err := s.ListUnassignedConfirmed(ctx, 1)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	require.NotNil(t, regs[0].ConfirmedOn)

	require.NoError(t, s.AbandonRegistration(ctx, "g1", "u1", 1))

	// Abandonment is terminal: no further confirm, no team eligibility.
	assert.ErrorIs(t, s.ConfirmRegistration(ctx, "g1", "u1", 1, "yes"), store.ErrNotFound)

	regs, err = s.ListUnassignedConfirmed(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestConfirmUnknownRegistration(t *testing.T) {
	s := setupTestStore(t)

	err := s.ConfirmRegistration(context.Background(), "g1", "nobody", 1, "yes")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateTeamAssignsRegistrations(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		require.NoError(t, s.CreateRegistration(ctx, &store.Registration{
			GuildID: "g1", UserID: user, TopicID: 1,
		}))
		require.NoError(t, s.ConfirmRegistration(ctx, "g1", user, 1, "yes"))
	}

	regs, err := s.ListUnassignedConfirmed(ctx, 1)
	require.NoError(t, err)
	require.Len(t, regs, 3)

	ids := make([]uint, len(regs))
	members := make([]store.TeamMember, len(regs))

	for i, reg := range regs {
		ids[i] = reg.ID
		members[i] = store.TeamMember{UserID: reg.UserID}
	}

	team := &store.Team{Name: "ja-gm-1", TopicID: 1, ChannelID: "ch1", RoleID: "r1"}
	require.NoError(t, s.CreateTeam(ctx, team, members, ids))
	require.NotZero(t, team.ID)

	// All three registrations now carry the team id and drop out of the
	// unassigned pool.
	regs, err = s.ListUnassignedConfirmed(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestTopicWindows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()

	require.NoError(t, s.UpsertTopic(ctx, &store.Topic{
		Title:             "Game Jam",
		RegistrationStart: now.Add(-24 * time.Hour),
		RegistrationEnd:   now.Add(24 * time.Hour),
		ActiveStart:       now.Add(48 * time.Hour),
		ActiveEnd:         now.Add(96 * time.Hour),
		Active:            true,
	}))

	open, err := s.ListTopicsInRegistration(ctx, now)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	started, err := s.ListTopicsStarted(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, started)

	started, err = s.ListTopicsStarted(ctx, now.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Len(t, started, 1)
}
