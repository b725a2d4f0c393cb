package jam_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/jam"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

func newTestService(t *testing.T) (*jam.Service, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := setupTestStore(t)

	return jam.NewService(log, st), st
}

func TestRegisterUnknownTopic(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.Register(context.Background(), &jam.RegistrationRequest{
		GuildID:    "g1",
		UserID:     "u1",
		TopicTitle: "does not exist",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegisterOutsideWindow(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTopic(ctx, &store.Topic{
		Title:             "Past Jam",
		RegistrationStart: time.Now().Add(-48 * time.Hour),
		RegistrationEnd:   time.Now().Add(-24 * time.Hour),
		Active:            true,
	}))

	err := svc.Register(ctx, &jam.RegistrationRequest{
		GuildID:    "g1",
		UserID:     "u1",
		TopicTitle: "Past Jam",
	})
	assert.ErrorIs(t, err, jam.ErrRegistrationClosed)
}

func TestRegisterConfirmAbandonFlow(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTopic(ctx, &store.Topic{
		Title:             "Open Jam",
		RegistrationStart: time.Now().Add(-time.Hour),
		RegistrationEnd:   time.Now().Add(24 * time.Hour),
		Active:            true,
	}))

	req := &jam.RegistrationRequest{
		GuildID:         "g1",
		UserID:          "u1",
		DisplayName:     "alice",
		TopicTitle:      "Open Jam",
		Timezone:        "UTC",
		ExperienceLevel: 2,
	}

	require.NoError(t, svc.Register(ctx, req))

	// A second apply is a conflict, not a second row.
	assert.ErrorIs(t, svc.Register(ctx, req), store.ErrConflict)

	require.NoError(t, svc.Confirm(ctx, &jam.ConfirmRequest{
		GuildID: "g1", UserID: "u1", TopicTitle: "Open Jam", Value: "yes",
	}))

	require.NoError(t, svc.Abandon(ctx, &jam.AbandonRequest{
		GuildID: "g1", UserID: "u1", TopicTitle: "Open Jam",
	}))

	// Terminal: confirming again fails.
	assert.ErrorIs(t, svc.Confirm(ctx, &jam.ConfirmRequest{
		GuildID: "g1", UserID: "u1", TopicTitle: "Open Jam", Value: "yes",
	}), store.ErrNotFound)
}
