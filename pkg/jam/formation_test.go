package jam_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/jam"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/notify"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

func TestTeamCount(t *testing.T) {
	tests := []struct {
		poolSize int
		want     int
	}{
		{22, 3}, // half=11, buckets=2, target=max(6,3)=6, teams=3
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 1},
		{6, 2},
		{11, 1},
		{12, 4},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, jam.TeamCount(tt.poolSize), "poolSize=%d", tt.poolSize)
	}
}

func TestTeamName(t *testing.T) {
	assert.Equal(t, "ga-ja-ut-1", jam.TeamName("Game Jam", "UTC", 1))
	assert.Equal(t, "ro-eu-3", jam.TeamName("Robotics", "EU", 3))
}

func TestAssignInterleavesExperience(t *testing.T) {
	regs := make([]store.Registration, 9)
	for i := range regs {
		regs[i] = store.Registration{
			UserID:          fmt.Sprintf("u%d", i),
			ExperienceLevel: i, // 0..8
		}
	}

	buckets := jam.Assign(regs, 3)
	require.Len(t, buckets, 3)

	for _, bucket := range buckets {
		require.Len(t, bucket, 3)

		// Dealt by descending experience, each team gets one member from
		// every experience tier.
		assert.Greater(t, bucket[0].ExperienceLevel, bucket[1].ExperienceLevel)
		assert.Greater(t, bucket[1].ExperienceLevel, bucket[2].ExperienceLevel)
	}
}

func TestAssignUnevenPool(t *testing.T) {
	regs := make([]store.Registration, 7)
	for i := range regs {
		regs[i] = store.Registration{UserID: fmt.Sprintf("u%d", i)}
	}

	buckets := jam.Assign(regs, 2)
	require.Len(t, buckets, 2)
	assert.Len(t, buckets[0], 4)
	assert.Len(t, buckets[1], 3)
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func seedConfirmed(t *testing.T, st store.Store, topicID uint, n int, solo bool) {
	t.Helper()

	ctx := context.Background()

	for i := 0; i < n; i++ {
		user := fmt.Sprintf("user-%d-%v", i, solo)

		require.NoError(t, st.CreateRegistration(ctx, &store.Registration{
			GuildID:         "g1",
			UserID:          user,
			TopicID:         topicID,
			DisplayName:     user,
			Timezone:        "UTC",
			ExperienceLevel: i % 4,
			IsSolo:          solo,
			RegisteredOn:    time.Now(),
		}))
		require.NoError(t, st.ConfirmRegistration(ctx, "g1", user, topicID, "yes"))
	}
}

func TestFormTeamsProvisionsAndPersists(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := setupTestStore(t)
	ctx := context.Background()

	topic := &store.Topic{Title: "Game Jam", Active: true}
	require.NoError(t, st.UpsertTopic(ctx, topic))

	seedConfirmed(t, st, topic.ID, 6, false)

	regs, err := st.ListUnassignedConfirmed(ctx, topic.ID)
	require.NoError(t, err)
	require.Len(t, regs, 6)

	engine := jam.NewEngine(log, st, notify.NewLogNotifier(log))

	formed := engine.FormTeams(ctx, "g1", topic, "UTC", regs)
	assert.Equal(t, 2, formed)

	// Everyone is assigned afterwards.
	regs, err = st.ListUnassignedConfirmed(ctx, topic.ID)
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestFormTeamsExcludesSolo(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := setupTestStore(t)
	ctx := context.Background()

	topic := &store.Topic{Title: "Solo Jam", Active: true}
	require.NoError(t, st.UpsertTopic(ctx, topic))

	solo := store.Registration{
		GuildID: "g1", UserID: "loner", TopicID: topic.ID, IsSolo: true,
	}
	require.NoError(t, st.CreateRegistration(ctx, &solo))

	engine := jam.NewEngine(log, st, notify.NewLogNotifier(log))

	formed := engine.FormTeams(ctx, "g1", topic, "UTC", []store.Registration{solo})
	assert.Zero(t, formed)
}

// failingNotifier rejects space provisioning to exercise the no-orphans
// guarantee.
type failingNotifier struct {
	*notify.LogNotifier
}

func (f *failingNotifier) ProvisionTeamSpace(context.Context, string, string, []string) (*notify.TeamSpace, error) {
	return nil, fmt.Errorf("gateway unavailable")
}

func TestFormTeamsProvisioningFailureLeavesNoOrphans(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := setupTestStore(t)
	ctx := context.Background()

	topic := &store.Topic{Title: "Doomed Jam", Active: true}
	require.NoError(t, st.UpsertTopic(ctx, topic))

	seedConfirmed(t, st, topic.ID, 4, false)

	regs, err := st.ListUnassignedConfirmed(ctx, topic.ID)
	require.NoError(t, err)

	engine := jam.NewEngine(log, st, &failingNotifier{notify.NewLogNotifier(log)})

	formed := engine.FormTeams(ctx, "g1", topic, "UTC", regs)
	assert.Zero(t, formed)

	// No team rows, registrations still unassigned.
	regs, err = st.ListUnassignedConfirmed(ctx, topic.ID)
	require.NoError(t, err)
	assert.Len(t, regs, 4)
}
