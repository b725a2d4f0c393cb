package jam_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/jam"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/notify"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

// dmRecordingNotifier counts direct messages sent by the scheduler.
type dmRecordingNotifier struct {
	*notify.LogNotifier

	mu  sync.Mutex
	dms int
}

func (n *dmRecordingNotifier) SendDirect(_ context.Context, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.dms++

	return nil
}

func (n *dmRecordingNotifier) sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.dms
}

// seedReminderDue creates a topic inside its registration window with one
// unconfirmed registration that is due an "hours left" reminder.
func seedReminderDue(t *testing.T, st store.Store) *store.Topic {
	t.Helper()

	ctx := context.Background()

	topic := &store.Topic{
		Title:             "Gated Jam",
		RegistrationStart: time.Now().Add(-time.Hour),
		RegistrationEnd:   time.Now().Add(12 * time.Hour),
		Active:            true,
	}
	require.NoError(t, st.UpsertTopic(ctx, topic))

	require.NoError(t, st.CreateRegistration(ctx, &store.Registration{
		GuildID:      "g1",
		UserID:       "u1",
		TopicID:      topic.ID,
		DisplayName:  "u1",
		Timezone:     "UTC",
		RegisteredOn: time.Now(),
	}))

	return topic
}

func newLoopScheduler(t *testing.T, st store.Store, notifier notify.Notifier, ready jam.ReadyFunc) *jam.Scheduler {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	engine := jam.NewEngine(log, st, notifier)

	return jam.NewScheduler(log, &jam.SchedulerConfig{
		Tick: 5 * time.Millisecond,
	}, st, notifier, engine, ready)
}

func TestSchedulerSkipsTicksWhileNotReady(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := setupTestStore(t)
	seedReminderDue(t, st)

	notifier := &dmRecordingNotifier{LogNotifier: notify.NewLogNotifier(log)}

	sched := newLoopScheduler(t, st, notifier, func() bool { return false })
	require.NoError(t, sched.Start(context.Background()))

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, sched.Stop())

	assert.Zero(t, notifier.sent(), "unhealthy gateway must suppress reminders")
}

func TestSchedulerSendsReminderWhenReady(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := setupTestStore(t)
	topic := seedReminderDue(t, st)

	notifier := &dmRecordingNotifier{LogNotifier: notify.NewLogNotifier(log)}

	sched := newLoopScheduler(t, st, notifier, nil)
	require.NoError(t, sched.Start(context.Background()))

	deadline := time.Now().Add(3 * time.Second)
	for notifier.sent() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, sched.Stop())
	require.GreaterOrEqual(t, notifier.sent(), 1)

	// The cooldown timestamp is persisted.
	regs, err := st.ListUnconfirmedRegistrations(context.Background(), topic.ID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.NotNil(t, regs[0].ReminderSentOn)
}
