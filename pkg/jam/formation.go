// Package jam manages the hackathon lifecycle: registration commands, the
// scheduled control loop, and automatic team formation.
package jam

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/notify"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

// maxParallelProvisions bounds concurrent team space provisioning calls
// against the external gateway.
const maxParallelProvisions = 4

// Engine partitions a pool of registrants into balanced teams and
// provisions one communication space per team.
type Engine struct {
	log      logrus.FieldLogger
	store    store.Store
	notifier notify.Notifier
}

// NewEngine creates a team formation engine.
func NewEngine(log logrus.FieldLogger, st store.Store, notifier notify.Notifier) *Engine {
	return &Engine{
		log:      log.WithField("component", "formation"),
		store:    st,
		notifier: notifier,
	}
}

// TeamCount computes the number of teams for a pool size. Larger pools get
// proportionally more, slightly-larger-than-3 teams; there is always at
// least one team and a minimum team size floor of 3.
func TeamCount(poolSize int) int {
	if poolSize <= 0 {
		return 0
	}

	half := ceilDiv(poolSize, 2)
	buckets := ceilDiv(poolSize, 11)

	target := ceilDiv(half, buckets)
	if target < 3 {
		target = 3
	}

	teams := poolSize / target
	if teams < 1 {
		teams = 1
	}

	return teams
}

// TeamName derives a team label from the topic title, the timezone and a
// 1-based team index. Multi-word titles abbreviate to two letters per word
// joined by hyphens; single words keep their first two letters.
func TeamName(topicTitle, timezone string, index int) string {
	return fmt.Sprintf("%s-%s-%d", abbreviate(topicTitle), abbreviate(timezone), index)
}

// Assign deals registrants into team buckets one at a time with a wrapping
// index, sorted by experience level descending first. This interleaves
// experience levels evenly across teams instead of clustering them.
func Assign(regs []store.Registration, teams int) [][]store.Registration {
	if teams <= 0 {
		return nil
	}

	sorted := make([]store.Registration, len(regs))
	copy(sorted, regs)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExperienceLevel > sorted[j].ExperienceLevel
	})

	buckets := make([][]store.Registration, teams)

	for i, reg := range sorted {
		buckets[i%teams] = append(buckets[i%teams], reg)
	}

	return buckets
}

// FormTeams partitions one (topic, timezone) pool into teams and provisions
// each team's space. Solo registrants are excluded. One team's provisioning
// failure is logged and does not abort the remaining teams.
func (e *Engine) FormTeams(
	ctx context.Context,
	guildID string,
	topic *store.Topic,
	timezone string,
	regs []store.Registration,
) int {
	log := e.log.WithFields(logrus.Fields{
		"topic":    topic.Title,
		"timezone": timezone,
	})

	pool := make([]store.Registration, 0, len(regs))

	for _, reg := range regs {
		if !reg.IsSolo {
			pool = append(pool, reg)
		}
	}

	teams := TeamCount(len(pool))
	if teams == 0 {
		return 0
	}

	log.WithFields(logrus.Fields{
		"pool":  len(pool),
		"teams": teams,
	}).Info("Forming teams")

	var formed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProvisions)

	for i, bucket := range Assign(pool, teams) {
		if len(bucket) == 0 {
			continue
		}

		name := TeamName(topic.Title, timezone, i+1)

		// One team's failure never aborts the others; errors are logged
		// here and the group always returns nil.
		g.Go(func() error {
			if err := e.formTeam(gctx, guildID, topic, name, bucket); err != nil {
				log.WithError(err).WithField("team", name).Error("Team formation failed, continuing with next team")

				return nil
			}

			formed.Add(1)

			return nil
		})
	}

	_ = g.Wait()

	return int(formed.Load())
}

// formTeam provisions the external space first and persists the Team row
// only afterwards, so a provisioning failure leaves no orphaned rows.
func (e *Engine) formTeam(
	ctx context.Context,
	guildID string,
	topic *store.Topic,
	name string,
	bucket []store.Registration,
) error {
	memberIDs := make([]string, len(bucket))
	members := make([]store.TeamMember, len(bucket))
	registrationIDs := make([]uint, len(bucket))

	for i, reg := range bucket {
		memberIDs[i] = reg.UserID
		members[i] = store.TeamMember{UserID: reg.UserID, DisplayName: reg.DisplayName}
		registrationIDs[i] = reg.ID
	}

	space, err := e.notifier.ProvisionTeamSpace(ctx, guildID, name, memberIDs)
	if err != nil {
		return fmt.Errorf("provisioning team space: %w", err)
	}

	team := &store.Team{
		Name:      name,
		TopicID:   topic.ID,
		ChannelID: space.ChannelID,
		RoleID:    space.RoleID,
	}

	if err := e.store.CreateTeam(ctx, team, members, registrationIDs); err != nil {
		return fmt.Errorf("persisting team: %w", err)
	}

	welcome := fmt.Sprintf("Welcome to %s! You are working on %q together. Good luck!", name, topic.Title)
	if err := e.notifier.SendMessage(ctx, space.ChannelID, welcome); err != nil {
		e.log.WithError(err).WithField("team", name).Warn("Welcome message delivery failed")
	}

	return nil
}

// abbreviate shortens a phrase to two letters per word joined by hyphens.
func abbreviate(s string) string {
	words := strings.Fields(strings.ToLower(s))

	parts := make([]string, 0, len(words))

	for _, w := range words {
		if len(w) > 2 {
			w = w[:2]
		}

		parts = append(parts, w)
	}

	return strings.Join(parts, "-")
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
