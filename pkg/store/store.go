package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
)

// ErrNotFound signals that the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict signals a uniqueness conflict (duplicate registration).
var ErrConflict = errors.New("already exists")

// Store provides persistence for all bot entities.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Users.
	UpsertUser(ctx context.Context, u *User) error
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)

	// Submissions.
	UpsertSubmission(ctx context.Context, sub *Submission) (*Submission, error)
	GetSubmission(ctx context.Context, userID, challengeID string) (*Submission, error)

	// Reports.
	UpsertReport(ctx context.Context, rep *Report) error
	GetReport(ctx context.Context, userID, challengeID string) (*Report, error)

	// Leaderboard.
	Leaderboard(ctx context.Context) ([]LeaderboardEntry, error)

	// Topics.
	UpsertTopic(ctx context.Context, t *Topic) error
	GetTopicByTitle(ctx context.Context, title string) (*Topic, error)
	ListTopicsInRegistration(ctx context.Context, now time.Time) ([]Topic, error)
	ListTopicsStarted(ctx context.Context, now time.Time) ([]Topic, error)

	// Registrations.
	CreateRegistration(ctx context.Context, reg *Registration) error
	ConfirmRegistration(ctx context.Context, guildID, userID string, topicID uint, value string) error
	AbandonRegistration(ctx context.Context, guildID, userID string, topicID uint) error
	ListUnconfirmedRegistrations(ctx context.Context, topicID uint) ([]Registration, error)
	ListUnassignedConfirmed(ctx context.Context, topicID uint) ([]Registration, error)
	MarkReminderSent(ctx context.Context, registrationID uint, at time.Time) error

	// Teams. CreateTeam persists the team, its members, and the team
	// assignment on each registration in one transaction, and is only
	// called after external space provisioning succeeded.
	CreateTeam(ctx context.Context, team *Team, members []TeamMember, registrationIDs []uint) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB

	// Serializes writes to avoid SQLite BUSY errors under the worker
	// pool's concurrency. Report upserts are last-write-wins.
	writeMu sync.Mutex
}

// NewStore creates a Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&User{},
		&Submission{},
		&Report{},
		&TestResult{},
		&Topic{},
		&Registration{},
		&Team{},
		&TeamMember{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertUser inserts or updates a user keyed by external ID.
func (s *store) UpsertUser(ctx context.Context, u *User) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := s.db.WithContext(ctx).
		Where("external_id = ?", u.ExternalID).
		Assign(map[string]any{"username": u.Username}).
		FirstOrCreate(u)
	if result.Error != nil {
		return fmt.Errorf("upserting user: %w", result.Error)
	}

	return nil
}

// GetUserByExternalID returns the user with the given platform ID.
func (s *store) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting user: %w", err)
	}

	return &u, nil
}

// UpsertSubmission creates the submission on first submit or, on resubmit,
// overwrites the code and increments the attempt counter. Exactly one row
// exists per (user, challenge); SubmittedAt is stamped here so it always
// reflects the latest submit.
func (s *store) UpsertSubmission(ctx context.Context, sub *Submission) (*Submission, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now()

	var existing Submission

	err := s.db.WithContext(ctx).
		Where("user_id = ? AND challenge_id = ?", sub.UserID, sub.ChallengeID).
		First(&existing).Error

	switch {
	case err == nil:
		existing.Code = sub.Code
		existing.Language = sub.Language
		existing.SubmittedAt = now
		existing.Attempt++

		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, fmt.Errorf("updating submission: %w", err)
		}

		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		sub.Attempt = 1
		sub.SubmittedAt = now

		if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
			return nil, fmt.Errorf("creating submission: %w", err)
		}

		return sub, nil
	default:
		return nil, fmt.Errorf("looking up submission: %w", err)
	}
}

// GetSubmission returns the submission for (user, challenge).
func (s *store) GetSubmission(ctx context.Context, userID, challengeID string) (*Submission, error) {
	var sub Submission
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND challenge_id = ?", userID, challengeID).
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting submission: %w", err)
	}

	return &sub, nil
}

// UpsertReport inserts a new report or replaces an existing one for the
// same (user, challenge). The existing report keeps its ID; its child test
// results are replaced wholesale so they always mirror the latest run.
func (s *store) UpsertReport(ctx context.Context, rep *Report) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Report

		err := tx.
			Where("user_id = ? AND challenge_id = ?", rep.UserID, rep.ChallengeID).
			First(&existing).Error

		switch {
		case err == nil:
			if err := tx.Where("report_id = ?", existing.ID).
				Delete(&TestResult{}).Error; err != nil {
				return fmt.Errorf("clearing old test results: %w", err)
			}

			rep.ID = existing.ID
			for i := range rep.Results {
				rep.Results[i].ID = 0
				rep.Results[i].ReportID = existing.ID
			}

			if err := tx.Save(rep).Error; err != nil {
				return fmt.Errorf("updating report: %w", err)
			}

			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(rep).Error; err != nil {
				return fmt.Errorf("creating report: %w", err)
			}

			return nil
		default:
			return fmt.Errorf("looking up report: %w", err)
		}
	})
}

// GetReport returns the report for (user, challenge) with its test results.
func (s *store) GetReport(ctx context.Context, userID, challengeID string) (*Report, error) {
	var rep Report
	if err := s.db.WithContext(ctx).
		Preload("Results").
		Where("user_id = ? AND challenge_id = ?", userID, challengeID).
		First(&rep).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting report: %w", err)
	}

	return &rep, nil
}

// Leaderboard computes the ranked standings: points summed per user from
// reports, attempts summed per user from submissions, ordered by points
// descending, then attempts ascending, then duration ascending.
func (s *store) Leaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	type pointsRow struct {
		UserID     string
		Points     int
		DurationMs int64
	}

	var points []pointsRow
	if err := s.db.WithContext(ctx).
		Model(&Report{}).
		Select("user_id, SUM(points) AS points, SUM(duration_ms) AS duration_ms").
		Group("user_id").
		Scan(&points).Error; err != nil {
		return nil, fmt.Errorf("aggregating report points: %w", err)
	}

	type attemptsRow struct {
		UserID   string
		Attempts int
	}

	var attempts []attemptsRow
	if err := s.db.WithContext(ctx).
		Model(&Submission{}).
		Select("user_id, SUM(attempt) AS attempts").
		Group("user_id").
		Scan(&attempts).Error; err != nil {
		return nil, fmt.Errorf("aggregating submission attempts: %w", err)
	}

	attemptsByUser := make(map[string]int, len(attempts))
	for _, row := range attempts {
		attemptsByUser[row.UserID] = row.Attempts
	}

	var users []User
	if err := s.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	nameByID := make(map[string]string, len(users))
	for _, u := range users {
		nameByID[u.ExternalID] = u.Username
	}

	entries := make([]LeaderboardEntry, 0, len(points))

	for _, row := range points {
		name := nameByID[row.UserID]
		if name == "" {
			name = row.UserID
		}

		entries = append(entries, LeaderboardEntry{
			UserID:        row.UserID,
			Username:      name,
			TotalAttempts: attemptsByUser[row.UserID],
			TotalPoints:   row.Points,
			TotalDuration: time.Duration(row.DurationMs) * time.Millisecond,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]

		if a.TotalPoints != b.TotalPoints {
			return a.TotalPoints > b.TotalPoints
		}

		if a.TotalAttempts != b.TotalAttempts {
			return a.TotalAttempts < b.TotalAttempts
		}

		return a.TotalDuration < b.TotalDuration
	})

	return entries, nil
}

// UpsertTopic inserts or updates a topic keyed by title.
func (s *store) UpsertTopic(ctx context.Context, t *Topic) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := s.db.WithContext(ctx).
		Where("title = ?", t.Title).
		Assign(t).
		FirstOrCreate(t)
	if result.Error != nil {
		return fmt.Errorf("upserting topic: %w", result.Error)
	}

	return nil
}

// GetTopicByTitle returns the topic with the given title.
func (s *store) GetTopicByTitle(ctx context.Context, title string) (*Topic, error) {
	var t Topic
	if err := s.db.WithContext(ctx).
		Where("title = ?", title).
		First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting topic: %w", err)
	}

	return &t, nil
}

// ListTopicsInRegistration returns active topics whose registration window
// contains the given instant.
func (s *store) ListTopicsInRegistration(ctx context.Context, now time.Time) ([]Topic, error) {
	var topics []Topic
	if err := s.db.WithContext(ctx).
		Where("active = ? AND registration_start <= ? AND registration_end >= ?",
			true, now, now).
		Find(&topics).Error; err != nil {
		return nil, fmt.Errorf("listing topics in registration: %w", err)
	}

	return topics, nil
}

// ListTopicsStarted returns active topics whose active window has begun.
func (s *store) ListTopicsStarted(ctx context.Context, now time.Time) ([]Topic, error) {
	var topics []Topic
	if err := s.db.WithContext(ctx).
		Where("active = ? AND active_start <= ? AND active_end >= ?",
			true, now, now).
		Find(&topics).Error; err != nil {
		return nil, fmt.Errorf("listing started topics: %w", err)
	}

	return topics, nil
}

// CreateRegistration inserts a new registration. A registration already
// existing for the same (guild, user, topic) is a conflict; the caller must
// not retry.
func (s *store) CreateRegistration(ctx context.Context, reg *Registration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Registration{}).
		Where("guild_id = ? AND user_id = ? AND topic_id = ?",
			reg.GuildID, reg.UserID, reg.TopicID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("checking existing registration: %w", err)
	}

	if count > 0 {
		return ErrConflict
	}

	if err := s.db.WithContext(ctx).Create(reg).Error; err != nil {
		return fmt.Errorf("creating registration: %w", err)
	}

	return nil
}

// ConfirmRegistration records confirmation for a registration.
func (s *store) ConfirmRegistration(ctx context.Context, guildID, userID string, topicID uint, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&Registration{}).
		Where("guild_id = ? AND user_id = ? AND topic_id = ? AND abandoned_on IS NULL",
			guildID, userID, topicID).
		Updates(map[string]any{
			"confirmed_on":       &now,
			"confirmation_value": value,
		})
	if result.Error != nil {
		return fmt.Errorf("confirming registration: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// AbandonRegistration marks a registration abandoned. Terminal for the jam.
func (s *store) AbandonRegistration(ctx context.Context, guildID, userID string, topicID uint) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&Registration{}).
		Where("guild_id = ? AND user_id = ? AND topic_id = ? AND abandoned_on IS NULL",
			guildID, userID, topicID).
		Update("abandoned_on", &now)
	if result.Error != nil {
		return fmt.Errorf("abandoning registration: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListUnconfirmedRegistrations returns non-solo registrations for a topic
// that are neither confirmed nor abandoned.
func (s *store) ListUnconfirmedRegistrations(ctx context.Context, topicID uint) ([]Registration, error) {
	var regs []Registration
	if err := s.db.WithContext(ctx).
		Where("topic_id = ? AND is_solo = ? AND confirmed_on IS NULL AND abandoned_on IS NULL",
			topicID, false).
		Find(&regs).Error; err != nil {
		return nil, fmt.Errorf("listing unconfirmed registrations: %w", err)
	}

	return regs, nil
}

// ListUnassignedConfirmed returns confirmed, non-solo, not-abandoned
// registrations for a topic that have no team yet.
func (s *store) ListUnassignedConfirmed(ctx context.Context, topicID uint) ([]Registration, error) {
	var regs []Registration
	if err := s.db.WithContext(ctx).
		Where("topic_id = ? AND is_solo = ? AND confirmed_on IS NOT NULL AND abandoned_on IS NULL AND team_id IS NULL",
			topicID, false).
		Find(&regs).Error; err != nil {
		return nil, fmt.Errorf("listing unassigned registrations: %w", err)
	}

	return regs, nil
}

// MarkReminderSent persists the reminder timestamp so the cooldown window
// survives restarts.
func (s *store) MarkReminderSent(ctx context.Context, registrationID uint, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.WithContext(ctx).
		Model(&Registration{}).
		Where("id = ?", registrationID).
		Update("reminder_sent_on", &at).Error; err != nil {
		return fmt.Errorf("marking reminder sent: %w", err)
	}

	return nil
}

// CreateTeam persists a formed team, its members, and the team assignment
// on each member's registration in one transaction. Called only after the
// external space exists, so a failure here leaves no orphaned rows.
func (s *store) CreateTeam(ctx context.Context, team *Team, members []TeamMember, registrationIDs []uint) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(team).Error; err != nil {
			return fmt.Errorf("creating team: %w", err)
		}

		for i := range members {
			members[i].TeamID = team.ID
		}

		if len(members) > 0 {
			if err := tx.Create(&members).Error; err != nil {
				return fmt.Errorf("creating team members: %w", err)
			}
		}

		if len(registrationIDs) > 0 {
			if err := tx.Model(&Registration{}).
				Where("id IN ?", registrationIDs).
				Update("team_id", team.ID).Error; err != nil {
				return fmt.Errorf("assigning registrations to team: %w", err)
			}
		}

		return nil
	})
}
