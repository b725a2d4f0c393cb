package store

import "time"

// User is a known chat-platform member. Submissions and reports reference
// users by their external platform ID.
type User struct {
	ID         uint   `gorm:"primaryKey"`
	ExternalID string `gorm:"uniqueIndex;size:64"`
	Username   string `gorm:"size:128"`
	CreatedAt  time.Time
}

// Submission is a user's code entry for one challenge. Exactly one row per
// (user, challenge); resubmission overwrites the code and bumps Attempt.
type Submission struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      string `gorm:"uniqueIndex:idx_submission_user_challenge;size:64"`
	ChallengeID string `gorm:"uniqueIndex:idx_submission_user_challenge;size:128"`
	Language    string `gorm:"size:32"`
	Code        string
	SubmittedAt time.Time
	Attempt     int
}

// Report is the aggregate outcome of running a submission's tests. One row
// per (user, challenge); TestResults always mirror the most recent run.
type Report struct {
	ID          uint   `gorm:"primaryKey"`
	ChallengeID string `gorm:"uniqueIndex:idx_report_user_challenge;size:128"`
	UserID      string `gorm:"uniqueIndex:idx_report_user_challenge;size:64"`
	Points      int
	DurationMs  int64
	Results     []TestResult `gorm:"constraint:OnDelete:CASCADE"`
	UpdatedAt   time.Time
}

// TestResult is one named test case outcome owned by a Report. Lifecycle is
// bound to the parent: a new run replaces all rows for the report.
type TestResult struct {
	ID         uint `gorm:"primaryKey"`
	ReportID   uint `gorm:"index"`
	TestName   string
	Passed     bool
	DurationMs int64
	Input      string
	Message    string
}

// Topic is a timeboxed jam event with registration and active windows.
type Topic struct {
	ID                uint   `gorm:"primaryKey"`
	Title             string `gorm:"uniqueIndex;size:128"`
	Description       string
	Requirements      string
	RegistrationStart time.Time
	RegistrationEnd   time.Time
	ActiveStart       time.Time
	ActiveEnd         time.Time
	Active            bool
}

// Registration is a user's enrollment record for a Topic. Created on apply,
// mutated by confirm/abandon/team assignment, never deleted.
type Registration struct {
	ID                uint   `gorm:"primaryKey"`
	GuildID           string `gorm:"uniqueIndex:idx_registration_guild_user_topic;size:64"`
	UserID            string `gorm:"uniqueIndex:idx_registration_guild_user_topic;size:64"`
	TopicID           uint   `gorm:"uniqueIndex:idx_registration_guild_user_topic"`
	DisplayName       string `gorm:"size:128"`
	Timezone          string `gorm:"size:64"`
	ExperienceLevel   int
	IsSolo            bool
	RegisteredOn      time.Time
	ConfirmedOn       *time.Time
	ConfirmationValue string `gorm:"size:32"`
	AbandonedOn       *time.Time
	TeamID            *uint
	ReminderSentOn    *time.Time
}

// Team is one formed jam team. The row exists only after the external space
// (channel + role) has been provisioned; ChannelID and RoleID are never empty.
type Team struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:128"`
	TopicID   uint   `gorm:"index"`
	ChannelID string `gorm:"size:64"`
	RoleID    string `gorm:"size:64"`
	Members   []TeamMember `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
}

// TeamMember attaches one user to a Team.
type TeamMember struct {
	ID          uint   `gorm:"primaryKey"`
	TeamID      uint   `gorm:"index"`
	UserID      string `gorm:"size:64"`
	DisplayName string `gorm:"size:128"`
}

// LeaderboardEntry is one ranked row of the standings.
type LeaderboardEntry struct {
	UserID        string
	Username      string
	TotalAttempts int
	TotalPoints   int
	TotalDuration time.Duration
}
