package jam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

// ErrRegistrationClosed is returned when a topic is outside its
// registration window.
var ErrRegistrationClosed = errors.New("registration window closed")

// RegistrationRequest is the structured command input for joining a jam.
type RegistrationRequest struct {
	GuildID         string
	UserID          string
	DisplayName     string
	TopicTitle      string
	Timezone        string
	ExperienceLevel int
	IsSolo          bool
}

// ConfirmRequest confirms a pending registration.
type ConfirmRequest struct {
	GuildID    string
	UserID     string
	TopicTitle string
	Value      string
}

// AbandonRequest withdraws a registration. Abandonment is terminal for
// that jam.
type AbandonRequest struct {
	GuildID    string
	UserID     string
	TopicTitle string
}

// Service handles jam registration commands.
type Service struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewService creates a jam registration service.
func NewService(log logrus.FieldLogger, st store.Store) *Service {
	return &Service{
		log:   log.WithField("component", "jam"),
		store: st,
	}
}

// Register applies a user to a topic. Returns store.ErrNotFound for an
// unknown topic and store.ErrConflict for a duplicate registration.
func (s *Service) Register(ctx context.Context, req *RegistrationRequest) error {
	topic, err := s.store.GetTopicByTitle(ctx, req.TopicTitle)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.Before(topic.RegistrationStart) || now.After(topic.RegistrationEnd) {
		return fmt.Errorf("topic %q: %w", req.TopicTitle, ErrRegistrationClosed)
	}

	reg := &store.Registration{
		GuildID:         req.GuildID,
		UserID:          req.UserID,
		TopicID:         topic.ID,
		DisplayName:     req.DisplayName,
		Timezone:        req.Timezone,
		ExperienceLevel: req.ExperienceLevel,
		IsSolo:          req.IsSolo,
		RegisteredOn:    now,
	}

	if err := s.store.CreateRegistration(ctx, reg); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"user":  req.UserID,
		"topic": req.TopicTitle,
		"solo":  req.IsSolo,
	}).Info("Registration created")

	return nil
}

// Confirm marks a registration as confirmed.
func (s *Service) Confirm(ctx context.Context, req *ConfirmRequest) error {
	topic, err := s.store.GetTopicByTitle(ctx, req.TopicTitle)
	if err != nil {
		return err
	}

	return s.store.ConfirmRegistration(ctx, req.GuildID, req.UserID, topic.ID, req.Value)
}

// Abandon withdraws a registration.
func (s *Service) Abandon(ctx context.Context, req *AbandonRequest) error {
	topic, err := s.store.GetTopicByTitle(ctx, req.TopicTitle)
	if err != nil {
		return err
	}

	return s.store.AbandonRegistration(ctx, req.GuildID, req.UserID, topic.ID)
}
