// Package notify delivers submission feedback and jam messages through an
// abstract chat gateway, pacing sends with a shared rate limiter.
package notify

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// TeamSpace holds the external IDs of a provisioned team space.
type TeamSpace struct {
	ChannelID string
	RoleID    string
}

// Notifier is the chat-gateway capability the bot consumes. Implementations
// live outside this module (the gateway adapter); LogNotifier backs tests
// and headless deployments.
type Notifier interface {
	// SendMessage delivers a short text message to a channel.
	SendMessage(ctx context.Context, channelID, text string) error

	// SendFile delivers a document to a channel.
	SendFile(ctx context.Context, channelID, name string, content []byte) error

	// SendDirect delivers a text message to a single user.
	SendDirect(ctx context.Context, userID, text string) error

	// FindSubchannel looks up a subchannel by name under a parent channel.
	FindSubchannel(ctx context.Context, parentChannelID, name string) (string, bool, error)

	// CreateSubchannel creates a subchannel under a parent channel and
	// returns its ID.
	CreateSubchannel(ctx context.Context, parentChannelID, name string) (string, error)

	// ProvisionTeamSpace creates a role and private channel for a team and
	// enrolls the members. Returns the external IDs on success.
	ProvisionTeamSpace(ctx context.Context, guildID, teamName string, memberIDs []string) (*TeamSpace, error)
}

// HealthChecker is implemented by notifiers that can report gateway
// connectivity. Control loops skip their work while it returns false.
type HealthChecker interface {
	Healthy() bool
}

// LogNotifier is a Notifier that writes every delivery to the log. It
// tracks created subchannels in memory so Find/Create behave consistently
// within one process.
type LogNotifier struct {
	log logrus.FieldLogger

	mu          sync.Mutex
	subchannels map[string]string // parent/name -> synthetic ID
	spaces      int
}

// Ensure interface compliance.
var (
	_ Notifier      = (*LogNotifier)(nil)
	_ HealthChecker = (*LogNotifier)(nil)
)

// NewLogNotifier creates a logging Notifier.
func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{
		log:         log.WithField("component", "notifier"),
		subchannels: make(map[string]string, 8),
	}
}

// Healthy always reports true; there is no remote gateway to lose.
func (n *LogNotifier) Healthy() bool { return true }

// SendMessage logs the message.
func (n *LogNotifier) SendMessage(_ context.Context, channelID, text string) error {
	n.log.WithField("channel", channelID).Info(text)

	return nil
}

// SendFile logs the file delivery.
func (n *LogNotifier) SendFile(_ context.Context, channelID, name string, content []byte) error {
	n.log.WithFields(logrus.Fields{
		"channel": channelID,
		"file":    name,
		"bytes":   len(content),
	}).Info("Delivered file")

	return nil
}

// SendDirect logs the direct message.
func (n *LogNotifier) SendDirect(_ context.Context, userID, text string) error {
	n.log.WithField("user", userID).Info(text)

	return nil
}

// FindSubchannel returns a previously created synthetic subchannel.
func (n *LogNotifier) FindSubchannel(_ context.Context, parentChannelID, name string) (string, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id, ok := n.subchannels[parentChannelID+"/"+name]

	return id, ok, nil
}

// CreateSubchannel records a synthetic subchannel.
func (n *LogNotifier) CreateSubchannel(_ context.Context, parentChannelID, name string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := parentChannelID + "/" + name
	n.subchannels[id] = id

	n.log.WithField("channel", id).Info("Created subchannel")

	return id, nil
}

// ProvisionTeamSpace records a synthetic team space.
func (n *LogNotifier) ProvisionTeamSpace(_ context.Context, guildID, teamName string, memberIDs []string) (*TeamSpace, error) {
	n.mu.Lock()
	n.spaces++
	n.mu.Unlock()

	n.log.WithFields(logrus.Fields{
		"guild":   guildID,
		"team":    teamName,
		"members": len(memberIDs),
	}).Info("Provisioned team space")

	return &TeamSpace{
		ChannelID: teamName + "-channel",
		RoleID:    teamName + "-role",
	}, nil
}
