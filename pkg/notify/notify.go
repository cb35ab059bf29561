// Package notify delivers Slack notifications for terminal claim outcomes.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// postTimeout bounds one Slack API call.
const postTimeout = 5 * time.Second

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Service posts claim outcome notifications to a Slack channel.
// Nil-safe: all methods are no-ops when the service is nil.
type Service struct {
	api          *goslack.Client
	channel      string
	dashboardURL string
	logger       *slog.Logger
}

// NewService creates a notification service. Returns nil when Token or
// Channel is empty, which disables notifications.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		api:          goslack.New(cfg.Token),
		channel:      cfg.Channel,
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// NewServiceWithAPIURL targets a custom Slack API URL, used by tests with a
// mock server.
func NewServiceWithAPIURL(cfg ServiceConfig, apiURL string) *Service {
	s := NewService(cfg)
	if s == nil {
		return nil
	}
	s.api = goslack.New(cfg.Token, goslack.OptionAPIURL(apiURL))
	return s
}

// ClaimReviewRequested announces a worker finishing a claim cleanly.
// Fail-open: errors are logged, never returned.
func (s *Service) ClaimReviewRequested(ctx context.Context, issueID, title string) {
	if s == nil {
		return
	}
	text := fmt.Sprintf(":white_check_mark: *Ready for review:* %s\n%s", title, s.claimURL(issueID))
	s.post(ctx, issueID, text)
}

// ClaimBlocked announces a claim whose retries are exhausted.
func (s *Service) ClaimBlocked(ctx context.Context, issueID, title, reason string) {
	if s == nil {
		return
	}
	text := fmt.Sprintf(":x: *Blocked after retries:* %s\n%s", title, s.claimURL(issueID))
	if reason != "" {
		text += "\n> " + reason
	}
	s.post(ctx, issueID, text)
}

func (s *Service) claimURL(issueID string) string {
	if s.dashboardURL == "" {
		return issueID
	}
	return fmt.Sprintf("<%s/claims/%s|View in Dashboard>", s.dashboardURL, issueID)
}

func (s *Service) post(ctx context.Context, issueID, text string) {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	block := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
		nil, nil,
	)
	_, _, err := s.api.PostMessageContext(ctx, s.channel, goslack.MsgOptionBlocks(block))
	if err != nil {
		s.logger.Warn("Slack notification failed", "issue_id", issueID, "error", err)
	}
}
