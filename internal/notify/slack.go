// Package notify posts match-run summaries to a Slack webhook. The notifier
// is optional everywhere it is wired: delivery failures are the caller's to
// log, never to propagate.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/homereach/dispatch/internal/store"
	"github.com/homereach/dispatch/pkg/retry"
)

// SlackConfig configures the webhook notifier.
type SlackConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	HTTPClient *http.Client
	Retry      retry.Config
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Slack delivers run summaries as Block Kit messages.
type Slack struct {
	log    *slog.Logger
	cfg    SlackConfig
	client *http.Client
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid slack notifier config: %w", err)
	}
	return &Slack{log: cfg.Logger, cfg: cfg, client: cfg.HTTPClient}, nil
}

// RunFinished posts the run's counter summary to the webhook.
func (s *Slack) RunFinished(ctx context.Context, run *store.MatchRun) error {
	msg := runMessage(run)
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		return slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.client, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to post run summary: %w", err)
	}
	s.log.Debug("notify: run summary posted", "run", run.ID)
	return nil
}

func runMessage(run *store.MatchRun) *slack.WebhookMessage {
	status := "finished"
	if run.Error != nil {
		status = "failed"
	}
	title := "Match run " + status

	fields := []*slack.TextBlockObject{
		mdField("Matched", run.Matched),
		mdField("Needs review", run.NeedsReview),
		mdField("Unmatched", run.Unmatched),
		mdField("Forced (locked/manual)", run.Locked+run.Manual),
		mdField("Clients", run.ClientCount),
		mdField("Technicians", run.TechnicianCount),
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, false, false)),
		slack.NewSectionBlock(nil, fields, nil),
	}
	if run.Error != nil {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "*Error:* "+*run.Error, false, false), nil, nil))
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("trigger `%s` · %d ms · run `%s`", run.Trigger, run.DurationMS, run.ID), false, false)))

	return &slack.WebhookMessage{
		Text:   fmt.Sprintf("%s: %d matched, %d unmatched", title, run.Matched, run.Unmatched),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func mdField(label string, n int) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s:* %d", label, n), false, false)
}
