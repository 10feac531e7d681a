package notify

import (
	"context"
	"errors"

	"github.com/slack-go/slack"
)

// SlackPoster posts to a Slack channel; an empty channel means the default one
type SlackPoster interface {
	Post(ctx context.Context, channel string, options ...slack.MsgOption) error
}

// SlackSender posts notifications as Block Kit messages. Recipients are
// channel names or IDs with the "slack:" prefix already stripped.
type SlackSender struct {
	poster SlackPoster
}

// NewSlackSender creates a Slack sender
func NewSlackSender(poster SlackPoster) *SlackSender {
	return &SlackSender{poster: poster}
}

// Name returns the channel name
func (s *SlackSender) Name() string {
	return "slack"
}

// Send posts msg to every recipient channel. Each failed channel is reported
// as its own DeliveryError.
func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	if len(msg.Recipients) == 0 {
		return ErrNoRecipients
	}

	options := []slack.MsgOption{
		slack.MsgOptionText(msg.Subject, false),
		slack.MsgOptionBlocks(BuildSlackBlocks(msg)...),
	}

	var errs []error
	for _, channel := range msg.Recipients {
		if err := s.poster.Post(ctx, channel, options...); err != nil {
			errs = append(errs, &DeliveryError{Channel: s.Name(), Recipients: []string{channel}, Err: err})
		}
	}
	return errors.Join(errs...)
}

// BuildSlackBlocks renders the subject as a header, the body as a section and
// any actions as buttons whose value is the entity UUID
func BuildSlackBlocks(msg Message) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncate(msg.Subject, 150), false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, truncate(msg.Body, 3000), false, false), nil, nil),
	}

	if len(msg.Actions) > 0 {
		var elements []slack.BlockElement
		for _, action := range msg.Actions {
			button := slack.NewButtonBlockElement(action.ID, action.Value,
				slack.NewTextBlockObject(slack.PlainTextType, action.Label, false, false))
			if action.ID == ActionResolveExecution {
				button = button.WithStyle(slack.StyleDanger)
			} else {
				button = button.WithStyle(slack.StylePrimary)
			}
			elements = append(elements, button)
		}
		blocks = append(blocks, slack.NewActionBlock("riskwatch_actions", elements...))
	}
	return blocks
}

// Interactive action IDs handled by the Socket Mode handler
const (
	ActionAckBreach        = "ack_breach"
	ActionAckExecution     = "ack_execution"
	ActionResolveExecution = "resolve_execution"
)

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
