package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/akmatori/riskwatch/internal/notify"
	"github.com/akmatori/riskwatch/internal/services"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

const slackActionTimeout = 10 * time.Second

// SlackHandler applies the Acknowledge and Resolve buttons attached to
// breach and escalation messages
type SlackHandler struct {
	breaches *services.BreachService
	engine   *services.EscalationEngine
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewSlackHandler creates a new Slack handler
func NewSlackHandler(breaches *services.BreachService, engine *services.EscalationEngine, log *zap.SugaredLogger) *SlackHandler {
	return &SlackHandler{
		breaches: breaches,
		engine:   engine,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleSocketMode consumes Socket Mode events. It is installed with
// Manager.SetEventHandler and runs once per connection.
func (h *SlackHandler) HandleSocketMode(socketClient *socketmode.Client, client *slack.Client) {
	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeInteractive:
				callback, ok := evt.Data.(slack.InteractionCallback)
				if !ok {
					h.log.Debugw("Ignored interactive event", "data", evt.Data)
					continue
				}
				socketClient.Ack(*evt.Request)
				go h.handleInteraction(client, callback)

			case socketmode.EventTypeEventsAPI, socketmode.EventTypeSlashCommand:
				// Ack immediately to avoid Slack retries
				socketClient.Ack(*evt.Request)

			case socketmode.EventTypeConnected:
				h.log.Info("Slack Socket Mode connected")

			case socketmode.EventTypeConnectionError:
				h.log.Warnw("Slack Socket Mode connection error", "data", evt.Data)
			}
		}
	}()
}

// handleInteraction applies every block action of a callback and replies in
// the message thread
func (h *SlackHandler) handleInteraction(client *slack.Client, callback slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), slackActionTimeout)
	defer cancel()

	user := "slack:" + callback.User.ID
	for _, action := range callback.ActionCallback.BlockActions {
		text, err := h.HandleAction(ctx, action.ActionID, action.Value, user)
		if err != nil {
			h.log.Warnw("Slack action failed", "action", action.ActionID, "value", action.Value, "user", user, "error", err)
			text = actionErrorText(err)
		}

		if client == nil || callback.Channel.ID == "" {
			continue
		}
		threadTS := callback.Message.ThreadTimestamp
		if threadTS == "" {
			threadTS = callback.Message.Timestamp
		}
		if _, _, err := client.PostMessageContext(ctx, callback.Channel.ID,
			slack.MsgOptionText(text, false),
			slack.MsgOptionTS(threadTS),
		); err != nil {
			h.log.Warnw("Failed to post Slack action reply", "channel", callback.Channel.ID, "error", err)
		}
	}
}

// HandleAction applies one button action on behalf of user and returns the
// confirmation text
func (h *SlackHandler) HandleAction(ctx context.Context, actionID, value, user string) (string, error) {
	now := h.now()
	switch actionID {
	case notify.ActionAckBreach:
		n, err := h.breaches.Acknowledge(ctx, value, user, now)
		if err != nil {
			return "", err
		}
		h.log.Infow("Breach acknowledged from Slack", "notification", n.UUID, "user", user)
		return fmt.Sprintf(":white_check_mark: Breach acknowledged by %s", user), nil

	case notify.ActionAckExecution:
		exec, err := h.engine.Acknowledge(ctx, value, user, now)
		if err != nil {
			return "", err
		}
		if exec.Status.IsTerminal() {
			return fmt.Sprintf(":white_check_mark: Escalation acknowledged and resolved by %s", user), nil
		}
		return fmt.Sprintf(":eyes: Escalation acknowledged by %s at level %d", user, exec.CurrentLevel), nil

	case notify.ActionResolveExecution:
		if _, err := h.engine.Resolve(ctx, value, user, now); err != nil {
			return "", err
		}
		return fmt.Sprintf(":white_check_mark: Escalation resolved by %s", user), nil
	}
	return "", fmt.Errorf("unknown action %q", actionID)
}

// actionErrorText renders a failed action for the Slack thread
func actionErrorText(err error) string {
	var terminal *services.AlreadyTerminalError
	switch {
	case errors.As(err, &terminal):
		return fmt.Sprintf(":information_source: Nothing to do, %s %s is already %s", terminal.Kind, terminal.ID, terminal.Status)
	case errors.Is(err, services.ErrNotFound):
		return ":warning: This item no longer exists"
	default:
		return ":x: Action failed, please retry from the dashboard"
	}
}
