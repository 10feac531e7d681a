// Package slack owns the Slack connection used for chat notifications and
// interactive acknowledgements. Settings live in the database and can be
// changed at runtime; the Manager reconnects on TriggerReload.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when posting while Slack is disabled
var ErrNotConnected = errors.New("slack is not connected")

// Manager manages the Slack client lifecycle with hot-reload support
type Manager struct {
	mu sync.RWMutex

	client         *slack.Client
	socketClient   *socketmode.Client
	resolver       *ChannelResolver
	defaultChannel string

	stopChan   chan struct{}
	doneChan   chan struct{}
	reloadChan chan struct{}

	// Event handler - receives both socket client and regular client
	eventHandler func(*socketmode.Client, *slack.Client)

	proxyURL string
	log      *zap.SugaredLogger
	running  bool
}

// NewManager creates a new Slack manager. proxyURL may be empty.
func NewManager(log *zap.SugaredLogger, proxyURL string) *Manager {
	return &Manager{
		reloadChan: make(chan struct{}, 1),
		proxyURL:   proxyURL,
		log:        log,
	}
}

// GetClient returns the current Slack client (may be nil if not configured)
func (m *Manager) GetClient() *slack.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// GetSocketClient returns the current Socket Mode client (may be nil if not configured)
func (m *Manager) GetSocketClient() *socketmode.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.socketClient
}

// IsRunning returns true if Socket Mode is currently active
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// DefaultChannel returns the configured notification channel
func (m *Manager) DefaultChannel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultChannel
}

// SetEventHandler sets the function that will handle socket mode events
func (m *Manager) SetEventHandler(handler func(*socketmode.Client, *slack.Client)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHandler = handler
}

// Post resolves channel (falling back to the default notification channel)
// and posts a message to it
func (m *Manager) Post(ctx context.Context, channel string, options ...slack.MsgOption) error {
	m.mu.RLock()
	client, resolver := m.client, m.resolver
	if channel == "" {
		channel = m.defaultChannel
	}
	m.mu.RUnlock()

	if client == nil {
		return ErrNotConnected
	}
	if channel == "" {
		return fmt.Errorf("no slack channel given and no default notification channel configured")
	}

	channelID, err := resolver.ResolveChannel(ctx, channel)
	if err != nil {
		return err
	}
	if _, _, err := client.PostMessageContext(ctx, channelID, options...); err != nil {
		return fmt.Errorf("post to %s: %w", channel, err)
	}
	return nil
}

// Start initializes and starts the Slack connection based on current database settings
func (m *Manager) Start(ctx context.Context) error {
	settings, err := database.GetSlackSettings()
	if err != nil {
		m.log.Infow("Could not load Slack settings", "error", err)
		return nil // Not an error, just disabled
	}

	if !settings.IsActive() {
		m.log.Info("Slack is disabled (not configured or not enabled)")
		return nil
	}

	return m.startWithSettings(ctx, settings)
}

func (m *Manager) clientOptions(settings *database.SlackSettings) []slack.Option {
	options := []slack.Option{
		slack.OptionDebug(false),
		slack.OptionAppLevelToken(settings.AppToken),
	}
	if m.proxyURL == "" {
		return options
	}
	proxyURL, err := url.Parse(m.proxyURL)
	if err != nil {
		m.log.Warnw("Ignoring invalid Slack proxy URL", "proxy", m.proxyURL, "error", err)
		return options
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	m.log.Infow("Using proxy for Slack", "proxy", proxyURL.Redacted())
	return append(options, slack.OptionHTTPClient(httpClient))
}

// startWithSettings initializes clients with specific settings
func (m *Manager) startWithSettings(ctx context.Context, settings *database.SlackSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.stopLocked()
	}

	m.client = slack.New(settings.BotToken, m.clientOptions(settings)...)
	m.resolver = NewChannelResolver(m.client)
	m.defaultChannel = settings.NotificationChannel

	m.socketClient = socketmode.New(
		m.client,
		socketmode.OptionDebug(false),
		socketmode.OptionLog(log.New(os.Stdout, "socketmode: ", log.Lshortfile|log.LstdFlags)),
	)

	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})

	// Pass both clients to avoid re-entering the lock from the handler
	if m.eventHandler != nil {
		m.eventHandler(m.socketClient, m.client)
	}

	socketClient, stopChan, doneChan := m.socketClient, m.stopChan, m.doneChan
	go func() {
		defer close(doneChan)
		m.log.Info("Starting Slack Socket Mode connection")

		if err := socketClient.RunContext(ctx); err != nil {
			select {
			case <-stopChan:
				m.log.Info("Slack Socket Mode stopped gracefully")
			default:
				m.log.Errorw("Slack Socket Mode error", "error", err)
			}
		}
	}()

	m.running = true
	m.log.Infow("Slack integration is active", "notificationChannel", settings.NotificationChannel)
	return nil
}

// Stop gracefully stops the Slack connection
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// stopLocked stops the connection (caller must hold the lock)
func (m *Manager) stopLocked() {
	if !m.running {
		return
	}

	m.log.Info("Stopping Slack connection")
	close(m.stopChan)

	select {
	case <-m.doneChan:
		m.log.Info("Slack Socket Mode stopped")
	default:
		m.log.Info("Slack Socket Mode stop signal sent")
	}

	m.running = false
	m.client = nil
	m.socketClient = nil
	m.resolver = nil
}

// Reload reloads Slack settings and reconnects
func (m *Manager) Reload(ctx context.Context) error {
	m.log.Info("Reloading Slack settings")

	settings, err := database.GetSlackSettings()
	if err != nil {
		m.log.Warnw("Could not load Slack settings", "error", err)
		m.Stop()
		return err
	}

	if !settings.IsActive() {
		m.log.Info("Slack is now disabled, stopping connection")
		m.Stop()
		return nil
	}

	return m.startWithSettings(ctx, settings)
}

// TriggerReload signals that a reload is needed (non-blocking)
func (m *Manager) TriggerReload() {
	select {
	case m.reloadChan <- struct{}{}:
		m.log.Info("Slack reload triggered")
	default:
		m.log.Debug("Slack reload already pending")
	}
}

// WatchForReloads runs a loop that watches for reload signals
func (m *Manager) WatchForReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reloadChan:
			if err := m.Reload(ctx); err != nil {
				m.log.Errorw("Slack reload failed", "error", err)
			}
		}
	}
}
