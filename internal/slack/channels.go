package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
)

// conversationLister is the part of the Slack client the resolver needs
type conversationLister interface {
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
}

// ChannelResolver resolves channel names to IDs and caches the answers
type ChannelResolver struct {
	client conversationLister
	cache  map[string]string // name -> id
	mu     sync.RWMutex
}

// NewChannelResolver creates a new channel resolver
func NewChannelResolver(client conversationLister) *ChannelResolver {
	return &ChannelResolver{
		client: client,
		cache:  make(map[string]string),
	}
}

// ResolveChannel resolves "C0123ABCD", "#risk-alerts" or "risk-alerts" to a channel ID
func (r *ChannelResolver) ResolveChannel(ctx context.Context, nameOrID string) (string, error) {
	if nameOrID == "" {
		return "", fmt.Errorf("channel name/ID is empty")
	}
	if isChannelID(nameOrID) {
		return nameOrID, nil
	}

	channelName := strings.TrimPrefix(nameOrID, "#")

	r.mu.RLock()
	if id, ok := r.cache[channelName]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	if r.client == nil {
		return "", fmt.Errorf("channel '%s' not cached and no slack client available", channelName)
	}

	id, err := r.lookupChannel(ctx, channelName)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[channelName] = id
	r.mu.Unlock()
	return id, nil
}

// lookupChannel pages through public then private channels looking for name
func (r *ChannelResolver) lookupChannel(ctx context.Context, name string) (string, error) {
	for _, kind := range []string{"public_channel", "private_channel"} {
		cursor := ""
		for {
			channels, next, err := r.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
				Cursor:          cursor,
				ExcludeArchived: true,
				Limit:           1000,
				Types:           []string{kind},
			})
			if err != nil {
				if kind == "private_channel" {
					// bot may lack groups:read; treat as not found
					break
				}
				return "", fmt.Errorf("failed to list %s channels: %w", kind, err)
			}
			for _, channel := range channels {
				if channel.Name == name {
					return channel.ID, nil
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
	return "", fmt.Errorf("channel '%s' not found", name)
}

// ClearCache clears the channel name resolution cache
func (r *ChannelResolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}

// isChannelID checks if a string looks like a Slack channel ID
// Channel IDs start with C or G followed by uppercase alphanumerics
func isChannelID(s string) bool {
	if len(s) < 9 || len(s) > 15 {
		return false
	}
	if !strings.HasPrefix(s, "C") && !strings.HasPrefix(s, "G") {
		return false
	}
	for _, c := range s[1:] {
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}
