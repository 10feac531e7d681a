package utils

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

var (
	uuidPattern        = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)
	metricNamePattern  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	slackTargetPattern = regexp.MustCompile(`^#?[a-z0-9][a-z0-9_\-]{0,79}$|^[CG][A-Z0-9]{8,14}$`)
	recipientPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

	// Control characters (except common whitespace)
	controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

	reservedMetricNames = []string{"all", "none", "admin", "system", "test"}
)

// ValidateUUID validates that a UUID is properly formatted
func ValidateUUID(uuid string) error {
	if uuid == "" {
		return fmt.Errorf("UUID is required")
	}
	if !uuidPattern.MatchString(strings.ToLower(uuid)) {
		return fmt.Errorf("invalid UUID format")
	}
	return nil
}

// ValidateMetricName validates that a metric name is snake_case and not reserved
func ValidateMetricName(name string) error {
	if name == "" {
		return fmt.Errorf("metric name is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("metric name too long (max 128 characters)")
	}
	if !metricNamePattern.MatchString(name) {
		return fmt.Errorf("metric name must be snake_case (lowercase letters, numbers, and underscores only, starting with a letter)")
	}
	for _, r := range reservedMetricNames {
		if name == r {
			return fmt.Errorf("metric name '%s' is reserved", name)
		}
	}
	return nil
}

// ValidateRecipient checks a notification address. Accepted forms:
// "slack:" (default channel), "slack:#channel", "slack:C0123ABCD",
// "mailto:a@b.example", "a@b.example" and plain handles like "risk-team".
func ValidateRecipient(recipient string) error {
	recipient = strings.TrimSpace(recipient)
	switch {
	case recipient == "":
		return fmt.Errorf("recipient is empty")
	case strings.HasPrefix(recipient, "slack:"):
		target := strings.TrimPrefix(recipient, "slack:")
		if target != "" && !slackTargetPattern.MatchString(target) {
			return fmt.Errorf("invalid slack channel %q", target)
		}
		return nil
	case strings.HasPrefix(recipient, "mailto:"), strings.Contains(recipient, "@"):
		addr := strings.TrimPrefix(recipient, "mailto:")
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("invalid email address %q", addr)
		}
		return nil
	case recipientPattern.MatchString(recipient):
		return nil
	default:
		return fmt.Errorf("invalid recipient %q", recipient)
	}
}

// SanitizeText strips control characters and surrounding whitespace from
// free-text input such as titles and reasons
func SanitizeText(text string) string {
	return strings.TrimSpace(controlCharPattern.ReplaceAllString(text, ""))
}

// EscapeForLogging escapes user-supplied content for safe single-line logging
func EscapeForLogging(text string, maxLen int) string {
	if len(text) > maxLen {
		text = text[:maxLen] + "..."
	}

	text = strings.ReplaceAll(text, "\n", "\\n")
	text = strings.ReplaceAll(text, "\r", "\\r")
	text = strings.ReplaceAll(text, "\t", "\\t")

	return text
}
