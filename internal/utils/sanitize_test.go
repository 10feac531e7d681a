package utils

import (
	"strings"
	"testing"
)

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", false},
		{"550E8400-E29B-41D4-A716-446655440000", false},
		{"", true},
		{"not-a-uuid", true},
		{"550e8400e29b41d4a716446655440000", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateUUID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUUID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMetricName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "liquidity_coverage_ratio", false},
		{"with digits", "var_99", false},
		{"empty", "", true},
		{"uppercase", "Liquidity", true},
		{"starts with digit", "1ratio", true},
		{"dash", "credit-risk", true},
		{"reserved", "admin", true},
		{"too long", "a" + strings.Repeat("b", 128), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMetricName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMetricName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRecipient(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"slack:", false},
		{"slack:#risk-alerts", false},
		{"slack:risk_alerts", false},
		{"slack:C01234567890", false},
		{"slack:#Not Valid", true},
		{"mailto:cro@bank.example", false},
		{"cro@bank.example", false},
		{"mailto:not-an-address", true},
		{"risk-team", false},
		{"", true},
		{"   ", true},
		{"bad recipient!", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateRecipient(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRecipient(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeText(t *testing.T) {
	if got := SanitizeText("  Liquidity\x00 breach\x07  "); got != "Liquidity breach" {
		t.Errorf("SanitizeText() = %q", got)
	}
	if got := SanitizeText("line1\nline2"); got != "line1\nline2" {
		t.Errorf("newlines should be kept, got %q", got)
	}
}

func TestEscapeForLogging(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"newlines escaped", "a\nb", 100, "a\\nb"},
		{"tabs escaped", "a\tb", 100, "a\\tb"},
		{"truncated", "abcdefghij", 5, "abcde..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := EscapeForLogging(tt.input, tt.maxLen); result != tt.expected {
				t.Errorf("EscapeForLogging() = %q, want %q", result, tt.expected)
			}
		})
	}
}
