package validation

import (
	"strings"
	"testing"
)

func TestValidateCallType(t *testing.T) {
	tests := []struct {
		name     string
		callType string
		wantErr  bool
	}{
		{"default", "default", false},
		{"livestream", "livestream", false},
		{"with underscore", "audio_room", false},
		{"empty", "", true},
		{"uppercase", "Default", true},
		{"too long", strings.Repeat("a", 65), true},
		{"space", "audio room", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCallType(tt.callType)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCallType() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCallID(t *testing.T) {
	tests := []struct {
		name    string
		callID  string
		wantErr bool
	}{
		{"valid", "standup-42", false},
		{"mixed case", "TownHall_1", false},
		{"empty", "", true},
		{"colon", "default:standup", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCallID(tt.callID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCallID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		wantErr bool
	}{
		{"plain", "agent", false},
		{"email like", "rec.bot@example.com", false},
		{"empty", "", true},
		{"space", "rec bot", true},
		{"too long", strings.Repeat("u", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.userID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCallIdentity(t *testing.T) {
	if err := ValidateCallIdentity("default", "standup", "agent"); err != nil {
		t.Fatalf("expected valid identity, got %v", err)
	}
	if err := ValidateCallIdentity("default", "", "agent"); err == nil {
		t.Fatal("expected error for missing call id")
	}
	if err := ValidateCallIdentity("default", "standup", ""); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestValidateLocation(t *testing.T) {
	for _, code := range []string{"AMS", "FRA", "US1"} {
		if err := ValidateLocation(code); err != nil {
			t.Errorf("ValidateLocation(%q) error = %v", code, err)
		}
	}
	for _, code := range []string{"", "ams", "A", "AMS-1"} {
		if err := ValidateLocation(code); err == nil {
			t.Errorf("ValidateLocation(%q) expected error", code)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		schemes []string
		wantErr bool
	}{
		{"https", "https://video.example.com", nil, false},
		{"wss", "wss://ws.example.com/connect", nil, false},
		{"empty", "", nil, true},
		{"no host", "https://", nil, true},
		{"ftp", "ftp://example.com", nil, true},
		{"ws only rejects https", "https://example.com", []string{"ws", "wss"}, true},
		{"ws only accepts wss", "wss://example.com", []string{"ws", "wss"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url, tt.schemes...)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	if err := ValidateStringLength("añb", 3, 3, "name"); err != nil {
		t.Errorf("expected runes to be counted, got %v", err)
	}
	if err := ValidateUserName(strings.Repeat("n", 101)); err == nil {
		t.Error("expected long user name to be rejected")
	}
	if err := ValidateNonEmptyString("  ", "api key"); err == nil {
		t.Error("expected blank string to be rejected")
	}
}
