package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// CallTypeRegex validates call type format
	CallTypeRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

	// CallIDRegex validates call id format
	CallIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// UserIDRegex validates user id format
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9@_.\-]+$`)

	// LocationRegex validates an edge location code such as AMS.
	LocationRegex = regexp.MustCompile(`^[A-Z0-9]{2,8}$`)
)

const (
	maxCallTypeLength = 64
	maxCallIDLength   = 64
	maxUserIDLength   = 255
)

// ValidateCallType validates call type
func ValidateCallType(callType string) error {
	if callType == "" {
		return fmt.Errorf("call type is required")
	}
	if len(callType) > maxCallTypeLength {
		return fmt.Errorf("call type is too long (max %d characters)", maxCallTypeLength)
	}
	if !CallTypeRegex.MatchString(callType) {
		return fmt.Errorf("invalid call type format (only lowercase letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateCallID validates call id
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call id is required")
	}
	if len(callID) > maxCallIDLength {
		return fmt.Errorf("call id is too long (max %d characters)", maxCallIDLength)
	}
	if !CallIDRegex.MatchString(callID) {
		return fmt.Errorf("invalid call id format")
	}
	return nil
}

// ValidateUserID validates user id
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if len(userID) > maxUserIDLength {
		return fmt.Errorf("user id is too long (max %d characters)", maxUserIDLength)
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user id format")
	}
	return nil
}

// ValidateCallIdentity checks the triple a connection joins with.
func ValidateCallIdentity(callType, callID, userID string) error {
	if err := ValidateCallType(callType); err != nil {
		return err
	}
	if err := ValidateCallID(callID); err != nil {
		return err
	}
	return ValidateUserID(userID)
}

// ValidateUserName validates the display name sent to the coordinator
func ValidateUserName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("user name contains invalid characters")
	}
	return ValidateStringLength(name, 0, 100, "user name")
}

// ValidateLocation validates an edge location override
func ValidateLocation(code string) error {
	if !LocationRegex.MatchString(code) {
		return fmt.Errorf("invalid location code %q", code)
	}
	return nil
}

// ValidateURL validates URL format. With no schemes given http, https, ws
// and wss are accepted.
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https", "ws", "wss"}
	}
	if !contains(schemes, u.Scheme) {
		return fmt.Errorf("invalid URL scheme (must be %s)", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
