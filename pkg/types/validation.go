package types

import "regexp"

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	phoneRegex    = regexp.MustCompile(`^\+?[0-9]+$`)
)

const maxMessageBytes = 4096

// IsValidUsername checks the account name format shared by registration
// and display-name rendering.
func IsValidUsername(username string) bool {
	if len(username) < 1 || len(username) > 32 {
		return false
	}
	return usernameRegex.MatchString(username)
}

// IsValidPhoneNumber checks the phone number used as a login alias.
func IsValidPhoneNumber(phone string) bool {
	if len(phone) < 3 || len(phone) > 20 {
		return false
	}
	return phoneRegex.MatchString(phone)
}

// ValidateMessageText bounds chat text for both broadcast and directed
// sends. Byte length, not rune count, matches what gets persisted.
func ValidateMessageText(text string) error {
	if len(text) == 0 {
		return ErrEmptyMessage
	}
	if len(text) > maxMessageBytes {
		return ErrMessageTooLong
	}
	return nil
}
