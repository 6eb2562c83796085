package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const MaxUsernameLength = 20

var ErrUsernameEmpty = errors.New("username cannot be empty")
var ErrUsernameTooLong = fmt.Errorf("username too long (max %d characters)", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must not contain control characters")

// ValidateUsername checks that a login name is non-blank, at most
// MaxUsernameLength characters, and free of control characters.
func ValidateUsername(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrUsernameEmpty
	}
	if utf8.RuneCountInString(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}
