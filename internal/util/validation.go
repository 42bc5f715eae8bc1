package util

import (
	"fmt"
	"net/mail"
	"unicode/utf8"
)

// ValidateNotEmpty checks if a string is not empty and returns an error if it is.
func ValidateNotEmpty(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	return nil
}

// ValidateRange checks if an integer is within a specified range (inclusive).
//
// Example:
//
//	if err := util.ValidateRange(port, 1, 65535, "port"); err != nil {
//	    return err
//	}
func ValidateRange(value, min, max int, fieldName string) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", fieldName, min, max, value)
	}
	return nil
}

// ValidateMinLength checks if a string meets minimum length requirement.
func ValidateMinLength(value string, minLength int, fieldName string) error {
	if len(value) < minLength {
		return fmt.Errorf("%s must be at least %d characters, got %d", fieldName, minLength, len(value))
	}
	return nil
}

// ValidateMaxRunes bounds user supplied text by characters rather than bytes.
func ValidateMaxRunes(value string, maxRunes int, fieldName string) error {
	if n := utf8.RuneCountInString(value); n > maxRunes {
		return fmt.Errorf("%s exceeds maximum length of %d characters, got %d", fieldName, maxRunes, n)
	}
	return nil
}

// ValidateEmail checks that value parses as a bare address.
func ValidateEmail(value string) error {
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value {
		return fmt.Errorf("email %q is not a valid address", value)
	}
	return nil
}
