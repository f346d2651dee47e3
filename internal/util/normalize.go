package util

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizeEmail lowercases and trims an email address. Anything without a
// single @ between non-empty parts is rejected with false.
func NormalizeEmail(email string) (string, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return "", false
	}
	return email, true
}

// NormalizePhone converts a phone number to E.164. Separators and parentheses
// are stripped; bare 10-digit numbers are assumed to be US and get a +1
// prefix. Malformed numbers are rejected before any network call happens.
func NormalizePhone(phone string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))

	if cleaned == "" {
		return "", ErrInvalidPhone
	}

	hasPlus := strings.HasPrefix(cleaned, "+")
	digits := strings.TrimPrefix(cleaned, "+")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhone
		}
	}

	switch {
	case hasPlus && len(digits) >= 8 && len(digits) <= 15:
		return "+" + digits, nil
	case !hasPlus && len(digits) == 10:
		// Assume US numbers when no country code was given.
		return "+1" + digits, nil
	case !hasPlus && len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	default:
		return "", ErrInvalidPhone
	}
}

// IsPhoneContact reports whether a contact identifier looks like a phone
// number rather than an email address.
func IsPhoneContact(contact string) bool {
	trimmed := strings.TrimSpace(contact)
	if strings.Contains(trimmed, "@") {
		return false
	}
	_, err := NormalizePhone(trimmed)
	return err == nil
}
