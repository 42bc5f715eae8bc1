// Package util provides small helpers shared across the chatroom packages.
package util

import (
	"errors"
	"strings"

	"github.com/real-rm/chatroom/internal/constants"
)

var (
	ErrMissingAuthHeader = errors.New("missing Authorization header")
	ErrInvalidAuthHeader = errors.New("invalid Authorization header format")
)

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>" header.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	token, ok := strings.CutPrefix(authHeader, constants.BearerPrefix)
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrInvalidAuthHeader
	}

	return token, nil
}

// TokenFromRequest prefers the Authorization header and falls back to a
// query parameter, which browsers need for WebSocket upgrades. The second
// return value reports whether the fallback was used.
func TokenFromRequest(authHeader, queryToken string) (string, bool) {
	if token, err := ExtractBearerToken(authHeader); err == nil {
		return token, false
	}
	if queryToken != "" {
		return queryToken, true
	}
	return "", false
}

// HasRole reports whether userRoles contains any of requiredRoles.
func HasRole(userRoles []string, requiredRoles ...string) bool {
	for _, required := range requiredRoles {
		for _, role := range userRoles {
			if role == required {
				return true
			}
		}
	}
	return false
}

// ContainsWeakPattern reports the first weak pattern found in s, case-insensitively.
func ContainsWeakPattern(s string, weakPatterns []string) (bool, string) {
	lowerS := strings.ToLower(s)
	for _, pattern := range weakPatterns {
		if strings.Contains(lowerS, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
