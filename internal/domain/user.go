// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxDisplayNameLen  = 36
	DefaultDisplayName = "Usuario"
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

// PeerID is the connection id the relay assigns to a socket.
type PeerID string

// Identity is what the identity provider knows about the local user.
type Identity struct {
	Subject     string `json:"sub"`
	DisplayName string `json:"name"`
	Email       string `json:"email,omitempty"`
}

// NormalizeDisplayName trims and validates a display name.
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return "", ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}
