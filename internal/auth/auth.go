// Package auth validates the token a peer presents in its hello frame.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates the token presented by peer.
type Validator interface {
	Validate(peer, token string) error
}

// AllowAll accepts every peer. Used when no token is configured.
type AllowAll struct{}

func (AllowAll) Validate(string, string) error { return nil }

// StaticToken is a simple validator for a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(_, token string) error {
	return compare(s.Token, token)
}

// PeerTokens holds one token per peer name. Unknown peers are denied.
type PeerTokens map[string]string

func (p PeerTokens) Validate(peer, token string) error {
	want, ok := p[peer]
	if !ok {
		return ErrUnauthorized
	}
	return compare(want, token)
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(peer, token string) error

func (f FuncValidator) Validate(peer, token string) error {
	return f(peer, token)
}

func compare(want, got string) error {
	if want == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
