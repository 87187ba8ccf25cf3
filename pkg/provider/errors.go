// Package provider supplies consent.Provider implementations: a static fixture provider
// and a KYC identity-token provider, both gated by a CEL discipline rule.
package provider

import "errors"

var (
	ErrUnknownUser  = errors.New("unknown user")
	ErrIneligible   = errors.New("discipline requirements not satisfied")
	ErrInvalidToken = errors.New("invalid identity token")
)

// defaultProof is issued when a profile or token carries no proof of its own.
const defaultProof = "discipline:verified"
