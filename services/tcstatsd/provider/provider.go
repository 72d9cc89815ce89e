// Package provider fetches all-time cumulative folding totals for a user.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrUserNotFound is returned when the upstream source has no record of
	// the user.
	ErrUserNotFound = errors.New("provider: user not found")
	// ErrConnectionFailure covers timeouts, transport errors and upstream 5xx.
	ErrConnectionFailure = errors.New("provider: connection failure")
	// ErrMissingCredential is returned before any request is made when the
	// identity lacks a folding name or passkey.
	ErrMissingCredential = errors.New("provider: missing credential")
)

// Identity is what the upstream source needs to look a user up.
type Identity struct {
	FoldingUserName string
	Passkey         string
	TeamNumber      int
}

// Totals are all-time cumulative values; they only ever grow upstream.
type Totals struct {
	Points int64
	Units  int64
}

// Provider resolves cumulative totals. Failures are per identity.
type Provider interface {
	FetchTotals(ctx context.Context, id Identity) (Totals, error)
}

// Func adapts an ordinary function to Provider.
type Func func(ctx context.Context, id Identity) (Totals, error)

// FetchTotals implements Provider.
func (f Func) FetchTotals(ctx context.Context, id Identity) (Totals, error) {
	return f(ctx, id)
}
