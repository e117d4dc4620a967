package server

import (
	"context"
	"net"
)

// AuthStatus is the outcome of a MembershipProvider authentication attempt.
type AuthStatus int

const (
	// AuthDenied means the credentials were rejected outright.
	AuthDenied AuthStatus = iota
	// AuthSuccess means the login completed; no ACCT exchange is needed.
	AuthSuccess
	// AuthNeedsAccount means the credentials checked out but RFC 959 §4.1.1
	// requires an ACCT before the session is considered logged in.
	AuthNeedsAccount
)

// AuthResult carries the outcome of a PASS attempt plus the ClientContext a
// successful login hands off to the rest of the session.
type AuthResult struct {
	Status    AuthStatus
	Principal string
	Context   ClientContext
}

// MembershipProvider authenticates a USER/PASS exchange and decides whether
// a secondary ACCT exchange is required before login completes. It narrows
// Driver's Authenticate/RequiresAccount pair into a single call that session
// state (handleACCT in particular) can drive off of.
type MembershipProvider interface {
	Authenticate(ctx context.Context, user, pass, host string, remoteIP net.IP) (AuthResult, error)
	RequiresAccount(principal string) bool
}

// driverMembership adapts a Driver, the backend interface most of this
// package is built around, to MembershipProvider.
type driverMembership struct {
	driver Driver
}

func newDriverMembership(d Driver) *driverMembership {
	return &driverMembership{driver: d}
}

func (m *driverMembership) Authenticate(_ context.Context, user, pass, host string, remoteIP net.IP) (AuthResult, error) {
	clientCtx, err := m.driver.Authenticate(user, pass, host, remoteIP)
	if err != nil {
		return AuthResult{Status: AuthDenied}, err
	}
	if m.driver.RequiresAccount(user) {
		return AuthResult{Status: AuthNeedsAccount, Principal: user, Context: clientCtx}, nil
	}
	return AuthResult{Status: AuthSuccess, Principal: user, Context: clientCtx}, nil
}

func (m *driverMembership) RequiresAccount(principal string) bool {
	return m.driver.RequiresAccount(principal)
}
