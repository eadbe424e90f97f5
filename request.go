package spf

import (
	"net"
	"strings"
)

// evalState is the per-evaluation state a Request carries, shared by
// reference between a root Request and every sub-request derived from it
// for include or redirect, so that limits and cycle detection stay global
// to the whole evaluation (spec section 3, section 9 "shared mutable
// state on requests").
type evalState struct {
	dnsInteractiveTerms int
	includeStack        []string
	explanation         *MacroString
}

// Request is the immutable input to an SPF evaluation, plus the mutable
// per-evaluation state the Server mutates while walking a Record (spec
// section 3). A Request must not be evaluated concurrently by more than
// one caller.
type Request struct {
	// Identity is the mail identity under test: the HELO domain for
	// ScopeHELO, or the envelope sender / PRA for ScopeMFROM / ScopePRA.
	Identity string
	// Scope selects which identity Identity represents.
	Scope Scope
	// ClientIP is the connecting client's address. Process accepts
	// either family and derives both the plain and IPv4-mapped forms
	// as mechanisms need them.
	ClientIP net.IP
	// HeloIdentity is the HELO/EHLO domain, used only for the %{h}
	// macro. NewHeloRequest sets it to the identity itself.
	HeloIdentity string
	// AcceptedVersions lists which SPF record versions (1, 2, or both)
	// are acceptable, tried highest first. Defaults to {2, 1}.
	AcceptedVersions []int

	state *evalState
}

// NewRequest builds a Request for scope ScopeMFROM or ScopePRA, where
// identity is an email address (or a bare domain if it has no
// local-part).
func NewRequest(identity string, scope Scope, clientIP net.IP, helo string) *Request {
	return &Request{
		Identity:         identity,
		Scope:            scope,
		ClientIP:         clientIP,
		HeloIdentity:     helo,
		AcceptedVersions: []int{2, 1},
		state:            &evalState{},
	}
}

// NewHeloRequest builds a Request for scope ScopeHELO, where identity is
// the HELO/EHLO domain itself.
func NewHeloRequest(helo string, clientIP net.IP) *Request {
	return &Request{
		Identity:         helo,
		Scope:            ScopeHELO,
		ClientIP:         clientIP,
		HeloIdentity:     helo,
		AcceptedVersions: []int{2, 1},
		state:            &evalState{},
	}
}

// AuthorityDomain derives the domain whose SPF record governs this
// request: the identity itself for ScopeHELO, or the part after the last
// "@" for ScopeMFROM/ScopePRA (the whole identity if there is no "@").
func (r *Request) AuthorityDomain() string {
	if r.Scope == ScopeHELO {
		return r.Identity
	}
	at := strings.LastIndex(r.Identity, "@")
	if at == -1 {
		return r.Identity
	}
	return r.Identity[at+1:]
}

// LocalPart is the part of the identity before "@", defaulting to
// "postmaster" when the identity has none.
func (r *Request) LocalPart() string {
	at := strings.LastIndex(r.Identity, "@")
	if at <= 0 {
		return "postmaster"
	}
	return r.Identity[:at]
}

// sender renders the identity as a local-part@domain pair for the %{s}
// macro, substituting the default local-part when needed.
func (r *Request) sender() string {
	return r.LocalPart() + "@" + r.AuthorityDomain()
}

// acceptedVersions returns r.AcceptedVersions, defaulting to {2, 1} for a
// Request built without one of the constructors above.
func (r *Request) acceptedVersions() []int {
	if len(r.AcceptedVersions) == 0 {
		return []int{2, 1}
	}
	return r.AcceptedVersions
}

func (r *Request) ensureState() {
	if r.state == nil {
		r.state = &evalState{}
	}
}

// ip4 returns the request's client address in IPv4 form, or nil if it has
// none (spec section 3: an IPv4-mapped IPv6 address is also available as
// plain IPv4).
func (r *Request) ip4() net.IP {
	return r.ClientIP.To4()
}

// ip6 returns the request's client address in 16-byte form; an IPv4
// address is returned in its IPv4-mapped IPv6 form, per spec section 3.
func (r *Request) ip6() net.IP {
	if v4 := r.ClientIP.To4(); v4 != nil {
		return v4.To16()
	}
	return r.ClientIP.To16()
}

// isIPv6 reports whether the request's client address should be treated
// as IPv6 for the purposes of choosing between A/AAAA lookups and ip4/ip6
// mechanisms.
func (r *Request) isIPv6() bool {
	return r.ClientIP.To4() == nil
}
