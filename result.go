package spf

import "fmt"

//go:generate enumer -type=ResultKind -transform=snake

// ResultKind is the outcome of an SPF evaluation (RFC 4408 section 2.4).
//
// 2.4.1. None
//
//	A result of "none" means either (a) no syntactically valid DNS
//	domain name was extracted from the SMTP session that could be used
//	as the one to be authorized, or (b) no SPF records were retrieved
//	from the DNS.
//
// 2.4.2. Neutral
//
//	The domain owner has explicitly stated that it is not asserting
//	whether the IP address is authorized.
//
// 2.4.3. Pass
//
//	An explicit statement that the client is authorized to inject mail
//	with the given identity.
//
// 2.4.4. Fail
//
//	An explicit statement that the client is not authorized to use the
//	domain in the given identity.
//
// 2.4.5. SoftFail
//
//	A weak statement by the publishing domain owner that the host is
//	probably not authorized.
//
// 2.4.6. TempError
//
//	The SPF verifier encountered a transient (generally DNS) error
//	while performing the check.
//
// 2.4.7. PermError
//
//	The domain's published records could not be correctly interpreted.
type ResultKind int

const (
	None ResultKind = iota
	Neutral
	Pass
	Fail
	Softfail
	Temperror
	Permerror
)

// Result is everything produced by evaluating an SPF record for one
// Request: the authoritative outcome, the macro-expanded explanation (set
// only for Fail), and the error, if any, that drove recovery to Permerror
// or Temperror.
type Result struct {
	Kind        ResultKind
	Explanation string
	Scope       Scope
	Identity    string
	err         error
}

func (r Result) String() string {
	return r.Kind.String()
}

// Err returns the underlying cause, if any, of a Permerror or Temperror
// result. It is nil for None, Neutral, Pass, Fail and Softfail.
func (r Result) Err() error {
	return r.err
}

// AuthenticationResults renders a Result as an RFC 8601
// Authentication-Results: header value, naming the receiving host and the
// identity that was checked.
func (r Result) AuthenticationResults(receiver string) string {
	return fmt.Sprintf("%s; spf=%s smtp.%s=%s", receiver, r.Kind.String(), identityParam(r.Scope), r.Identity)
}

func identityParam(s Scope) string {
	switch s {
	case ScopeHELO:
		return "helo"
	case ScopePRA:
		return "pra"
	default:
		return "mailfrom"
	}
}
