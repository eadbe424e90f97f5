package spf

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// Record is a parsed SPF policy: a version tag, the scopes it covers, an
// ordered sequence of Mechanisms, and the redirect/exp/unknown modifiers
// attached to it (spec section 3).
type Record struct {
	Version        int
	Scopes         map[Scope]bool
	Mechanisms     []Mechanism
	HasRedirect    bool
	Redirect       MacroString
	HasExp         bool
	Exp            MacroString
	OtherModifiers []string

	raw string
}

var version2Re = regexp.MustCompile(`(?i)^spf2\.0/([a-z,]+)$`)
var modifierFieldRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_.-]*)=(.*)$`)

// ParseRecord parses the text of a DNS TXT or SPF character-string as an
// SPF policy (spec section 4.5, 6; RFC 4408 section 12's grammar). The
// version is self-describing from the record's leading field: "v=spf1"
// selects version 1 with the implicit {helo, mfrom} scope set; "spf2.0/"
// followed by a comma-separated scope list selects version 2.
func ParseRecord(text string) (*Record, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, syntaxErrorf("empty record")
	}

	version, scopes, err := parseVersionTag(fields[0])
	if err != nil {
		return nil, err
	}
	rec := &Record{raw: text, Version: version, Scopes: scopes}

	seenModifiers := map[string]bool{}
	for _, field := range fields[1:] {
		if matches := modifierFieldRe.FindStringSubmatch(field); matches != nil {
			name, value := strings.ToLower(matches[1]), matches[2]
			switch name {
			case "redirect":
				if rec.HasRedirect {
					return nil, syntaxErrorf("multiple redirect modifiers")
				}
				if !validDomainSpec(value) {
					return nil, syntaxErrorf("invalid domain-spec %q in redirect", value)
				}
				rec.HasRedirect = true
				rec.Redirect = NewMacroString(value)
			case "exp":
				if rec.HasExp {
					return nil, syntaxErrorf("multiple exp modifiers")
				}
				if !validDomainSpec(value) {
					return nil, syntaxErrorf("invalid domain-spec %q in exp", value)
				}
				rec.HasExp = true
				rec.Exp = NewMacroString(value)
			default:
				if seenModifiers[name] {
					return nil, syntaxErrorf("duplicate modifier %q", name)
				}
				if !MacroIsValid(value) {
					return nil, syntaxErrorf("invalid macro-string in modifier %q", name)
				}
				seenModifiers[name] = true
				rec.OtherModifiers = append(rec.OtherModifiers, field)
			}
			continue
		}

		mech, err := NewMechanism(field)
		if err != nil {
			return nil, fmt.Errorf("in field %q: %w", field, err)
		}
		rec.Mechanisms = append(rec.Mechanisms, mech)
	}

	return rec, nil
}

// parseVersionTag parses a record's leading field into a version number and
// scope set, without touching the rest of the record.
func parseVersionTag(tag string) (version int, scopes map[Scope]bool, err error) {
	if strings.EqualFold(tag, "v=spf1") {
		return 1, map[Scope]bool{ScopeHELO: true, ScopeMFROM: true}, nil
	}
	matches := version2Re.FindStringSubmatch(tag)
	if matches == nil {
		return 0, nil, syntaxErrorf("record does not begin with v=spf1 or spf2.0/")
	}
	scopes = map[Scope]bool{}
	for _, name := range strings.Split(matches[1], ",") {
		scope, ok := scopeNames[strings.ToLower(name)]
		if !ok {
			return 0, nil, syntaxErrorf("unknown spf2.0 scope %q", name)
		}
		scopes[scope] = true
	}
	if len(scopes) == 0 {
		return 0, nil, syntaxErrorf("spf2.0 record has an empty scope list")
	}
	return 2, scopes, nil
}

// recordIsCandidate reports whether text's version tag alone (regardless of
// whether the rest of the record goes on to parse) makes it a candidate SPF
// record for a request accepting one of versions and scope.
func recordIsCandidate(text string, accepted map[int]bool, scope Scope) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	version, scopes, err := parseVersionTag(fields[0])
	if err != nil {
		return false
	}
	return accepted[version] && scopes[scope]
}

// String renders the record back to SPF text, modulo redundant "+"
// qualifiers, inter-token whitespace, and the declaration order of
// modifiers relative to each other (spec section 8's round-trip
// property covers mechanisms and the version/scope tag, not modifier
// ordering).
func (r *Record) String() string {
	var sb strings.Builder
	if r.Version == 2 {
		sb.WriteString("spf2.0/")
		scopes := make([]string, 0, len(r.Scopes))
		for sc := range r.Scopes {
			scopes = append(scopes, string(sc))
		}
		sort.Strings(scopes)
		sb.WriteString(strings.Join(scopes, ","))
	} else {
		sb.WriteString("v=spf1")
	}
	for _, m := range r.Mechanisms {
		sb.WriteByte(' ')
		sb.WriteString(m.String())
	}
	for _, mod := range r.OtherModifiers {
		sb.WriteByte(' ')
		sb.WriteString(mod)
	}
	if r.HasRedirect {
		sb.WriteString(" redirect=")
		sb.WriteString(r.Redirect.Raw())
	}
	if r.HasExp {
		sb.WriteString(" exp=")
		sb.WriteString(r.Exp.Raw())
	}
	return sb.String()
}

// Evaluate walks a Record's mechanisms in declaration order, applying the
// first match's qualifier, then falls back to its exp/redirect modifiers
// or a default neutral (spec section 4.2).
func (r *Record) Evaluate(ctx context.Context, s *Server, req *Request, domain string) (Result, error) {
	// A record's own exp modifier is bound to the request before any
	// mechanism runs, not deferred until none of them match: that way it
	// is in effect both for a "fail" this record's own mechanisms
	// produce and, via req.state, for one a redirect target produces
	// later using this domain's explanation (spec section 6.2's
	// "centralize your explanation text" pattern).
	if r.HasExp {
		s.installExplanation(ctx, req, domain, r.Exp)
	}

	for i, mech := range r.Mechanisms {
		matched, err := mech.Match(ctx, s, req, domain)
		if s.Hook != nil {
			s.Hook.Mechanism(domain, i, mech, matched, err)
		}
		if err != nil {
			return Result{}, err
		}
		if !matched {
			continue
		}

		kind := mech.ResultOnMatch()
		result := Result{Kind: kind}
		if kind == Fail {
			result.Explanation = s.captureExplanation(ctx, req, domain)
		}
		return result, nil
	}

	// Fell off the end: no mechanism matched.
	if r.HasRedirect {
		if s.Hook != nil {
			s.Hook.Redirect(r.Redirect.Raw())
		}
		if err := s.countDNSInteractiveTerm(req); err != nil {
			return Result{}, err
		}
		target, err := s.ExpandDomainSpec(ctx, r.Redirect, req, domain, false)
		if err != nil {
			return Result{}, err
		}
		target = dns.Fqdn(target)
		if !validDomainName(target) {
			return Result{}, syntaxErrorf("invalid redirect target %q", target)
		}
		result := s.evaluateDomain(ctx, req, target)
		if result.Kind == None {
			return Result{Kind: Permerror, err: syntaxErrorf("redirect target %q has no SPF record", target)}, nil
		}
		return result, nil
	}

	return Result{Kind: Neutral}, nil
}
