package spf

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Mechanism is one of the eight RFC 4408 section 5 mechanisms: a
// self-contained test of the (server, request) pair that reports whether
// it matched. The record evaluator applies the mechanism's own qualifier
// only when Match reports a match; an error short-circuits evaluation up
// to the nearest process boundary (spec section 4.2, 4.3, 9).
type Mechanism interface {
	Match(ctx context.Context, s *Server, req *Request, domain string) (bool, error)
	ResultOnMatch() ResultKind
	String() string
}

var (
	_ Mechanism = MechanismAll{}
	_ Mechanism = MechanismInclude{}
	_ Mechanism = MechanismA{}
	_ Mechanism = MechanismMX{}
	_ Mechanism = MechanismIp4{}
	_ Mechanism = MechanismIp6{}
	_ Mechanism = MechanismExists{}
	_ Mechanism = MechanismPTR{}
)

// 5.1. "all"
//
//   The "all" mechanism is a test that always matches. It is used as the
//   rightmost mechanism in a record to provide an explicit default.

// MechanismAll represents an SPF "all" mechanism; it always matches.
type MechanismAll struct {
	Qualifier ResultKind
}

func (m MechanismAll) Match(context.Context, *Server, *Request, string) (bool, error) {
	return true, nil
}

func (m MechanismAll) ResultOnMatch() ResultKind { return m.Qualifier }

func (m MechanismAll) String() string {
	return mechanismString(m.Qualifier, "all", "", nil, nil)
}

// 5.2. "include"
//
//   The "include" mechanism triggers a recursive evaluation of
//   check_host(). Its own result is derived from the sub-evaluation's
//   result per RFC 4408 Table 1 (spec section 4.3).

// MechanismInclude represents an SPF "include" mechanism; it matches
// based on the result of an SPF check against another domain.
type MechanismInclude struct {
	Qualifier  ResultKind
	DomainSpec MacroString
}

func (m MechanismInclude) Match(ctx context.Context, s *Server, req *Request, domain string) (bool, error) {
	if err := s.countDNSInteractiveTerm(req); err != nil {
		return false, err
	}

	target, err := s.ExpandDomainSpec(ctx, m.DomainSpec, req, domain, false)
	if err != nil {
		return false, err
	}
	target = dns.Fqdn(target)
	if !validDomainName(target) {
		return false, syntaxErrorf("invalid domain-spec %q in include", target)
	}

	for _, seen := range req.state.includeStack {
		if seen == target {
			return false, includeLoopErrorf(target)
		}
	}
	req.state.includeStack = append(req.state.includeStack, target)
	defer func() {
		req.state.includeStack = req.state.includeStack[:len(req.state.includeStack)-1]
	}()

	// An included domain's own exp modifier is only ever used for that
	// domain's own fail results (RFC 4408 section 6.2's exp applies to the
	// record that sets it, not to its includers); isolate it from the
	// includer's bound explanation so a fail back in this record doesn't
	// report the included domain's explanation text.
	savedExplanation := req.state.explanation
	defer func() { req.state.explanation = savedExplanation }()

	sub := s.evaluateDomain(ctx, req, target)

	switch sub.Kind {
	case Pass:
		return true, nil
	case Fail, Softfail, Neutral:
		return false, nil
	case Temperror:
		return false, dnsErrorf("include %q returned temperror", target)
	default: // Permerror, None
		return false, syntaxErrorf("include %q returned %s", target, sub.Kind)
	}
}

func (m MechanismInclude) ResultOnMatch() ResultKind { return m.Qualifier }

func (m MechanismInclude) String() string {
	return mechanismString(m.Qualifier, "include", m.DomainSpec.Raw(), nil, nil)
}

// 5.3. "a"
//
//   Matches if <ip> is one of the <target-name>'s A/AAAA addresses.

// MechanismA represents an SPF "a" mechanism.
type MechanismA struct {
	Qualifier  ResultKind
	DomainSpec MacroString
	Mask4      net.IPMask
	Mask6      net.IPMask
}

func (m MechanismA) Match(ctx context.Context, s *Server, req *Request, domain string) (bool, error) {
	if err := s.countDNSInteractiveTerm(req); err != nil {
		return false, err
	}

	target, err := s.ExpandDomainSpec(ctx, m.DomainSpec, req, domain, false)
	if err != nil {
		return false, err
	}
	if !validDomainName(target) {
		return false, nil
	}

	var qtype uint16
	var mask net.IPMask
	if req.isIPv6() {
		qtype, mask = dns.TypeAAAA, m.Mask6
	} else {
		qtype, mask = dns.TypeA, m.Mask4
	}

	addresses, err := s.lookupAddresses(ctx, target, qtype)
	if err != nil {
		return false, err
	}
	return addressesContain(addresses, mask, req), nil
}

func (m MechanismA) ResultOnMatch() ResultKind { return m.Qualifier }

func (m MechanismA) String() string {
	return mechanismString(m.Qualifier, "a", m.DomainSpec.Raw(), m.Mask4, m.Mask6)
}

// 5.4. "mx"
//
//   Matches if <ip> is one of the MX hosts for a domain name.

// MechanismMX represents an SPF "mx" mechanism.
type MechanismMX struct {
	Qualifier  ResultKind
	DomainSpec MacroString
	Mask4      net.IPMask
	Mask6      net.IPMask
}

func (m MechanismMX) Match(ctx context.Context, s *Server, req *Request, domain string) (bool, error) {
	if err := s.countDNSInteractiveTerm(req); err != nil {
		return false, err
	}

	target, err := s.ExpandDomainSpec(ctx, m.DomainSpec, req, domain, false)
	if err != nil {
		return false, err
	}
	if !validDomainName(target) {
		return false, nil
	}

	mxrrs, err := s.lookupDNS(ctx, target, dns.TypeMX)
	if err != nil {
		return false, err
	}

	var qtype uint16
	var mask net.IPMask
	if req.isIPv6() {
		qtype, mask = dns.TypeAAAA, m.Mask6
	} else {
		qtype, mask = dns.TypeA, m.Mask4
	}

	limit := s.mxAddressLimit()
	count := 0
	for _, rr := range mxrrs {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		count++
		if count > limit {
			// Terminate without a match; no error (spec section 4.3 "mx").
			return false, nil
		}
		addresses, err := s.lookupAddresses(ctx, mx.Mx, qtype)
		if err != nil {
			return false, err
		}
		if addressesContain(addresses, mask, req) {
			return true, nil
		}
	}
	return false, nil
}

func (m MechanismMX) ResultOnMatch() ResultKind { return m.Qualifier }

func (m MechanismMX) String() string {
	return mechanismString(m.Qualifier, "mx", m.DomainSpec.Raw(), m.Mask4, m.Mask6)
}

// 5.6. "ip4" and "ip6"
//
//   Test whether <ip> is contained within a given IP network.

// MechanismIp4 represents an SPF "ip4" mechanism.
type MechanismIp4 struct {
	Qualifier ResultKind
	Net       *net.IPNet
}

func (m MechanismIp4) Match(_ context.Context, _ *Server, req *Request, _ string) (bool, error) {
	if req.isIPv6() {
		return false, nil
	}
	return m.Net.Contains(req.ip4()), nil
}

func (m MechanismIp4) ResultOnMatch() ResultKind { return m.Qualifier }

func (m MechanismIp4) String() string {
	return mechanismString(m.Qualifier, "ip4", m.Net.String(), nil, nil)
}

// MechanismIp6 represents an SPF "ip6" mechanism.
type MechanismIp6 struct {
	Qualifier ResultKind
	Net       *net.IPNet
}

func (m MechanismIp6) Match(_ context.Context, _ *Server, req *Request, _ string) (bool, error) {
	if !req.isIPv6() {
		return false, nil
	}
	return m.Net.Contains(req.ip6()), nil
}

func (m MechanismIp6) ResultOnMatch() ResultKind { return m.Qualifier }

func (m MechanismIp6) String() string {
	return mechanismString(m.Qualifier, "ip6", m.Net.String(), nil, nil)
}

// 5.7. "exists"
//
//   Constructs a domain name for a DNS A record query; matches if any A
//   record is returned (the addresses themselves are not examined).

// MechanismExists represents an SPF "exists" mechanism.
type MechanismExists struct {
	Qualifier  ResultKind
	DomainSpec MacroString
}

func (m MechanismExists) Match(ctx context.Context, s *Server, req *Request, domain string) (bool, error) {
	if err := s.countDNSInteractiveTerm(req); err != nil {
		return false, err
	}

	target, err := s.ExpandDomainSpec(ctx, m.DomainSpec, req, domain, false)
	if err != nil {
		return false, err
	}
	if !validDomainName(target) {
		return false, nil
	}

	addresses, err := s.lookupAddresses(ctx, target, dns.TypeA)
	if err != nil {
		return false, err
	}
	return len(addresses) > 0, nil
}

func (m MechanismExists) ResultOnMatch() ResultKind { return m.Qualifier }

func (m MechanismExists) String() string {
	return mechanismString(m.Qualifier, "exists", m.DomainSpec.Raw(), nil, nil)
}

func addressesContain(addresses []net.IP, mask net.IPMask, req *Request) bool {
	var target net.IP
	if req.isIPv6() {
		target = req.ip6()
	} else {
		target = req.ip4()
	}
	for _, addr := range addresses {
		if (&net.IPNet{IP: addr, Mask: mask}).Contains(target) {
			return true
		}
	}
	return false
}

//   ip4-cidr-length  = "/" ("0" / %x31-39 0*1DIGIT)   ; 0-32
//   ip6-cidr-length  = "/" ("0" / %x31-39 0*2DIGIT)   ; 0-128
//   dual-cidr-length = [ ip4-cidr-length ] [ "/" ip6-cidr-length ]

var v4CIDRRe = regexp.MustCompile(`/([0-9]{1,2})$`)
var v6CIDRRe = regexp.MustCompile(`//([0-9]{1,3})$`)

func dualCIDR(s string) (string, net.IPMask, net.IPMask, error) {
	v6len, v4len := 128, 32

	if loc := v6CIDRRe.FindStringSubmatchIndex(s); loc != nil {
		n, err := strconv.Atoi(s[loc[2]:loc[3]])
		if err != nil || n > 128 {
			return "", nil, nil, syntaxErrorf("invalid ipv6 cidr length in %q", s)
		}
		v6len = n
		s = s[:loc[0]]
	}

	if loc := v4CIDRRe.FindStringSubmatchIndex(s); loc != nil {
		n, err := strconv.Atoi(s[loc[2]:loc[3]])
		if err != nil || n > 32 {
			return "", nil, nil, syntaxErrorf("invalid ipv4 cidr length in %q", s)
		}
		v4len = n
		s = s[:loc[0]]
	}

	return s, net.CIDRMask(v4len, 32), net.CIDRMask(v6len, 128), nil
}

// NewMechanism creates a Mechanism from its raw text representation
// (spec section 4.5, RFC 4408 section 4.6.2/section 5).
func NewMechanism(raw string) (Mechanism, error) {
	if raw == "" {
		return nil, syntaxErrorf("empty mechanism")
	}

	var qualifier ResultKind
	switch raw[0] {
	case '+':
		qualifier, raw = Pass, raw[1:]
	case '-':
		qualifier, raw = Fail, raw[1:]
	case '~':
		qualifier, raw = Softfail, raw[1:]
	case '?':
		qualifier, raw = Neutral, raw[1:]
	default:
		qualifier = Pass
	}
	if raw == "" {
		return nil, syntaxErrorf("empty mechanism after qualifier")
	}

	var name, parameter string
	emptyParam := false
	if sep := strings.IndexAny(raw, ":/"); sep == -1 {
		name = strings.ToLower(raw)
	} else {
		name = strings.ToLower(raw[:sep])
		parameter = raw[sep:]
		if parameter[0] == ':' {
			parameter = parameter[1:]
			emptyParam = parameter == ""
		}
	}

	switch name {
	case "all":
		if parameter != "" {
			return nil, syntaxErrorf("'all' takes no parameters")
		}
		return MechanismAll{Qualifier: qualifier}, nil

	case "include":
		if parameter == "" {
			return nil, syntaxErrorf("'include' requires a domain-spec")
		}
		if !validDomainSpec(parameter) {
			return nil, syntaxErrorf("invalid domain-spec %q in include", parameter)
		}
		return MechanismInclude{Qualifier: qualifier, DomainSpec: NewMacroString(parameter)}, nil

	case "a":
		if emptyParam {
			return nil, syntaxErrorf("empty domain in 'a' mechanism")
		}
		domainSpec, v4, v6, err := dualCIDR(parameter)
		if err != nil {
			return nil, err
		}
		if !validOptionalDomainSpec(domainSpec) {
			return nil, syntaxErrorf("invalid domain-spec %q in 'a'", domainSpec)
		}
		return MechanismA{Qualifier: qualifier, DomainSpec: NewMacroString(domainSpec), Mask4: v4, Mask6: v6}, nil

	case "mx":
		if emptyParam {
			return nil, syntaxErrorf("empty domain in 'mx' mechanism")
		}
		domainSpec, v4, v6, err := dualCIDR(parameter)
		if err != nil {
			return nil, err
		}
		if !validOptionalDomainSpec(domainSpec) {
			return nil, syntaxErrorf("invalid domain-spec %q in 'mx'", domainSpec)
		}
		return MechanismMX{Qualifier: qualifier, DomainSpec: NewMacroString(domainSpec), Mask4: v4, Mask6: v6}, nil

	case "ptr":
		if emptyParam {
			return nil, syntaxErrorf("empty domain in 'ptr' mechanism")
		}
		if !validOptionalDomainSpec(parameter) {
			return nil, syntaxErrorf("invalid domain-spec %q in 'ptr'", parameter)
		}
		return MechanismPTR{Qualifier: qualifier, DomainSpec: NewMacroString(parameter)}, nil

	case "ip4":
		addr := parameter
		if !strings.Contains(addr, "/") {
			addr += "/32"
		}
		ip, network, err := parseCIDR(addr)
		if err != nil {
			return nil, syntaxErrorf("invalid address %q in 'ip4'", parameter)
		}
		if ip.To4() == nil {
			return nil, syntaxErrorf("non-ipv4 address %q in 'ip4'", parameter)
		}
		return MechanismIp4{Qualifier: qualifier, Net: network}, nil

	case "ip6":
		addr := parameter
		if !strings.Contains(addr, "/") {
			addr += "/128"
		}
		ip, network, err := parseCIDR(addr)
		if err != nil {
			return nil, syntaxErrorf("invalid address %q in 'ip6'", parameter)
		}
		if ip.To4() != nil && !strings.Contains(parameter, ":") {
			return nil, syntaxErrorf("non-ipv6 address %q in 'ip6'", parameter)
		}
		return MechanismIp6{Qualifier: qualifier, Net: network}, nil

	case "exists":
		if parameter == "" {
			return nil, syntaxErrorf("'exists' requires a domain-spec")
		}
		if !validDomainSpec(parameter) {
			return nil, syntaxErrorf("invalid domain-spec %q in exists", parameter)
		}
		return MechanismExists{Qualifier: qualifier, DomainSpec: NewMacroString(parameter)}, nil

	default:
		return nil, syntaxErrorf("unrecognized mechanism %q", name)
	}
}

// resultChar maps a qualifier's ResultKind back to the single-character
// prefix used in SPF text format ("+" is always omitted).
var resultChar = map[ResultKind]string{
	Pass:     "",
	Fail:     "-",
	Softfail: "~",
	Neutral:  "?",
}

func mechanismString(qualifier ResultKind, name, parameter string, mask4, mask6 net.IPMask) string {
	var sb strings.Builder
	sb.WriteString(resultChar[qualifier])
	sb.WriteString(name)
	if parameter != "" {
		sb.WriteString(":")
		sb.WriteString(parameter)
	}
	if mask4 != nil {
		if ones, bits := mask4.Size(); bits != 0 && ones != 32 {
			sb.WriteString("/")
			sb.WriteString(strconv.Itoa(ones))
		}
	}
	if mask6 != nil {
		if ones, bits := mask6.Size(); bits != 0 && ones != 128 {
			sb.WriteString("//")
			sb.WriteString(strconv.Itoa(ones))
		}
	}
	return sb.String()
}
