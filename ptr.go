package spf

import (
	"context"
	"strings"

	"github.com/miekg/dns"
)

// 5.5. "ptr" (do not use) (RFC 4408)
//
//   This mechanism tests whether the DNS reverse-mapping for <ip> exists
//   and correctly points to a domain name within a particular domain.
//
//   o  Perform a DNS reverse-mapping for <ip>, in "in-addr.arpa." for
//      IPv4 or "ip6.arpa." for IPv6.
//
//   o  For each PTR record returned, validate the domain name by looking
//      up its A or AAAA record(s). Processing limits (section 4.6.4)
//      apply. If <ip> is among the returned addresses, the name is
//      validated.
//
//   This mechanism matches if the <target-name> is a validated name, or a
//   validated name is a subdomain of <target-name>.

// MechanismPTR represents the SPF "ptr" mechanism.
type MechanismPTR struct {
	Qualifier  ResultKind
	DomainSpec MacroString
}

func (m MechanismPTR) Match(ctx context.Context, s *Server, req *Request, domain string) (bool, error) {
	if err := s.countDNSInteractiveTerm(req); err != nil {
		return false, err
	}

	target, err := s.ExpandDomainSpec(ctx, m.DomainSpec, req, domain, false)
	if err != nil {
		return false, err
	}
	target = dns.Fqdn(target)
	if !validDomainName(target) {
		return false, nil
	}

	names, err := s.validatedPTRNames(ctx, req)
	if err != nil {
		return false, err
	}

	for _, name := range names {
		if dns.IsSubDomain(target, name) {
			return true, nil
		}
	}
	return false, nil
}

func (m MechanismPTR) ResultOnMatch() ResultKind { return m.Qualifier }

func (m MechanismPTR) String() string {
	return mechanismString(m.Qualifier, "ptr", m.DomainSpec.Raw(), nil, nil)
}

// validatedPTRNames performs the reverse lookup plus forward-validation
// walk shared by the "ptr" mechanism and the %{p} macro (spec section
// 4.3, 4.4), capped at ptrAddressLimit names.
func (s *Server) validatedPTRNames(ctx context.Context, req *Request) ([]string, error) {
	rev, err := dns.ReverseAddr(req.ClientIP.String())
	if err != nil {
		return nil, syntaxErrorf("invalid client ip %q for PTR lookup", req.ClientIP)
	}

	rrs, err := s.lookupDNS(ctx, rev, dns.TypePTR)
	if err != nil {
		return nil, err
	}

	limit := s.ptrAddressLimit()
	if len(rrs) > limit {
		rrs = rrs[:limit]
	}

	var qtype uint16
	if req.isIPv6() {
		qtype = dns.TypeAAAA
	} else {
		qtype = dns.TypeA
	}

	var validated []string
	for _, rr := range rrs {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		addresses, err := s.lookupAddresses(ctx, ptr.Ptr, qtype)
		if err != nil {
			continue // a DNS error on the forward lookup just skips this name
		}
		for _, addr := range addresses {
			if addr.Equal(req.ClientIP) {
				validated = append(validated, strings.ToLower(ptr.Ptr))
				break
			}
		}
	}
	return validated, nil
}

// validatedPTRName implements the %{p} macro: the first validated PTR
// name, preferring one that equals target, falling back to "unknown" if
// none validate (spec section 4.4).
func validatedPTRName(ctx context.Context, s *Server, req *Request, target string) string {
	names, err := s.validatedPTRNames(ctx, req)
	if err != nil || len(names) == 0 {
		return "unknown"
	}

	target = strings.ToLower(dns.Fqdn(target))
	for _, name := range names {
		if name == target {
			return strings.TrimSuffix(name, ".")
		}
	}
	for _, name := range names {
		if dns.IsSubDomain(target, name) {
			return strings.TrimSuffix(name, ".")
		}
	}
	return strings.TrimSuffix(names[0], ".")
}
