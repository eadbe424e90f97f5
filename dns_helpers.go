package spf

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

var validDomainSuffixRe = regexp.MustCompile(`(?i)\.([a-z0-9][a-z0-9-]*[a-z0-9])\.?$`)
var allNumericRe = regexp.MustCompile(`^[0-9]*$`)

// validDomainName reports whether hostname is a plausible, fully
// qualified DNS name: dns.IsDomainName() alone is too permissive (it
// accepts arbitrary 8-bit label data), so this also rejects single-label
// names and all-numeric TLDs.
func validDomainName(hostname string) bool {
	atoms, ok := dns.IsDomainName(hostname)
	if !ok || atoms < 2 {
		return false
	}
	matches := validDomainSuffixRe.FindStringSubmatch(hostname)
	if matches == nil {
		return false
	}
	return !allNumericRe.MatchString(matches[1])
}

func validOptionalDomainSpec(domainSpec string) bool {
	return domainSpec == "" || validDomainSpec(domainSpec)
}

// validDomainSpec reports whether a domain-spec is acceptable: either a
// plain valid domain name, or valid macro-string text ending in either a
// macro expansion or a non-numeric top label (RFC 4408 section 8.1's
// domain-end production).
func validDomainSpec(domainSpec string) bool {
	if validDomainName(domainSpec) {
		return true
	}
	if !MacroIsValid(domainSpec) {
		return false
	}
	if strings.HasSuffix(domainSpec, "}") {
		return true
	}
	matches := validDomainSuffixRe.FindStringSubmatch(domainSpec)
	if matches == nil {
		return false
	}
	return !allNumericRe.MatchString(matches[1])
}

// parseCIDR is like net.ParseCIDR but rejects non-canonical prefix
// lengths (e.g. "10.0.0.1/08"), the way the teacher's own helper does.
func parseCIDR(s string) (net.IP, *net.IPNet, error) {
	ip, network, err := net.ParseCIDR(s)
	if err != nil {
		return nil, nil, err
	}
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return nil, nil, &net.ParseError{Type: "CIDR address", Text: s}
	}
	ones, _ := network.Mask.Size()
	if s[i+1:] != strconv.Itoa(ones) {
		return nil, nil, &net.ParseError{Type: "CIDR address", Text: s}
	}
	return ip, network, nil
}

// normalizeDomainName prepares a domain name for a DNS lookup the way
// Server.dnsLookup must (spec section 4.1 "dnsLookup"): lower-case it,
// strip a trailing dot, and, if it's still over the 253-byte limit,
// truncate leading labels until it fits. It is also passed through IDNA
// so a non-ASCII domain becomes its A-label form before ever reaching the
// wire (grounded on mailspire-spf's use of golang.org/x/net/idna).
func normalizeDomainName(name string) string {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		name = ascii
	}
	for len(name) > 253 {
		i := strings.IndexByte(name, '.')
		if i == -1 {
			break
		}
		name = name[i+1:]
	}
	return name
}
