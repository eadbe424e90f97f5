// Package zonefixture builds a canned spf.Resolver from a small in-memory
// or YAML-described zone, for tests and the spfcheck CLI's -zone flag. Its
// shape is grounded on the openspf/pyspf and RFC 7208 compliance-suite
// fixture format: a map of hostname to per-RR-type answers, plus a
// "TIMEOUT" sentinel for simulating an unresponsive nameserver.
package zonefixture

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v2"
)

// Resolver answers DNS queries from a canned table of per-hostname,
// per-RR-type responses. A query for a hostname not present in the table
// returns NXDOMAIN; one for an RR type not recorded for a known hostname
// returns an empty NOERROR answer.
type Resolver map[string]map[uint16]*dns.Msg

var _ interface {
	Resolve(ctx context.Context, r *dns.Msg) (*dns.Msg, error)
} = Resolver{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "zonefixture: simulated timeout" }
func (*timeoutError) Timeout() bool { return true }

// Resolve implements spf.Resolver.
func (r Resolver) Resolve(_ context.Context, q *dns.Msg) (*dns.Msg, error) {
	name := strings.ToLower(q.Question[0].Name)

	hostRRs, ok := r[name]
	if !ok {
		m := new(dns.Msg)
		m.SetRcode(q, dns.RcodeNameError)
		return m, nil
	}
	if _, timedOut := hostRRs[0]; timedOut {
		return nil, &timeoutError{}
	}

	m := new(dns.Msg)
	if response, ok := hostRRs[q.Question[0].Qtype]; ok {
		m = response.Copy()
	}
	m.SetRcode(q, dns.RcodeSuccess)
	return m, nil
}

// Zone lists a hostname's canned DNS answers, keyed by RR type name ("A",
// "AAAA", "MX", "TXT", "SPF", "PTR", "CNAME"), or the single key "TIMEOUT"
// to simulate an unresponsive nameserver for every query against that
// host. A value may be a single string, a list of strings (multiple TXT
// chunks, or a value per RR when more than one of a type is published),
// or, for MX, a two-element [preference, exchange] list.
type Zone map[string]interface{}

// Build assembles a Resolver from a table of zone data. An SPF-type entry
// is duplicated as a TXT record unless the zone already defines one of its
// own, matching the handful of authoritative servers that still publish
// the deprecated RR type 99 alongside identical TXT text.
func Build(data map[string]Zone) (Resolver, error) {
	out := Resolver{}
	for hostname, zone := range data {
		fqdn := strings.ToLower(dns.Fqdn(hostname))
		answers := map[uint16]*dns.Msg{}
		out[fqdn] = answers

		if _, timeout := zone["TIMEOUT"]; timeout {
			answers[0] = &dns.Msg{}
			continue
		}

		_, hasTXT := zone["TXT"]
		for typeName, value := range zone {
			typeID, ok := dns.StringToType[typeName]
			if !ok {
				return nil, fmt.Errorf("zonefixture: %s: unrecognized RR type %q", hostname, typeName)
			}
			if err := addRRs(answers, fqdn, typeID, value); err != nil {
				return nil, fmt.Errorf("zonefixture: %s %s: %w", hostname, typeName, err)
			}
			if typeID == dns.TypeSPF && !hasTXT {
				if err := addRRs(answers, fqdn, dns.TypeTXT, value); err != nil {
					return nil, fmt.Errorf("zonefixture: %s TXT (from SPF): %w", hostname, err)
				}
			}
		}
	}
	return out, nil
}

// addRRs appends the RR(s) a zone entry's value describes for typeID.
// TXT and SPF are special-cased: a list of strings there means the
// character-string chunks of one logical record (RFC 4408 section 3.1.3's
// multi-string TXT), not several separate records. Every other type
// treats a list as several separate RRs (e.g. multiple A addresses, or
// multiple [preference, exchange] MX pairs); a bare value is one RR.
func addRRs(answers map[uint16]*dns.Msg, fqdn string, typeID uint16, value interface{}) error {
	m, ok := answers[typeID]
	if !ok {
		m = &dns.Msg{}
		answers[typeID] = m
	}

	if typeID == dns.TypeTXT || typeID == dns.TypeSPF {
		chunks, err := toStrings(value)
		if err != nil {
			return err
		}
		hdr := dns.RR_Header{Name: fqdn, Rrtype: typeID, Class: dns.ClassINET, Ttl: 30}
		if typeID == dns.TypeSPF {
			m.Answer = append(m.Answer, &dns.SPF{Hdr: hdr, Txt: chunks})
		} else {
			m.Answer = append(m.Answer, &dns.TXT{Hdr: hdr, Txt: chunks})
		}
		return nil
	}

	var items []interface{}
	switch v := value.(type) {
	case []interface{}:
		if typeID == dns.TypeMX {
			if _, pairOfPairs := v[0].([]interface{}); pairOfPairs {
				items = v
			} else {
				items = []interface{}{v}
			}
		} else {
			items = v
		}
	default:
		items = []interface{}{value}
	}

	for _, item := range items {
		rr, err := buildRR(fqdn, typeID, item)
		if err != nil {
			return err
		}
		m.Answer = append(m.Answer, rr)
	}
	return nil
}

func toStrings(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or list of strings, got %T", v)
	}
}

func buildRR(fqdn string, typeID uint16, value interface{}) (dns.RR, error) {
	hdr := dns.RR_Header{Name: fqdn, Rrtype: typeID, Class: dns.ClassINET, Ttl: 30}
	switch typeID {
	case dns.TypeA:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string address, got %T", value)
		}
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("invalid ipv4 address %q", s)
		}
		return &dns.A{Hdr: hdr, A: ip}, nil
	case dns.TypeAAAA:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string address, got %T", value)
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid ipv6 address %q", s)
		}
		return &dns.AAAA{Hdr: hdr, AAAA: ip}, nil
	case dns.TypePTR:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string target, got %T", value)
		}
		return &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(s)}, nil
	case dns.TypeCNAME:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string target, got %T", value)
		}
		return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(s)}, nil
	case dns.TypeMX:
		pair, ok := value.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("expected a [preference, exchange] pair, got %#v", value)
		}
		pref, ok := pair[0].(int)
		if !ok {
			return nil, fmt.Errorf("expected an integer preference, got %T", pair[0])
		}
		exchange, ok := pair[1].(string)
		if !ok {
			return nil, fmt.Errorf("expected a string exchange, got %T", pair[1])
		}
		return &dns.MX{Hdr: hdr, Preference: uint16(pref), Mx: dns.Fqdn(exchange)}, nil
	default:
		return nil, fmt.Errorf("unsupported RR type %s", dns.TypeToString[typeID])
	}
}

// Suite is a named group of Tests sharing one table of Zone data, matching
// the shape of the openspf/pyspf and RFC 7208 compliance-suite fixtures
// this format is grounded on.
type Suite struct {
	Description string          `yaml:"description"`
	ZoneData    map[string]Zone `yaml:"zonedata"`
	Tests       map[string]Test `yaml:"tests"`
}

// Test is a single check within a Suite.
type Test struct {
	Description string
	Helo        string
	Host        net.IP
	MailFrom    string
	Result      interface{}
	Explanation string
}

// UnmarshalYAML decodes a Test, parsing Host from its textual address.
func (t *Test) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Description string      `yaml:"description"`
		Helo        string      `yaml:"helo"`
		Host        string      `yaml:"host"`
		MailFrom    string      `yaml:"mailfrom"`
		Result      interface{} `yaml:"result"`
		Explanation string      `yaml:"explanation"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	t.Description, t.Helo, t.MailFrom, t.Result, t.Explanation = raw.Description, raw.Helo, raw.MailFrom, raw.Result, raw.Explanation
	if raw.Host != "" {
		t.Host = net.ParseIP(raw.Host)
	}
	return nil
}

// AcceptableResults returns the result name(s) a test counts as passing;
// several fixtures permit more than one (e.g. "fail" or "permerror" for a
// borderline malformed record).
func (t Test) AcceptableResults() ([]string, error) {
	switch v := t.Result.(type) {
	case string:
		return []string{v}, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string result, got %T", item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or list of strings for result, got %T", v)
	}
}

// Resolver builds the Resolver this suite's tests should run against.
func (s Suite) Resolver() (Resolver, error) {
	return Build(s.ZoneData)
}

// LoadSuites parses one or more "---"-separated YAML documents from text,
// each shaped as a Suite, in document order.
func LoadSuites(text string) ([]Suite, error) {
	var suites []Suite
	dec := yaml.NewDecoder(strings.NewReader(text))
	for {
		var s Suite
		if err := dec.Decode(&s); err != nil {
			if err == io.EOF {
				return suites, nil
			}
			return nil, err
		}
		suites = append(suites, s)
	}
}
