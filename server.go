package spf

import (
	"context"
	"errors"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// Default limits, matching RFC 4408 section 10.1's "10" ceilings.
const (
	DefaultDNSInteractiveTermLimit = 10
	DefaultNameLookupLimit         = 10
	DefaultExplanationTemplate     = "Please see http://www.openspf.org/why.html?sender=%{S}&ip=%{I}&receiver=%{R}"
)

// Server evaluates SPF policy for requests. The zero value is not usable;
// construct one with NewServer, which fills in RFC defaults, then override
// whichever fields the deployment needs to change.
type Server struct {
	// Resolver performs the DNS queries the evaluator issues. Defaults to
	// a DefaultResolver reading ResolvConf.
	Resolver Resolver

	// MaxDNSInteractiveTerms caps the number of "include", "a", "mx",
	// "ptr", and "exists" mechanisms (and "redirect" modifiers) a single
	// check may evaluate, recursing into includes (spec section 4.6.4).
	// Zero means DefaultDNSInteractiveTermLimit.
	MaxDNSInteractiveTerms int

	// MaxNameLookupsPerTerm is the default ceiling on MX or PTR names
	// examined by a single "mx" or "ptr" mechanism; MaxNameLookupsPerMX and
	// MaxNameLookupsPerPTR override it individually. Zero means
	// DefaultNameLookupLimit.
	MaxNameLookupsPerTerm int
	MaxNameLookupsPerMX   int
	MaxNameLookupsPerPTR  int

	// DefaultExplanation seeds the request's bound explanation before any
	// exp modifier overrides it (spec section 4.2, 6.2).
	DefaultExplanation MacroString

	// Hostname names this receiving host for the %{r} macro letter in
	// explanation text.
	Hostname string

	// Hook, if set, observes DNS queries, record/mechanism evaluation,
	// macro expansion, and redirects as they happen.
	Hook Hook
}

// NewServer returns a Server configured with RFC 4408's default limits, a
// resolv.conf(5)-backed resolver, and the conventional why.html
// explanation template.
func NewServer() *Server {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Server{
		Resolver:               &DefaultResolver{},
		MaxDNSInteractiveTerms: DefaultDNSInteractiveTermLimit,
		MaxNameLookupsPerTerm:  DefaultNameLookupLimit,
		DefaultExplanation:     NewMacroString(DefaultExplanationTemplate),
		Hostname:               hostname,
	}
}

func (s *Server) maxDNSInteractiveTerms() int {
	if s.MaxDNSInteractiveTerms > 0 {
		return s.MaxDNSInteractiveTerms
	}
	return DefaultDNSInteractiveTermLimit
}

func (s *Server) nameLookupLimit() int {
	if s.MaxNameLookupsPerTerm > 0 {
		return s.MaxNameLookupsPerTerm
	}
	return DefaultNameLookupLimit
}

func (s *Server) mxAddressLimit() int {
	if s.MaxNameLookupsPerMX > 0 {
		return s.MaxNameLookupsPerMX
	}
	return s.nameLookupLimit()
}

func (s *Server) ptrAddressLimit() int {
	if s.MaxNameLookupsPerPTR > 0 {
		return s.MaxNameLookupsPerPTR
	}
	return s.nameLookupLimit()
}

// Process runs a full SPF check for req and returns the final Result (spec
// section 4). It is the single public entry point; SPF and Check below are
// thin conveniences over it.
func (s *Server) Process(ctx context.Context, req *Request) Result {
	def := s.DefaultExplanation
	req.state = &evalState{explanation: &def}

	result := s.evaluateDomain(ctx, req, req.AuthorityDomain())
	result.Scope = req.Scope
	result.Identity = req.Identity
	return result
}

// SPF runs the two-phase check a receiving MTA normally wants: evaluate
// the HELO identity first, and only fall through to MAIL FROM if the HELO
// check came back none or neutral (mirroring common check_host() callers).
func (s *Server) SPF(ctx context.Context, ip net.IP, mailFrom, helo string) Result {
	if helo != "" {
		result := s.Process(ctx, NewHeloRequest(helo, ip))
		if result.Kind != None && result.Kind != Neutral {
			return result
		}
	}
	if mailFrom != "" {
		return s.Process(ctx, NewRequest(mailFrom, ScopeMFROM, ip, helo))
	}
	return Result{Kind: None, Scope: ScopeMFROM}
}

// evaluateDomain fetches domain's acceptable SPF record and evaluates it,
// recovering any internal error into a final Result. It is the evaluation
// engine's single process boundary: Process calls it at the root, and
// MechanismInclude/Record.Evaluate's redirect handling call it recursively
// for included and redirected domains, so every conversion from an
// internal error kind to a terminal Result (temperror/permerror) happens
// at exactly the same place regardless of nesting depth.
func (s *Server) evaluateDomain(ctx context.Context, req *Request, domain string) Result {
	if !validDomainName(domain) {
		return Result{Kind: None}
	}

	records, err := s.fetchAcceptableRecords(ctx, req, domain)
	if err != nil {
		return resultFromError(err)
	}

	if s.Hook != nil {
		for _, rec := range records {
			s.Hook.Record(rec.raw, domain, rec.Version)
		}
	}

	if len(records) == 0 {
		return Result{Kind: None}
	}

	result, err := records[0].Evaluate(ctx, s, req, domain)
	if err != nil {
		result = resultFromError(err)
	}
	if s.Hook != nil {
		s.Hook.RecordResult(domain, result)
	}
	return result
}

func resultFromError(err error) Result {
	if result, ok := recoverError(err); ok {
		return result
	}
	return Result{Kind: Temperror, err: err}
}

// fetchAcceptableRecords implements the record-selection algorithm of spec
// section 4.1 step 3: query the SPF RR type first (a timeout there is
// silently treated as an empty answer, since most authoritative servers
// don't publish it), fall back to TXT, and within whichever answer set
// produced a non-empty result, select the candidates declaring a version
// req accepts and a scope list covering req.Scope.
func (s *Server) fetchAcceptableRecords(ctx context.Context, req *Request, domain string) ([]*Record, error) {
	versions := req.acceptedVersions()

	candidates, err := s.candidateRecordStrings(ctx, domain, dns.TypeSPF)
	if err != nil {
		var ie *internalError
		if !errors.As(err, &ie) || ie.kind != errDNSTimeout {
			return nil, err
		}
		candidates = nil
	}
	records, err := selectAcceptable(candidates, versions, req.Scope)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		return records, nil
	}

	candidates, err = s.candidateRecordStrings(ctx, domain, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	return selectAcceptable(candidates, versions, req.Scope)
}

// selectAcceptable picks out the character-strings that are candidates for
// domain's SPF record: whichever ones declare a version req accepts and a
// scope list covering req.Scope, independent of whether the rest of the
// record goes on to parse (spec section 4.1 step 3's uniqueness count is
// over candidates, not over successfully-parsed records — a single
// malformed candidate is a Permerror, not a silently ignored one).
// Versions are tried highest first; only the candidates of the highest
// version that has any are considered.
func selectAcceptable(candidates []string, versions []int, scope Scope) ([]*Record, error) {
	sorted := append([]int(nil), versions...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	for _, v := range sorted {
		accepted := map[int]bool{v: true}
		var matching []string
		for _, text := range candidates {
			if recordIsCandidate(text, accepted, scope) {
				matching = append(matching, text)
			}
		}
		switch len(matching) {
		case 0:
			continue
		case 1:
			rec, err := ParseRecord(matching[0])
			if err != nil {
				return nil, err
			}
			return []*Record{rec}, nil
		default:
			return nil, syntaxErrorf("more than one applicable SPF record")
		}
	}
	return nil, nil
}

func (s *Server) candidateRecordStrings(ctx context.Context, domain string, rrtype uint16) ([]string, error) {
	rrs, err := s.lookupDNS(ctx, domain, rrtype)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range rrs {
		switch v := rr.(type) {
		case *dns.TXT:
			out = append(out, strings.Join(v.Txt, ""))
		case *dns.SPF:
			out = append(out, strings.Join(v.Txt, ""))
		}
	}
	return out, nil
}

func (s *Server) countDNSInteractiveTerm(req *Request) error {
	req.ensureState()
	req.state.dnsInteractiveTerms++
	if req.state.dnsInteractiveTerms > s.maxDNSInteractiveTerms() {
		return limitExceededf("exceeded the limit of %d DNS-interactive terms", s.maxDNSInteractiveTerms())
	}
	return nil
}

// captureExplanation expands the explanation currently bound to req,
// ignoring any expansion error: explanation text never changes a result's
// disposition, only its accompanying message (spec section 4.2, 6.2).
func (s *Server) captureExplanation(ctx context.Context, req *Request, domain string) string {
	req.ensureState()
	if req.state.explanation == nil {
		return ""
	}
	text, err := req.state.explanation.Expand(ctx, s, req, domain, true)
	if err != nil {
		return ""
	}
	return text
}

// installExplanation expands an exp modifier's domain-spec, fetches a
// single TXT record from it, and rebinds it as req's explanation for any
// later "fail" match — including one reached after this record redirects
// elsewhere. Any failure along the way is swallowed: a broken exp modifier
// must never itself turn a check into an error (spec section 6.2).
func (s *Server) installExplanation(ctx context.Context, req *Request, domain string, expSpec MacroString) {
	target, err := s.ExpandDomainSpec(ctx, expSpec, req, domain, false)
	if err != nil {
		return
	}
	target = dns.Fqdn(target)
	if !validDomainName(target) {
		return
	}
	texts, err := s.lookupTXTStrings(ctx, target)
	if err != nil || len(texts) != 1 {
		return
	}
	if !MacroIsValid(texts[0]) {
		return
	}
	bound := NewMacroString(texts[0])
	req.ensureState()
	req.state.explanation = &bound
}

func (s *Server) lookupTXTStrings(ctx context.Context, name string) ([]string, error) {
	rrs, err := s.lookupDNS(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// lookupAddresses resolves name's A (qtype dns.TypeA) or AAAA
// (dns.TypeAAAA) records.
func (s *Server) lookupAddresses(ctx context.Context, name string, qtype uint16) ([]net.IP, error) {
	rrs, err := s.lookupDNS(ctx, name, qtype)
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, rr := range rrs {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A)
		case *dns.AAAA:
			out = append(out, v.AAAA)
		}
	}
	return out, nil
}

// lookupDNS resolves name and returns the answer records matching rrtype,
// treating NXDOMAIN as an empty (not erroneous) result.
func (s *Server) lookupDNS(ctx context.Context, name string, rrtype uint16) ([]dns.RR, error) {
	m, err := s.dnsLookup(ctx, name, rrtype)
	if err != nil {
		return nil, err
	}
	if m.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	var out []dns.RR
	for _, rr := range m.Answer {
		if rr.Header().Rrtype == rrtype {
			out = append(out, rr)
		}
	}
	return out, nil
}

func (s *Server) dnsLookup(ctx context.Context, name string, rrtype uint16) (*dns.Msg, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(normalizeDomainName(name)), rrtype)

	m, err := s.resolve(ctx, q)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, dnsTimeoutError(err)
		}
		return nil, dnsErrorf("dns query for %s %s failed: %v", name, dns.TypeToString[rrtype], err)
	}
	switch m.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		return m, nil
	default:
		return nil, dnsErrorf("dns query for %s %s returned %s", name, dns.TypeToString[rrtype], dns.RcodeToString[m.Rcode])
	}
}

func (s *Server) resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	m, err := s.Resolver.Resolve(ctx, q)
	if s.Hook != nil {
		s.Hook.Dns(q, m, err)
	}
	return m, err
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Check is a package-level convenience over a default-configured Server,
// suitable for one-off lookups; long-lived callers should construct and
// reuse a Server directly so Resolver connections and limits are shared.
func Check(ctx context.Context, ip net.IP, mailFrom, helo string) Result {
	return NewServer().SPF(ctx, ip, mailFrom, helo)
}
