package spf

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"

	"github.com/go-spf/spf4408/internal/zonefixture"
)

func TestParseRecordVersion1(t *testing.T) {
	rec, err := ParseRecord("v=spf1 a mx -all")
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Version = %d, want 1", rec.Version)
	}
	if !rec.Scopes[ScopeHELO] || !rec.Scopes[ScopeMFROM] {
		t.Errorf("Scopes = %v, want helo and mfrom", rec.Scopes)
	}
	if len(rec.Mechanisms) != 3 {
		t.Fatalf("len(Mechanisms) = %d, want 3", len(rec.Mechanisms))
	}
}

func TestParseRecordVersion2(t *testing.T) {
	rec, err := ParseRecord("spf2.0/pra,mfrom a -all")
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("Version = %d, want 2", rec.Version)
	}
	if !rec.Scopes[ScopePRA] || !rec.Scopes[ScopeMFROM] || rec.Scopes[ScopeHELO] {
		t.Errorf("Scopes = %v, want pra and mfrom only", rec.Scopes)
	}
}

func TestParseRecordModifiers(t *testing.T) {
	rec, err := ParseRecord("v=spf1 a redirect=_spf.example.com")
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if !rec.HasRedirect || rec.Redirect.Raw() != "_spf.example.com" {
		t.Errorf("redirect = %+v", rec.Redirect)
	}

	if _, err := ParseRecord("v=spf1 redirect=a.example.com redirect=b.example.com"); err == nil {
		t.Error("expected error for duplicate redirect modifier")
	}
	if _, err := ParseRecord("v=spf1 foo=bar foo=baz -all"); err == nil {
		t.Error("expected error for duplicate unknown modifier")
	}
	if _, err := ParseRecord(""); err == nil {
		t.Error("expected error for empty record")
	}
	if _, err := ParseRecord("not-an-spf-record"); err == nil {
		t.Error("expected error for missing version tag")
	}
}

func TestRecordStringRoundTrip(t *testing.T) {
	for _, text := range []string{
		"v=spf1 a mx -all",
		"v=spf1 ip4:192.0.2.0/24 -all",
	} {
		rec, err := ParseRecord(text)
		if err != nil {
			t.Fatalf("ParseRecord(%q): %v", text, err)
		}
		if got := rec.String(); got != text {
			t.Errorf("String() = %q, want %q", got, text)
		}
	}
}

func TestRecordEvaluate(t *testing.T) {
	resolver, err := zonefixture.Build(map[string]zonefixture.Zone{
		"example.com": {"TXT": "v=spf1 ip4:192.0.2.0/24 -all"},
	})
	if err != nil {
		t.Fatalf("building zone: %v", err)
	}

	s := NewServer()
	s.Resolver = resolver

	pass := s.Process(context.Background(), NewRequest("user@example.com", ScopeMFROM, net.ParseIP("192.0.2.42"), ""))
	if pass.Kind != Pass {
		t.Errorf("Process(matching ip) = %v, want pass", pass.Kind)
	}

	fail := s.Process(context.Background(), NewRequest("user@example.com", ScopeMFROM, net.ParseIP("198.51.100.1"), ""))
	if fail.Kind != Fail {
		t.Errorf("Process(non-matching ip) = %v, want fail", fail.Kind)
	}
}

func TestRecordEvaluateRedirect(t *testing.T) {
	resolver, err := zonefixture.Build(map[string]zonefixture.Zone{
		"example.com":      {"TXT": "v=spf1 redirect=_spf.example.com"},
		"_spf.example.com": {"TXT": "v=spf1 ip4:192.0.2.0/24 -all"},
	})
	if err != nil {
		t.Fatalf("building zone: %v", err)
	}

	s := NewServer()
	s.Resolver = resolver

	result := s.Process(context.Background(), NewRequest("user@example.com", ScopeMFROM, net.ParseIP("192.0.2.5"), ""))
	if result.Kind != Pass {
		t.Errorf("Process(redirected pass) = %v, want pass", result.Kind)
	}
}

func TestRecordEvaluateExplanation(t *testing.T) {
	resolver, err := zonefixture.Build(map[string]zonefixture.Zone{
		"example.com": {
			"TXT": "v=spf1 -all exp=explain.example.com",
		},
		"explain.example.com": {"TXT": "Denied, %{c} is not one of %{d}'s senders"},
	})
	if err != nil {
		t.Fatalf("building zone: %v", err)
	}

	s := NewServer()
	s.Resolver = resolver

	result := s.Process(context.Background(), NewRequest("user@example.com", ScopeMFROM, net.ParseIP("192.0.2.5"), ""))
	if result.Kind != Fail {
		t.Fatalf("Process() = %v, want fail", result.Kind)
	}
	want := "Denied, 192.0.2.5 is not one of example.com's senders"
	if result.Explanation != want {
		t.Errorf("Explanation = %q, want %q", result.Explanation, want)
	}
}

// TestRecordEvaluateIncludeDoesNotLeakExplanation confirms an included
// domain's own exp modifier stays scoped to that domain: a fail produced
// back in the includer's own record must report the includer's
// explanation, not the one bound while evaluating the include.
func TestRecordEvaluateIncludeDoesNotLeakExplanation(t *testing.T) {
	resolver, err := zonefixture.Build(map[string]zonefixture.Zone{
		"example.com": {
			"TXT": "v=spf1 include:evil.example -all exp=explain.example.com",
		},
		"evil.example":        {"TXT": "v=spf1 -all exp=gotcha.evil.example"},
		"gotcha.evil.example": {"TXT": "you should never see this"},
		"explain.example.com": {"TXT": "Denied by example.com"},
	})
	if err != nil {
		t.Fatalf("building zone: %v", err)
	}

	s := NewServer()
	s.Resolver = resolver

	result := s.Process(context.Background(), NewRequest("user@example.com", ScopeMFROM, net.ParseIP("192.0.2.5"), ""))
	if result.Kind != Fail {
		t.Fatalf("Process() = %v, want fail", result.Kind)
	}
	want := "Denied by example.com"
	if result.Explanation != want {
		t.Errorf("Explanation = %q, want %q (leaked the included domain's own exp instead)", result.Explanation, want)
	}
}

func TestRecordEvaluateIncludeLoop(t *testing.T) {
	resolver, err := zonefixture.Build(map[string]zonefixture.Zone{
		"example.com": {"TXT": "v=spf1 include:example.com -all"},
	})
	if err != nil {
		t.Fatalf("building zone: %v", err)
	}

	s := NewServer()
	s.Resolver = resolver

	result := s.Process(context.Background(), NewRequest("user@example.com", ScopeMFROM, net.ParseIP("192.0.2.5"), ""))
	if result.Kind != Permerror {
		t.Errorf("Process(include loop) = %v, want permerror", result.Kind)
	}
}

// twoTXTResolver answers every query for "example.com." TXT with two
// distinct, independently-parseable SPF records, to exercise the "more
// than one applicable record" permerror (spec section 4.1 step 3).
type twoTXTResolver struct{}

func (twoTXTResolver) Resolve(_ context.Context, r *dns.Msg) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetReply(r)
	if r.Question[0].Qtype != dns.TypeTXT {
		m.SetRcode(r, dns.RcodeSuccess)
		return m, nil
	}
	hdr := dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 30}
	m.Answer = []dns.RR{
		&dns.TXT{Hdr: hdr, Txt: []string{"v=spf1 -all"}},
		&dns.TXT{Hdr: hdr, Txt: []string{"v=spf1 +all"}},
	}
	m.SetRcode(r, dns.RcodeSuccess)
	return m, nil
}

func TestRecordEvaluateMultipleRecordsIsPermerror(t *testing.T) {
	s := NewServer()
	s.Resolver = twoTXTResolver{}

	result := s.Process(context.Background(), NewRequest("user@example.com", ScopeMFROM, net.ParseIP("192.0.2.5"), ""))
	if result.Kind != Permerror {
		t.Errorf("Process(two candidate records) = %v, want permerror", result.Kind)
	}
}
