package spf

import (
	"context"
	"testing"

	"github.com/go-spf/spf4408/internal/zonefixture"
)

// compliance is a small RFC 7208/openspf-style YAML compliance suite,
// grounded on the shape of the teacher's spf_test.go fixtures but
// rewritten against internal/zonefixture's Suite format.
const compliance = `
description: basic mechanism and modifier coverage
zonedata:
  example.com:
    TXT: "v=spf1 ip4:192.0.2.0/24 a:mail.example.com mx -all"
  mail.example.com:
    A: "198.51.100.10"
  mx.example.com:
    TXT: "v=spf1 mx -all"
    MX: [10, "mailhost.example.com"]
  mailhost.example.com:
    A: "192.0.2.20"
  redirected.example.com:
    TXT: "v=spf1 redirect=example.com"
  neutral.example.com:
    TXT: "v=spf1 ?all"
  softfail.example.com:
    TXT: "v=spf1 ~all"
  none.example.com: {}
  malformed.example.com:
    TXT: "v=spf1 notamechanism"
tests:
  pass-via-ip4:
    description: client address is within the published ip4 CIDR
    helo: mail.example.com
    host: 192.0.2.42
    mailfrom: sender@example.com
    result: pass
  pass-via-a:
    description: client resolves via the a mechanism's address record
    helo: mail.example.com
    host: 198.51.100.10
    mailfrom: sender@example.com
    result: pass
  fail-outside-range:
    description: client address matches none of the record's mechanisms
    helo: mail.example.com
    host: 198.51.100.9
    mailfrom: sender@example.com
    result: fail
  pass-via-mx:
    description: client resolves via the mx mechanism's exchange address
    helo: mail.example.com
    host: 192.0.2.20
    mailfrom: sender@mx.example.com
    result: pass
  pass-via-redirect:
    description: falling off the end follows the redirect modifier
    helo: mail.example.com
    host: 192.0.2.42
    mailfrom: sender@redirected.example.com
    result: pass
  neutral-default:
    description: the catch-all ?all mechanism yields neutral
    helo: mail.example.com
    host: 203.0.113.9
    mailfrom: sender@neutral.example.com
    result: neutral
  softfail-default:
    description: the catch-all ~all mechanism yields softfail
    helo: mail.example.com
    host: 203.0.113.9
    mailfrom: sender@softfail.example.com
    result: softfail
  none-no-record:
    description: domain publishes no SPF record at all
    helo: mail.example.com
    host: 203.0.113.9
    mailfrom: sender@none.example.com
    result: none
  permerror-malformed:
    description: record contains an unparseable mechanism
    helo: mail.example.com
    host: 203.0.113.9
    mailfrom: sender@malformed.example.com
    result: permerror
`

func TestComplianceSuite(t *testing.T) {
	suites, err := zonefixture.LoadSuites(compliance)
	if err != nil {
		t.Fatalf("LoadSuites: %v", err)
	}
	if len(suites) != 1 {
		t.Fatalf("len(suites) = %d, want 1", len(suites))
	}
	suite := suites[0]

	resolver, err := suite.Resolver()
	if err != nil {
		t.Fatalf("Resolver: %v", err)
	}

	for name, test := range suite.Tests {
		test := test
		t.Run(name, func(t *testing.T) {
			s := NewServer()
			s.Resolver = resolver

			result := s.Process(context.Background(), NewRequest(test.MailFrom, ScopeMFROM, test.Host, test.Helo))

			want, err := test.AcceptableResults()
			if err != nil {
				t.Fatalf("AcceptableResults: %v", err)
			}
			for _, w := range want {
				if result.Kind.String() == w {
					return
				}
			}
			t.Errorf("%s: Process() = %v, want one of %v", test.Description, result.Kind, want)
		})
	}
}
