package spf

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/go-spf/spf4408/internal/zonefixture"
)

// TestScenarioIncludeSoftfail exercises an include whose own result is a
// non-matching outcome (fail), letting evaluation continue to the
// parent record's own ~all.
func TestScenarioIncludeSoftfail(t *testing.T) {
	resolver, err := zonefixture.Build(map[string]zonefixture.Zone{
		"example.com":     {"TXT": "v=spf1 include:partner.example ~all"},
		"partner.example": {"TXT": "v=spf1 ip4:203.0.113.0/24 -all"},
	})
	if err != nil {
		t.Fatalf("building zone: %v", err)
	}

	s := NewServer()
	s.Resolver = resolver

	result := s.Process(context.Background(), NewRequest("user@example.com", ScopeMFROM, net.ParseIP("198.51.100.9"), ""))
	if result.Kind != Softfail {
		t.Errorf("Process() = %v, want softfail", result.Kind)
	}
}

// TestScenarioRedirectFail mirrors TestRecordEvaluateRedirect's pass case
// with an address that instead falls through the redirect target's -all.
func TestScenarioRedirectFail(t *testing.T) {
	resolver, err := zonefixture.Build(map[string]zonefixture.Zone{
		"example.com":   {"TXT": "v=spf1 redirect=other.example"},
		"other.example": {"TXT": "v=spf1 ip4:192.0.2.1 -all"},
	})
	if err != nil {
		t.Fatalf("building zone: %v", err)
	}

	s := NewServer()
	s.Resolver = resolver

	pass := s.Process(context.Background(), NewRequest("user@example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""))
	if pass.Kind != Pass {
		t.Errorf("Process(matching redirect target) = %v, want pass", pass.Kind)
	}

	fail := s.Process(context.Background(), NewRequest("user@example.com", ScopeMFROM, net.ParseIP("10.0.0.1"), ""))
	if fail.Kind != Fail {
		t.Errorf("Process(non-matching redirect target) = %v, want fail", fail.Kind)
	}
}

// TestScenarioProcessingLimitExceeded chains more distinct include
// targets than the default DNS-interactive-term ceiling allows.
func TestScenarioProcessingLimitExceeded(t *testing.T) {
	zones := map[string]zonefixture.Zone{}
	const depth = 11
	for i := 0; i < depth; i++ {
		zones[fmt.Sprintf("chain%d.example", i)] = zonefixture.Zone{
			"TXT": fmt.Sprintf("v=spf1 include:chain%d.example -all", i+1),
		}
	}
	zones[fmt.Sprintf("chain%d.example", depth)] = zonefixture.Zone{"TXT": "v=spf1 -all"}

	resolver, err := zonefixture.Build(zones)
	if err != nil {
		t.Fatalf("building zone: %v", err)
	}

	s := NewServer()
	s.Resolver = resolver

	result := s.Process(context.Background(), NewRequest("user@chain0.example", ScopeMFROM, net.ParseIP("192.0.2.1"), ""))
	if result.Kind != Permerror {
		t.Errorf("Process(11-deep include chain) = %v, want permerror", result.Kind)
	}
}
