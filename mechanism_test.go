package spf

import (
	"testing"
)

func TestNewMechanismRoundTrip(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"all", "all"},
		{"-all", "-all"},
		{"+all", "all"},
		{"~all", "~all"},
		{"?all", "?all"},
		{"include:example.com", "include:example.com"},
		{"a", "a"},
		{"a:example.com", "a:example.com"},
		{"a/24", "a/24"},
		{"a:example.com/24//64", "a:example.com/24//64"},
		{"mx", "mx"},
		{"mx/24", "mx/24"},
		{"ptr:example.com", "ptr:example.com"},
		{"ip4:192.0.2.0/24", "ip4:192.0.2.0/24"},
		{"ip4:192.0.2.1", "ip4:192.0.2.1/32"},
		{"ip6:2001:db8::/32", "ip6:2001:db8::/32"},
		{"exists:%{i}.example.com", "exists:%{i}.example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			m, err := NewMechanism(tc.in)
			if err != nil {
				t.Fatalf("NewMechanism(%q) error: %v", tc.in, err)
			}
			if got := m.String(); got != tc.want {
				t.Errorf("NewMechanism(%q).String() = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNewMechanismErrors(t *testing.T) {
	cases := []string{
		"",
		"bogus",
		"all:foo",
		"include",
		"include:",
		"ip4:not-an-address",
		"ip4:192.0.2.0/99",
		"ip6:192.0.2.1",
		"a:",
	}
	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			if _, err := NewMechanism(in); err == nil {
				t.Errorf("NewMechanism(%q) expected error, got none", in)
			}
		})
	}
}

func TestDualCIDR(t *testing.T) {
	cases := []struct {
		in         string
		wantDomain string
		want4      int
		want6      int
	}{
		{"example.com", "example.com", 32, 128},
		{"example.com/24", "example.com", 24, 128},
		{"example.com//64", "example.com", 32, 64},
		{"example.com/24//64", "example.com", 24, 64},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			domain, v4, v6, err := dualCIDR(tc.in)
			if err != nil {
				t.Fatalf("dualCIDR(%q) error: %v", tc.in, err)
			}
			if domain != tc.wantDomain {
				t.Errorf("dualCIDR(%q) domain = %q, want %q", tc.in, domain, tc.wantDomain)
			}
			if ones, _ := v4.Size(); ones != tc.want4 {
				t.Errorf("dualCIDR(%q) v4 mask = /%d, want /%d", tc.in, ones, tc.want4)
			}
			if ones, _ := v6.Size(); ones != tc.want6 {
				t.Errorf("dualCIDR(%q) v6 mask = /%d, want /%d", tc.in, ones, tc.want6)
			}
		})
	}
}
