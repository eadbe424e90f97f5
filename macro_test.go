package spf

import (
	"context"
	"net"
	"strings"
	"testing"
)

func TestMacroIsValid(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"plain domain", "example.com", true},
		{"sender and domain", "%{s}.%{d}", true},
		{"digit transformer", "%{i1}.%{d2}", true},
		{"reverse transformer", "%{ir}.example.com", true},
		{"custom delimiters", "%{l-+}.example.com", true},
		{"literal percent", "%%.example.com", true},
		{"literal underscore and dash", "%_%-.example.com", true},
		{"trailing percent", "example.com%", false},
		{"unknown letter", "%{q}.example.com", false},
		{"unterminated expansion", "%{s.example.com", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MacroIsValid(tc.in); got != tc.want {
				t.Errorf("MacroIsValid(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestMacroStringExpand(t *testing.T) {
	s := NewServer()
	s.Hostname = "mail.example.net"
	ctx := context.Background()

	cases := []struct {
		name            string
		raw             string
		req             *Request
		explanation     bool
		want            string
		wantErrContains string
	}{
		{
			name: "sender and local-part",
			raw:  "%{s}-%{l}",
			req:  NewRequest("strong-bad@email.example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""),
			want: "strong-bad@email.example.com-strong-bad",
		},
		{
			name: "default local-part",
			raw:  "%{l}",
			req:  NewRequest("email.example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""),
			want: "postmaster",
		},
		{
			name: "reversed domain labels",
			raw:  "%{dr}",
			req:  NewRequest("strong-bad@email.example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""),
			want: "com.example.email",
		},
		{
			name: "ipv4 dotted address",
			raw:  "%{i}",
			req:  NewRequest("strong-bad@email.example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""),
			want: "192.0.2.1",
		},
		{
			name: "last two domain labels",
			raw:  "%{d2}",
			req:  NewRequest("strong-bad@mail.email.example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""),
			want: "example.com",
		},
		{
			name:            "client macro outside explanation is an error",
			raw:             "%{c}",
			req:             NewRequest("strong-bad@email.example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""),
			explanation:     false,
			wantErrContains: "explanation",
		},
		{
			name:        "client macro inside explanation",
			raw:         "%{c}",
			req:         NewRequest("strong-bad@email.example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""),
			explanation: true,
			want:        "192.0.2.1",
		},
		{
			name:        "receiving host macro",
			raw:         "%{r}",
			req:         NewRequest("strong-bad@email.example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""),
			explanation: true,
			want:        "mail.example.net",
		},
		{
			name:            "zero digit transformer is a syntax error",
			raw:             "%{d0}",
			req:             NewRequest("strong-bad@mail.email.example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""),
			wantErrContains: "range",
		},
		{
			name:            "digit transformer over 128 is a syntax error",
			raw:             "%{d200}",
			req:             NewRequest("strong-bad@mail.email.example.com", ScopeMFROM, net.ParseIP("192.0.2.1"), ""),
			wantErrContains: "range",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewMacroString(tc.raw).Expand(ctx, s, tc.req, tc.req.AuthorityDomain(), tc.explanation)
			if tc.wantErrContains != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErrContains) {
					t.Fatalf("Expand(%q) error = %v, want containing %q", tc.raw, err, tc.wantErrContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expand(%q) unexpected error: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Errorf("Expand(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestMacroClientIPv6(t *testing.T) {
	req := NewRequest("foo@example.com", ScopeMFROM, net.ParseIP("2001:db8::cb01"), "")
	got := macroClientIP(req)
	want := "2.0.0.1.0.d.b.8.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.c.b.0.1"
	if got != want {
		t.Errorf("macroClientIP(ipv6) = %q, want %q", got, want)
	}
}
