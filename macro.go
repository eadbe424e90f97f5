package spf

import (
	"bytes"
	"context"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// 8. Macros (RFC 4408)
//
//   When evaluating an SPF policy record, certain character sequences are
//   intended to be replaced by parameters of the message or of the
//   connection. These character sequences are referred to as "macros".
//
//   domain-spec      = macro-string domain-end
//   macro-string     = *( macro-expand / macro-literal )
//   macro-expand     = ( "%{" macro-letter transformers *delimiter "}" )
//                      / "%%" / "%_" / "%-"
//   macro-letter     = "s" / "l" / "o" / "d" / "i" / "p" / "h" /
//                      "c" / "r" / "t" / "v"
//   transformers     = *DIGIT [ "r" ]
//   delimiter        = "." / "-" / "+" / "," / "/" / "_" / "="
//
// s, l, o, d, i, p, h and v are usable anywhere a domain-spec appears. c,
// r and t are usable only in explanation text (spec section 4.4).

var macroExpandRe = regexp.MustCompile(`^{([slodiphvcrtSLODIPHVCRT])([0-9]{0,3})(r?)([.+,/_=-]*)}`)

// MacroString is a lazily-expanded domain-spec or explanation template:
// its raw text plus nothing else, so textual equality of two MacroStrings
// implies they expand identically (spec section 3).
type MacroString struct {
	raw string
}

// NewMacroString wraps raw macro-string text for later expansion.
func NewMacroString(raw string) MacroString {
	return MacroString{raw: raw}
}

// Raw returns the unexpanded macro-string text.
func (m MacroString) Raw() string {
	return m.raw
}

// MacroIsValid reports whether s is syntactically valid macro-string text,
// without attempting to expand it.
func MacroIsValid(s string) bool {
	for {
		percent := strings.IndexByte(s, '%')
		if percent == -1 {
			return true
		}
		s = s[percent+1:]
		if len(s) == 0 {
			return false
		}
		switch s[0] {
		case '%', '-', '_':
			s = s[1:]
		case '{':
			matches := macroExpandRe.FindStringSubmatch(s)
			if matches == nil {
				return false
			}
			s = s[len(matches[0]):]
		default:
			return false
		}
	}
}

// Expand populates a MacroString against the (server, request, domain)
// triple. explanationContext must be true only when expanding an "exp"
// modifier's target TXT record; the c, r and t macro letters are a syntax
// error outside that context (spec section 4.4, section 9 TODO (c)).
func (m MacroString) Expand(ctx context.Context, s *Server, req *Request, domain string, explanationContext bool) (string, error) {
	expansion, err := m.expand(ctx, s, req, domain, explanationContext)
	if s.Hook != nil {
		s.Hook.Macro(m.raw, expansion, err)
	}
	return expansion, err
}

func (m MacroString) expand(ctx context.Context, s *Server, req *Request, domain string, explanationContext bool) (string, error) {
	raw := m.raw
	percent := strings.IndexByte(raw, '%')
	if percent == -1 {
		return raw, nil
	}

	var out strings.Builder
	for {
		out.WriteString(raw[:percent])
		raw = raw[percent+1:]
		if len(raw) == 0 {
			return "", syntaxErrorf("trailing %% in macro expansion")
		}
		switch raw[0] {
		case '%':
			out.WriteByte('%')
			raw = raw[1:]
		case '-':
			out.WriteString("%20")
			raw = raw[1:]
		case '_':
			out.WriteByte(' ')
			raw = raw[1:]
		case '{':
			matches := macroExpandRe.FindStringSubmatch(raw)
			if matches == nil {
				return "", syntaxErrorf("invalid macro expression near %q", raw)
			}
			letter, limitStr, reverse, delims := matches[1], matches[2], matches[3], matches[4]
			raw = raw[len(matches[0]):]

			replacement, err := expandMacroLetter(ctx, s, req, domain, letter, explanationContext)
			if err != nil {
				return "", err
			}

			if letter[0] >= 'A' && letter[0] <= 'Z' {
				replacement = rfc3986Escape(replacement)
			}

			if limitStr != "" || reverse != "" || delims != "" {
				replacement, err = transformMacroValue(replacement, limitStr, reverse != "", delims)
				if err != nil {
					return "", err
				}
			}
			out.WriteString(replacement)
		default:
			return "", syntaxErrorf("invalid character %q following %% in macro expansion", raw[0])
		}

		percent = strings.IndexByte(raw, '%')
		if percent == -1 {
			out.WriteString(raw)
			return out.String(), nil
		}
	}
}

func expandMacroLetter(ctx context.Context, s *Server, req *Request, domain, letter string, explanationContext bool) (string, error) {
	switch strings.ToLower(letter) {
	case "s":
		return req.sender(), nil
	case "l":
		return req.LocalPart(), nil
	case "o":
		return strings.TrimSuffix(req.AuthorityDomain(), "."), nil
	case "d":
		return strings.TrimSuffix(domain, "."), nil
	case "i":
		return macroClientIP(req), nil
	case "p":
		return validatedPTRName(ctx, s, req, domain), nil
	case "h":
		return req.HeloIdentity, nil
	case "v":
		if req.isIPv6() {
			return "ip6", nil
		}
		return "in-addr", nil
	case "c":
		if !explanationContext {
			return "", syntaxErrorf("%%{c} is only valid in explanation text")
		}
		return req.ClientIP.String(), nil
	case "r":
		if !explanationContext {
			return "", syntaxErrorf("%%{r} is only valid in explanation text")
		}
		if s.Hostname != "" {
			return s.Hostname, nil
		}
		return "unknown", nil
	case "t":
		if !explanationContext {
			return "", syntaxErrorf("%%{t} is only valid in explanation text")
		}
		return strconv.FormatInt(time.Now().Unix(), 10), nil
	default:
		return "", syntaxErrorf("unknown macro letter %q", letter)
	}
}

// macroClientIP renders the %{i} macro: dotted-quad for IPv4, or all 32
// hex nibbles of the address, most significant first and separated by
// dots, for IPv6 (spec section 4.4).
func macroClientIP(req *Request) string {
	if !req.isIPv6() {
		return req.ip4().String()
	}
	v6 := req.ip6()
	encoded := make([]byte, hex.EncodedLen(len(v6)))
	hex.Encode(encoded, v6)
	var buf bytes.Buffer
	for i, b := range encoded {
		if i != 0 {
			buf.WriteByte('.')
		}
		buf.WriteByte(b)
	}
	return buf.String()
}

// transformMacroValue applies the optional digit-count and "r" reverse
// transformers to a macro expansion, splitting on delims (default ".")
// and always rejoining with ".". A digit-count transformer outside 1-128
// is a syntax error (spec section 4.4): "values outside this range are a
// syntax error", not a silently-ignored limit.
func transformMacroValue(value, limitStr string, reverse bool, delims string) (string, error) {
	if delims == "" {
		delims = "."
	}
	var parts []string
	for {
		i := strings.IndexAny(value, delims)
		if i == -1 {
			parts = append(parts, value)
			break
		}
		parts = append(parts, value[:i])
		value = value[i+1:]
	}
	if reverse {
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
	}
	if limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > 128 {
			return "", syntaxErrorf("macro transformer digit-count %q out of range 1-128", limitStr)
		}
		if limit < len(parts) {
			parts = parts[len(parts)-limit:]
		}
	}
	return strings.Join(parts, "."), nil
}

// ExpandDomainSpec expands a domain-spec macro string and, if the result
// is too long for a DNS label set (253 bytes), trims whole leading labels
// until it fits (spec section 4.4 / RFC 4408 section 8.1).
func (s *Server) ExpandDomainSpec(ctx context.Context, ms MacroString, req *Request, domain string, explanationContext bool) (string, error) {
	if ms.raw == "" {
		return domain, nil
	}
	target, err := ms.Expand(ctx, s, req, domain, explanationContext)
	if err != nil {
		return "", err
	}
	if len(target) <= 253 {
		return target, nil
	}
	parts := strings.Split(target, ".")
	length := len(target)
	for len(parts) > 0 {
		length -= len(parts[0]) + 1
		parts = parts[1:]
		if length <= 253 {
			return strings.Join(parts, "."), nil
		}
	}
	return "", syntaxErrorf("domain-spec expands to an oddly long name")
}

const upperhex = "0123456789ABCDEF"

// rfc3986Escape percent-encodes everything outside RFC 3986's unreserved
// character set, for the uppercase macro letters (spec section 4.4).
func rfc3986Escape(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	buf := make([]byte, len(s)+2*n)
	j := 0
	for i := 0; i < len(s); i++ {
		if c := s[i]; shouldEscape(c) {
			buf[j] = '%'
			buf[j+1] = upperhex[c>>4]
			buf[j+2] = upperhex[c&0xf]
			j += 3
		} else {
			buf[j] = s[i]
			j++
		}
	}
	return string(buf)
}

func shouldEscape(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return false
	}
	switch c {
	case '-', '.', '_', '~':
		return false
	}
	return true
}
