package spf

// Scope identifies which mail identity an SPF check applies to (RFC 4408
// section 2.2 and section 3.3's spf2.0 scope list).
type Scope string

const (
	// ScopeHELO checks the identity given in the SMTP HELO/EHLO command.
	ScopeHELO Scope = "helo"
	// ScopeMFROM checks the envelope sender, smtp.mailfrom.
	ScopeMFROM Scope = "mfrom"
	// ScopePRA checks the Purported Responsible Address (RFC 4407).
	ScopePRA Scope = "pra"
)

// scopeNames maps the names used in a "spf2.0/SCOPELIST" record to the
// Scope they select. "mailfrom" is accepted as a synonym for "mfrom", the
// way it appears in spf2.0 records in the wild.
var scopeNames = map[string]Scope{
	"mfrom":    ScopeMFROM,
	"mailfrom": ScopeMFROM,
	"pra":      ScopePRA,
}
