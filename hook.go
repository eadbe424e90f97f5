package spf

import "github.com/miekg/dns"

// Hook lets a caller observe an evaluation as it happens: which records
// were fetched, which mechanisms matched, how macros expanded, and why
// the final Result came out the way it did.
type Hook interface {
	Dns(r, m *dns.Msg, err error)                                                       // a DNS query was sent
	Record(record, domain string, version int)                                         // a record is about to be evaluated
	RecordResult(domain string, result Result)                                         // a record finished evaluating
	Macro(before, after string, err error)                                             // a macro string was expanded
	Mechanism(domain string, index int, mechanism Mechanism, matched bool, err error)   // a mechanism produced an outcome
	Redirect(target string)                                                            // a redirect modifier is about to run
}
