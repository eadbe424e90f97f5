/*
Package spf implements an SPF policy checker as described by RFC 4408.

Given a client IP address, an envelope sender or HELO identity, and a
Server configured with a DNS Resolver, Process retrieves and evaluates the
authority domain's published SPF record and returns an authoritative
Result: pass, fail, softfail, neutral, none, permerror or temperror. For
fail results the Result carries a macro-expanded explanation string.

The core of the package is a small interpreter over an externally
supplied grammar: Record parses the textual policy into an ordered list
of Mechanisms and a set of Modifiers, Server drives DNS-bounded
evaluation of that Record (including recursive evaluation for include
and redirect), and MacroString implements the RFC 4408 section 8
expansion language used in domain-specs and explanation text.

A DNS stub resolver is included, built on github.com/miekg/dns, but can
be replaced with anything implementing the Resolver interface. The Hook
interface exposes the same instrumentation points a caller can use to
trace why a policy produced the result it did.
*/
package spf
